package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"alertboard/internal/domain"
)

var ErrNotFound = errors.New("no result recorded")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS attempts (
  id TEXT PRIMARY KEY,
  batch_id TEXT NOT NULL,
  rule_id TEXT NOT NULL,
  query TEXT NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  result BLOB,
  executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_executed ON attempts(executed_at DESC);
CREATE INDEX IF NOT EXISTS idx_attempts_rule ON attempts(rule_id, executed_at DESC);
CREATE TABLE IF NOT EXISTS latest_results (
  query TEXT PRIMARY KEY,
  rule_id TEXT NOT NULL,
  result BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Repository is the execution history kept for the dashboard. It is an audit
// trail only; the scheduler never reads it back.
type Repository interface {
	RecordBatch(ctx context.Context, b domain.Batch) error
	LatestResult(ctx context.Context, query string) (domain.Attempt, error)
	LatestResults(ctx context.Context) (map[string]json.RawMessage, error)
	ListRecentAttempts(ctx context.Context, limit int) ([]domain.Attempt, error)
	ListRuleAttempts(ctx context.Context, ruleID string, limit int) ([]domain.Attempt, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

// RecordBatch stores every attempt of b and advances latest_results for the
// successful ones, in one transaction.
func (r *sqliteRepo) RecordBatch(ctx context.Context, b domain.Batch) (err error) {
	if len(b.Attempts) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, a := range b.Attempts {
		id := a.ID
		if id == "" {
			id = "att_" + uuid.NewString()
		}
		var errStr sql.NullString
		if a.Error != "" {
			errStr = sql.NullString{String: a.Error, Valid: true}
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO attempts (id,batch_id,rule_id,query,success,error,result,executed_at)
VALUES (?,?,?,?,?,?,?,?)`,
			id, b.ID, a.RuleID, a.Query, a.Success, errStr, []byte(a.Result), a.ExecutedAt.UnixNano()); err != nil {
			return err
		}
		if !a.Success {
			continue
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO latest_results (query,rule_id,result,updated_at) VALUES (?,?,?,?)
ON CONFLICT(query) DO UPDATE SET rule_id=excluded.rule_id, result=excluded.result, updated_at=excluded.updated_at
WHERE excluded.updated_at >= latest_results.updated_at`,
			a.Query, a.RuleID, []byte(a.Result), a.ExecutedAt.UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRepo) LatestResult(ctx context.Context, query string) (domain.Attempt, error) {
	row := r.db.QueryRowContext(ctx, `SELECT rule_id,result,updated_at FROM latest_results WHERE query=?`, query)
	a := domain.Attempt{Query: query, Success: true}
	var result []byte
	var at int64
	if err := row.Scan(&a.RuleID, &result, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Attempt{}, ErrNotFound
		}
		return domain.Attempt{}, err
	}
	a.Result = result
	a.ExecutedAt = time.Unix(0, at)
	return a, nil
}

func (r *sqliteRepo) LatestResults(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT query,result FROM latest_results`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var q string
		var result []byte
		if err := rows.Scan(&q, &result); err != nil {
			return nil, err
		}
		out[q] = result
	}
	return out, rows.Err()
}

func (r *sqliteRepo) ListRecentAttempts(ctx context.Context, limit int) ([]domain.Attempt, error) {
	return r.listAttempts(ctx, `
SELECT id,batch_id,rule_id,query,success,error,result,executed_at
FROM attempts ORDER BY executed_at DESC, id LIMIT ?`, limit)
}

func (r *sqliteRepo) ListRuleAttempts(ctx context.Context, ruleID string, limit int) ([]domain.Attempt, error) {
	return r.listAttempts(ctx, `
SELECT id,batch_id,rule_id,query,success,error,result,executed_at
FROM attempts WHERE rule_id=? ORDER BY executed_at DESC, id LIMIT ?`, ruleID, limit)
}

func (r *sqliteRepo) listAttempts(ctx context.Context, q string, args ...any) ([]domain.Attempt, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var errStr sql.NullString
		var result []byte
		var at int64
		if err := rows.Scan(&a.ID, &a.BatchID, &a.RuleID, &a.Query, &a.Success, &errStr, &result, &at); err != nil {
			return nil, err
		}
		a.Error = errStr.String
		if len(result) > 0 {
			a.Result = result
		}
		a.ExecutedAt = time.Unix(0, at)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Prune deletes attempts executed before the cutoff. latest_results is kept.
func (r *sqliteRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attempts WHERE executed_at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
