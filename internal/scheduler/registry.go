package scheduler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"alertboard/internal/domain"
	"alertboard/internal/interval"
)

type rule struct {
	id       string
	query    string
	interval string
	every    time.Duration

	nextDue time.Time
	seq     uint64

	lastResult json.RawMessage
	lastErr    string
	failed     bool
	lastRunAt  time.Time
	successes  int
	failures   int

	// gen is unique per registry and changes whenever query or interval
	// change, so outcomes of executions started earlier can be told apart.
	gen uint64
}

// RuleSnapshot is a read-only copy of a rule's state.
type RuleSnapshot struct {
	ID         string          `json:"id"`
	Query      string          `json:"query"`
	Interval   string          `json:"interval"`
	IntervalMs int64           `json:"interval_ms"`
	NextDue    time.Time       `json:"next_due"`
	LastResult json.RawMessage `json:"last_result,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	Successes  int             `json:"successes"`
	Failures   int             `json:"failures"`
}

func (r *rule) snapshot() RuleSnapshot {
	s := RuleSnapshot{
		ID:         r.id,
		Query:      r.query,
		Interval:   r.interval,
		IntervalMs: r.every.Milliseconds(),
		NextDue:    r.nextDue,
		LastResult: bytes.Clone(r.lastResult),
		LastError:  r.lastErr,
		Successes:  r.successes,
		Failures:   r.failures,
	}
	if !r.lastRunAt.IsZero() {
		at := r.lastRunAt
		s.LastRunAt = &at
	}
	return s
}

// registry owns every rule and its single queue entry.
type registry struct {
	rules map[string]*rule
	queue execQueue
	gen   uint64

	// minEvery is the shortest gap between two runs of one rule. A "0s"
	// interval parses to zero and would otherwise re-fire without pause.
	minEvery time.Duration
}

func newRegistry() *registry {
	return &registry{rules: make(map[string]*rule)}
}

func (g *registry) add(spec domain.RuleSpec, now time.Time) error {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	if _, ok := g.rules[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, id)
	}
	r := &rule{
		id:       id,
		query:    spec.Query,
		interval: spec.Interval,
		every:    interval.Parse(spec.Interval),
		nextDue:  now,
	}
	g.gen++
	r.gen = g.gen
	g.rules[id] = r
	g.queue.insert(r)
	return nil
}

// update applies a new query/interval. The due time is reset to now only when
// something changed; the last result always survives.
func (g *registry) update(spec domain.RuleSpec, now time.Time) (bool, error) {
	r, ok := g.rules[strings.TrimSpace(spec.ID)]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrRuleNotFound, spec.ID)
	}
	if r.query == spec.Query && r.interval == spec.Interval {
		return false, nil
	}
	r.query = spec.Query
	r.interval = spec.Interval
	r.every = interval.Parse(spec.Interval)
	g.gen++
	r.gen = g.gen
	g.queue.remove(r)
	r.nextDue = now
	g.queue.insert(r)
	return true, nil
}

func (g *registry) remove(id string) bool {
	r, ok := g.rules[id]
	if !ok {
		return false
	}
	g.queue.remove(r)
	delete(g.rules, id)
	return true
}

func (g *registry) get(id string) (*rule, bool) {
	r, ok := g.rules[id]
	return r, ok
}

// lookup returns the rule only if it still matches the generation an
// execution was started with.
func (g *registry) lookup(id string, gen uint64) (*rule, bool) {
	r, ok := g.rules[id]
	if !ok || r.gen != gen {
		return nil, false
	}
	return r, true
}

func (g *registry) requeue(r *rule, executedAt time.Time) {
	every := r.every
	if every < g.minEvery {
		every = g.minEvery
	}
	g.queue.remove(r)
	r.nextDue = executedAt.Add(every)
	g.queue.insert(r)
}

func (g *registry) recordSuccess(id string, gen uint64, result json.RawMessage, executedAt time.Time) bool {
	r, ok := g.lookup(id, gen)
	if !ok {
		return false
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	r.lastResult = result
	r.failed = false
	r.lastErr = ""
	r.lastRunAt = executedAt
	r.successes++
	g.requeue(r, executedAt)
	return true
}

func (g *registry) recordFailure(id string, gen uint64, err error, executedAt time.Time) bool {
	r, ok := g.lookup(id, gen)
	if !ok {
		return false
	}
	r.failed = true
	if err != nil {
		r.lastErr = err.Error()
	}
	r.lastRunAt = executedAt
	r.failures++
	g.requeue(r, executedAt)
	return true
}

func (g *registry) ids() []string {
	ids := make([]string, 0, len(g.rules))
	for id := range g.rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *registry) len() int { return len(g.rules) }
