// Package scheduler runs a dynamic set of recurring queries, each on its own
// interval, from a single wake timer.
//
// Rules are kept in a queue ordered by next-due time. On every wake all due
// rules are executed as one batch; each outcome is recorded on its rule and,
// once the whole batch has settled, the query -> latest result view is
// published to subscribers.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"alertboard/internal/domain"
)

// Executor evaluates a query. Implementations must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, query string) (json.RawMessage, error)
}

type ExecutorFunc func(ctx context.Context, query string) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, query string) (json.RawMessage, error) {
	return f(ctx, query)
}

type options struct {
	maxConcurrency int
	execTimeout    time.Duration
	minInterval    time.Duration
	now            func() time.Time
	batchHook      func(domain.Batch)
}

type Option func(*options)

// WithMaxConcurrency bounds executor calls in flight within one batch.
// Zero or less means no bound.
func WithMaxConcurrency(n int) Option { return func(o *options) { o.maxConcurrency = n } }

// WithExecTimeout bounds a single executor call.
func WithExecTimeout(d time.Duration) Option { return func(o *options) { o.execTimeout = d } }

// WithMinInterval sets the shortest period a rule is re-run at, whatever its
// interval says. Defaults to one second.
func WithMinInterval(d time.Duration) Option { return func(o *options) { o.minInterval = d } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithBatchHook is called with every settled batch, after subscribers.
func WithBatchHook(fn func(domain.Batch)) Option { return func(o *options) { o.batchHook = fn } }

type Scheduler struct {
	exec Executor
	opts options

	mu      sync.Mutex
	reg     *registry
	running bool
	inBatch bool
	timer   *time.Timer
	wakeGen uint64
	latest  Results

	subs subscribers
}

func New(exec Executor, opts ...Option) *Scheduler {
	o := options{maxConcurrency: 8, minInterval: time.Second, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	reg := newRegistry()
	reg.minEvery = o.minInterval
	return &Scheduler{exec: exec, opts: o, reg: reg, latest: Results{}}
}

// AddRule registers a new rule, due immediately. It fails with
// ErrDuplicateRule if the id is taken; use UpdateRule to change it.
func (s *Scheduler) AddRule(spec domain.RuleSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reg.add(spec, s.opts.now()); err != nil {
		return err
	}
	log.Debug().Str("rule_id", spec.ID).Str("query", spec.Query).Str("interval", spec.Interval).Msg("rule added")
	s.arm()
	return nil
}

func (s *Scheduler) UpdateRule(spec domain.RuleSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed, err := s.reg.update(spec, s.opts.now())
	if err != nil {
		return err
	}
	if changed {
		log.Debug().Str("rule_id", spec.ID).Str("query", spec.Query).Str("interval", spec.Interval).Msg("rule updated")
		s.arm()
	}
	return nil
}

func (s *Scheduler) RemoveRule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.reg.remove(id) {
		return false
	}
	s.arm()
	return true
}

func (s *Scheduler) Rule(id string) (RuleSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reg.get(id)
	if !ok {
		return RuleSnapshot{}, false
	}
	return r.snapshot(), true
}

func (s *Scheduler) Rules() []RuleSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RuleSnapshot, 0, s.reg.len())
	for _, id := range s.reg.ids() {
		out = append(out, s.reg.rules[id].snapshot())
	}
	return out
}

// UpdateRules reconciles the rule set against specs: new ids are added,
// changed ones updated, missing ones removed. Unchanged rules are untouched.
func (s *Scheduler) UpdateRules(specs []domain.RuleSpec) ReconcileReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep := s.reg.reconcile(specs, s.opts.now())
	if !rep.Empty() {
		log.Info().
			Strs("added", rep.Added).
			Strs("updated", rep.Updated).
			Strs("removed", rep.Removed).
			Int("total", s.reg.len()).
			Msg("rules reconciled")
		s.arm()
	}
	return rep
}

// Start begins executing rules. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	log.Info().Int("rules", s.reg.len()).Msg("scheduler started")
	if s.reg.len() > 0 && !s.inBatch {
		s.armAfter(0)
	}
}

// Stop cancels the pending wake. Rules are kept; executions already in
// flight still record their outcome.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.disarm()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OnResult subscribes fn to the aggregate published after every batch.
// Each subscriber gets its own copy of the map and its results. Past
// aggregates are not replayed. The returned func unsubscribes.
func (s *Scheduler) OnResult(fn func(Results)) (unsubscribe func()) {
	return s.subs.add(fn)
}

// Results returns the most recently published aggregate.
func (s *Scheduler) Results() Results {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest.clone()
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.stats(s.running)
}

// disarm must be called with mu held.
func (s *Scheduler) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.wakeGen++
}

// arm schedules the next wake for the earliest due rule. A batch in flight
// re-arms when it settles. Must be called with mu held.
func (s *Scheduler) arm() {
	if !s.running || s.inBatch {
		return
	}
	next := s.reg.queue.peekEarliest()
	if next == nil {
		s.disarm()
		return
	}
	log.Debug().Str("rule_id", next.id).Time("next_run", next.nextDue).Msg("wake armed")
	s.armAfter(next.nextDue.Sub(s.opts.now()))
}

func (s *Scheduler) armAfter(d time.Duration) {
	s.disarm()
	if d < 0 {
		d = 0
	}
	gen := s.wakeGen
	s.timer = time.AfterFunc(d, func() { s.wake(gen) })
}

type job struct {
	id    string
	query string
	gen   uint64
}

type outcome struct {
	result json.RawMessage
	err    error
	at     time.Time
}

func (s *Scheduler) wake(gen uint64) {
	s.mu.Lock()
	if gen != s.wakeGen || !s.running || s.inBatch {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	started := s.opts.now()
	due := s.reg.queue.popDue(started)
	if len(due) == 0 {
		s.arm()
		s.mu.Unlock()
		return
	}
	jobs := make([]job, len(due))
	for i, r := range due {
		jobs[i] = job{id: r.id, query: r.query, gen: r.gen}
	}
	s.inBatch = true
	s.mu.Unlock()

	batchID := "bat_" + uuid.NewString()
	outs := s.runBatch(batchID, jobs)

	s.mu.Lock()
	batch := domain.Batch{ID: batchID, StartedAt: started, Attempts: make([]domain.Attempt, 0, len(jobs))}
	for i, j := range jobs {
		o := outs[i]
		var recorded bool
		if o.err != nil {
			recorded = s.reg.recordFailure(j.id, j.gen, o.err, o.at)
		} else {
			recorded = s.reg.recordSuccess(j.id, j.gen, o.result, o.at)
		}
		if !recorded {
			log.Debug().Str("rule_id", j.id).Str("batch_id", batchID).Msg("dropping outcome of removed or changed rule")
			continue
		}
		a := domain.Attempt{BatchID: batchID, RuleID: j.id, Query: j.query, Success: o.err == nil, ExecutedAt: o.at}
		if o.err != nil {
			a.Error = o.err.Error()
		} else {
			a.Result = o.result
		}
		batch.Attempts = append(batch.Attempts, a)
	}
	agg := s.reg.aggregate()
	s.latest = agg
	s.mu.Unlock()

	log.Debug().Str("batch_id", batchID).Int("batch_size", len(jobs)).Int("queries", len(agg)).Msg("batch settled")
	s.subs.publish(agg)
	if s.opts.batchHook != nil {
		s.opts.batchHook(batch)
	}

	s.mu.Lock()
	s.inBatch = false
	s.arm()
	s.mu.Unlock()
}

func (s *Scheduler) runBatch(batchID string, jobs []job) []outcome {
	outs := make([]outcome, len(jobs))
	var g errgroup.Group
	if s.opts.maxConcurrency > 0 {
		g.SetLimit(s.opts.maxConcurrency)
	}
	for i, j := range jobs {
		g.Go(func() error {
			res, err := s.execute(j.query)
			outs[i] = outcome{result: res, err: err, at: s.opts.now()}
			if err != nil {
				log.Warn().Err(err).
					Str("rule_id", j.id).
					Str("query", j.query).
					Str("batch_id", batchID).
					Msg("rule execution failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return outs
}

func (s *Scheduler) execute(query string) (res json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	ctx := context.Background()
	if s.opts.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.execTimeout)
		defer cancel()
	}
	return s.exec.Execute(ctx, query)
}
