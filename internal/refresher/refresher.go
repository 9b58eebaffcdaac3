// Package refresher keeps the scheduler's rule set in step with the alert
// list published by the rule evaluator.
package refresher

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"alertboard/internal/domain"
	"alertboard/internal/scheduler"
)

type AlertSource interface {
	Alerts(ctx context.Context) ([]domain.Alert, error)
}

// RuleSink receives the reconciled rule list; *scheduler.Scheduler satisfies it.
type RuleSink interface {
	UpdateRules(specs []domain.RuleSpec) scheduler.ReconcileReport
}

type Service struct {
	source  AlertSource
	sink    RuleSink
	cron    *cron.Cron
	timeout time.Duration

	mu     sync.Mutex
	static []domain.RuleSpec
	last   []domain.RuleSpec

	// applyMu orders merge+UpdateRules so a stale merge never lands last.
	applyMu sync.Mutex
}

// NewService builds a refresher. source may be nil, in which case only the
// static rules are applied.
func NewService(source AlertSource, sink RuleSink, static []domain.RuleSpec) *Service {
	return &Service{
		source:  source,
		sink:    sink,
		cron:    cron.New(),
		timeout: 30 * time.Second,
		static:  static,
	}
}

// Start runs one refresh immediately and then on every tick of spec.
// An empty spec applies the rules once and schedules nothing.
func (s *Service) Start(ctx context.Context, spec string) error {
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { s.Refresh(ctx) }); err != nil {
			return err
		}
	}
	s.Refresh(ctx)
	s.cron.Start()
	log.Info().Str("schedule", spec).Msg("rule refresher started")
	return nil
}

// Stop halts the cron and waits for a running refresh to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// SetStatic replaces the static rules and reapplies the last known alert
// rules together with them.
func (s *Service) SetStatic(static []domain.RuleSpec) {
	s.mu.Lock()
	s.static = static
	alertRules := s.last
	s.mu.Unlock()
	s.apply(alertRules)
}

// Refresh fetches alerts and reconciles. When the fetch fails the rule set is
// left as it is.
func (s *Service) Refresh(ctx context.Context) {
	if s.source == nil {
		s.apply(nil)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	alerts, err := s.source.Alerts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch alerts; keeping current rules")
		return
	}
	alertRules := domain.RuleSpecsFromAlerts(alerts)
	s.mu.Lock()
	s.last = alertRules
	s.mu.Unlock()
	s.apply(alertRules)
}

func (s *Service) apply(alertRules []domain.RuleSpec) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	s.mu.Lock()
	specs := merge(s.static, alertRules)
	s.mu.Unlock()
	rep := s.sink.UpdateRules(specs)
	log.Debug().
		Int("rules", len(specs)).
		Int("added", len(rep.Added)).
		Int("updated", len(rep.Updated)).
		Int("removed", len(rep.Removed)).
		Msg("rules refreshed")
}

// merge puts static rules first; an alert rule with the same id is dropped.
func merge(static, alertRules []domain.RuleSpec) []domain.RuleSpec {
	out := make([]domain.RuleSpec, 0, len(static)+len(alertRules))
	seen := make(map[string]struct{}, len(static))
	for _, r := range static {
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	for _, r := range alertRules {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		out = append(out, r)
	}
	return out
}
