package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// RuleSpec describes one recurring query as supplied by an external source
// (config file, API caller, or the alert list of the rule evaluator).
type RuleSpec struct {
	ID       string `json:"id" yaml:"id"`
	Query    string `json:"query" yaml:"query"`
	Interval string `json:"interval" yaml:"interval"`
}

// Alert is a single entry of the vmalert / Prometheus /api/v1/alerts payload.
// Only the fields needed to derive a rule are decoded.
type Alert struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations,omitempty"`
	State       string            `json:"state"`
	ActiveAt    *time.Time        `json:"activeAt,omitempty"`
	Value       string            `json:"value,omitempty"`
	Rule        *AlertRule        `json:"rule,omitempty"`
}

type AlertRule struct {
	Name     string `json:"name"`
	Query    string `json:"query"`
	Duration string `json:"duration"`
}

// RuleSpec maps the alert onto a rule. ok is false when the alert carries
// no rule metadata or no query.
func (a Alert) RuleSpec() (RuleSpec, bool) {
	if a.Rule == nil || strings.TrimSpace(a.Rule.Query) == "" {
		return RuleSpec{}, false
	}
	id := a.Labels["alertname"]
	if id == "" {
		id = a.Rule.Name
	}
	if id == "" {
		return RuleSpec{}, false
	}
	return RuleSpec{ID: id, Query: a.Rule.Query, Interval: a.Rule.Duration}, true
}

// RuleSpecsFromAlerts converts alerts to rule specs. Several firing instances
// of the same alert collapse into one rule; the first occurrence wins.
func RuleSpecsFromAlerts(alerts []Alert) []RuleSpec {
	seen := make(map[string]struct{}, len(alerts))
	out := make([]RuleSpec, 0, len(alerts))
	for _, a := range alerts {
		spec, ok := a.RuleSpec()
		if !ok {
			continue
		}
		if _, dup := seen[spec.ID]; dup {
			continue
		}
		seen[spec.ID] = struct{}{}
		out = append(out, spec)
	}
	return out
}

// Attempt is one execution outcome, as recorded by the history sink.
type Attempt struct {
	ID         string          `json:"id"`
	BatchID    string          `json:"batch_id"`
	RuleID     string          `json:"rule_id"`
	Query      string          `json:"query"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Batch is the set of attempts settled in a single wake of the scheduler.
type Batch struct {
	ID        string
	StartedAt time.Time
	Attempts  []Attempt
}
