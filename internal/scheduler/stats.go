package scheduler

import "time"

type Stats struct {
	Running       bool       `json:"running"`
	TotalRules    int        `json:"total_rules"`
	QueueSize     int        `json:"queue_size"`
	NextExecution *time.Time `json:"next_execution"`
	Rules         []RuleStat `json:"rules"`
}

type RuleStat struct {
	ID            string     `json:"id"`
	Query         string     `json:"query"`
	Interval      string     `json:"interval"`
	IntervalMs    int64      `json:"interval_ms"`
	NextExecution time.Time  `json:"next_execution"`
	LastSuccess   bool       `json:"last_success"`
	LastError     string     `json:"last_error,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	Successes     int        `json:"successes"`
	Failures      int        `json:"failures"`
}

func (g *registry) stats(running bool) Stats {
	st := Stats{
		Running:    running,
		TotalRules: len(g.rules),
		QueueSize:  g.queue.size(),
		Rules:      make([]RuleStat, 0, len(g.rules)),
	}
	var earliest *time.Time
	for _, id := range g.ids() {
		r := g.rules[id]
		if earliest == nil || r.nextDue.Before(*earliest) {
			at := r.nextDue
			earliest = &at
		}
		rs := RuleStat{
			ID:            r.id,
			Query:         r.query,
			Interval:      r.interval,
			IntervalMs:    r.every.Milliseconds(),
			NextExecution: r.nextDue,
			LastSuccess:   !r.lastRunAt.IsZero() && !r.failed,
			LastError:     r.lastErr,
			Successes:     r.successes,
			Failures:      r.failures,
		}
		if !r.lastRunAt.IsZero() {
			at := r.lastRunAt
			rs.LastRunAt = &at
		}
		st.Rules = append(st.Rules, rs)
	}
	st.NextExecution = earliest
	return st
}
