package scheduler

import (
	"sort"
	"strings"
	"time"

	"alertboard/internal/domain"
)

// ReconcileReport lists the ids touched by a reconciliation.
type ReconcileReport struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// Empty reports whether reconciliation changed nothing.
func (r ReconcileReport) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0
}

// reconcile makes the registry match specs. Rules whose query and interval
// are unchanged keep their due time and last result.
func (g *registry) reconcile(specs []domain.RuleSpec, now time.Time) ReconcileReport {
	wanted := make(map[string]domain.RuleSpec, len(specs))
	order := make([]string, 0, len(specs))
	for _, s := range specs {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			continue
		}
		if _, seen := wanted[s.ID]; !seen {
			order = append(order, s.ID)
		}
		wanted[s.ID] = s
	}

	var rep ReconcileReport
	for _, id := range order {
		s := wanted[id]
		if _, ok := g.rules[id]; !ok {
			if err := g.add(s, now); err == nil {
				rep.Added = append(rep.Added, id)
			}
			continue
		}
		if changed, err := g.update(s, now); err == nil && changed {
			rep.Updated = append(rep.Updated, id)
		}
	}
	for _, id := range g.ids() {
		if _, ok := wanted[id]; !ok {
			g.remove(id)
			rep.Removed = append(rep.Removed, id)
		}
	}
	sort.Strings(rep.Added)
	sort.Strings(rep.Updated)
	return rep
}
