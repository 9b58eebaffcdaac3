package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"alertboard/internal/domain"
	"alertboard/internal/history"
	"alertboard/internal/scheduler"
)

// Scheduler is the part of *scheduler.Scheduler the API drives.
type Scheduler interface {
	AddRule(spec domain.RuleSpec) error
	UpdateRule(spec domain.RuleSpec) error
	RemoveRule(id string) bool
	Rule(id string) (scheduler.RuleSnapshot, bool)
	Rules() []scheduler.RuleSnapshot
	UpdateRules(specs []domain.RuleSpec) scheduler.ReconcileReport
	Start()
	Stop()
	Results() scheduler.Results
	Stats() scheduler.Stats
}

// LabelSource lists label values from the metrics backend;
// *backend.Prometheus satisfies it.
type LabelSource interface {
	LabelValues(ctx context.Context, label string, matchers map[string]string) ([]string, error)
}

type Server struct {
	r      *chi.Mux
	sched  Scheduler
	repo   history.Repository
	labels LabelSource
}

// NewServer builds the HTTP API. repo may be nil when history is disabled.
func NewServer(sched Scheduler, repo history.Repository) http.Handler {
	return NewServerWithDebug(sched, repo, nil, false)
}

// NewServerWithDebug is NewServer plus label lookups (nil disables them)
// and, when enableDebug is set, pprof.
func NewServerWithDebug(sched Scheduler, repo history.Repository, labels LabelSource, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, sched: sched, repo: repo, labels: labels}

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(newMetricsRegistry(sched), promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	r.Get("/api/stats", s.stats)
	r.Get("/api/results", s.results)
	r.Get("/api/results/history", s.storedResults)
	r.Get("/api/attempts", s.attempts)
	r.Get("/api/labels/{name}/values", s.labelValues)

	r.Route("/api/rules", func(r chi.Router) {
		r.Get("/", s.listRules)
		r.Post("/", s.addRule)
		r.Put("/", s.syncRules)
		r.Get("/{id}", s.getRule)
		r.Put("/{id}", s.updateRule)
		r.Delete("/{id}", s.deleteRule)
		r.Get("/{id}/attempts", s.ruleAttempts)
	})

	r.Post("/api/scheduler/start", s.start)
	r.Post("/api/scheduler/stop", s.stop)

	// Dashboard routes
	r.Get("/", s.dashboard)
	r.Get("/dashboard", s.dashboard)
	r.Get("/dashboard/rules", s.dashboardRules)
	r.Get("/dashboard/results", s.dashboardResults)
	r.Post("/dashboard/rules", s.dashboardAddRule)
	r.Delete("/dashboard/rules/{id}", s.dashboardDeleteRule)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Results())
}

func (s *Server) storedResults(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	res, err := s.repo.LatestResults(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) attempts(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	list, err := s.repo.ListRecentAttempts(r.Context(), limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) ruleAttempts(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	list, err := s.repo.ListRuleAttempts(r.Context(), chi.URLParam(r, "id"), limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// labelValues lists values of a backend label. Query parameters other than
// limit are equality matchers, e.g. ?job=node.
func (s *Server) labelValues(w http.ResponseWriter, r *http.Request) {
	if s.labels == nil {
		http.Error(w, "label lookups disabled", http.StatusNotFound)
		return
	}
	matchers := map[string]string{}
	for k, v := range r.URL.Query() {
		if k == "limit" || len(v) == 0 {
			continue
		}
		matchers[k] = v[0]
	}
	values, err := s.labels.LabelValues(r.Context(), chi.URLParam(r, "name"), matchers)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if n := limitParam(r, 0); n > 0 && len(values) > n {
		values = values[:n]
	}
	if values == nil {
		values = []string{}
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Rules())
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := s.sched.Rule(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request) {
	var req domain.RuleSpec
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if err := s.sched.AddRule(req); err != nil {
		writeError(w, err)
		return
	}
	rule, _ := s.sched.Rule(req.ID)
	writeJSON(w, http.StatusCreated, rule)
}

type updateRuleReq struct {
	Query    *string `json:"query"`
	Interval *string `json:"interval"`
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, ok := s.sched.Rule(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	var req updateRuleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spec := domain.RuleSpec{ID: id, Query: current.Query, Interval: current.Interval}
	if req.Query != nil {
		if *req.Query == "" {
			http.Error(w, "query must not be empty", http.StatusBadRequest)
			return
		}
		spec.Query = *req.Query
	}
	if req.Interval != nil {
		spec.Interval = *req.Interval
	}
	if err := s.sched.UpdateRule(spec); err != nil {
		writeError(w, err)
		return
	}
	rule, _ := s.sched.Rule(id)
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if !s.sched.RemoveRule(chi.URLParam(r, "id")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) syncRules(w http.ResponseWriter, r *http.Request) {
	var specs []domain.RuleSpec
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.sched.UpdateRules(specs))
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	s.sched.Start()
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	s.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		n = 1000
	}
	return n
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrDuplicateRule):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, scheduler.ErrRuleNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrInvalidRule):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
