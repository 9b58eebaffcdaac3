package api

import (
	"embed"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"alertboard/internal/domain"
	"alertboard/internal/scheduler"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type dashboardPage struct {
	Stats   scheduler.Stats
	Rules   []scheduler.RuleSnapshot
	Results scheduler.Results
}

// Dashboard handlers
func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	page := dashboardPage{Stats: s.sched.Stats(), Rules: s.sched.Rules(), Results: s.sched.Results()}
	s.render(w, http.StatusOK, "dashboard.html", page)
}

func (s *Server) dashboardRules(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "rules.html", s.sched.Rules())
}

func (s *Server) dashboardResults(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "results.html", s.sched.Results())
}

func (s *Server) dashboardAddRule(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	spec := domain.RuleSpec{
		ID:       strings.TrimSpace(r.FormValue("id")),
		Query:    strings.TrimSpace(r.FormValue("query")),
		Interval: strings.TrimSpace(r.FormValue("interval")),
	}
	if spec.ID == "" || spec.Query == "" {
		http.Error(w, "id and query are required", http.StatusBadRequest)
		return
	}
	if err := s.sched.AddRule(spec); err != nil {
		writeError(w, err)
		return
	}
	s.dashboardRules(w, r)
}

func (s *Server) dashboardDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !s.sched.RemoveRule(chi.URLParam(r, "id")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.dashboardRules(w, r)
}

func (s *Server) render(w http.ResponseWriter, code int, name string, data any) {
	var buf strings.Builder
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(buf.String()))
}
