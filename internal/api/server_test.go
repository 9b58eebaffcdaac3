package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"alertboard/internal/domain"
	"alertboard/internal/history"
	"alertboard/internal/scheduler"
)

func upExecutor() scheduler.Executor {
	return scheduler.ExecutorFunc(func(_ context.Context, q string) (json.RawMessage, error) {
		if q == "broken" {
			return nil, fmt.Errorf("bad query")
		}
		return json.RawMessage(`{"resultType":"vector","result":[]}`), nil
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func scrape(t *testing.T, h http.Handler) map[string]*dto.MetricFamily {
	t.Helper()
	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var parser expfmt.TextParser
	fams, err := parser.TextToMetricFamilies(rec.Body)
	require.NoError(t, err)
	return fams
}

func gauge(t *testing.T, fams map[string]*dto.MetricFamily, name string) float64 {
	t.Helper()
	fam, ok := fams[name]
	require.True(t, ok, name)
	require.Len(t, fam.GetMetric(), 1)
	return fam.GetMetric()[0].GetGauge().GetValue()
}

func executions(t *testing.T, fams map[string]*dto.MetricFamily, rule, outcome string) float64 {
	t.Helper()
	fam, ok := fams["alertboard_rule_executions_total"]
	require.True(t, ok)
	for _, m := range fam.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["rule"] == rule && labels["outcome"] == outcome {
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("no executions series for rule %q outcome %q", rule, outcome)
	return 0
}

func TestRuleLifecycle(t *testing.T) {
	sched := scheduler.New(upExecutor())
	h := NewServer(sched, nil)

	rec := do(t, h, http.MethodPost, "/api/rules", `{"id":"cpu","query":"rate(cpu[5m])","interval":"1m"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created scheduler.RuleSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(60000), created.IntervalMs)

	rec = do(t, h, http.MethodPost, "/api/rules", `{"id":"cpu","query":"other","interval":"1m"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/rules", `{"id":"","query":"up"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/rules", `{"id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/rules/cpu", `{"interval":"5m"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated scheduler.RuleSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "rate(cpu[5m])", updated.Query)
	assert.Equal(t, int64(300000), updated.IntervalMs)

	rec = do(t, h, http.MethodGet, "/api/rules/cpu", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/rules/nope", `{"interval":"5m"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/rules/cpu", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, h, http.MethodDelete, "/api/rules/cpu", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/rules/cpu", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncRules(t *testing.T) {
	sched := scheduler.New(upExecutor())
	require.NoError(t, sched.AddRule(domain.RuleSpec{ID: "B", Query: "b", Interval: "1m"}))
	h := NewServer(sched, nil)

	rec := do(t, h, http.MethodPut, "/api/rules", `[{"id":"A","query":"a","interval":"30s"}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep scheduler.ReconcileReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, []string{"A"}, rep.Added)
	assert.Equal(t, []string{"B"}, rep.Removed)

	rec = do(t, h, http.MethodGet, "/api/rules", "")
	var rules []scheduler.RuleSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 1)
	assert.Equal(t, "A", rules[0].ID)

	rec = do(t, h, http.MethodPut, "/api/rules", `{"not":"a list"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerControlStatsAndResults(t *testing.T) {
	sched := scheduler.New(upExecutor())
	require.NoError(t, sched.AddRule(domain.RuleSpec{ID: "ok", Query: "up", Interval: "1h"}))
	require.NoError(t, sched.AddRule(domain.RuleSpec{ID: "bad", Query: "broken", Interval: "1h"}))
	h := NewServer(sched, nil)

	rec := do(t, h, http.MethodPost, "/api/scheduler/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	defer sched.Stop()

	require.Eventually(t, func() bool { return sched.Stats().QueueSize == 2 && len(sched.Results()) == 1 }, 2*time.Second, 10*time.Millisecond)

	rec = do(t, h, http.MethodGet, "/api/stats", "")
	var st scheduler.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.TotalRules)
	assert.NotNil(t, st.NextExecution)

	rec = do(t, h, http.MethodGet, "/api/results", "")
	var res map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Contains(t, res, "up")
	assert.NotContains(t, res, "broken")

	fams := scrape(t, h)
	assert.Equal(t, 1.0, gauge(t, fams, "alertboard_scheduler_running"))
	assert.Equal(t, 2.0, gauge(t, fams, "alertboard_rules"))
	assert.Equal(t, 2.0, gauge(t, fams, "alertboard_queue_size"))
	assert.Equal(t, 1.0, gauge(t, fams, "alertboard_rules_failing"))
	assert.Equal(t, 1.0, executions(t, fams, "ok", "success"))
	assert.Equal(t, 1.0, executions(t, fams, "bad", "failure"))
	assert.Equal(t, 0.0, executions(t, fams, "bad", "success"))

	rec = do(t, h, http.MethodPost, "/api/scheduler/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, sched.Stats().Running)
}

func TestHistoryEndpoints(t *testing.T) {
	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()
	require.NoError(t, history.EnsureSchema(db))
	repo := history.NewSQLiteRepo(db)

	sched := scheduler.New(upExecutor(), scheduler.WithBatchHook(func(b domain.Batch) {
		_ = repo.RecordBatch(context.Background(), b)
	}))
	require.NoError(t, sched.AddRule(domain.RuleSpec{ID: "ok", Query: "up", Interval: "1h"}))
	sched.Start()
	defer sched.Stop()
	h := NewServer(sched, repo)

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/attempts?limit=5", "")
		return rec.Code == http.StatusOK && strings.Contains(rec.Body.String(), `"rule_id":"ok"`)
	}, 2*time.Second, 20*time.Millisecond)

	rec := do(t, h, http.MethodGet, "/api/rules/ok/attempts", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bat_")

	rec = do(t, h, http.MethodGet, "/api/results/history", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"up"`)
}

func TestHistoryDisabled(t *testing.T) {
	h := NewServer(scheduler.New(upExecutor()), nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/attempts", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "").Code)
}

func TestMetricsEscapeRuleIDs(t *testing.T) {
	sched := scheduler.New(upExecutor())
	require.NoError(t, sched.AddRule(domain.RuleSpec{ID: "disk\tfree", Query: "up", Interval: "1m"}))
	require.NoError(t, sched.AddRule(domain.RuleSpec{ID: `say "hi"\now`, Query: "up", Interval: "1m"}))
	h := NewServer(sched, nil)

	fams := scrape(t, h)
	assert.Equal(t, 0.0, executions(t, fams, "disk\tfree", "success"))
	assert.Equal(t, 0.0, executions(t, fams, `say "hi"\now`, "failure"))
	assert.Equal(t, 0.0, gauge(t, fams, "alertboard_scheduler_running"))
}

func TestAddRuleTrimsID(t *testing.T) {
	sched := scheduler.New(upExecutor())
	h := NewServer(sched, nil)

	rec := do(t, h, http.MethodPost, "/api/rules", `{"id":"  cpu ","query":"up","interval":"1m"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created scheduler.RuleSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "cpu", created.ID)
	assert.Equal(t, "up", created.Query)
}

type fakeLabels struct {
	label    string
	matchers map[string]string
	values   []string
	err      error
}

func (f *fakeLabels) LabelValues(_ context.Context, label string, matchers map[string]string) ([]string, error) {
	f.label, f.matchers = label, matchers
	return f.values, f.err
}

func TestLabelValues(t *testing.T) {
	labels := &fakeLabels{values: []string{"10.0.0.1:9100", "10.0.0.2:9100"}}
	h := NewServerWithDebug(scheduler.New(upExecutor()), nil, labels, false)

	rec := do(t, h, http.MethodGet, "/api/labels/instance/values?job=node&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"10.0.0.1:9100"}, got)
	assert.Equal(t, "instance", labels.label)
	assert.Equal(t, map[string]string{"job": "node"}, labels.matchers)

	labels.err = fmt.Errorf("backend down")
	assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodGet, "/api/labels/job/values", "").Code)

	h = NewServer(scheduler.New(upExecutor()), nil)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/labels/job/values", "").Code)
}

func TestDashboard(t *testing.T) {
	sched := scheduler.New(upExecutor())
	require.NoError(t, sched.AddRule(domain.RuleSpec{ID: "node_up", Query: `up{job="node"}`, Interval: "30s"}))
	sched.Start()
	defer sched.Stop()
	require.Eventually(t, func() bool { return len(sched.Results()) == 1 }, 2*time.Second, 10*time.Millisecond)
	h := NewServer(sched, nil)

	rec := do(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "node_up")
	assert.Contains(t, rec.Body.String(), `up{job=&#34;node&#34;}`)

	rec = do(t, h, http.MethodGet, "/dashboard/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "resultType")

	form := url.Values{"id": {"disk"}, "query": {"node_filesystem_avail_bytes"}, "interval": {"5m"}}
	req := httptest.NewRequest(http.MethodPost, "/dashboard/rules", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "node_filesystem_avail_bytes")
	_, ok := sched.Rule("disk")
	assert.True(t, ok)

	req = httptest.NewRequest(http.MethodPost, "/dashboard/rules", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodDelete, "/dashboard/rules/disk", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "node_filesystem_avail_bytes")
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/dashboard/rules/disk", "").Code)
}
