package refresher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertboard/internal/domain"
	"alertboard/internal/scheduler"
)

type fakeSource struct {
	mu     sync.Mutex
	alerts []domain.Alert
	err    error
	calls  int
}

func (f *fakeSource) Alerts(context.Context) ([]domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.alerts, f.err
}

func (f *fakeSource) set(alerts []domain.Alert, err error) {
	f.mu.Lock()
	f.alerts, f.err = alerts, err
	f.mu.Unlock()
}

type fakeSink struct {
	mu    sync.Mutex
	lists [][]domain.RuleSpec
}

func (f *fakeSink) UpdateRules(specs []domain.RuleSpec) scheduler.ReconcileReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, specs)
	return scheduler.ReconcileReport{}
}

func (f *fakeSink) last() []domain.RuleSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lists) == 0 {
		return nil
	}
	return f.lists[len(f.lists)-1]
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lists)
}

func alert(name, query, duration string) domain.Alert {
	return domain.Alert{
		Labels: map[string]string{"alertname": name},
		Rule:   &domain.AlertRule{Name: name, Query: query, Duration: duration},
	}
}

func TestRefreshMergesStaticAndAlertRules(t *testing.T) {
	src := &fakeSource{alerts: []domain.Alert{
		alert("Alert1", `up{job="test1"}`, "30s"),
		alert("static-1", "ignored", "1m"),
	}}
	sink := &fakeSink{}
	s := NewService(src, sink, []domain.RuleSpec{{ID: "static-1", Query: "sum(up)", Interval: "5m"}})

	s.Refresh(context.Background())
	assert.Equal(t, []domain.RuleSpec{
		{ID: "static-1", Query: "sum(up)", Interval: "5m"},
		{ID: "Alert1", Query: `up{job="test1"}`, Interval: "30s"},
	}, sink.last())
}

func TestRefreshFailureKeepsRules(t *testing.T) {
	src := &fakeSource{err: errors.New("vmalert down")}
	sink := &fakeSink{}
	s := NewService(src, sink, nil)
	s.Refresh(context.Background())
	assert.Equal(t, 0, sink.count())
}

func TestSetStaticReappliesLastAlerts(t *testing.T) {
	src := &fakeSource{alerts: []domain.Alert{alert("A", "up", "1m")}}
	sink := &fakeSink{}
	s := NewService(src, sink, nil)
	s.Refresh(context.Background())

	src.set(nil, errors.New("down"))
	s.SetStatic([]domain.RuleSpec{{ID: "S", Query: "x", Interval: "30s"}})
	assert.Equal(t, []domain.RuleSpec{
		{ID: "S", Query: "x", Interval: "30s"},
		{ID: "A", Query: "up", Interval: "1m"},
	}, sink.last())
}

func TestStartRunsImmediatelyAndOnSchedule(t *testing.T) {
	src := &fakeSource{alerts: []domain.Alert{alert("A", "up", "1m")}}
	sink := &fakeSink{}
	s := NewService(src, sink, nil)
	require.NoError(t, s.Start(context.Background(), "@every 1s"))
	defer s.Stop()

	assert.GreaterOrEqual(t, sink.count(), 1)
	require.Eventually(t, func() bool { return sink.count() >= 2 }, 3*time.Second, 50*time.Millisecond)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := NewService(nil, &fakeSink{}, nil)
	assert.Error(t, s.Start(context.Background(), "not a cron"))
}

func TestWithoutSourceAppliesStatic(t *testing.T) {
	sink := &fakeSink{}
	s := NewService(nil, sink, []domain.RuleSpec{{ID: "S", Query: "x"}})
	require.NoError(t, s.Start(context.Background(), ""))
	defer s.Stop()
	assert.Equal(t, []domain.RuleSpec{{ID: "S", Query: "x"}}, sink.last())
}

func TestRefreshDrivesRealScheduler(t *testing.T) {
	sched := scheduler.New(scheduler.ExecutorFunc(func(context.Context, string) (json.RawMessage, error) { return json.RawMessage(`1`), nil }))
	src := &fakeSource{alerts: []domain.Alert{alert("A", "up", "1m"), alert("B", "down", "2m")}}
	s := NewService(src, sched, nil)
	s.Refresh(context.Background())
	assert.Equal(t, 2, sched.Stats().TotalRules)

	src.set([]domain.Alert{alert("A", "up", "1m")}, nil)
	s.Refresh(context.Background())
	_, ok := sched.Rule("B")
	assert.False(t, ok)
}

// gatedSink blocks its first UpdateRules call until release is closed.
type gatedSink struct {
	fakeSink
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSink) UpdateRules(specs []domain.RuleSpec) scheduler.ReconcileReport {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakeSink.UpdateRules(specs)
}

func TestSetStaticDuringRefreshLandsLast(t *testing.T) {
	src := &fakeSource{alerts: []domain.Alert{alert("A", "up", "1m")}}
	sink := &gatedSink{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewService(src, sink, []domain.RuleSpec{{ID: "old", Query: "x", Interval: "30s"}})

	refreshed := make(chan struct{})
	go func() {
		s.Refresh(context.Background())
		close(refreshed)
	}()
	<-sink.entered

	edited := make(chan struct{})
	go func() {
		s.SetStatic([]domain.RuleSpec{{ID: "new", Query: "y", Interval: "30s"}})
		close(edited)
	}()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, sink.count())

	close(sink.release)
	<-refreshed
	<-edited
	require.Equal(t, 2, sink.count())
	assert.Equal(t, []domain.RuleSpec{
		{ID: "new", Query: "y", Interval: "30s"},
		{ID: "A", Query: "up", Interval: "1m"},
	}, sink.last())
}
