package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ruleCollector exports per-rule execution counters read from Stats at
// scrape time.
type ruleCollector struct {
	sched      Scheduler
	executions *prometheus.Desc
	lastRun    *prometheus.Desc
}

func newRuleCollector(sched Scheduler) *ruleCollector {
	return &ruleCollector{
		sched: sched,
		executions: prometheus.NewDesc(
			"alertboard_rule_executions_total",
			"Rule executions by outcome.",
			[]string{"rule", "outcome"}, nil,
		),
		lastRun: prometheus.NewDesc(
			"alertboard_rule_last_run_timestamp_seconds",
			"Time the rule's last execution settled.",
			[]string{"rule"}, nil,
		),
	}
}

func (c *ruleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.executions
	ch <- c.lastRun
}

func (c *ruleCollector) Collect(ch chan<- prometheus.Metric) {
	for _, rs := range c.sched.Stats().Rules {
		c.send(ch, c.executions, prometheus.CounterValue, float64(rs.Successes), rs.ID, "success")
		c.send(ch, c.executions, prometheus.CounterValue, float64(rs.Failures), rs.ID, "failure")
		if rs.LastRunAt != nil {
			c.send(ch, c.lastRun, prometheus.GaugeValue, float64(rs.LastRunAt.UnixNano())/1e9, rs.ID)
		}
	}
}

func (c *ruleCollector) send(ch chan<- prometheus.Metric, d *prometheus.Desc, vt prometheus.ValueType, v float64, labels ...string) {
	m, err := prometheus.NewConstMetric(d, vt, v, labels...)
	if err != nil {
		m = prometheus.NewInvalidMetric(d, err)
	}
	ch <- m
}

func newMetricsRegistry(sched Scheduler) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "alertboard_scheduler_running",
			Help: "1 while the scheduler loop is running.",
		}, func() float64 {
			if sched.Stats().Running {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "alertboard_rules",
			Help: "Registered rules.",
		}, func() float64 { return float64(sched.Stats().TotalRules) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "alertboard_queue_size",
			Help: "Rules waiting in the execution queue.",
		}, func() float64 { return float64(sched.Stats().QueueSize) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "alertboard_rules_failing",
			Help: "Rules whose last execution failed.",
		}, func() float64 {
			n := 0
			for _, rs := range sched.Stats().Rules {
				if rs.Failures > 0 && !rs.LastSuccess {
					n++
				}
			}
			return float64(n)
		}),
		newRuleCollector(sched),
	)
	return reg
}
