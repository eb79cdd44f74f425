// Package metrics exposes scan and escalation-run counters to Prometheus.
package metrics

import (
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/chime/internal/events"
)

// Collector holds the instruments updated from the event bus. One collector
// per registry; registering twice panics.
type Collector struct {
	scansTotal     prometheus.Counter
	scanDuration   prometheus.Histogram
	tasksDue       prometheus.Gauge
	runsActive     prometheus.Gauge
	runsStarted    prometheus.Counter
	remindersSent  *prometheus.CounterVec
	runsCompleted  prometheus.Counter
	runsAborted    prometheus.Counter
	runsFailed     prometheus.Counter
	launchesFailed prometheus.Counter
	batchRetries   prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		scansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_scans_total",
			Help: "Total number of completed due-task scans",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chime_scan_duration_seconds",
			Help:    "Scan and batch launch duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		tasksDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chime_tasks_due",
			Help: "Number of due tasks found by the most recent scan",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chime_runs_active",
			Help: "Current number of non-terminal escalation runs",
		}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_runs_started_total",
			Help: "Total escalation runs launched",
		}),
		remindersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chime_reminders_sent_total",
			Help: "Total reminders delivered, by escalation level",
		}, []string{"level"}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_runs_completed_total",
			Help: "Total runs that delivered the full sequence",
		}),
		runsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_runs_aborted_total",
			Help: "Total runs ended early because the task was completed or deleted",
		}),
		runsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_runs_failed_total",
			Help: "Total runs that exhausted retries or hit a non-retryable error",
		}),
		launchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_launches_failed_total",
			Help: "Total run launches that could not persist a run record",
		}),
		batchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chime_batch_retries_total",
			Help: "Total delayed retry passes over failed launches",
		}),
	}

	reg.MustRegister(
		c.scansTotal,
		c.scanDuration,
		c.tasksDue,
		c.runsActive,
		c.runsStarted,
		c.remindersSent,
		c.runsCompleted,
		c.runsAborted,
		c.runsFailed,
		c.launchesFailed,
		c.batchRetries,
	)
	return c
}

func (c *Collector) RecordScan(dueCount int, seconds float64) {
	c.scansTotal.Inc()
	c.tasksDue.Set(float64(dueCount))
	c.scanDuration.Observe(seconds)
}

func (c *Collector) SetActiveRuns(n int) {
	c.runsActive.Set(float64(n))
}

func (c *Collector) RecordRunStarted() {
	c.runsStarted.Inc()
}

func (c *Collector) RecordReminder(level string) {
	c.remindersSent.WithLabelValues(level).Inc()
}

func (c *Collector) RecordRunCompleted() {
	c.runsCompleted.Inc()
}

func (c *Collector) RecordRunAborted() {
	c.runsAborted.Inc()
}

func (c *Collector) RecordRunFailed() {
	c.runsFailed.Inc()
}

func (c *Collector) RecordLaunchFailed() {
	c.launchesFailed.Inc()
}

func (c *Collector) RecordBatchRetry() {
	c.batchRetries.Inc()
}

// Attach subscribes the collector to the event bus so engine and
// coordinator activity lands in the instruments. The returned function
// unsubscribes.
func (c *Collector) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.EventScanCompleted, func(ev events.Event) {
			c.RecordScan(intValue(ev.Data["total"]), floatValue(ev.Data["duration_sec"]))
		}),
		bus.Subscribe(events.EventRunStarted, func(events.Event) {
			c.RecordRunStarted()
		}),
		bus.Subscribe(events.EventReminderSent, func(ev events.Event) {
			level, _ := ev.Data["level"].(string)
			c.RecordReminder(level)
		}),
		bus.Subscribe(events.EventRunCompleted, func(events.Event) {
			c.RecordRunCompleted()
		}),
		bus.Subscribe(events.EventRunAborted, func(events.Event) {
			c.RecordRunAborted()
		}),
		bus.Subscribe(events.EventRunFailed, func(events.Event) {
			c.RecordRunFailed()
		}),
		bus.Subscribe(events.EventLaunchFailed, func(events.Event) {
			c.RecordLaunchFailed()
		}),
		bus.Subscribe(events.EventBatchRetry, func(events.Event) {
			c.RecordBatchRetry()
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// StartServer serves /metrics on addr until the caller shuts the returned
// server down. The bound address is left in srv.Addr so callers can report
// it when addr used port 0.
func StartServer(addr string, reg *prometheus.Registry) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	srv.Addr = ln.Addr().String()
	go srv.Serve(ln)
	return srv, nil
}

func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func floatValue(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
