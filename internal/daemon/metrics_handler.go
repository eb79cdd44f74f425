package daemon

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/msageha/chime/internal/events"
	"github.com/msageha/chime/internal/model"
	yamlutil "github.com/msageha/chime/internal/yaml"
	yamlv3 "gopkg.in/yaml.v3"
)

// MetricsHandler maintains state/metrics.yaml and the dashboard.md summary.
// Run lifecycle events are buffered in memory as they arrive and flushed
// into the file on the next scan tick, so the file sees one writer.
type MetricsHandler struct {
	chimeDir string
	config   model.Config
	logger   *log.Logger
	logLevel LogLevel

	mu      sync.Mutex
	pending model.MetricsCounters
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(chimeDir string, cfg model.Config, logger *log.Logger, logLevel LogLevel) *MetricsHandler {
	return &MetricsHandler{
		chimeDir: chimeDir,
		config:   cfg,
		logger:   logger,
		logLevel: logLevel,
	}
}

// Attach subscribes the handler to run lifecycle events. The returned
// function unsubscribes.
func (mh *MetricsHandler) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.EventReminderSent, func(ev events.Event) {
			level, _ := ev.Data["level"].(string)
			mh.mu.Lock()
			mh.pending.RemindersSent++
			switch model.Level(level) {
			case model.LevelFollowUp:
				mh.pending.FollowUpsSent++
			case model.LevelEscalation:
				mh.pending.EscalationsSent++
			}
			mh.mu.Unlock()
		}),
		bus.Subscribe(events.EventRunCompleted, func(events.Event) {
			mh.mu.Lock()
			mh.pending.RunsCompleted++
			mh.mu.Unlock()
		}),
		bus.Subscribe(events.EventRunAborted, func(events.Event) {
			mh.mu.Lock()
			mh.pending.RunsAborted++
			mh.mu.Unlock()
		}),
		bus.Subscribe(events.EventRunFailed, func(events.Event) {
			mh.mu.Lock()
			mh.pending.RunsFailed++
			mh.mu.Unlock()
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// UpdateMetrics loads existing metrics, merges the scan outcome plus any
// buffered event counters, and writes state/metrics.yaml.
func (mh *MetricsHandler) UpdateMetrics(scanStart time.Time, duration time.Duration, tasksScanned int, result model.BatchResult) error {
	mh.mu.Lock()
	defer mh.mu.Unlock()

	metrics, err := mh.load()
	if err != nil {
		return err
	}

	metrics.Counters.Scans++
	metrics.Counters.TasksScanned += tasksScanned
	metrics.Counters.DueTasks += result.Total
	metrics.Counters.RunsStarted += result.Succeeded
	metrics.Counters.RunsSkipped += result.Skipped
	metrics.Counters.LaunchFailures += result.Failed
	metrics.Counters.LaunchRetries += result.Retried
	mh.mergePending(&metrics.Counters)

	summary := model.ScanSummary{
		StartedAt:  scanStart.UTC().Format(time.RFC3339),
		DurationMs: duration.Milliseconds(),
		Tasks:      tasksScanned,
		Due:        result.Total,
	}
	if result.Total > 0 {
		summary.Batch = &result
	}
	metrics.LastScan = &summary

	heartbeat := scanStart.UTC().Format(time.RFC3339)
	metrics.DaemonHeartbeat = &heartbeat
	now := time.Now().UTC().Format(time.RFC3339)
	metrics.UpdatedAt = &now

	return mh.write(metrics)
}

// RecordScanFailure notes a tick that was skipped because the task store
// could not be listed. The heartbeat still moves so a stuck store is
// distinguishable from a dead daemon.
func (mh *MetricsHandler) RecordScanFailure(scanStart time.Time) error {
	mh.mu.Lock()
	defer mh.mu.Unlock()

	metrics, err := mh.load()
	if err != nil {
		return err
	}

	metrics.Counters.ScanFailures++
	mh.mergePending(&metrics.Counters)

	heartbeat := scanStart.UTC().Format(time.RFC3339)
	metrics.DaemonHeartbeat = &heartbeat
	now := time.Now().UTC().Format(time.RFC3339)
	metrics.UpdatedAt = &now

	return mh.write(metrics)
}

// UpdateDashboard generates a markdown summary and writes .chime/dashboard.md.
func (mh *MetricsHandler) UpdateDashboard(dueTasks []model.DueTask, active []model.EscalationRun) error {
	mh.mu.Lock()
	metrics, err := mh.load()
	mh.mu.Unlock()
	if err != nil {
		return err
	}

	var sb strings.Builder
	sb.WriteString("# Chime Dashboard\n\n")
	sb.WriteString(fmt.Sprintf("Updated: %s\n\n", time.Now().UTC().Format(time.RFC3339)))

	sb.WriteString("## Due Tasks\n\n")
	if len(dueTasks) == 0 {
		sb.WriteString("_No due tasks_\n")
	} else {
		sb.WriteString("| Task | Frequency | Days Overdue |\n")
		sb.WriteString("|------|-----------|-------------:|\n")
		for _, task := range dueTasks {
			sb.WriteString(fmt.Sprintf("| %s | %s | %d |\n", task.Name, task.Frequency, task.OverdueDays))
		}
	}

	sb.WriteString("\n## Active Runs\n\n")
	if len(active) == 0 {
		sb.WriteString("_No active runs_\n")
	} else {
		sort.Slice(active, func(i, j int) bool {
			return active[i].RunID < active[j].RunID
		})
		sb.WriteString("| Run | Task | Level | Resume At | Attempts |\n")
		sb.WriteString("|-----|------|-------|-----------|---------:|\n")
		for _, run := range active {
			level := string(run.Level)
			if level == "" {
				level = "launched"
			}
			sb.WriteString(fmt.Sprintf("| `%s` | %s | %s | %s | %d |\n",
				run.RunID, run.TaskName, level, run.ResumeAt, run.Attempts))
		}
	}

	sb.WriteString("\n## Counters\n\n")
	sb.WriteString("| Counter | Value |\n")
	sb.WriteString("|---------|------:|\n")
	c := metrics.Counters
	rows := []struct {
		name  string
		value int
	}{
		{"scans", c.Scans},
		{"scan_failures", c.ScanFailures},
		{"due_tasks", c.DueTasks},
		{"runs_started", c.RunsStarted},
		{"runs_skipped", c.RunsSkipped},
		{"reminders_sent", c.RemindersSent},
		{"follow_ups_sent", c.FollowUpsSent},
		{"escalations_sent", c.EscalationsSent},
		{"runs_completed", c.RunsCompleted},
		{"runs_aborted", c.RunsAborted},
		{"runs_failed", c.RunsFailed},
		{"launch_failures", c.LaunchFailures},
		{"launch_retries", c.LaunchRetries},
	}
	for _, row := range rows {
		sb.WriteString(fmt.Sprintf("| %s | %d |\n", row.name, row.value))
	}

	dashboardPath := filepath.Join(mh.chimeDir, "dashboard.md")
	return yamlutil.AtomicWriteRaw(dashboardPath, []byte(sb.String()))
}

// mergePending folds buffered event counters into the loaded file counters
// and resets the buffer. Caller holds mh.mu.
func (mh *MetricsHandler) mergePending(counters *model.MetricsCounters) {
	counters.RemindersSent += mh.pending.RemindersSent
	counters.FollowUpsSent += mh.pending.FollowUpsSent
	counters.EscalationsSent += mh.pending.EscalationsSent
	counters.RunsCompleted += mh.pending.RunsCompleted
	counters.RunsAborted += mh.pending.RunsAborted
	counters.RunsFailed += mh.pending.RunsFailed
	mh.pending = model.MetricsCounters{}
}

func (mh *MetricsHandler) load() (model.Metrics, error) {
	var metrics model.Metrics
	data, err := os.ReadFile(mh.path())
	if err != nil {
		if !os.IsNotExist(err) {
			return metrics, fmt.Errorf("read metrics: %w", err)
		}
		metrics.SchemaVersion = yamlutil.CurrentSchemaVersion
		metrics.FileType = "state_metrics"
		return metrics, nil
	}
	if err := yamlv3.Unmarshal(data, &metrics); err != nil {
		// Counters are best effort. A corrupt file must not block the tick.
		mh.log(LogLevelWarn, "parse metrics (resetting): %v", err)
		return model.Metrics{
			SchemaVersion: yamlutil.CurrentSchemaVersion,
			FileType:      "state_metrics",
		}, nil
	}
	return metrics, nil
}

func (mh *MetricsHandler) write(metrics model.Metrics) error {
	if err := os.MkdirAll(filepath.Dir(mh.path()), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return yamlutil.AtomicWrite(mh.path(), metrics)
}

func (mh *MetricsHandler) path() string {
	return filepath.Join(mh.chimeDir, "state", "metrics.yaml")
}

func (mh *MetricsHandler) log(level LogLevel, format string, args ...any) {
	if level < mh.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	mh.logger.Printf("%s %s metrics: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
