package daemon

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/chime/internal/events"
	"github.com/msageha/chime/internal/model"
)

func newTestMetricsHandler(t *testing.T) (*MetricsHandler, string) {
	t.Helper()
	dir := t.TempDir()
	var cfg model.Config
	cfg.ApplyDefaults()
	mh := NewMetricsHandler(dir, cfg, log.New(io.Discard, "", 0), LogLevelError)
	return mh, dir
}

func loadMetricsFile(t *testing.T, dir string) model.Metrics {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "state", "metrics.yaml"))
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	var metrics model.Metrics
	if err := yamlv3.Unmarshal(data, &metrics); err != nil {
		t.Fatalf("parse metrics file: %v", err)
	}
	return metrics
}

func TestUpdateMetrics_WritesStateFile(t *testing.T) {
	mh, dir := newTestMetricsHandler(t)

	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	result := model.BatchResult{
		BatchID:   "batch_1700000000_aaaa1111",
		Total:     2,
		Succeeded: 1,
		Failed:    1,
		Retried:   1,
	}
	if err := mh.UpdateMetrics(start, 1500*time.Millisecond, 5, result); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}

	metrics := loadMetricsFile(t, dir)
	if metrics.SchemaVersion != 1 {
		t.Errorf("schema_version = %d, want 1", metrics.SchemaVersion)
	}
	if metrics.FileType != "state_metrics" {
		t.Errorf("file_type = %q, want state_metrics", metrics.FileType)
	}
	c := metrics.Counters
	if c.Scans != 1 || c.TasksScanned != 5 || c.DueTasks != 2 {
		t.Errorf("scan counters = %+v", c)
	}
	if c.RunsStarted != 1 || c.LaunchFailures != 1 || c.LaunchRetries != 1 {
		t.Errorf("batch counters = %+v", c)
	}
	if metrics.LastScan == nil {
		t.Fatal("last_scan not recorded")
	}
	if metrics.LastScan.Tasks != 5 || metrics.LastScan.Due != 2 || metrics.LastScan.DurationMs != 1500 {
		t.Errorf("last_scan = %+v", metrics.LastScan)
	}
	if metrics.LastScan.Batch == nil || metrics.LastScan.Batch.BatchID != result.BatchID {
		t.Errorf("last_scan batch = %+v", metrics.LastScan.Batch)
	}
	if metrics.DaemonHeartbeat == nil || *metrics.DaemonHeartbeat != "2025-06-02T09:00:00Z" {
		t.Errorf("heartbeat = %v", metrics.DaemonHeartbeat)
	}
}

func TestUpdateMetrics_Accumulates(t *testing.T) {
	mh, dir := newTestMetricsHandler(t)

	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if err := mh.UpdateMetrics(start, time.Second, 3, model.BatchResult{Total: 1, Succeeded: 1}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}
	if err := mh.UpdateMetrics(start.Add(30*time.Minute), time.Second, 4, model.BatchResult{}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}

	c := loadMetricsFile(t, dir).Counters
	if c.Scans != 2 {
		t.Errorf("scans = %d, want 2", c.Scans)
	}
	if c.TasksScanned != 7 {
		t.Errorf("tasks_scanned = %d, want 7", c.TasksScanned)
	}
	if c.DueTasks != 1 || c.RunsStarted != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestRecordScanFailure_CountsAndKeepsHeartbeat(t *testing.T) {
	mh, dir := newTestMetricsHandler(t)

	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if err := mh.RecordScanFailure(start); err != nil {
		t.Fatalf("RecordScanFailure: %v", err)
	}

	metrics := loadMetricsFile(t, dir)
	if metrics.Counters.Scans != 0 {
		t.Errorf("scans = %d, want 0 for a skipped tick", metrics.Counters.Scans)
	}
	if metrics.Counters.ScanFailures != 1 {
		t.Errorf("scan_failures = %d, want 1", metrics.Counters.ScanFailures)
	}
	if metrics.DaemonHeartbeat == nil || *metrics.DaemonHeartbeat != "2025-06-02T09:00:00Z" {
		t.Errorf("heartbeat = %v", metrics.DaemonHeartbeat)
	}
}

func TestMetricsHandler_AttachBuffersEvents(t *testing.T) {
	mh, dir := newTestMetricsHandler(t)
	bus := events.NewBus(16)
	defer bus.Close()
	unsub := mh.Attach(bus)
	defer unsub()

	bus.Publish(events.EventReminderSent, map[string]interface{}{"level": "initial"})
	bus.Publish(events.EventReminderSent, map[string]interface{}{"level": "follow_up"})
	bus.Publish(events.EventRunCompleted, map[string]interface{}{"run_id": "run_1700000000_aaaa1111"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mh.mu.Lock()
		pending := mh.pending
		mh.mu.Unlock()
		if pending.RemindersSent == 2 && pending.RunsCompleted == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events not buffered, pending = %+v", pending)
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if err := mh.UpdateMetrics(start, time.Second, 0, model.BatchResult{}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}

	c := loadMetricsFile(t, dir).Counters
	if c.RemindersSent != 2 || c.FollowUpsSent != 1 || c.EscalationsSent != 0 {
		t.Errorf("reminder counters = %+v", c)
	}
	if c.RunsCompleted != 1 {
		t.Errorf("runs_completed = %d, want 1", c.RunsCompleted)
	}

	mh.mu.Lock()
	pending := mh.pending
	mh.mu.Unlock()
	if pending != (model.MetricsCounters{}) {
		t.Errorf("pending not reset after flush: %+v", pending)
	}
}

func TestUpdateMetrics_ResetsCorruptFile(t *testing.T) {
	mh, dir := newTestMetricsHandler(t)

	stateDir := filepath.Join(dir, "state")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "metrics.yaml"), []byte("{not yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if err := mh.UpdateMetrics(start, time.Second, 2, model.BatchResult{}); err != nil {
		t.Fatalf("UpdateMetrics: %v", err)
	}

	metrics := loadMetricsFile(t, dir)
	if metrics.Counters.Scans != 1 || metrics.Counters.TasksScanned != 2 {
		t.Errorf("counters after reset = %+v", metrics.Counters)
	}
}

func TestUpdateDashboard_RendersTables(t *testing.T) {
	mh, dir := newTestMetricsHandler(t)

	dueTasks := []model.DueTask{
		{TaskID: "task-1", Name: "water plants", Frequency: "every 7 days", OverdueDays: 2},
	}
	active := []model.EscalationRun{
		{RunID: "run_1700000000_aaaa1111", TaskName: "water plants", Level: model.LevelFollowUp, ResumeAt: "2025-06-03T09:00:00Z", Attempts: 1},
		{RunID: "run_1700000000_bbbb2222", TaskName: "clean filter", Attempts: 0},
	}
	if err := mh.UpdateDashboard(dueTasks, active); err != nil {
		t.Fatalf("UpdateDashboard: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "dashboard.md"))
	if err != nil {
		t.Fatalf("read dashboard: %v", err)
	}
	content := string(data)

	for _, want := range []string{
		"# Chime Dashboard",
		"| water plants | every 7 days | 2 |",
		"run_1700000000_aaaa1111",
		"follow_up",
		"launched",
		"| scans | 0 |",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("dashboard missing %q:\n%s", want, content)
		}
	}
}

func TestUpdateDashboard_EmptyState(t *testing.T) {
	mh, dir := newTestMetricsHandler(t)

	if err := mh.UpdateDashboard(nil, nil); err != nil {
		t.Fatalf("UpdateDashboard: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "dashboard.md"))
	if err != nil {
		t.Fatalf("read dashboard: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "_No due tasks_") {
		t.Errorf("dashboard missing empty due marker:\n%s", content)
	}
	if !strings.Contains(content, "_No active runs_") {
		t.Errorf("dashboard missing empty runs marker:\n%s", content)
	}
}
