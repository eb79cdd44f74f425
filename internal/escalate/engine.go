// Package escalate drives escalation runs through the reminder sequence:
// an initial reminder, a follow-up after the first wait, and a final
// escalation after the second. Every transition is persisted before the
// engine moves on, so waits measured in days survive daemon restarts; the
// engine keeps nothing in memory between calls.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/chime/internal/deliver"
	"github.com/msageha/chime/internal/due"
	"github.com/msageha/chime/internal/events"
	"github.com/msageha/chime/internal/frequency"
	"github.com/msageha/chime/internal/lock"
	"github.com/msageha/chime/internal/model"
	"github.com/msageha/chime/internal/runs"
	"github.com/msageha/chime/internal/store"
	yamlutil "github.com/msageha/chime/internal/yaml"
)

var (
	// ErrLaunchFailed reports that a run record could not be created.
	// Delivery problems after the record exists are retried inside the
	// run and never surface as launch failures.
	ErrLaunchFailed = errors.New("escalation launch failed")

	// ErrRunActive reports that the task already has a non-terminal run.
	ErrRunActive = errors.New("escalation run already active for task")
)

// Step names recorded on the run after each successful delivery.
const (
	stepDeliverInitial    = "deliver_initial"
	stepDeliverFollowUp   = "deliver_follow_up"
	stepDeliverEscalation = "deliver_escalation"
)

// maxStepBackoff caps the exponential delay between step retries.
const maxStepBackoff = time.Hour

// LogLevel controls logging verbosity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Engine advances escalation runs through the level state machine. All run
// mutations happen under a per-run lock; the runs store does no locking of
// its own.
type Engine struct {
	chimeDir string
	config   model.Config
	runs     *runs.Store
	tasks    store.TaskStore
	bridge   *deliver.Bridge
	bus      *events.Bus
	lockMap  *lock.MutexMap
	logger   *log.Logger
	logLevel LogLevel

	// now is swappable in tests; every time read goes through it.
	now func() time.Time
}

func NewEngine(
	chimeDir string,
	cfg model.Config,
	runStore *runs.Store,
	tasks store.TaskStore,
	bridge *deliver.Bridge,
	bus *events.Bus,
	lockMap *lock.MutexMap,
	logger *log.Logger,
	logLevel string,
) *Engine {
	return &Engine{
		chimeDir: chimeDir,
		config:   cfg,
		runs:     runStore,
		tasks:    tasks,
		bridge:   bridge,
		bus:      bus,
		lockMap:  lockMap,
		logger:   logger,
		logLevel: parseLogLevel(logLevel),
		now:      time.Now,
	}
}

// Launch creates and persists a run for a due task, then drives its first
// step inline. A task that already has a non-terminal run is rejected with
// ErrRunActive so overlapping scans cannot double-remind.
func (e *Engine) Launch(ctx context.Context, task model.DueTask, batchID string) (string, error) {
	lockKey := "task:" + task.TaskID
	e.lockMap.Lock(lockKey)

	active, err := e.runs.ActiveForTask(task.TaskID)
	if err != nil {
		e.lockMap.Unlock(lockKey)
		return "", fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	if active != nil {
		e.lockMap.Unlock(lockKey)
		e.log(LogLevelDebug, "launch_skip task=%s active_run=%s", task.TaskID, active.RunID)
		return "", fmt.Errorf("%w: %s held by %s", ErrRunActive, task.TaskID, active.RunID)
	}

	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		e.lockMap.Unlock(lockKey)
		return "", fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	now := e.now().UTC()
	ts := now.Format(time.RFC3339)
	run := &model.EscalationRun{
		RunID:       runID,
		BatchID:     batchID,
		TaskID:      task.TaskID,
		TaskName:    task.Name,
		Frequency:   task.Frequency,
		Status:      model.RunStatusWaiting,
		OverdueDays: task.OverdueDays,
		ResumeAt:    ts,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := e.runs.Create(run); err != nil {
		e.lockMap.Unlock(lockKey)
		return "", fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	e.lockMap.Unlock(lockKey)

	e.log(LogLevelInfo, "run_started run=%s task=%s batch=%s overdue_days=%d",
		runID, task.TaskID, batchID, task.OverdueDays)
	e.publish(events.EventRunStarted, *run, map[string]interface{}{"overdue_days": task.OverdueDays})

	// The first step runs inline. A delivery failure here leaves the run
	// waiting in backoff; it does not fail the launch.
	if err := e.Advance(ctx, runID); err != nil {
		e.log(LogLevelWarn, "launch_advance run=%s error=%v", runID, err)
	}
	return runID, nil
}

// Advance drives one step of a run's state machine if its resume time has
// arrived. Safe to call on any run id at any time: terminal and still
// waiting runs are left untouched.
func (e *Engine) Advance(ctx context.Context, runID string) error {
	lockKey := "run:" + runID
	e.lockMap.Lock(lockKey)
	defer e.lockMap.Unlock(lockKey)

	run, err := e.runs.Load(runID)
	if err != nil {
		return err
	}
	if model.IsRunTerminal(run.Status) {
		return nil
	}

	now := e.now().UTC()
	resumeAt, err := run.ResumeTime()
	if err != nil {
		return fmt.Errorf("run %s: %w", runID, err)
	}
	if resumeAt.After(now) {
		return nil
	}

	switch run.Level {
	case "":
		// Due-ness was established by the scan moments ago; the initial
		// reminder goes out without a re-check.
		return e.deliverStep(ctx, &run, now, model.LevelInitial, stepDeliverInitial, run.OverdueDays)
	case model.LevelInitial:
		return e.recheckAndDeliver(ctx, &run, now, model.LevelFollowUp, stepDeliverFollowUp, run.OverdueDays+1)
	case model.LevelFollowUp:
		return e.recheckAndDeliver(ctx, &run, now, model.LevelEscalation, stepDeliverEscalation, run.OverdueDays+3)
	case model.LevelEscalation:
		// The escalation step already delivered; only the done marker is
		// missing, e.g. after a crash between delivery and archive.
		return e.completeRun(&run, now)
	default:
		return fmt.Errorf("run %s: unknown level %q", runID, run.Level)
	}
}

// ResumeDue advances every run whose wait has expired. Runs advance in
// parallel under the batch concurrency bound; the per-run lock keeps steps
// within a run sequential. Individual advance errors are logged and do not
// stop the sweep.
func (e *Engine) ResumeDue(ctx context.Context) (int, error) {
	resumable, err := e.runs.ListResumable(e.now().UTC())
	if err != nil {
		return 0, err
	}

	limit := e.config.Batch.MaxConcurrent
	if limit <= 0 {
		limit = 8
	}

	var (
		mu       sync.Mutex
		advanced int
	)
	var g errgroup.Group
	g.SetLimit(limit)
	for _, run := range resumable {
		run := run
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := e.Advance(ctx, run.RunID); err != nil {
				e.log(LogLevelWarn, "resume run=%s error=%v", run.RunID, err)
				return nil
			}
			mu.Lock()
			advanced++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return advanced, ctx.Err()
}

// SweepTerminal archives terminal run files left behind in runs/ by an
// earlier failed archive attempt. Called once at daemon startup.
func (e *Engine) SweepTerminal() int {
	all, err := e.runs.List()
	if err != nil {
		e.log(LogLevelWarn, "sweep_terminal list error=%v", err)
		return 0
	}

	swept := 0
	for i := range all {
		if !model.IsRunTerminal(all[i].Status) {
			continue
		}
		lockKey := "run:" + all[i].RunID
		e.lockMap.Lock(lockKey)
		if err := e.runs.Archive(&all[i]); err != nil {
			e.log(LogLevelWarn, "sweep_terminal run=%s error=%v", all[i].RunID, err)
		} else {
			e.log(LogLevelInfo, "sweep_terminal run=%s status=%s archived", all[i].RunID, all[i].Status)
			swept++
		}
		e.lockMap.Unlock(lockKey)
	}
	return swept
}

// RecordLaunchFailure archives a failure record for a task whose run never
// made it into runs/. The coordinator calls this once a launch has failed
// its retry pass.
func (e *Engine) RecordLaunchFailure(batchID string, task model.DueTask, attempts int, reason string) {
	now := e.now().UTC()
	run := model.EscalationRun{
		BatchID:  batchID,
		TaskID:   task.TaskID,
		TaskName: task.Name,
		Attempts: attempts,
	}
	if err := e.writeFailureRecord(&run, now, reason); err != nil {
		e.log(LogLevelError, "launch_failure_record task=%s error=%v", task.TaskID, err)
	}
}

// recheckAndDeliver re-reads the task after a wait and either ends the run
// or delivers the next level. The overdue day count shown to the user is a
// fixed offset from the value captured at launch, not a live recomputation.
func (e *Engine) recheckAndDeliver(ctx context.Context, run *model.EscalationRun, now time.Time, level model.Level, step string, overdueDays int) error {
	task, err := e.tasks.GetTask(ctx, run.TaskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.abortRun(run, now, "task deleted")
	case errors.Is(err, frequency.ErrInvalidFrequency):
		return e.failRun(run, now, fmt.Sprintf("task frequency became invalid: %v", err))
	case err != nil:
		return e.retryStep(run, step, now, err)
	}

	if !due.IsDue(task, now) {
		return e.abortRun(run, now, "task no longer due")
	}
	return e.deliverStep(ctx, run, now, level, step, overdueDays)
}

// deliverStep sends one reminder level and records the step. Delivery
// failures are retried with backoff; render failures cannot succeed on
// retry and fail the run immediately.
func (e *Engine) deliverStep(ctx context.Context, run *model.EscalationRun, now time.Time, level model.Level, step string, overdueDays int) error {
	if err := model.ValidateLevelTransition(run.Level, level); err != nil {
		return e.failRun(run, now, err.Error())
	}

	if err := e.bridge.Deliver(ctx, *run, level, overdueDays); err != nil {
		if errors.Is(err, deliver.ErrDeliveryFailed) {
			return e.retryStep(run, step, now, err)
		}
		return e.failRun(run, now, err.Error())
	}

	run.Steps = append(run.Steps, model.StepRecord{
		Name:        step,
		Attempts:    run.Attempts + 1,
		CompletedAt: now.Format(time.RFC3339),
	})
	run.Level = level
	run.Attempts = 0
	run.LastError = nil

	e.log(LogLevelInfo, "reminder_sent run=%s task=%s level=%s overdue_days=%d",
		run.RunID, run.TaskID, level, overdueDays)
	e.publish(events.EventReminderSent, *run, map[string]interface{}{"overdue_days": overdueDays})

	if level == model.LevelEscalation {
		return e.completeRun(run, now)
	}

	run.ResumeAt = now.Add(e.waitAfter(level)).Format(time.RFC3339)
	run.UpdatedAt = now.Format(time.RFC3339)
	if err := e.runs.Save(run); err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// retryStep records a failed attempt and schedules the next try with
// exponential backoff. Exhausting max_step_attempts fails the run; the
// daemon and sibling runs keep going.
func (e *Engine) retryStep(run *model.EscalationRun, step string, now time.Time, cause error) error {
	run.Attempts++
	msg := cause.Error()
	run.LastError = &msg

	if run.Attempts >= e.config.Escalation.MaxStepAttempts {
		return e.failRun(run, now, fmt.Sprintf("%s failed after %d attempts: %v", step, run.Attempts, cause))
	}

	run.ResumeAt = now.Add(stepBackoff(e.config.Escalation.StepBackoffSec, run.Attempts)).Format(time.RFC3339)
	run.UpdatedAt = now.Format(time.RFC3339)
	if err := e.runs.Save(run); err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	e.log(LogLevelWarn, "step_retry run=%s step=%s attempts=%d error=%v",
		run.RunID, step, run.Attempts, cause)
	return nil
}

func (e *Engine) completeRun(run *model.EscalationRun, now time.Time) error {
	if err := model.ValidateRunTransition(run.Status, model.RunStatusDone); err != nil {
		return fmt.Errorf("run %s: %w", run.RunID, err)
	}
	run.Status = model.RunStatusDone
	run.UpdatedAt = now.Format(time.RFC3339)
	e.archive(run)

	e.log(LogLevelInfo, "run_completed run=%s task=%s", run.RunID, run.TaskID)
	e.publish(events.EventRunCompleted, *run, nil)
	return nil
}

func (e *Engine) abortRun(run *model.EscalationRun, now time.Time, reason string) error {
	if err := model.ValidateRunTransition(run.Status, model.RunStatusAborted); err != nil {
		return fmt.Errorf("run %s: %w", run.RunID, err)
	}
	run.Status = model.RunStatusAborted
	run.UpdatedAt = now.Format(time.RFC3339)
	e.archive(run)

	e.log(LogLevelInfo, "run_aborted run=%s task=%s reason=%q", run.RunID, run.TaskID, reason)
	e.publish(events.EventRunAborted, *run, map[string]interface{}{"reason": reason})
	return nil
}

func (e *Engine) failRun(run *model.EscalationRun, now time.Time, reason string) error {
	if err := model.ValidateRunTransition(run.Status, model.RunStatusFailed); err != nil {
		return fmt.Errorf("run %s: %w", run.RunID, err)
	}
	run.Status = model.RunStatusFailed
	run.LastError = &reason
	run.UpdatedAt = now.Format(time.RFC3339)

	if err := e.writeFailureRecord(run, now, reason); err != nil {
		e.log(LogLevelError, "failure_record run=%s error=%v", run.RunID, err)
	}
	e.archive(run)

	e.log(LogLevelError, "run_failed run=%s task=%s reason=%q", run.RunID, run.TaskID, reason)
	e.publish(events.EventRunFailed, *run, map[string]interface{}{"reason": reason})
	return nil
}

// archive moves a terminal run out of runs/. On failure the terminal file
// stays behind; the active listing ignores it and the next startup sweep
// retries the move.
func (e *Engine) archive(run *model.EscalationRun) {
	if err := e.runs.Archive(run); err != nil {
		e.log(LogLevelError, "archive run=%s status=%s error=%v", run.RunID, run.Status, err)
	}
}

// writeFailureRecord preserves the final state of a failed run under
// failures/ so an operator can see what was never delivered.
func (e *Engine) writeFailureRecord(run *model.EscalationRun, now time.Time, reason string) error {
	failuresDir := filepath.Join(e.chimeDir, "failures")
	if err := os.MkdirAll(failuresDir, 0755); err != nil {
		return fmt.Errorf("create failures dir: %w", err)
	}

	type failureRecord struct {
		SchemaVersion int    `yaml:"schema_version"`
		FileType      string `yaml:"file_type"`
		RunID         string `yaml:"run_id"`
		BatchID       string `yaml:"batch_id"`
		TaskID        string `yaml:"task_id"`
		TaskName      string `yaml:"task_name"`
		Level         string `yaml:"level"`
		Attempts      int    `yaml:"attempts"`
		Reason        string `yaml:"reason"`
		FailedAt      string `yaml:"failed_at"`
	}

	record := failureRecord{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "failure_record",
		RunID:         run.RunID,
		BatchID:       run.BatchID,
		TaskID:        run.TaskID,
		TaskName:      run.TaskName,
		Level:         string(run.Level),
		Attempts:      run.Attempts,
		Reason:        reason,
		FailedAt:      now.Format(time.RFC3339),
	}

	name := run.RunID
	if name == "" {
		name = run.TaskID
	}
	filename := fmt.Sprintf("%s_%s.yaml", now.Format("20060102T150405Z"), name)
	return yamlutil.AtomicWrite(filepath.Join(failuresDir, filename), record)
}

// waitAfter returns the wait that follows a just-delivered level.
func (e *Engine) waitAfter(level model.Level) time.Duration {
	switch level {
	case model.LevelInitial:
		return time.Duration(e.config.Escalation.FollowUpWaitHours) * time.Hour
	case model.LevelFollowUp:
		return time.Duration(e.config.Escalation.EscalationWaitHours) * time.Hour
	default:
		return 0
	}
}

// stepBackoff doubles per failed attempt, capped at an hour.
func stepBackoff(baseSec, attempts int) time.Duration {
	backoff := time.Duration(baseSec) * time.Second
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= maxStepBackoff {
			return maxStepBackoff
		}
	}
	if backoff > maxStepBackoff {
		return maxStepBackoff
	}
	return backoff
}

func (e *Engine) publish(eventType events.EventType, run model.EscalationRun, extra map[string]interface{}) {
	if e.bus == nil {
		return
	}
	data := map[string]interface{}{
		"run_id":   run.RunID,
		"batch_id": run.BatchID,
		"task_id":  run.TaskID,
		"level":    string(run.Level),
	}
	for k, v := range extra {
		data[k] = v
	}
	e.bus.Publish(eventType, data)
}

// --- Logging ---

func (e *Engine) log(level LogLevel, format string, args ...any) {
	if level < e.logLevel {
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
	e.logger.Printf("%s %s escalate: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
