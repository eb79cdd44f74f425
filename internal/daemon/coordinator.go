package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msageha/chime/internal/escalate"
	"github.com/msageha/chime/internal/events"
	"github.com/msageha/chime/internal/model"
)

// Launcher is the engine surface the coordinator dispatches through.
// Allows testing launch outcomes without a real run store.
type Launcher interface {
	Launch(ctx context.Context, task model.DueTask, batchID string) (string, error)
	RecordLaunchFailure(batchID string, task model.DueTask, attempts int, reason string)
}

// Coordinator turns a scan snapshot into escalation run launches. Launches
// run concurrently up to batch.max_concurrent. Tasks whose launch fails get
// exactly one more attempt after batch.retry_delay_sec; tasks that fail both
// passes are recorded under failures/ and reported in the batch result.
type Coordinator struct {
	config   model.Config
	launcher Launcher
	eventBus *events.Bus
	logger   *log.Logger
	logLevel LogLevel
}

// failedLaunch pairs a task with the launch error that put it in the retry
// subset.
type failedLaunch struct {
	task model.DueTask
	err  error
}

// NewCoordinator creates a Coordinator dispatching through the given
// launcher, normally the escalation engine.
func NewCoordinator(cfg model.Config, launcher Launcher, bus *events.Bus, logger *log.Logger, logLevel LogLevel) *Coordinator {
	return &Coordinator{
		config:   cfg,
		launcher: launcher,
		eventBus: bus,
		logger:   logger,
		logLevel: logLevel,
	}
}

// ProcessBatch launches one escalation run per due task and reports the
// outcome. An empty snapshot returns a zero result without minting a batch
// id. Context cancellation skips the retry pass; first-pass failures then go
// terminal with a single attempt on record.
func (c *Coordinator) ProcessBatch(ctx context.Context, dueTasks []model.DueTask) model.BatchResult {
	if len(dueTasks) == 0 {
		return model.BatchResult{}
	}

	batchID, err := model.GenerateID(model.IDTypeBatch)
	if err != nil {
		// The batch id is correlation metadata; a random source failure
		// should not stop reminders from going out.
		c.log(LogLevelWarn, "batch_id error=%v", err)
		batchID = fmt.Sprintf("batch_%010d_fallback", time.Now().Unix())
	}
	result := model.BatchResult{BatchID: batchID, Total: len(dueTasks)}

	c.log(LogLevelInfo, "batch_started batch=%s total=%d", batchID, len(dueTasks))
	failed := c.launchPass(ctx, batchID, dueTasks, &result)

	attempts := 1
	if len(failed) > 0 && c.waitRetryDelay(ctx) {
		attempts = 2
		result.Retried = len(failed)
		c.log(LogLevelWarn, "batch_retry batch=%s tasks=%d", batchID, len(failed))
		c.publish(events.EventBatchRetry, map[string]interface{}{
			"batch_id": batchID,
			"tasks":    len(failed),
		})

		retry := make([]model.DueTask, len(failed))
		for i, f := range failed {
			retry[i] = f.task
		}
		failed = c.launchPass(ctx, batchID, retry, &result)
	}

	for _, f := range failed {
		result.Failed++
		reason := fmt.Sprintf("launch failed after %d attempt(s): %v", attempts, f.err)
		c.log(LogLevelError, "launch_terminal batch=%s task=%s attempts=%d error=%v",
			batchID, f.task.TaskID, attempts, f.err)
		c.launcher.RecordLaunchFailure(batchID, f.task, attempts, reason)
		c.publish(events.EventLaunchFailed, map[string]interface{}{
			"batch_id": batchID,
			"task_id":  f.task.TaskID,
			"attempts": attempts,
			"error":    f.err.Error(),
		})
	}

	c.log(LogLevelInfo, "batch_done batch=%s succeeded=%d failed=%d skipped=%d retried=%d",
		batchID, result.Succeeded, result.Failed, result.Skipped, result.Retried)
	return result
}

// launchPass launches every task in the slice concurrently and returns the
// subset whose launch failed. Tasks with an active run count as skipped, not
// failed; the guard is how overlapping scan ticks stay idempotent.
func (c *Coordinator) launchPass(ctx context.Context, batchID string, tasks []model.DueTask, result *model.BatchResult) []failedLaunch {
	limit := c.config.Batch.MaxConcurrent
	if limit <= 0 {
		limit = 8
	}

	var (
		mu     sync.Mutex
		failed []failedLaunch
	)

	var g errgroup.Group
	g.SetLimit(limit)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			runID, err := c.launcher.Launch(ctx, task, batchID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				result.Succeeded++
				c.log(LogLevelInfo, "launch_ok batch=%s task=%s run=%s", batchID, task.TaskID, runID)
			case errors.Is(err, escalate.ErrRunActive):
				result.Skipped++
				c.log(LogLevelDebug, "launch_skipped batch=%s task=%s reason=%v", batchID, task.TaskID, err)
			default:
				failed = append(failed, failedLaunch{task: task, err: err})
				c.log(LogLevelWarn, "launch_failed batch=%s task=%s error=%v", batchID, task.TaskID, err)
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

// waitRetryDelay sleeps out the configured retry delay. Returns false when
// the context is cancelled first; the retry pass is then skipped.
func (c *Coordinator) waitRetryDelay(ctx context.Context) bool {
	delay := time.Duration(c.config.Batch.RetryDelaySec) * time.Second
	c.log(LogLevelInfo, "retry_wait delay=%s", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Coordinator) publish(eventType events.EventType, data map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.Publish(eventType, data)
}

func (c *Coordinator) log(level LogLevel, format string, args ...any) {
	if level < c.logLevel {
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
	c.logger.Printf("%s %s coordinator: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
