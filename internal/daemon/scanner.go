package daemon

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/msageha/chime/internal/due"
	"github.com/msageha/chime/internal/model"
	"github.com/msageha/chime/internal/store"
)

// Scanner snapshots the task store and reports which tasks are due. It keeps
// no state between ticks; every scan re-reads the store so completions made
// since the last tick are seen.
type Scanner struct {
	tasks    store.TaskStore
	logger   *log.Logger
	logLevel LogLevel

	now func() time.Time
}

// NewScanner creates a Scanner over the given task store.
func NewScanner(tasks store.TaskStore, logger *log.Logger, logLevel LogLevel) *Scanner {
	return &Scanner{
		tasks:    tasks,
		logger:   logger,
		logLevel: logLevel,
		now:      time.Now,
	}
}

// Scan returns every currently due task with its overdue day count, plus
// the total number of tasks examined. A store error skips the whole tick:
// no partial batch is launched from an incomplete listing.
func (s *Scanner) Scan(ctx context.Context) ([]model.DueTask, int, error) {
	now := s.now().UTC()

	tasks, err := s.tasks.ListTasks(ctx)
	if err != nil {
		s.log(LogLevelWarn, "scan_skipped error=%v", err)
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}

	var dueTasks []model.DueTask
	for _, task := range tasks {
		if !due.IsDue(task, now) {
			continue
		}
		dueTasks = append(dueTasks, model.DueTask{
			TaskID:      task.ID,
			Name:        task.Name,
			Frequency:   task.Frequency,
			OverdueDays: due.OverdueBy(task, now),
		})
	}

	s.log(LogLevelDebug, "scan_complete tasks=%d due=%d", len(tasks), len(dueTasks))
	return dueTasks, len(tasks), nil
}

func (s *Scanner) log(level LogLevel, format string, args ...any) {
	if level < s.logLevel {
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
	s.logger.Printf("%s %s scanner: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
