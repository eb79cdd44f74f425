// Package store provides the task persistence backends. The daemon and the
// escalation engine only read tasks; write operations exist for the CLI.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/msageha/chime/internal/model"
)

var (
	// ErrNotFound is returned when a task id does not exist in the store.
	ErrNotFound = errors.New("task not found")
	// ErrUnavailable is returned when the backend cannot be reached or read.
	ErrUnavailable = errors.New("task store unavailable")
)

// TaskStore is the read surface used by the scanner and the escalation engine.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]model.Task, error)
	GetTask(ctx context.Context, id string) (model.Task, error)
}

// TaskWriter extends TaskStore with the mutations the CLI needs.
type TaskWriter interface {
	TaskStore
	AddTask(ctx context.Context, name, frequency string) (model.Task, error)
	CompleteTask(ctx context.Context, id string) (model.Task, error)
	RemoveTask(ctx context.Context, id string) error
}

// Open returns the store implementation selected by config.
func Open(chimeDir string, cfg model.Config, logger *log.Logger) (TaskWriter, error) {
	switch cfg.Store.Type {
	case "", "file":
		path := cfg.Store.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(chimeDir, path)
		}
		return NewFileStore(path, logger), nil
	case "postgres":
		ps, err := NewPostgresStore(cfg.Store.Postgres.DSNEnv, cfg.Store.Postgres.Table, logger)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ps.EnsureSchema(ctx); err != nil {
			ps.Close()
			return nil, err
		}
		return ps, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}
