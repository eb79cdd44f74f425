package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/chime/internal/frequency"
	"github.com/msageha/chime/internal/model"
	yamlutil "github.com/msageha/chime/internal/yaml"
)

// taskFile is the persisted shape of tasks.yaml.
type taskFile struct {
	SchemaVersion int          `yaml:"schema_version"`
	FileType      string       `yaml:"file_type"`
	Tasks         []taskRecord `yaml:"tasks"`
}

type taskRecord struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Frequency   string  `yaml:"frequency"`
	CreatedAt   string  `yaml:"created_at"`
	CompletedAt *string `yaml:"completed_at,omitempty"`
}

// FileStore persists tasks in a single YAML file with atomic writes.
type FileStore struct {
	path   string
	logger *log.Logger
	mu     sync.Mutex
}

func NewFileStore(path string, logger *log.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

func (fs *FileStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	tf, err := fs.load()
	if err != nil {
		return nil, err
	}

	tasks := make([]model.Task, 0, len(tf.Tasks))
	for _, rec := range tf.Tasks {
		t, err := fs.toTask(rec)
		if err != nil {
			fs.warn("skip task id=%s: %v", rec.ID, err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (fs *FileStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	tf, err := fs.load()
	if err != nil {
		return model.Task{}, err
	}

	for _, rec := range tf.Tasks {
		if rec.ID == id {
			return fs.toTask(rec)
		}
	}
	return model.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (fs *FileStore) AddTask(ctx context.Context, name, freq string) (model.Task, error) {
	every, err := frequency.Parse(freq)
	if err != nil {
		return model.Task{}, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	tf, err := fs.load()
	if err != nil {
		return model.Task{}, err
	}

	now := time.Now().UTC()
	rec := taskRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Frequency: freq,
		CreatedAt: now.Format(time.RFC3339),
	}
	tf.Tasks = append(tf.Tasks, rec)

	if err := fs.save(tf); err != nil {
		return model.Task{}, err
	}
	return model.Task{
		ID:        rec.ID,
		Name:      name,
		Frequency: freq,
		Every:     every,
		CreatedAt: now,
	}, nil
}

func (fs *FileStore) CompleteTask(ctx context.Context, id string) (model.Task, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	tf, err := fs.load()
	if err != nil {
		return model.Task{}, err
	}

	for i := range tf.Tasks {
		if tf.Tasks[i].ID != id {
			continue
		}
		ts := time.Now().UTC().Format(time.RFC3339)
		tf.Tasks[i].CompletedAt = &ts
		if err := fs.save(tf); err != nil {
			return model.Task{}, err
		}
		return fs.toTask(tf.Tasks[i])
	}
	return model.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (fs *FileStore) RemoveTask(ctx context.Context, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	tf, err := fs.load()
	if err != nil {
		return err
	}

	for i := range tf.Tasks {
		if tf.Tasks[i].ID == id {
			tf.Tasks = append(tf.Tasks[:i], tf.Tasks[i+1:]...)
			return fs.save(tf)
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// load reads and validates tasks.yaml. A missing file is an empty list.
func (fs *FileStore) load() (taskFile, error) {
	tf := taskFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "task_list",
	}

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return tf, nil
		}
		return tf, fmt.Errorf("%w: read %s: %v", ErrUnavailable, fs.path, err)
	}

	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, "task_list"); err != nil {
		return tf, fmt.Errorf("%w: %s: %v", ErrUnavailable, fs.path, err)
	}
	if err := yamlv3.Unmarshal(data, &tf); err != nil {
		return tf, fmt.Errorf("%w: parse %s: %v", ErrUnavailable, fs.path, err)
	}
	return tf, nil
}

func (fs *FileStore) save(tf taskFile) error {
	tf.SchemaVersion = yamlutil.CurrentSchemaVersion
	tf.FileType = "task_list"
	if err := yamlutil.AtomicWrite(fs.path, tf); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrUnavailable, fs.path, err)
	}
	return nil
}

// toTask converts a persisted record, parsing timestamps and frequency once.
func (fs *FileStore) toTask(rec taskRecord) (model.Task, error) {
	every, err := frequency.Parse(rec.Frequency)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %s: %w", rec.ID, err)
	}

	createdAt, err := time.Parse(time.RFC3339, rec.CreatedAt)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %s: parse created_at: %w", rec.ID, err)
	}

	t := model.Task{
		ID:        rec.ID,
		Name:      rec.Name,
		Frequency: rec.Frequency,
		Every:     every,
		CreatedAt: createdAt,
	}
	if rec.CompletedAt != nil {
		completedAt, err := time.Parse(time.RFC3339, *rec.CompletedAt)
		if err != nil {
			return model.Task{}, fmt.Errorf("task %s: parse completed_at: %w", rec.ID, err)
		}
		t.CompletedAt = &completedAt
	}
	return t, nil
}

func (fs *FileStore) warn(format string, args ...any) {
	if fs.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fs.logger.Printf("%s WARN store: %s", time.Now().Format(time.RFC3339), msg)
}
