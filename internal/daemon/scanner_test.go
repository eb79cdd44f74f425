package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/msageha/chime/internal/frequency"
	"github.com/msageha/chime/internal/model"
	"github.com/msageha/chime/internal/store"
)

var scanBase = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

// fakeTaskStore is an in-memory TaskStore with a scriptable failure.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]model.Task
	err   error
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]model.Task)}
}

func (f *fakeTaskStore) ListTasks(ctx context.Context) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	tasks := make([]model.Task, 0, len(f.tasks))
	for _, task := range f.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (f *fakeTaskStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Task{}, f.err
	}
	task, ok := f.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return task, nil
}

func (f *fakeTaskStore) AddTask(ctx context.Context, name, spec string) (model.Task, error) {
	every, err := frequency.Parse(spec)
	if err != nil {
		return model.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	task := model.Task{
		ID:        fmt.Sprintf("task-%d", len(f.tasks)+1),
		Name:      name,
		Frequency: spec,
		Every:     every,
		CreatedAt: time.Now().UTC(),
	}
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeTaskStore) CompleteTask(ctx context.Context, id string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	f.tasks[id] = task
	return task, nil
}

func (f *fakeTaskStore) RemoveTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeTaskStore) set(task model.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
}

func (f *fakeTaskStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestScanner(tasks *fakeTaskStore) *Scanner {
	s := NewScanner(tasks, log.New(io.Discard, "", 0), LogLevelError)
	s.now = func() time.Time { return scanBase }
	return s
}

func TestScan_ReturnsDueTasksOnly(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.set(model.Task{
		ID:        "task-1",
		Name:      "water plants",
		Frequency: "every 7 days",
		Every:     7 * 24 * time.Hour,
		CreatedAt: scanBase.Add(-9 * 24 * time.Hour),
	})
	tasks.set(model.Task{
		ID:        "task-2",
		Name:      "clean filter",
		Frequency: "every 7 days",
		Every:     7 * 24 * time.Hour,
		CreatedAt: scanBase.Add(-24 * time.Hour),
	})
	completed := scanBase.Add(-24 * time.Hour)
	tasks.set(model.Task{
		ID:          "task-3",
		Name:        "take out trash",
		Frequency:   "every 3 days",
		Every:       3 * 24 * time.Hour,
		CreatedAt:   scanBase.Add(-30 * 24 * time.Hour),
		CompletedAt: &completed,
	})

	dueTasks, total, err := newTestScanner(tasks).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(dueTasks) != 1 {
		t.Fatalf("due = %d, want 1", len(dueTasks))
	}
	want := model.DueTask{
		TaskID:      "task-1",
		Name:        "water plants",
		Frequency:   "every 7 days",
		OverdueDays: 2,
	}
	if dueTasks[0] != want {
		t.Errorf("due task = %+v, want %+v", dueTasks[0], want)
	}
}

func TestScan_ExactBoundaryIsDue(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.set(model.Task{
		ID:        "task-1",
		Name:      "water plants",
		Frequency: "every 7 days",
		Every:     7 * 24 * time.Hour,
		CreatedAt: scanBase.Add(-7 * 24 * time.Hour),
	})

	dueTasks, _, err := newTestScanner(tasks).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(dueTasks) != 1 {
		t.Fatalf("due = %d, want 1", len(dueTasks))
	}
	if dueTasks[0].OverdueDays != 0 {
		t.Errorf("overdue days = %d, want 0", dueTasks[0].OverdueDays)
	}
}

func TestScan_StoreErrorSkipsTick(t *testing.T) {
	tasks := newFakeTaskStore()
	tasks.set(model.Task{
		ID:        "task-1",
		Name:      "water plants",
		Frequency: "every 7 days",
		Every:     7 * 24 * time.Hour,
		CreatedAt: scanBase.Add(-9 * 24 * time.Hour),
	})
	tasks.setErr(fmt.Errorf("%w: connection refused", store.ErrUnavailable))

	dueTasks, total, err := newTestScanner(tasks).Scan(context.Background())

	if !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if dueTasks != nil || total != 0 {
		t.Errorf("due=%v total=%d, want nil/0 on a skipped tick", dueTasks, total)
	}
}

func TestScan_EmptyStore(t *testing.T) {
	dueTasks, total, err := newTestScanner(newFakeTaskStore()).Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(dueTasks) != 0 || total != 0 {
		t.Errorf("due=%d total=%d, want 0/0", len(dueTasks), total)
	}
}
