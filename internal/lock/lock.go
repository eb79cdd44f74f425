// Package lock provides the daemon singleton file lock and the per-task
// mutexes that serialize launch decisions against run advancement.
package lock

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
)

// MutexMap hands out one mutex per key. Entries are reference counted
// and dropped once no goroutine holds or waits on them, so removed
// tasks do not accumulate in a long-running daemon.
type MutexMap struct {
	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		keys: make(map[string]*keyLock),
	}
}

func (m *MutexMap) Lock(key string) {
	m.mu.Lock()
	kl, ok := m.keys[key]
	if !ok {
		kl = &keyLock{}
		m.keys[key] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	kl, ok := m.keys[key]
	if !ok {
		m.mu.Unlock()
		panic("lock: unlock of unheld key " + key)
	}
	kl.refs--
	if kl.refs == 0 {
		delete(m.keys, key)
	}
	m.mu.Unlock()

	kl.mu.Unlock()
}

// FileLock is an exclusive flock on a path. It guards against a second
// daemon racing on the same .chime directory.
type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) TryLock() error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another daemon may be running): %w", err)
	}

	if err := stamp(f); err != nil {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return err
	}

	fl.file = f
	return nil
}

// stamp records the holder for someone inspecting the lock by hand.
func stamp(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	started := time.Now().UTC().Format(time.RFC3339)
	if _, err := fmt.Fprintf(f, "pid=%d started=%s\n", os.Getpid(), started); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}

	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}

	os.Remove(fl.path)
	fl.file = nil
	return nil
}
