// Package runs persists escalation runs as one YAML file per run so that
// multi-day waits survive daemon restarts. Callers serialize access per run
// id; the store itself only does file I/O.
package runs

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/chime/internal/model"
	yamlutil "github.com/msageha/chime/internal/yaml"
)

// ErrNotFound is returned when a run id has no file in runs/.
var ErrNotFound = errors.New("run not found")

// Store reads and writes runs/<run_id>.yaml. Terminal runs move to
// runs/archive/ and stop counting toward the per-task active guard.
type Store struct {
	chimeDir string
	dir      string
	logger   *log.Logger
}

func NewStore(chimeDir string, logger *log.Logger) *Store {
	return &Store{
		chimeDir: chimeDir,
		dir:      filepath.Join(chimeDir, "runs"),
		logger:   logger,
	}
}

// Create writes a new run file. The run id must not already exist.
func (s *Store) Create(run *model.EscalationRun) error {
	if run.RunID == "" {
		return fmt.Errorf("run id is empty")
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create runs dir: %w", err)
	}

	path := s.path(run.RunID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	return s.write(path, run)
}

// Save overwrites an existing run file.
func (s *Store) Save(run *model.EscalationRun) error {
	if run.RunID == "" {
		return fmt.Errorf("run id is empty")
	}
	return s.write(s.path(run.RunID), run)
}

// Load reads one run by id.
func (s *Store) Load(runID string) (model.EscalationRun, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return model.EscalationRun{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return model.EscalationRun{}, fmt.Errorf("read run %s: %w", runID, err)
	}
	return s.decode(runID, data)
}

// List returns every non-archived run. Corrupted run files are quarantined
// and skipped so one bad file cannot stall the resume sweep.
func (s *Store) List() ([]model.EscalationRun, error) {
	return s.listDir(s.dir)
}

// ListActive returns runs that have not reached a terminal status. Terminal
// files can linger in runs/ if a previous archive attempt failed.
func (s *Store) ListActive() ([]model.EscalationRun, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, run := range all {
		if !model.IsRunTerminal(run.Status) {
			active = append(active, run)
		}
	}
	return active, nil
}

// ListResumable returns active runs whose resume_at is at or before now.
func (s *Store) ListResumable(now time.Time) ([]model.EscalationRun, error) {
	active, err := s.ListActive()
	if err != nil {
		return nil, err
	}
	resumable := active[:0]
	for _, run := range active {
		resumeAt, err := run.ResumeTime()
		if err != nil {
			s.warn("run %s has unparseable resume_at %q: %v", run.RunID, run.ResumeAt, err)
			continue
		}
		if !resumeAt.After(now) {
			resumable = append(resumable, run)
		}
	}
	return resumable, nil
}

// ActiveForTask returns the non-terminal run for a task id, or nil.
func (s *Store) ActiveForTask(taskID string) (*model.EscalationRun, error) {
	active, err := s.ListActive()
	if err != nil {
		return nil, err
	}
	for i := range active {
		if active[i].TaskID == taskID {
			return &active[i], nil
		}
	}
	return nil, nil
}

// Archive persists the run's final state and moves it to runs/archive/.
func (s *Store) Archive(run *model.EscalationRun) error {
	if err := s.Save(run); err != nil {
		return err
	}

	archiveDir := filepath.Join(s.dir, "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	src := s.path(run.RunID)
	dst := filepath.Join(archiveDir, run.RunID+".yaml")
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("archive run %s: %w", run.RunID, err)
	}
	return nil
}

// ListArchived returns completed runs from runs/archive/.
func (s *Store) ListArchived() ([]model.EscalationRun, error) {
	return s.listDir(filepath.Join(s.dir, "archive"))
}

func (s *Store) listDir(dir string) ([]model.EscalationRun, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir: %w", err)
	}

	var runs []model.EscalationRun
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.warn("read %s: %v", entry.Name(), err)
			continue
		}
		run, err := s.decode(entry.Name(), data)
		if err != nil {
			s.warn("quarantine %s: %v", entry.Name(), err)
			if qerr := yamlutil.Quarantine(s.chimeDir, path); qerr != nil {
				s.warn("quarantine %s failed: %v", entry.Name(), qerr)
			}
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	return runs, nil
}

func (s *Store) decode(name string, data []byte) (model.EscalationRun, error) {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, "escalation_run"); err != nil {
		return model.EscalationRun{}, err
	}
	var run model.EscalationRun
	if err := yamlv3.Unmarshal(data, &run); err != nil {
		return model.EscalationRun{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return run, nil
}

func (s *Store) write(path string, run *model.EscalationRun) error {
	run.SchemaVersion = yamlutil.CurrentSchemaVersion
	run.FileType = "escalation_run"
	if err := yamlutil.AtomicWrite(path, run); err != nil {
		return fmt.Errorf("write run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".yaml")
}

func (s *Store) warn(format string, args ...any) {
	if s.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s WARN runs: %s", time.Now().Format(time.RFC3339), msg)
}
