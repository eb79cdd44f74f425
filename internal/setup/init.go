// Package setup creates the .chime directory a project needs before the
// daemon can run in it.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/chime/internal/model"
	yamlutil "github.com/msageha/chime/internal/yaml"
	"github.com/msageha/chime/templates"
)

const chimeDirName = ".chime"

// layout lists every directory the daemon expects under .chime/ and
// does not recreate on its own.
var layout = []string{
	"runs/archive",
	"failures",
	"state",
	"locks",
	"logs",
	"quarantine",
}

// seeds maps freshly initialized state files to their file types. The
// skeletons are the same ones corrupt-file recovery falls back to.
var seeds = map[string]string{
	"tasks.yaml":         "task_list",
	"state/metrics.yaml": "state_metrics",
}

// Run initializes .chime/ in projectDir. projectName overrides the
// auto-detected name; empty means the directory basename.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, chimeDirName)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, dir := range layout {
		if err := os.MkdirAll(filepath.Join(base, dir), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	cfg, err := templateConfig(absDir, projectName)
	if err != nil {
		return err
	}
	if err := yamlutil.AtomicWrite(filepath.Join(base, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	for name, fileType := range seeds {
		if err := yamlutil.GenerateSkeleton(filepath.Join(base, name), fileType); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}

	// The daemon flocks this file to guarantee a single instance.
	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}
	return nil
}

// templateConfig loads the embedded config.yaml and fills in the fields
// that depend on the project being initialized.
func templateConfig(projectDir, projectName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if cfg.Batch.MaxConcurrent < 1 || cfg.Batch.MaxConcurrent > 64 {
		return nil, fmt.Errorf("template batch.max_concurrent out of range: %d", cfg.Batch.MaxConcurrent)
	}

	cfg.Project.Name = projectName
	if cfg.Project.Name == "" {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Chime.Home = projectDir
	cfg.Chime.Created = time.Now().Format(time.RFC3339)
	return &cfg, nil
}
