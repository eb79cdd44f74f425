// Package trigger keeps the persisted registry of cron trigger registrations
// in state/triggers.yaml. Registration is idempotent so the daemon can ensure
// its scan trigger on every startup without duplicating entries.
package trigger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	yamlv3 "gopkg.in/yaml.v3"

	yamlutil "github.com/msageha/chime/internal/yaml"
)

// Registration is one named five-field cron trigger.
type Registration struct {
	Name      string `yaml:"name"`
	Spec      string `yaml:"spec"`
	CreatedAt string `yaml:"created_at"`
	UpdatedAt string `yaml:"updated_at"`
}

type triggerFile struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	Triggers      []Registration `yaml:"triggers"`
}

type Registry struct {
	chimeDir string
	path     string
	logger   *log.Logger
	mu       sync.Mutex
}

func NewRegistry(chimeDir string, logger *log.Logger) *Registry {
	return &Registry{
		chimeDir: chimeDir,
		path:     filepath.Join(chimeDir, "state", "triggers.yaml"),
		logger:   logger,
	}
}

// Ensure registers a named trigger. An existing registration with the same
// spec is a logged no-op; a different spec updates the registration in place.
func (r *Registry) Ensure(name, spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tf, err := r.load()
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i := range tf.Triggers {
		if tf.Triggers[i].Name != name {
			continue
		}
		if tf.Triggers[i].Spec == spec {
			r.logf("INFO", "trigger_unchanged name=%s spec=%q", name, spec)
			return nil
		}
		r.logf("INFO", "trigger_updated name=%s spec=%q was=%q", name, spec, tf.Triggers[i].Spec)
		tf.Triggers[i].Spec = spec
		tf.Triggers[i].UpdatedAt = now
		return r.save(tf)
	}

	r.logf("INFO", "trigger_registered name=%s spec=%q", name, spec)
	tf.Triggers = append(tf.Triggers, Registration{
		Name:      name,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return r.save(tf)
}

// List returns all registrations.
func (r *Registry) List() ([]Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tf, err := r.load()
	if err != nil {
		return nil, err
	}
	return tf.Triggers, nil
}

// Lookup returns the registration with the given name.
func (r *Registry) Lookup(name string) (Registration, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tf, err := r.load()
	if err != nil {
		return Registration{}, false, err
	}
	for _, reg := range tf.Triggers {
		if reg.Name == name {
			return reg, true, nil
		}
	}
	return Registration{}, false, nil
}

// load reads the registry. A corrupted file is quarantined and replaced with
// a skeleton so a bad registry cannot keep the daemon from starting.
func (r *Registry) load() (triggerFile, error) {
	tf := triggerFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      "state_triggers",
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return tf, nil
		}
		return tf, fmt.Errorf("read triggers: %w", err)
	}

	if derr := r.decode(data, &tf); derr != nil {
		r.logf("WARN", "triggers corrupted, recovering: %v", derr)
		if rerr := yamlutil.RecoverCorruptedFile(r.chimeDir, r.path, "state_triggers"); rerr != nil {
			return tf, fmt.Errorf("recover triggers: %w", rerr)
		}
		data, err = os.ReadFile(r.path)
		if err != nil {
			return tf, fmt.Errorf("read recovered triggers: %w", err)
		}
		tf = triggerFile{SchemaVersion: yamlutil.CurrentSchemaVersion, FileType: "state_triggers"}
		if derr := r.decode(data, &tf); derr != nil {
			return tf, fmt.Errorf("recovered triggers still invalid: %w", derr)
		}
	}
	return tf, nil
}

func (r *Registry) decode(data []byte, tf *triggerFile) error {
	if err := yamlutil.ValidateSchemaHeaderFromBytes(data, "state_triggers"); err != nil {
		return err
	}
	return yamlv3.Unmarshal(data, tf)
}

func (r *Registry) save(tf triggerFile) error {
	tf.SchemaVersion = yamlutil.CurrentSchemaVersion
	tf.FileType = "state_triggers"
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := yamlutil.AtomicWrite(r.path, tf); err != nil {
		return fmt.Errorf("write triggers: %w", err)
	}
	return nil
}

func (r *Registry) logf(level, format string, args ...any) {
	if r.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s trigger: %s", time.Now().Format(time.RFC3339), level, msg)
}
