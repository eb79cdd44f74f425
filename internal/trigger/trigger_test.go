package trigger

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	return NewRegistry(dir, log.New(io.Discard, "", 0)), dir
}

func TestEnsure_Registers(t *testing.T) {
	r, _ := newTestRegistry(t)

	if err := r.Ensure("periodic_scan", "*/30 * * * *"); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	reg, ok, err := r.Lookup("periodic_scan")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !ok {
		t.Fatal("expected registration to exist")
	}
	if reg.Spec != "*/30 * * * *" {
		t.Errorf("spec: got %q", reg.Spec)
	}
	if reg.CreatedAt == "" || reg.UpdatedAt == "" {
		t.Error("expected timestamps to be set")
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t)

	if err := r.Ensure("periodic_scan", "*/30 * * * *"); err != nil {
		t.Fatalf("first Ensure failed: %v", err)
	}
	if err := r.Ensure("periodic_scan", "*/30 * * * *"); err != nil {
		t.Fatalf("second Ensure failed: %v", err)
	}

	regs, err := r.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(regs) != 1 {
		t.Fatalf("expected 1 registration, got %d", len(regs))
	}
}

func TestEnsure_UpdatesChangedSpec(t *testing.T) {
	r, _ := newTestRegistry(t)

	if err := r.Ensure("periodic_scan", "*/30 * * * *"); err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	created, _, _ := r.Lookup("periodic_scan")

	if err := r.Ensure("periodic_scan", "*/15 * * * *"); err != nil {
		t.Fatalf("Ensure with new spec failed: %v", err)
	}

	regs, err := r.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(regs) != 1 {
		t.Fatalf("expected 1 registration after update, got %d", len(regs))
	}
	if regs[0].Spec != "*/15 * * * *" {
		t.Errorf("spec: got %q", regs[0].Spec)
	}
	if regs[0].CreatedAt != created.CreatedAt {
		t.Error("update should preserve created_at")
	}
}

func TestEnsure_InvalidSpecRejected(t *testing.T) {
	r, dir := newTestRegistry(t)

	if err := r.Ensure("periodic_scan", "every thirty minutes"); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	if err := r.Ensure("periodic_scan", "* * * * * *"); err == nil {
		t.Fatal("expected error for six-field spec")
	}

	// Nothing should be persisted
	if _, err := os.Stat(filepath.Join(dir, "state", "triggers.yaml")); !os.IsNotExist(err) {
		t.Error("rejected specs must not be persisted")
	}
}

func TestEnsure_MultipleTriggers(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Ensure("periodic_scan", "*/30 * * * *")
	r.Ensure("nightly_report", "0 3 * * *")

	regs, err := r.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(regs) != 2 {
		t.Errorf("expected 2 registrations, got %d", len(regs))
	}
}

func TestLoad_RecoversCorruptRegistry(t *testing.T) {
	dir := t.TempDir()
	var buf strings.Builder
	r := NewRegistry(dir, log.New(&buf, "", 0))

	statePath := filepath.Join(dir, "state", "triggers.yaml")
	os.MkdirAll(filepath.Dir(statePath), 0755)
	os.WriteFile(statePath, []byte("triggers: [\n"), 0644)

	if err := r.Ensure("periodic_scan", "*/30 * * * *"); err != nil {
		t.Fatalf("Ensure after corruption failed: %v", err)
	}

	reg, ok, err := r.Lookup("periodic_scan")
	if err != nil || !ok {
		t.Fatalf("Lookup after recovery: ok=%v err=%v", ok, err)
	}
	if reg.Spec != "*/30 * * * *" {
		t.Errorf("spec: got %q", reg.Spec)
	}
	if !strings.Contains(buf.String(), "recovering") {
		t.Errorf("expected recovery warning, got log: %q", buf.String())
	}

	// Original corrupted file should be quarantined
	entries, _ := os.ReadDir(filepath.Join(dir, "quarantine"))
	if len(entries) != 1 {
		t.Errorf("expected 1 quarantined file, got %d", len(entries))
	}
}

func TestSpecNextFire(t *testing.T) {
	sched, err := cron.ParseStandard("*/30 * * * *")
	if err != nil {
		t.Fatalf("ParseStandard failed: %v", err)
	}

	now := time.Date(2026, 8, 1, 9, 10, 0, 0, time.UTC)
	next := sched.Next(now)
	want := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next fire: got %v, want %v", next, want)
	}
}
