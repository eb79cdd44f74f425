package yaml

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func quarantineEntries(t *testing.T, chimeDir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(chimeDir, "quarantine"))
	if err != nil {
		t.Fatalf("read quarantine dir: %v", err)
	}
	return entries
}

func TestQuarantine_MovesFileAside(t *testing.T) {
	chimeDir := t.TempDir()
	path := filepath.Join(chimeDir, "tasks.yaml")
	writeFile(t, path, "corrupted: [\n")

	if err := Quarantine(chimeDir, path); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("original file still present after quarantine")
	}

	entries := quarantineEntries(t, chimeDir)
	if len(entries) != 1 {
		t.Fatalf("got %d quarantined files, want 1", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "tasks.yaml.") || !strings.HasSuffix(name, ".corrupt") {
		t.Errorf("quarantine name = %q, want tasks.yaml.<ts>.corrupt", name)
	}

	// The corrupt bytes must survive for postmortem inspection.
	moved, err := os.ReadFile(filepath.Join(chimeDir, "quarantine", name))
	if err != nil {
		t.Fatalf("read quarantined file: %v", err)
	}
	if string(moved) != "corrupted: [\n" {
		t.Errorf("quarantined content = %q", moved)
	}
}

func TestQuarantine_NestedFile(t *testing.T) {
	// Run files live under runs/; their quarantine copies still land in
	// the top-level quarantine dir.
	chimeDir := t.TempDir()
	path := filepath.Join(chimeDir, "runs", "run_1700000000_deadbeef.yaml")
	writeFile(t, path, "status: [\n")

	if err := Quarantine(chimeDir, path); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	entries := quarantineEntries(t, chimeDir)
	if len(entries) != 1 {
		t.Fatalf("got %d quarantined files, want 1", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "run_1700000000_deadbeef.yaml.") {
		t.Errorf("quarantine name = %q", entries[0].Name())
	}
}

func TestRestoreFromBackup(t *testing.T) {
	tests := []struct {
		name    string
		backup  string
		wantErr bool
	}{
		{"valid backup", "schema_version: 1\nfile_type: task_list\ntasks: []\n", false},
		{"no backup", "", true},
		{"corrupt backup", ":\n  broken: [\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "tasks.yaml")
			if tt.backup != "" {
				writeFile(t, path+".bak", tt.backup)
			}

			err := RestoreFromBackup(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RestoreFromBackup error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}

			restored, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read restored file: %v", err)
			}
			if string(restored) != tt.backup {
				t.Errorf("restored content = %q, want %q", restored, tt.backup)
			}
		})
	}
}

func TestGenerateSkeleton(t *testing.T) {
	tests := []struct {
		fileType   string
		collection string
	}{
		{"task_list", "tasks"},
		{"state_triggers", "triggers"},
		{"state_metrics", "counters"},
	}

	for _, tt := range tests {
		t.Run(tt.fileType, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "skeleton.yaml")
			if err := GenerateSkeleton(path, tt.fileType); err != nil {
				t.Fatalf("GenerateSkeleton: %v", err)
			}

			content, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read skeleton: %v", err)
			}

			// A skeleton must pass the same header check loaders apply.
			if err := ValidateSchemaHeaderFromBytes(content, tt.fileType); err != nil {
				t.Errorf("skeleton fails header validation: %v", err)
			}

			var data map[string]any
			if err := yamlv3.Unmarshal(content, &data); err != nil {
				t.Fatalf("parse skeleton: %v", err)
			}
			if _, ok := data[tt.collection]; !ok {
				t.Errorf("skeleton missing %q field", tt.collection)
			}
		})
	}
}

func TestRecoverCorruptedFile(t *testing.T) {
	t.Run("backup wins", func(t *testing.T) {
		chimeDir := t.TempDir()
		path := filepath.Join(chimeDir, "tasks.yaml")
		writeFile(t, path, "corrupted: [\n")
		writeFile(t, path+".bak", "schema_version: 1\nfile_type: task_list\ntasks: []\n")

		if err := RecoverCorruptedFile(chimeDir, path, "task_list"); err != nil {
			t.Fatalf("RecoverCorruptedFile: %v", err)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read recovered file: %v", err)
		}
		var header SchemaHeader
		if err := yamlv3.Unmarshal(content, &header); err != nil {
			t.Fatalf("parse recovered file: %v", err)
		}
		if header.FileType != "task_list" {
			t.Errorf("file_type = %q, want task_list", header.FileType)
		}
		if len(quarantineEntries(t, chimeDir)) != 1 {
			t.Error("corrupt original not quarantined")
		}
	})

	t.Run("skeleton fallback", func(t *testing.T) {
		chimeDir := t.TempDir()
		path := filepath.Join(chimeDir, "tasks.yaml")
		writeFile(t, path, "corrupted: [\n")

		if err := RecoverCorruptedFile(chimeDir, path, "task_list"); err != nil {
			t.Fatalf("RecoverCorruptedFile: %v", err)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read recovered file: %v", err)
		}
		var data map[string]any
		if err := yamlv3.Unmarshal(content, &data); err != nil {
			t.Fatalf("parse recovered file: %v", err)
		}
		if data["file_type"] != "task_list" {
			t.Errorf("file_type = %v, want task_list", data["file_type"])
		}
		if _, ok := data["tasks"]; !ok {
			t.Error("skeleton missing tasks field")
		}
	})

	t.Run("corrupt backup falls through to skeleton", func(t *testing.T) {
		chimeDir := t.TempDir()
		path := filepath.Join(chimeDir, "tasks.yaml")
		writeFile(t, path, "corrupted: [\n")
		writeFile(t, path+".bak", "also: [\n")

		if err := RecoverCorruptedFile(chimeDir, path, "task_list"); err != nil {
			t.Fatalf("RecoverCorruptedFile: %v", err)
		}

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read recovered file: %v", err)
		}
		if err := ValidateSchemaHeaderFromBytes(content, "task_list"); err != nil {
			t.Errorf("recovered file fails header validation: %v", err)
		}
	})
}
