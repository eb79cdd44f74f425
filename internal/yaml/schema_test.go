package yaml

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestSchemaHeaderValidate(t *testing.T) {
	tests := []struct {
		name     string
		header   SchemaHeader
		expected string
		wantErr  string
	}{
		{
			name:     "exact match",
			header:   SchemaHeader{SchemaVersion: 1, FileType: "task_list"},
			expected: "task_list",
		},
		{
			name:   "any known type accepted when expectation empty",
			header: SchemaHeader{SchemaVersion: 1, FileType: "escalation_run"},
		},
		{
			name:     "newer version rejected",
			header:   SchemaHeader{SchemaVersion: 99, FileType: "task_list"},
			expected: "task_list",
			wantErr:  "unsupported schema_version",
		},
		{
			name:     "zero version rejected",
			header:   SchemaHeader{FileType: "task_list"},
			expected: "task_list",
			wantErr:  "invalid schema_version",
		},
		{
			name:     "negative version rejected",
			header:   SchemaHeader{SchemaVersion: -1, FileType: "task_list"},
			expected: "task_list",
			wantErr:  "invalid schema_version",
		},
		{
			name:    "missing file_type rejected",
			header:  SchemaHeader{SchemaVersion: 1},
			wantErr: "missing file_type",
		},
		{
			name:    "unknown file_type rejected",
			header:  SchemaHeader{SchemaVersion: 1, FileType: "grocery_list"},
			wantErr: "unknown file_type",
		},
		{
			name:     "wrong file_type rejected",
			header:   SchemaHeader{SchemaVersion: 1, FileType: "escalation_run"},
			expected: "task_list",
			wantErr:  "file_type mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.header.Validate(tt.expected)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate error = %v, want contains %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSchemaHeader_KnownFileTypes(t *testing.T) {
	// Every file type a .chime directory actually contains.
	for _, ft := range []string{
		"config", "task_list", "escalation_run",
		"state_triggers", "state_metrics", "failure_record",
	} {
		content := []byte("schema_version: 1\nfile_type: " + ft + "\n")
		if err := ValidateSchemaHeaderFromBytes(content, ft); err != nil {
			t.Errorf("%s: %v", ft, err)
		}
	}
}

func TestValidateSchemaHeader_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	writeFile(t, path, "schema_version: 1\nfile_type: task_list\ntasks: []\n")

	if err := ValidateSchemaHeader(path, "task_list"); err != nil {
		t.Errorf("ValidateSchemaHeader: %v", err)
	}
	if err := ValidateSchemaHeader(path, "escalation_run"); err == nil {
		t.Error("mismatched expectation accepted")
	}
	if err := ValidateSchemaHeader(filepath.Join(t.TempDir(), "absent.yaml"), "task_list"); err == nil {
		t.Error("missing file accepted")
	}
}

func TestValidateSchemaHeader_UnparseableYAML(t *testing.T) {
	err := ValidateSchemaHeaderFromBytes([]byte(":\n  broken: [\n"), "task_list")
	if err == nil {
		t.Error("unparseable yaml accepted")
	}
}

func TestNeedsMigration(t *testing.T) {
	if NeedsMigration(CurrentSchemaVersion) {
		t.Error("current version flagged for migration")
	}
	if !NeedsMigration(0) {
		t.Error("version 0 not flagged for migration")
	}
}
