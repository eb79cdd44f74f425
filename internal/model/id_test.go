package model

import (
	"testing"
	"time"
)

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeRun, IDTypeBatch} {
		id, err := GenerateID(idType)
		if err != nil {
			t.Fatalf("GenerateID(%s): %v", idType, err)
		}
		if !ValidateID(id) {
			t.Errorf("generated ID %q does not validate", id)
		}
	}
}

func TestGenerateIDInvalidType(t *testing.T) {
	if _, err := GenerateID(IDType("bogus")); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestGenerateIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenerateID(IDTypeRun)
		if err != nil {
			t.Fatalf("GenerateID: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestParseIDType(t *testing.T) {
	tests := []struct {
		id      string
		want    IDType
		wantErr bool
	}{
		{"run_1700000000_deadbeef", IDTypeRun, false},
		{"batch_1700000000_cafef00d", IDTypeBatch, false},
		{"task_1700000000_deadbeef", "", true},
		{"run_170_deadbeef", "", true},
		{"garbage", "", true},
	}

	for _, tt := range tests {
		got, err := ParseIDType(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIDType(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseIDType(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestParseIDTimestamp(t *testing.T) {
	ts, err := ParseIDTimestamp("run_1700000000_deadbeef")
	if err != nil {
		t.Fatalf("ParseIDTimestamp: %v", err)
	}
	want := time.Unix(1700000000, 0)
	if !ts.Equal(want) {
		t.Errorf("timestamp = %v, want %v", ts, want)
	}

	if _, err := ParseIDTimestamp("not_an_id"); err == nil {
		t.Error("expected error for malformed ID")
	}
}
