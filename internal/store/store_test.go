package store

import (
	"io"
	"log"
	"strings"
	"testing"

	"github.com/msageha/chime/internal/model"
)

func TestOpen_FileDefault(t *testing.T) {
	dir := t.TempDir()
	var cfg model.Config
	cfg.ApplyDefaults()

	s, err := Open(dir, cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	fs, ok := s.(*FileStore)
	if !ok {
		t.Fatalf("expected *FileStore, got %T", s)
	}
	if !strings.HasPrefix(fs.path, dir) {
		t.Errorf("relative store path should resolve under %s, got %s", dir, fs.path)
	}
}

func TestOpen_UnknownType(t *testing.T) {
	var cfg model.Config
	cfg.ApplyDefaults()
	cfg.Store.Type = "redis"

	_, err := Open(t.TempDir(), cfg, log.New(io.Discard, "", 0))
	if err == nil {
		t.Fatal("expected error for unknown store type")
	}
}

func TestNewPostgresStore_MissingDSN(t *testing.T) {
	t.Setenv("CHIME_PG_DSN_TEST", "")

	_, err := NewPostgresStore("CHIME_PG_DSN_TEST", "tasks", log.New(io.Discard, "", 0))
	if err == nil {
		t.Fatal("expected error when DSN env is unset")
	}
}

func TestNewPostgresStore_OpensWithDSN(t *testing.T) {
	t.Setenv("CHIME_PG_DSN_TEST", "postgres://localhost:5432/chime?sslmode=disable")

	ps, err := NewPostgresStore("CHIME_PG_DSN_TEST", "", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewPostgresStore failed: %v", err)
	}
	defer ps.Close()

	if ps.table != `"tasks"` {
		t.Errorf("table: got %s, want quoted default", ps.table)
	}
}
