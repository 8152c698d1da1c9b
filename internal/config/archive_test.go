package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestArchivePath(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/home/user/.config/parley/config.yaml", "/home/user/.config/parley/.config.prev.yaml"},
		{"/etc/parley/config.yaml", "/etc/parley/.config.prev.yaml"},
		{"parley.yaml", ".parley.prev.yaml"},
	}
	for _, tt := range tests {
		if got := ArchivePath(tt.input); got != tt.want {
			t.Errorf("ArchivePath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestArchiveAndRollback(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	original := []byte("version: 1\nidentity:\n  key_file: identity.key\n")
	if err := os.WriteFile(cfgPath, original, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Archive(cfgPath); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if !HasArchive(cfgPath) {
		t.Fatal("HasArchive = false after Archive")
	}
	info, err := os.Stat(ArchivePath(cfgPath))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("archive permissions = %o, want 0600", perm)
	}

	if err := os.WriteFile(cfgPath, []byte("version: 1\nchat:\n  dedup_window: 7\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := Rollback(cfgPath); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	restored, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(restored) != string(original) {
		t.Errorf("rollback content = %q, want %q", restored, original)
	}
}

func TestRollbackNoArchive(t *testing.T) {
	err := Rollback(filepath.Join(t.TempDir(), "config.yaml"))
	if !errors.Is(err, ErrNoArchive) {
		t.Errorf("Rollback error = %v, want ErrNoArchive", err)
	}
}

func TestRollbackRejectsInvalidArchive(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	current := []byte("version: 1\n")
	if err := os.WriteFile(cfgPath, current, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ArchivePath(cfgPath), []byte("version: 99\n"), 0600); err != nil {
		t.Fatal(err)
	}

	err := Rollback(cfgPath)
	if !errors.Is(err, ErrConfigVersionTooNew) {
		t.Fatalf("Rollback error = %v, want ErrConfigVersionTooNew", err)
	}
	data, _ := os.ReadFile(cfgPath)
	if string(data) != string(current) {
		t.Errorf("config was replaced by invalid archive: %q", data)
	}
}

func TestArchiveNonexistentConfig(t *testing.T) {
	if err := Archive("/nonexistent/config.yaml"); err == nil {
		t.Fatal("Archive expected error for nonexistent config")
	}
	if HasArchive("/nonexistent/config.yaml") {
		t.Error("HasArchive = true for nonexistent path")
	}
}

func TestArchiveNoTempLeftBehind(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("version: 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := Archive(cfgPath); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}
