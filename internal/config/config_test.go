package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.Sync.UserID = "user_a"
	cfg.Prefetch.HoverDelay = Duration{250 * time.Millisecond}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Sync.UserID != "user_a" {
		t.Errorf("Sync.UserID = %q, want user_a", loaded.Sync.UserID)
	}
	if loaded.Prefetch.HoverDelay.Duration != 250*time.Millisecond {
		t.Errorf("HoverDelay = %v, want 250ms", loaded.Prefetch.HoverDelay)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[api]
base_url = "https://chat.example.com/api"

[prefetch]
hover_delay = "300ms"
max_concurrent = 4
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.BaseURL != "https://chat.example.com/api" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.Prefetch.HoverDelay.Duration != 300*time.Millisecond {
		t.Errorf("HoverDelay = %v, want 300ms", cfg.Prefetch.HoverDelay)
	}
	if cfg.Prefetch.MaxConcurrent != 4 {
		t.Errorf("MaxConcurrent = %d, want 4", cfg.Prefetch.MaxConcurrent)
	}
	// Untouched values keep their defaults.
	if cfg.Prefetch.TopConversations != 5 {
		t.Errorf("TopConversations = %d, want default 5", cfg.Prefetch.TopConversations)
	}
	if cfg.Sync.DedupWindow.Duration != 3*time.Second {
		t.Errorf("DedupWindow = %v, want default 3s", cfg.Sync.DedupWindow)
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[sync]\ntyping_ttl = \"soon\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid duration")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultSession != "main" {
		t.Errorf("DefaultSession = %q, want main", cfg.DefaultSession)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
