package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	in := Default()
	in.Actor = "alice"
	in.RemoteURL = "ws://localhost:9000/sync"
	in.Backoff.MaxAttempts = 7

	if err := Save(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if out.Actor != "alice" {
		t.Errorf("actor = %q", out.Actor)
	}
	if out.RemoteURL != in.RemoteURL {
		t.Errorf("remote_url = %q", out.RemoteURL)
	}
	if out.Backoff.MaxAttempts != 7 {
		t.Errorf("max_attempts = %d", out.Backoff.MaxAttempts)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := Save(path, &Config{Actor: "bob", DataDir: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BackoffBase() != time.Second {
		t.Errorf("backoff base = %v, want 1s", cfg.BackoffBase())
	}
	if cfg.BackoffMax() != 30*time.Second {
		t.Errorf("backoff max = %v, want 30s", cfg.BackoffMax())
	}
	if cfg.Backoff.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Backoff.MaxAttempts)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/sb"}
	if got := cfg.DBPath(); got != filepath.Join("/tmp/sb", "syncbox.db") {
		t.Errorf("db path = %q", got)
	}
	if got := cfg.LogPath(); got != filepath.Join("/tmp/sb", "syncboxd.log") {
		t.Errorf("log path = %q", got)
	}
}
