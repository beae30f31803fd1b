package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesFileThenEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"Threads": 12, "LogLevel": "debug"}`), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	os.Setenv("XFER_THREADS", "20")
	defer os.Unsetenv("XFER_THREADS")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threads != 20 {
		t.Fatalf("expected env override to win, got Threads=%d", cfg.Threads)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected file value to apply, got LogLevel=%q", cfg.LogLevel)
	}
	if cfg.BucketSizeKB != 4096 {
		t.Fatalf("expected default to survive untouched field, got BucketSizeKB=%d", cfg.BucketSizeKB)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threads != DefaultConfig().Threads {
		t.Fatalf("expected default Threads, got %d", cfg.Threads)
	}
}

func TestLoadMalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected malformed config file to error")
	}
}
