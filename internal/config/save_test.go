package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	if loaded.Scheduler.Strategy != "capability-match" {
		t.Errorf("strategy = %q", loaded.Scheduler.Strategy)
	}

	// No temp files left behind
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only config.json", len(entries))
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Scheduler.Strategy = "least-loaded"
	cfg.Scheduler.TickInterval = 750 * time.Millisecond
	cfg.Scaling.MaxAgents = 25
	cfg.Capabilities["deploy"] = []string{"ops"}
	cfg.Executors["code"] = ExecutorConfig{Command: "sh", Args: []string{"-c", "cat"}}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Scheduler.Strategy != "least-loaded" {
		t.Errorf("strategy = %q", loaded.Scheduler.Strategy)
	}
	if loaded.Scheduler.TickInterval != 750*time.Millisecond {
		t.Errorf("tick = %v", loaded.Scheduler.TickInterval)
	}
	if loaded.Scaling.MaxAgents != 25 {
		t.Errorf("max agents = %d", loaded.Scaling.MaxAgents)
	}
	if got := loaded.Capabilities["deploy"]; len(got) != 1 || got[0] != "ops" {
		t.Errorf("deploy = %v", got)
	}
	if got := loaded.Executors["code"]; got.Command != "sh" || len(got.Args) != 2 {
		t.Errorf("executor = %+v", got)
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	first := DefaultConfig()
	first.Log.Level = "debug"
	if err := Save(first, path); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}

	second := DefaultConfig()
	second.Log.Level = "error"
	if err := Save(second, path); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Log.Level != "error" {
		t.Errorf("log level = %q, want error", loaded.Log.Level)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Scheduler.Strategy = "bogus"

	if err := Save(cfg, path); err == nil {
		t.Fatal("expected Save to reject an invalid config")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid config was written")
	}
}
