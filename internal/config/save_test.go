package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveWritesDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}
	if !strings.Contains(string(data), `"recovery_timeout": "30s"`) {
		t.Errorf("expected human-readable duration, got:\n%s", data)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Scheduler.Concurrency = 7
	cfg.Breaker.RecoveryTimeout = Duration(45 * time.Second)
	cfg.Safety.Policies["no-prod"] = PolicyConfig{
		Kind:     "content",
		Patterns: []string{"prod-db"},
		Severity: "high",
	}
	cfg.Processor = ProcessorConfig{Command: "claude", Args: []string{"-p"}}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Scheduler.Concurrency != 7 {
		t.Errorf("concurrency = %d, want 7", loaded.Scheduler.Concurrency)
	}
	if loaded.Breaker.RecoveryTimeout.Std() != 45*time.Second {
		t.Errorf("recovery timeout = %v, want 45s", loaded.Breaker.RecoveryTimeout.Std())
	}
	if loaded.Safety.Policies["no-prod"].Severity != "high" {
		t.Errorf("policy severity = %q, want high", loaded.Safety.Policies["no-prod"].Severity)
	}
	if len(loaded.Processor.Args) != 1 || loaded.Processor.Args[0] != "-p" {
		t.Errorf("processor args = %v, want [-p]", loaded.Processor.Args)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := DefaultConfig()
	cfg.Scheduler.Concurrency = 0
	if err := Save(cfg, path); err == nil {
		t.Fatal("expected Save to reject an invalid config")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("invalid config must not be written, stat err = %v", err)
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	for i := 0; i < 2; i++ {
		if err := Save(DefaultConfig(), path); err != nil {
			t.Fatalf("Save #%d failed: %v", i+1, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "config.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only config.json, got %v", names)
	}
}
