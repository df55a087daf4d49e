package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadReturnsProcessDefaultWhenSet(t *testing.T) {
	raw, err := Load(`{"targets":[]}`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(raw) != `{"targets":[]}` {
		t.Errorf("raw = %s, want process default unchanged", raw)
	}
}

func TestLoadRejectsInvalidProcessDefault(t *testing.T) {
	if _, err := Load("not json"); err == nil {
		t.Error("expected invalid process default to be rejected")
	}
}

func TestLoadFallsBackToEmptyObject(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	raw, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(raw) != "{}" {
		t.Errorf("raw = %s, want {}", raw)
	}
}

func TestLoadReadsEnvConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.json")
	if err := os.WriteFile(path, []byte(`{"targets":[{"protocol":"file","name":"f1"}]}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(EnvConfigFile, path)

	raw, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded["targets"]; !ok {
		t.Errorf("decoded config missing targets key: %v", decoded)
	}
}

func TestLoadIgnoresEnvConfigFileWhenProcessDefaultSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.json")
	if err := os.WriteFile(path, []byte(`{"targets":[]}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv(EnvConfigFile, path)

	raw, err := Load(`{"pipes":[]}`)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(raw) != `{"pipes":[]}` {
		t.Errorf("raw = %s, want process default", raw)
	}
}
