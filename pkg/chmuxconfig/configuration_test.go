package chmuxconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	configuration, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if configuration.ChunkSize == 0 {
		t.Fatal("expected default configuration to have a non-zero chunk size")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chmux.yml")
	contents := "connectionTimeout: 30s\nmaxPorts: 10\nchunkSize: 2048\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	configuration, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if configuration.ConnectionTimeout != 30*time.Second {
		t.Fatalf("expected 30s timeout, got %v", configuration.ConnectionTimeout)
	}
	if configuration.MaxPorts != 10 {
		t.Fatalf("expected MaxPorts 10, got %d", configuration.MaxPorts)
	}
	if configuration.ChunkSize != 2048 {
		t.Fatalf("expected ChunkSize 2048, got %d", configuration.ChunkSize)
	}
	if configuration.MaxDataSize == 0 {
		t.Fatal("expected unspecified fields to keep their default values")
	}
}
