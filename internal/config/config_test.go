package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	m := Default()
	if m.MemoryMB != 256 || m.CPUs != 1 {
		t.Fatalf("Default() = %+v, want memory_mb=256 cpus=1", m)
	}
	if m.Cmdline == "" {
		t.Fatal("Default() should set a non-empty cmdline")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	body := "kernel: /boot/vmlinuz\nmemory_mb: 1024\ncpus: 4\nreadonly: true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Kernel != "/boot/vmlinuz" || m.MemoryMB != 1024 || m.CPUs != 4 || !m.ReadOnly {
		t.Fatalf("Load() = %+v, want overridden fields", m)
	}
	if m.Cmdline == "" {
		t.Fatal("Load() should keep the default cmdline when the file doesn't set one")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() on a missing file should return an error")
	}
}
