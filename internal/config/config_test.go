package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.MaxRegisters != def.MaxRegisters || cfg.JIT.Threshold != def.JIT.Threshold {
		t.Errorf("missing file changed defaults: %+v", cfg)
	}
}

func TestLoadMerges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tachyon.toml")
	src := `
[vm]
max_registers = 64

[jit]
enabled   = false
threshold = 5
backend   = "closure"
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxRegisters != 64 {
		t.Errorf("max_registers = %d", cfg.MaxRegisters)
	}
	if cfg.JIT.Enabled {
		t.Error("jit should be disabled")
	}
	if cfg.JIT.Threshold != 5 || cfg.JIT.Backend != "closure" {
		t.Errorf("jit section = %+v", cfg.JIT)
	}
	// Unset keys keep their defaults.
	if cfg.JIT.CacheSize != Default().JIT.CacheSize {
		t.Errorf("cache = %d", cfg.JIT.CacheSize)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[vm\nmax"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config must error")
	}
}
