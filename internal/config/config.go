// Package config loads interpreter settings from TOML.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"tachyon/internal/vm"
)

// File is the on-disk configuration shape.
//
//	[vm]
//	max_registers = 256
//
//	[jit]
//	enabled   = true
//	threshold = 50
//	cache     = 256
//	backend   = "auto"
type File struct {
	VM  VMSection  `toml:"vm"`
	JIT JITSection `toml:"jit"`
}

type VMSection struct {
	MaxRegisters int `toml:"max_registers"`
}

type JITSection struct {
	Enabled   *bool  `toml:"enabled"`
	Threshold int    `toml:"threshold"`
	Cache     int    `toml:"cache"`
	Backend   string `toml:"backend"`
}

// Default returns the built-in configuration.
func Default() vm.Config {
	return vm.DefaultConfig()
}

// Load reads path and merges it over the defaults. A missing file is
// not an error; a malformed one is.
func Load(path string) (vm.Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return merge(cfg, f), nil
}

func merge(cfg vm.Config, f File) vm.Config {
	if f.VM.MaxRegisters > 0 {
		cfg.MaxRegisters = f.VM.MaxRegisters
	}
	if f.JIT.Enabled != nil {
		cfg.JIT.Enabled = *f.JIT.Enabled
	}
	if f.JIT.Threshold > 0 {
		cfg.JIT.Threshold = f.JIT.Threshold
	}
	if f.JIT.Cache > 0 {
		cfg.JIT.CacheSize = f.JIT.Cache
	}
	if f.JIT.Backend != "" {
		cfg.JIT.Backend = f.JIT.Backend
	}
	return cfg
}
