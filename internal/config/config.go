// Package config loads the optional salvage configuration file.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional salvage configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. Sizes accept the same
// suffixed forms as the flags (512, 4K, 1M).
type DefaultsConfig struct {
	BlockSize     *string `toml:"block_size"`
	SoftBlockSize *string `toml:"soft_block_size"`
	SkipSize      *string `toml:"skip_size"`
	MaxErrors     *int    `toml:"max_errors"`
	MaxRetries    *int    `toml:"max_retries"`
	Sparse        *bool   `toml:"sparse"`
	Synchronous   *bool   `toml:"synchronous"`
	NoSplit       *bool   `toml:"no_split"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "salvage", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
