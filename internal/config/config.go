// Package config loads unpacker settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"ilpunpack/internal/prune"
	"ilpunpack/internal/stub"
)

var ErrInvalid = errors.New("config: invalid configuration")

// Config is the unpacker configuration. Zero values in a decoded file keep
// the defaults.
type Config struct {
	NoCleanup        bool   `toml:"no_cleanup"`
	PreserveMetadata bool   `toml:"preserve_metadata"`
	KeepNativeExtras bool   `toml:"keep_native_extras"`
	LogLevel         string `toml:"log_level"`

	// ExpectedCLRMajor is the runtime major version a warning is emitted
	// for when the module targets another one. 0 disables the check.
	ExpectedCLRMajor int `toml:"expected_clr_major"`

	Fields  FieldsConfig  `toml:"fields"`
	Cleanup CleanupConfig `toml:"cleanup"`
}

// FieldsConfig names the delegate fields on <Module>.
type FieldsConfig struct {
	Body   string `toml:"body"`
	String string `toml:"string"`
}

// CleanupConfig tunes the scaffolding pruner.
type CleanupConfig struct {
	Acquire           []string `toml:"acquire"`
	Release           []string `toml:"release"`
	RuntimeModuleName string   `toml:"runtime_module_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:         "info",
		ExpectedCLRMajor: 4,
		Fields: FieldsConfig{
			Body:   stub.DefaultFieldNames.Body,
			String: stub.DefaultFieldNames.String,
		},
		Cleanup: CleanupConfig{
			Acquire:           append([]string(nil), prune.DefaultOptions.Acquire...),
			Release:           append([]string(nil), prune.DefaultOptions.Release...),
			RuntimeModuleName: prune.DefaultOptions.RuntimeModuleName,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses TOML text over the defaults.
func Decode(text string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(text, cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the unpacker cannot run with.
func (c *Config) Validate() error {
	if c.Fields.Body == "" {
		return fmt.Errorf("%w: fields.body is empty", ErrInvalid)
	}
	if len(c.Cleanup.Acquire) == 0 || len(c.Cleanup.Release) == 0 {
		return fmt.Errorf("%w: cleanup.acquire and cleanup.release need at least one signature", ErrInvalid)
	}
	if c.ExpectedCLRMajor < 0 {
		return fmt.Errorf("%w: expected_clr_major = %d", ErrInvalid, c.ExpectedCLRMajor)
	}
	return nil
}

// FieldNames returns the helper field names for stub.Resolve.
func (c *Config) FieldNames() stub.FieldNames {
	return stub.FieldNames{Body: c.Fields.Body, String: c.Fields.String}
}

// PruneOptions returns the pruner options.
func (c *Config) PruneOptions() prune.Options {
	return prune.Options{
		Acquire:           c.Cleanup.Acquire,
		Release:           c.Cleanup.Release,
		RuntimeModuleName: c.Cleanup.RuntimeModuleName,
	}
}
