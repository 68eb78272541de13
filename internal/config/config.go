// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for lmchat.
//
// Supports TOML configuration with sensible defaults, environment
// variable overrides, and validation.
//
// Configuration file location:
//   - ~/.lmchat/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/lmchat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete lmchat configuration.
type Config struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Generation configuration
	Generation GenerationConfig `toml:"generation"`

	// Cache configuration
	Cache CacheConfig `toml:"cache"`

	// Storage configuration
	Storage StorageConfig `toml:"storage"`

	// Session configuration
	Session SessionConfig `toml:"session"`

	// Logging configuration
	Log LogConfig `toml:"log"`
}

// ServerConfig contains inference server configuration.
type ServerConfig struct {
	// BaseURL is the OpenAI-compatible server endpoint
	BaseURL string `toml:"base_url"`
	// DefaultModel is the model used when the session has none selected
	DefaultModel string `toml:"default_model"`
	// TimeoutSecs is the per-request timeout for non-streaming calls
	TimeoutSecs int `toml:"timeout_secs"`
}

// GenerationConfig contains sampling parameters sent with each request.
type GenerationConfig struct {
	// Temperature is the sampling temperature (0.0-2.0)
	Temperature float64 `toml:"temperature"`
	// MaxTokens caps the response length (0 = server default)
	MaxTokens int `toml:"max_tokens"`
}

// CacheConfig contains metadata cache configuration.
type CacheConfig struct {
	// Enabled controls whether response caching is active
	Enabled bool `toml:"enabled"`
	// TTLSecs is the time-to-live for cache entries in seconds
	TTLSecs int `toml:"ttl_secs"`
	// MaxBytes is the total cache size budget in bytes
	MaxBytes int64 `toml:"max_bytes"`
	// SweepSecs is the interval between background expiry sweeps
	SweepSecs int `toml:"sweep_secs"`
}

// StorageConfig contains session persistence configuration.
type StorageConfig struct {
	// Backend selects the KV implementation: "file" or "sqlite"
	Backend string `toml:"backend"`
	// Dir is the storage directory (empty = ~/.lmchat/state)
	Dir string `toml:"dir"`
}

// SessionConfig contains conversation behavior configuration.
type SessionConfig struct {
	// MaxMessages bounds in-memory conversation history
	MaxMessages int `toml:"max_messages"`
	// MaxHistory is how many recent messages are sent with each request
	MaxHistory int `toml:"max_history"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error"
	Level string `toml:"level"`
	// Path is the log file (empty = stderr)
	Path string `toml:"path"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:     "http://127.0.0.1:1234",
			TimeoutSecs: 30,
		},
		Generation: GenerationConfig{
			Temperature: 0.7,
			MaxTokens:   0, // server default
		},
		Cache: CacheConfig{
			Enabled:   true,
			TTLSecs:   60,
			MaxBytes:  4 << 20,
			SweepSecs: 30,
		},
		Storage: StorageConfig{
			Backend: "file",
		},
		Session: SessionConfig{
			MaxMessages: 500,
			MaxHistory:  20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the lmchat configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".lmchat"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// EnsureDir ensures the config directory exists.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file, falling back to
// defaults when the file is absent. Environment overrides are applied
// last, then validation.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		return cfg, cfg.Validate()
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific file path with full
// validation. A missing file is not an error; defaults apply.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, statErr := os.Stat(path); statErr == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# lmchat configuration file")
	fmt.Fprintln(&buf, "# Generated by lmchat - edit with care")
	fmt.Fprintln(&buf, "")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// Validate server base URL
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.base_url",
			Message: fmt.Sprintf("invalid URL: %v", err),
		})
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, ValidationError{
			Field:   "server.base_url",
			Message: fmt.Sprintf("unsupported scheme '%s', must be http or https", u.Scheme),
		})
	} else if u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "server.base_url",
			Message: "missing host",
		})
	}

	if c.Server.TimeoutSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.timeout_secs",
			Message: "must be non-negative",
		})
	}

	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "generation.temperature",
			Message: fmt.Sprintf("must be between 0.0 and 2.0, got %g", c.Generation.Temperature),
		})
	}
	if c.Generation.MaxTokens < 0 {
		errs = append(errs, ValidationError{
			Field:   "generation.max_tokens",
			Message: "must be non-negative",
		})
	}

	if c.Cache.TTLSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   "cache.ttl_secs",
			Message: "must be non-negative",
		})
	}
	if c.Cache.MaxBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "cache.max_bytes",
			Message: "must be non-negative",
		})
	}

	validBackends := map[string]bool{"file": true, "sqlite": true}
	if !validBackends[strings.ToLower(c.Storage.Backend)] {
		errs = append(errs, ValidationError{
			Field:   "storage.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: file, sqlite", c.Storage.Backend),
		})
	}

	if c.Session.MaxMessages < 0 {
		errs = append(errs, ValidationError{
			Field:   "session.max_messages",
			Message: "must be non-negative",
		})
	}
	if c.Session.MaxHistory < 0 {
		errs = append(errs, ValidationError{
			Field:   "session.max_history",
			Message: "must be non-negative",
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ValidationError{
			Field:   "log.level",
			Message: fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", c.Log.Level),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Server.BaseURL == "" {
		c.Server.BaseURL = defaults.Server.BaseURL
	}
	if c.Server.TimeoutSecs == 0 {
		c.Server.TimeoutSecs = defaults.Server.TimeoutSecs
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = defaults.Generation.Temperature
	}
	if c.Cache.TTLSecs == 0 {
		c.Cache.TTLSecs = defaults.Cache.TTLSecs
	}
	if c.Cache.MaxBytes == 0 {
		c.Cache.MaxBytes = defaults.Cache.MaxBytes
	}
	if c.Cache.SweepSecs == 0 {
		c.Cache.SweepSecs = defaults.Cache.SweepSecs
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Session.MaxMessages == 0 {
		c.Session.MaxMessages = defaults.Session.MaxMessages
	}
	if c.Session.MaxHistory == 0 {
		c.Session.MaxHistory = defaults.Session.MaxHistory
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - LMCHAT_BASE_URL: overrides server.base_url
//   - LMCHAT_MODEL: overrides server.default_model
//   - LMCHAT_TIMEOUT_SECS: overrides server.timeout_secs
//   - LMCHAT_STORAGE: overrides storage.backend
//   - LMCHAT_STORAGE_DIR: overrides storage.dir
//   - LMCHAT_LOG_LEVEL: overrides log.level
//   - LMCHAT_CACHE: set to "0" or "false" to disable caching
func (c *Config) ApplyEnvOverrides() {
	if baseURL := os.Getenv("LMCHAT_BASE_URL"); baseURL != "" {
		c.Server.BaseURL = baseURL
	}
	if model := os.Getenv("LMCHAT_MODEL"); model != "" {
		c.Server.DefaultModel = model
	}
	if timeout := os.Getenv("LMCHAT_TIMEOUT_SECS"); timeout != "" {
		if secs, err := strconv.Atoi(timeout); err == nil && secs > 0 {
			c.Server.TimeoutSecs = secs
		}
	}
	if backend := os.Getenv("LMCHAT_STORAGE"); backend != "" {
		c.Storage.Backend = backend
	}
	if dir := os.Getenv("LMCHAT_STORAGE_DIR"); dir != "" {
		c.Storage.Dir = dir
	}
	if level := os.Getenv("LMCHAT_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if cache := os.Getenv("LMCHAT_CACHE"); cache != "" {
		c.Cache.Enabled = cache != "0" && strings.ToLower(cache) != "false"
	}
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// Timeout returns the request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSecs) * time.Second
}

// CacheTTL returns the cache entry TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSecs) * time.Second
}

// CacheSweep returns the cache sweep interval as a duration.
func (c *Config) CacheSweep() time.Duration {
	return time.Duration(c.Cache.SweepSecs) * time.Second
}

// StorageDir returns the storage directory, defaulting under the config dir.
func (c *Config) StorageDir() (string, error) {
	if c.Storage.Dir != "" {
		return c.Storage.Dir, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state"), nil
}
