// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config describes how to reach a findex index: which backend stores
// its tables and how the orchestrator is tuned. Configurations are read from
// TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// BackendKind names a storage backend.
type BackendKind string

const (
	BackendBadger   BackendKind = "badger"
	BackendSQLite   BackendKind = "sqlite"
	BackendRedis    BackendKind = "redis"
	BackendREST     BackendKind = "rest"
	BackendDynamoDB BackendKind = "dynamodb"
)

// Config holds everything needed to open an index.
type Config struct {
	Index   IndexConfig   `toml:"index"`
	Backend BackendConfig `toml:"backend"`
}

// IndexConfig tunes the orchestrator. Zero values select the index defaults.
type IndexConfig struct {
	// KeyFile holds the hex-encoded 32-byte index key. Optional for the rest
	// backend, where the index component of the token stands in for it.
	KeyFile string `toml:"key_file"`

	// Label versions the epoch the index reads and writes.
	// Example: "2025-01"
	Label string `toml:"label"`

	MaxUpsertRetries int `toml:"max_upsert_retries,omitempty"`
	MaxSearchDepth   int `toml:"max_search_depth,omitempty"`
	FetchBatchSize   int `toml:"fetch_batch_size,omitempty"`
	FetchConcurrency int `toml:"fetch_concurrency,omitempty"`
	PoolSize         int `toml:"pool_size,omitempty"`
	TokenCacheSize   int `toml:"token_cache_size,omitempty"`
}

// BackendConfig selects and locates the storage backend. Only the fields of
// the selected kind are read.
type BackendConfig struct {
	Kind BackendKind `toml:"kind"`

	// Path is the badger directory or the sqlite database file.
	Path string `toml:"path,omitempty"`

	// InMemory keeps badger data in memory; Path is ignored.
	InMemory bool `toml:"in_memory,omitempty"`

	// URL is the redis URL (redis://host:6379/0) or the REST service base URL.
	URL string `toml:"url,omitempty"`

	// Namespace prefixes redis keys and DynamoDB partition keys.
	Namespace string `toml:"namespace,omitempty"`

	// TokenFile holds the authorization token presented to a REST service.
	TokenFile string `toml:"token_file,omitempty"`

	// RateLimit caps REST requests per second; 0 disables limiting.
	RateLimit float64 `toml:"rate_limit,omitempty"`
	Burst     int     `toml:"burst,omitempty"`

	// Table and Endpoint locate the DynamoDB table. An empty Endpoint uses
	// the regional AWS endpoint.
	Table    string `toml:"table,omitempty"`
	Endpoint string `toml:"endpoint,omitempty"`
}

// ConfigOption is a functional option for configuring a Config.
type ConfigOption func(*Config)

// WithBackend sets the backend kind.
func WithBackend(kind BackendKind) ConfigOption {
	return func(c *Config) {
		c.Backend.Kind = kind
	}
}

// WithPath sets the badger directory or sqlite file.
func WithPath(path string) ConfigOption {
	return func(c *Config) {
		c.Backend.Path = path
	}
}

// WithURL sets the redis or REST URL.
func WithURL(url string) ConfigOption {
	return func(c *Config) {
		c.Backend.URL = url
	}
}

// WithKeyFile sets the index key file.
func WithKeyFile(path string) ConfigOption {
	return func(c *Config) {
		c.Index.KeyFile = path
	}
}

// WithLabel sets the epoch label.
func WithLabel(label string) ConfigOption {
	return func(c *Config) {
		c.Index.Label = label
	}
}

// DefaultConfig returns a Config for a local badger index in ./findex-data.
func DefaultConfig() *Config {
	return &Config{
		Index: IndexConfig{
			KeyFile: "findex.key",
			Label:   "findex",
		},
		Backend: BackendConfig{
			Kind: BackendBadger,
			Path: "findex-data",
		},
	}
}

// NewConfig creates a Config with the default values and applies the provided options.
func NewConfig(opts ...ConfigOption) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as TOML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Normalize ensures the configuration is in a canonical form.
func (c *Config) Normalize() {
	c.Backend.Kind = BackendKind(strings.ToLower(strings.TrimSpace(string(c.Backend.Kind))))
	if c.Backend.Kind == BackendREST {
		c.Backend.URL = strings.TrimSuffix(c.Backend.URL, "/")
	}
}

// Validate checks that the configuration is valid and complete.
// It automatically normalizes the configuration before validation.
func (c *Config) Validate() error {
	c.Normalize()

	if c.Index.KeyFile == "" && c.Backend.Kind != BackendREST {
		return errors.New("config: index.key_file is required")
	}
	if c.Index.Label == "" {
		return errors.New("config: index.label is required")
	}
	for name, v := range map[string]int{
		"max_upsert_retries": c.Index.MaxUpsertRetries,
		"max_search_depth":   c.Index.MaxSearchDepth,
		"fetch_batch_size":   c.Index.FetchBatchSize,
		"fetch_concurrency":  c.Index.FetchConcurrency,
		"pool_size":          c.Index.PoolSize,
		"token_cache_size":   c.Index.TokenCacheSize,
	} {
		if v < 0 {
			return fmt.Errorf("config: index.%s must not be negative", name)
		}
	}

	b := c.Backend
	switch b.Kind {
	case BackendBadger:
		if b.Path == "" && !b.InMemory {
			return errors.New("config: badger backend needs backend.path or backend.in_memory")
		}
	case BackendSQLite:
		if b.Path == "" {
			return errors.New("config: sqlite backend needs backend.path")
		}
	case BackendRedis:
		if b.URL == "" {
			return errors.New("config: redis backend needs backend.url")
		}
	case BackendREST:
		if b.URL == "" {
			return errors.New("config: rest backend needs backend.url")
		}
		if b.TokenFile == "" {
			return errors.New("config: rest backend needs backend.token_file")
		}
		if b.RateLimit < 0 || b.Burst < 0 {
			return errors.New("config: backend.rate_limit and backend.burst must not be negative")
		}
	case BackendDynamoDB:
		if b.Table == "" {
			return errors.New("config: dynamodb backend needs backend.table")
		}
	case "":
		return errors.New("config: backend.kind is required")
	default:
		return fmt.Errorf("config: unknown backend kind %q", b.Kind)
	}
	return nil
}
