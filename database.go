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

// Package findex opens searchable encrypted indexes described by a
// config.Config. The index orchestration lives in package index; storage
// adapters live under storage/.
package findex

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/poiesic/findex/auth"
	"github.com/poiesic/findex/config"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/index"
	"github.com/poiesic/findex/storage"
	"github.com/poiesic/findex/storage/badger"
	"github.com/poiesic/findex/storage/dynamodb"
	"github.com/poiesic/findex/storage/redis"
	"github.com/poiesic/findex/storage/rest"
	"github.com/poiesic/findex/storage/sqlite"
)

// Database is an index bound to the backend its configuration names.
type Database struct {
	config         *config.Config
	backend        storage.Backend
	checkpointRepo storage.CheckpointRepository
	index          *index.Index
	logger         *slog.Logger
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	logger *slog.Logger
	key    *core.Key
}

// WithLogger sets the logger handed to the backend and the index.
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(o *databaseOptions) {
		o.logger = logger
	}
}

// WithKey supplies the index key directly instead of reading index.key_file
// or the token.
func WithKey(key core.Key) DatabaseOption {
	return func(o *databaseOptions) {
		o.key = &key
	}
}

// Open validates cfg, opens its backend and binds an index to the configured
// epoch. A rest configuration without index.key_file takes the index key
// from the index component of its token, so only full tokens can open it.
func Open(ctx context.Context, cfg *config.Config, opts ...DatabaseOption) (*Database, error) {
	options := &databaseOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key, err := resolveKey(cfg, options)
	if err != nil {
		return nil, err
	}

	backend, checkpointRepo, err := OpenBackend(ctx, cfg.Backend, options.logger)
	if err != nil {
		return nil, err
	}

	db := &Database{
		config:         cfg,
		backend:        backend,
		checkpointRepo: checkpointRepo,
		logger:         options.logger,
	}
	db.index, err = db.NewIndex(key, core.NewLabel(cfg.Index.Label))
	if err != nil {
		backend.Close()
		return nil, err
	}
	return db, nil
}

func resolveKey(cfg *config.Config, options *databaseOptions) (core.Key, error) {
	if options.key != nil {
		return *options.key, nil
	}
	if cfg.Index.KeyFile != "" || cfg.Backend.Kind != config.BackendREST {
		return ReadKeyFile(cfg.Index.KeyFile)
	}
	token, err := ReadTokenFile(cfg.Backend.TokenFile)
	if err != nil {
		return core.Key{}, err
	}
	key, err := token.MasterKey()
	if err != nil {
		return core.Key{}, fmt.Errorf("index key for %s: %w", cfg.Backend.TokenFile, err)
	}
	return key, nil
}

// OpenBackend opens the backend described by cfg. The checkpoint repository
// is nil when the backend does not persist compaction checkpoints.
func OpenBackend(ctx context.Context, cfg config.BackendConfig, logger *slog.Logger) (storage.Backend, storage.CheckpointRepository, error) {
	switch cfg.Kind {
	case config.BackendBadger:
		b, err := badger.OpenBackend(cfg.Path, cfg.InMemory, badger.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return b, badger.NewCheckpointRepository(b), nil

	case config.BackendSQLite:
		b, err := sqlite.Open(cfg.Path, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil

	case config.BackendRedis:
		opts := []redis.Option{redis.WithLogger(logger)}
		if cfg.Namespace != "" {
			opts = append(opts, redis.WithPrefix(cfg.Namespace))
		}
		b, err := redis.Connect(ctx, cfg.URL, opts...)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil

	case config.BackendREST:
		token, err := ReadTokenFile(cfg.TokenFile)
		if err != nil {
			return nil, nil, err
		}
		opts := []rest.Option{rest.WithLogger(logger)}
		if cfg.RateLimit > 0 {
			opts = append(opts, rest.WithRateLimit(cfg.RateLimit, max(cfg.Burst, 1)))
		}
		b, err := rest.New(cfg.URL, token, opts...)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil

	case config.BackendDynamoDB:
		opts := []dynamodb.Option{dynamodb.WithLogger(logger)}
		if cfg.Namespace != "" {
			opts = append(opts, dynamodb.WithNamespace(cfg.Namespace))
		}
		b, err := dynamodb.Connect(ctx, cfg.Table, cfg.Endpoint, opts...)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// NewIndex binds another epoch of the same backend, typically the target of
// a finished compaction.
func (db *Database) NewIndex(key core.Key, label core.Label) (*index.Index, error) {
	return index.New(db.backend, key, label, db.indexOptions()...)
}

func (db *Database) indexOptions() []index.Option {
	c := db.config.Index
	opts := []index.Option{index.WithLogger(db.logger)}
	if db.checkpointRepo != nil {
		opts = append(opts, index.WithCheckpoints(db.checkpointRepo))
	}
	if c.MaxUpsertRetries > 0 {
		opts = append(opts, index.WithMaxUpsertRetries(c.MaxUpsertRetries))
	}
	if c.MaxSearchDepth > 0 {
		opts = append(opts, index.WithMaxSearchDepth(c.MaxSearchDepth))
	}
	if c.FetchBatchSize > 0 {
		opts = append(opts, index.WithFetchBatchSize(c.FetchBatchSize))
	}
	if c.FetchConcurrency > 0 {
		opts = append(opts, index.WithFetchConcurrency(c.FetchConcurrency))
	}
	if c.PoolSize > 0 {
		opts = append(opts, index.WithPoolSize(c.PoolSize))
	}
	if c.TokenCacheSize > 0 {
		opts = append(opts, index.WithTokenCacheSize(c.TokenCacheSize))
	}
	return opts
}

// Close releases the backend.
func (db *Database) Close() error {
	if err := db.backend.Close(); err != nil {
		db.logger.Error("error closing backend storage", "err", err)
		return err
	}
	return nil
}

// Index returns the index bound to the configured epoch.
func (db *Database) Index() *index.Index {
	return db.index
}

// Backend returns the opened backend.
func (db *Database) Backend() storage.Backend {
	return db.backend
}

// CheckpointRepository returns the repository compaction checkpoints persist
// to, or nil when they are kept in memory.
func (db *Database) CheckpointRepository() storage.CheckpointRepository {
	return db.checkpointRepo
}

// Config returns the validated configuration.
func (db *Database) Config() *config.Config {
	return db.config
}

// ReadKeyFile reads a hex-encoded index key.
func ReadKeyFile(path string) (core.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.Key{}, fmt.Errorf("failed to read key file: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return core.Key{}, fmt.Errorf("key file %s is not hex: %w", path, err)
	}
	return core.KeyFromBytes(raw)
}

// WriteKeyFile stores key hex-encoded with owner-only permissions. An
// existing file is never overwritten.
func WriteKeyFile(path string, key core.Key) error {
	return writeSecret(path, hex.EncodeToString(key[:]))
}

// ReadTokenFile reads an authorization token in its text form.
func ReadTokenFile(path string) (*auth.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}
	return auth.ParseToken(strings.TrimSpace(string(data)))
}

// WriteTokenFile stores token with owner-only permissions. An existing file
// is never overwritten.
func WriteTokenFile(path string, token *auth.Token) error {
	return writeSecret(path, token.String())
}

func writeSecret(path, text string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("refusing to overwrite %s: %w", path, err)
		}
		return err
	}
	if _, err := f.WriteString(text + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
