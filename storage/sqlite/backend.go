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


// Package sqlite stores the entry and chain tables in an embedded SQLite
// database using the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// maxParams bounds the number of bound parameters in one IN clause.
const maxParams = 500

const schema = `
CREATE TABLE IF NOT EXISTS entry_table (
	uid   BLOB PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS chain_table (
	uid   BLOB PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS compaction_checkpoints (
	epoch_id   TEXT PRIMARY KEY,
	passes     INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Backend stores the index tables in SQLite.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ storage.Backend              = (*Backend)(nil)
	_ storage.CheckpointRepository = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend) error

// WithLogger sets the backend logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) error {
		if logger == nil {
			return errors.New("logger required")
		}
		b.logger = logger
		return nil
	}
}

// Open opens or creates the database at path.
// An empty path creates an in-memory database for testing.
func Open(path string, opts ...Option) (*Backend, error) {
	b := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	dsn := ":memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer. Also keeps one shared in-memory database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	if path != "" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	b.db = db
	b.logger.Debug("sqlite backend opened", "path", dsn)
	return b, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func tableName(table storage.Table) (string, error) {
	switch table {
	case storage.EntryTable:
		return "entry_table", nil
	case storage.ChainTable:
		return "chain_table", nil
	default:
		return "", fmt.Errorf("%w: %s", storage.ErrInvalidTable, table)
	}
}

// withTx runs fn in a transaction, committing when fn succeeds.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// FetchEntries returns the entry records stored under tokens.
func (b *Backend) FetchEntries(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	return b.fetch(ctx, storage.EntryTable, tokens)
}

// FetchChains returns the chain records stored under tokens.
func (b *Backend) FetchChains(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	return b.fetch(ctx, storage.ChainTable, tokens)
}

func (b *Backend) fetch(ctx context.Context, table storage.Table, tokens core.Tokens) (map[core.Token][]byte, error) {
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	results := make(map[core.Token][]byte, len(tokens))
	sorted := tokens.Sorted()
	for start := 0; start < len(sorted); start += maxParams {
		batch := sorted[start:min(start+maxParams, len(sorted))]
		query := fmt.Sprintf("SELECT uid, value FROM %s WHERE uid IN (%s)", name, placeholders(len(batch)))
		args := make([]any, len(batch))
		for i, tok := range batch {
			args[i] = tok[:]
		}
		if err := b.scanRecords(ctx, query, args, results); err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (b *Backend) scanRecords(ctx context.Context, query string, args []any, into map[core.Token][]byte) error {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var uid, value []byte
		if err := rows.Scan(&uid, &value); err != nil {
			return err
		}
		tok, err := core.TokenFromBytes(uid)
		if err != nil {
			return err
		}
		into[tok] = value
	}
	return rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// currentValue reads one value inside a transaction.
func currentValue(ctx context.Context, tx *sql.Tx, table string, tok core.Token) ([]byte, bool, error) {
	var value []byte
	err := tx.QueryRowContext(ctx, "SELECT value FROM "+table+" WHERE uid = ?", tok[:]).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// UpsertEntries compares and swaps every updated entry in one transaction.
func (b *Backend) UpsertEntries(ctx context.Context, expected, updated map[core.Token][]byte) (core.Tokens, error) {
	failed := core.NewTokens()
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		for tok, value := range updated {
			current, found, err := currentValue(ctx, tx, "entry_table", tok)
			if err != nil {
				return err
			}
			want, wantFound := expected[tok]
			if found != wantFound || !bytes.Equal(current, want) {
				failed.Add(tok)
				continue
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO entry_table (uid, value) VALUES (?, ?)", tok[:], value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// InsertChains writes new chain records, refusing to overwrite any token.
func (b *Backend) InsertChains(ctx context.Context, links map[core.Token][]byte) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		for tok := range links {
			_, found, err := currentValue(ctx, tx, "chain_table", tok)
			if err != nil {
				return err
			}
			if found {
				return fmt.Errorf("%w: %s", storage.ErrChainTokenExists, tok)
			}
		}
		for tok, value := range links {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chain_table (uid, value) VALUES (?, ?)", tok[:], value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes tokens from a table.
func (b *Backend) Delete(ctx context.Context, table storage.Table, tokens core.Tokens) error {
	name, err := tableName(table)
	if err != nil {
		return err
	}
	return b.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "DELETE FROM "+name+" WHERE uid = ?")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for tok := range tokens {
			if _, err := stmt.ExecContext(ctx, tok[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// DumpTokens lists every token of a table.
func (b *Backend) DumpTokens(ctx context.Context, table storage.Table) (core.Tokens, error) {
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, "SELECT uid FROM "+name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := core.NewTokens()
	for rows.Next() {
		var uid []byte
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		tok, err := core.TokenFromBytes(uid)
		if err != nil {
			return nil, err
		}
		tokens.Add(tok)
	}
	return tokens, rows.Err()
}

// SaveCheckpoint persists the compaction checkpoint of an epoch.
func (b *Backend) SaveCheckpoint(ctx context.Context, checkpoint *storage.Checkpoint) error {
	checkpoint.UpdatedAt = time.Now().UTC()
	_, err := b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO compaction_checkpoints (epoch_id, passes, updated_at) VALUES (?, ?, ?)",
		checkpoint.EpochID, checkpoint.Passes, checkpoint.UpdatedAt.UnixMicro())
	return err
}

// LoadCheckpoint retrieves the compaction checkpoint of an epoch.
// Returns nil, nil if no checkpoint exists.
func (b *Backend) LoadCheckpoint(ctx context.Context, epochID string) (*storage.Checkpoint, error) {
	var passes int
	var micros int64
	err := b.db.QueryRowContext(ctx,
		"SELECT passes, updated_at FROM compaction_checkpoints WHERE epoch_id = ?", epochID).Scan(&passes, &micros)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &storage.Checkpoint{
		EpochID:   epochID,
		Passes:    passes,
		UpdatedAt: time.UnixMicro(micros).UTC(),
	}, nil
}
