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


package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
)

const (
	// maxConflictRetries bounds how often a transaction is replayed after
	// badger reports a write conflict.
	maxConflictRetries = 64

	// deleteBatchSize keeps delete transactions under badger's size limit.
	deleteBatchSize = 1000
)

// Backend stores the entry and chain tables in a BadgerDB instance.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ storage.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend) error

// WithLogger sets the logger used by the backend and by badger itself.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) error {
		if logger == nil {
			return errors.New("logger required")
		}
		b.logger = logger
		return nil
	}
}

// badgerLoggerAdapter adapts slog.Logger to badger.Logger interface.
type badgerLoggerAdapter struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLoggerAdapter)(nil)

func (bl *badgerLoggerAdapter) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Infof(msg string, items ...any) {
	bl.logger.Info(fmt.Sprintf(msg, items...))
}

func (bl *badgerLoggerAdapter) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBackend opens a BadgerDB database at the specified path.
// Creates the directory if it doesn't exist.
func OpenBackend(filePath string, inMemory bool, opts ...Option) (*Backend, error) {
	b := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}

	var dbOpts badger.Options
	if inMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := ensureDir(filePath); err != nil {
			return nil, err
		}
		dbOpts = badger.DefaultOptions(filePath)
	}

	dbOpts.Logger = &badgerLoggerAdapter{logger: b.logger.With("component", "badger")}
	// Records are ciphertext.
	dbOpts.Compression = options.None

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	b.db = db
	return b, nil
}

func ensureDir(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(filePath, 0o755); err != nil {
			return err
		}
		info, err = os.Stat(filePath)
		if err != nil {
			return err
		}
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", filePath)
	}
	return nil
}

// Close closes the BadgerDB database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IsClosed returns true if the database is closed.
func (b *Backend) IsClosed() bool {
	return b.db.IsClosed()
}

// WithTx executes a function within a BadgerDB transaction.
// If isWrite is true, creates a read-write transaction.
// The transaction is automatically discarded if fn returns an error.
func (b *Backend) WithTx(fn func(tx *badger.Txn) error, isWrite bool) error {
	if b.db.IsClosed() {
		return storage.ErrStorageClosed
	}
	tx := b.db.NewTransaction(isWrite)
	defer tx.Discard()
	return fn(tx)
}

// withUpdate runs fn in a write transaction and commits it, replaying the
// whole transaction when badger detects a conflicting concurrent write.
func (b *Backend) withUpdate(ctx context.Context, fn func(tx *badger.Txn) error) error {
	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = b.WithTx(func(tx *badger.Txn) error {
			if err := fn(tx); err != nil {
				return err
			}
			return tx.Commit()
		}, true)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.logger.Debug("transaction conflict, replaying", "attempt", attempt)
	}
	return err
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
	prefix, err := tablePrefix(table)
	if err != nil {
		return nil, err
	}
	results := make(map[core.Token][]byte, len(tokens))
	err = b.WithTx(func(tx *badger.Txn) error {
		for tok := range tokens {
			if err := ctx.Err(); err != nil {
				return err
			}
			value, found, err := get(tx, makeTableKey(prefix, tok))
			if err != nil {
				return err
			}
			if found {
				results[tok] = value
			}
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// get reads a key, reporting absence separately from failure.
func get(tx *badger.Txn, key []byte) ([]byte, bool, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// UpsertEntries compares and swaps every updated entry in one transaction.
func (b *Backend) UpsertEntries(ctx context.Context, expected, updated map[core.Token][]byte) (core.Tokens, error) {
	var failed core.Tokens
	err := b.withUpdate(ctx, func(tx *badger.Txn) error {
		failed = core.NewTokens()
		for tok, value := range updated {
			key := makeEntryKey(tok)
			current, found, err := get(tx, key)
			if err != nil {
				return err
			}
			want, wantFound := expected[tok]
			if found != wantFound || !bytes.Equal(current, want) {
				failed.Add(tok)
				continue
			}
			if err := tx.Set(key, value); err != nil {
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
	return b.withUpdate(ctx, func(tx *badger.Txn) error {
		for tok := range links {
			_, found, err := get(tx, makeChainKey(tok))
			if err != nil {
				return err
			}
			if found {
				return fmt.Errorf("%w: %s", storage.ErrChainTokenExists, tok)
			}
		}
		for tok, value := range links {
			if err := tx.Set(makeChainKey(tok), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes tokens from a table in bounded transactions.
func (b *Backend) Delete(ctx context.Context, table storage.Table, tokens core.Tokens) error {
	prefix, err := tablePrefix(table)
	if err != nil {
		return err
	}
	sorted := tokens.Sorted()
	for start := 0; start < len(sorted); start += deleteBatchSize {
		batch := sorted[start:min(start+deleteBatchSize, len(sorted))]
		err := b.withUpdate(ctx, func(tx *badger.Txn) error {
			for _, tok := range batch {
				if err := tx.Delete(makeTableKey(prefix, tok)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DumpTokens lists every token of a table.
func (b *Backend) DumpTokens(ctx context.Context, table storage.Table) (core.Tokens, error) {
	prefix, err := tablePrefix(table)
	if err != nil {
		return nil, err
	}
	tokens := core.NewTokens()
	err = b.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			tok, err := tokenFromKey(prefix, iter.Item().Key())
			if err != nil {
				return err
			}
			tokens.Add(tok)
		}
		return nil
	}, false)
	if err != nil {
		return nil, err
	}
	return tokens, nil
}
