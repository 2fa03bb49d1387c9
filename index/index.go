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


package index

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxUpsertRetries bounds compare-and-swap attempts per add or delete.
	DefaultMaxUpsertRetries = 16
	// DefaultRetryBackoff is the first delay between compare-and-swap attempts.
	DefaultRetryBackoff = time.Millisecond
	// DefaultMaxSearchDepth caps the rounds of one search traversal.
	DefaultMaxSearchDepth = 64
	// DefaultFetchBatchSize is the number of tokens sent in one fetch call.
	DefaultFetchBatchSize = 500
	// DefaultFetchConcurrency bounds parallel fetch calls within a round.
	DefaultFetchConcurrency = 4
	// DefaultTokenCacheSize is the number of keyword tokens kept in memory.
	DefaultTokenCacheSize = 4096
)

var errKeywordMismatch = errors.New("entry belongs to another keyword")

// Index orchestrates add, delete, search and compaction over a backend for
// one (key, label) epoch. It holds no locks; concurrent writers coordinate
// through the backend's compare-and-swap on entries.
type Index struct {
	backend          storage.Backend
	epoch            *epoch
	logger           *slog.Logger
	maxUpsertRetries int
	retryBackoff     time.Duration
	maxSearchDepth   int
	fetchBatchSize   int
	fetchConcurrency int
	poolSize         int
	tokenCacheSize   int
	monitor          SearchMonitor
	checkpoints      storage.CheckpointRepository
	tokens           *lru.Cache[core.Keyword, core.Token]
}

// Option configures an Index.
type Option func(*Index) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) error {
		if logger == nil {
			logger = slog.Default()
		}
		ix.logger = logger
		return nil
	}
}

// WithMaxUpsertRetries sets how many compare-and-swap attempts an add or
// delete makes before failing with ErrConcurrentModificationExceeded.
func WithMaxUpsertRetries(n int) Option {
	return func(ix *Index) error {
		if n < 1 {
			return ErrInvalidMaxAttempts
		}
		ix.maxUpsertRetries = n
		return nil
	}
}

// WithRetryBackoff sets the first delay between compare-and-swap attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(ix *Index) error {
		if d < 0 {
			d = 0
		}
		ix.retryBackoff = d
		return nil
	}
}

// WithMaxSearchDepth caps the number of rounds of a search traversal.
func WithMaxSearchDepth(n int) Option {
	return func(ix *Index) error {
		if n < 1 {
			n = 1
		}
		ix.maxSearchDepth = n
		return nil
	}
}

// WithFetchBatchSize sets the number of tokens sent in one fetch call.
func WithFetchBatchSize(n int) Option {
	return func(ix *Index) error {
		if n < 1 {
			n = 1
		}
		ix.fetchBatchSize = n
		return nil
	}
}

// WithFetchConcurrency bounds the parallel fetch calls of one round.
func WithFetchConcurrency(n int) Option {
	return func(ix *Index) error {
		if n < 1 {
			n = 1
		}
		ix.fetchConcurrency = n
		return nil
	}
}

// WithPoolSize sets the number of keywords compaction migrates concurrently.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(ix *Index) error {
		if size < 1 {
			size = 1
		}
		ix.poolSize = size
		return nil
	}
}

// WithTokenCacheSize sets the number of keyword tokens kept in memory.
func WithTokenCacheSize(size int) Option {
	return func(ix *Index) error {
		if size < 1 {
			size = 1
		}
		ix.tokenCacheSize = size
		return nil
	}
}

// WithMonitor sets the search monitor.
func WithMonitor(monitor SearchMonitor) Option {
	return func(ix *Index) error {
		if monitor == nil {
			monitor = &noopMonitor{}
		}
		ix.monitor = monitor
		return nil
	}
}

// WithCheckpoints sets where compaction pass counters are kept.
// Default is the backend itself when it implements
// storage.CheckpointRepository, in-memory otherwise.
func WithCheckpoints(repo storage.CheckpointRepository) Option {
	return func(ix *Index) error {
		if repo == nil {
			return errors.New("checkpoint repository required")
		}
		ix.checkpoints = repo
		return nil
	}
}

// New creates an Index over backend for the epoch defined by key and label.
func New(backend storage.Backend, key core.Key, label core.Label, opts ...Option) (*Index, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	ep, err := newEpoch(key, label)
	if err != nil {
		return nil, err
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}

	ix := &Index{
		backend:          backend,
		epoch:            ep,
		logger:           slog.Default(),
		maxUpsertRetries: DefaultMaxUpsertRetries,
		retryBackoff:     DefaultRetryBackoff,
		maxSearchDepth:   DefaultMaxSearchDepth,
		fetchBatchSize:   DefaultFetchBatchSize,
		fetchConcurrency: DefaultFetchConcurrency,
		poolSize:         poolSize,
		tokenCacheSize:   DefaultTokenCacheSize,
		monitor:          &noopMonitor{},
	}
	if repo, ok := backend.(storage.CheckpointRepository); ok {
		ix.checkpoints = repo
	}

	for _, opt := range opts {
		if err := opt(ix); err != nil {
			return nil, err
		}
	}

	if ix.checkpoints == nil {
		ix.checkpoints = storage.NewMemoryCheckpoints()
	}
	ix.tokens, err = lru.New[core.Keyword, core.Token](ix.tokenCacheSize)
	if err != nil {
		return nil, err
	}
	return ix, nil
}

// Backend returns the backend the index writes to.
func (ix *Index) Backend() storage.Backend {
	return ix.backend
}

// EpochID identifies the current key and label without revealing them.
func (ix *Index) EpochID() string {
	return ix.epoch.id
}

// entryToken returns the entry token of kw in the current epoch.
func (ix *Index) entryToken(kw core.Keyword) core.Token {
	if tok, ok := ix.tokens.Get(kw); ok {
		return tok
	}
	tok := ix.epoch.entryToken(hashKeyword(kw))
	ix.tokens.Add(kw, tok)
	return tok
}

func (ix *Index) fetchEntries(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	if len(tokens) == 0 {
		return map[core.Token][]byte{}, nil
	}
	entries, err := ix.backend.FetchEntries(ctx, tokens)
	if err != nil {
		return nil, storage.WrapError(storage.OpFetchEntries, err)
	}
	return entries, nil
}

// fetchLinks fetches chain records in batches, running up to
// fetchConcurrency batches at once.
func (ix *Index) fetchLinks(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	links := make(map[core.Token][]byte, len(tokens))
	if len(tokens) == 0 {
		return links, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.fetchConcurrency)

	sorted := tokens.Sorted()
	for start := 0; start < len(sorted); start += ix.fetchBatchSize {
		batch := core.NewTokens(sorted[start:min(start+ix.fetchBatchSize, len(sorted))]...)
		g.Go(func() error {
			fetched, err := ix.backend.FetchChains(gctx, batch)
			if err != nil {
				return storage.WrapError(storage.OpFetchChains, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for tok, v := range fetched {
				links[tok] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return links, nil
}

func (ix *Index) upsertEntries(ctx context.Context, expected, updated map[core.Token][]byte) (core.Tokens, error) {
	failed, err := ix.backend.UpsertEntries(ctx, expected, updated)
	if err != nil {
		return nil, storage.WrapError(storage.OpUpsertEntries, err)
	}
	return failed, nil
}

func (ix *Index) insertChains(ctx context.Context, links map[core.Token][]byte) error {
	if len(links) == 0 {
		return nil
	}
	return storage.WrapError(storage.OpInsertChains, ix.backend.InsertChains(ctx, links))
}

func (ix *Index) deleteTokens(ctx context.Context, table storage.Table, tokens core.Tokens) error {
	if len(tokens) == 0 {
		return nil
	}
	return storage.WrapError(storage.DeleteOp(table), ix.backend.Delete(ctx, table, tokens))
}

func (ix *Index) dumpTokens(ctx context.Context, table storage.Table) (core.Tokens, error) {
	tokens, err := ix.backend.DumpTokens(ctx, table)
	if err != nil {
		return nil, storage.WrapError(storage.DumpOp(table), err)
	}
	return tokens, nil
}

// openEntry decrypts an entry record of ep.
func openEntry(ep *epoch, tok core.Token, raw []byte) (entryRecord, error) {
	plain, err := open(ep.entrySeal, tok, raw)
	if err != nil {
		return entryRecord{}, &DecryptionError{Table: storage.EntryTable, Token: tok, Err: err}
	}
	rec, err := unmarshalEntryRecord(plain)
	if err != nil {
		return entryRecord{}, &DecryptionError{Table: storage.EntryTable, Token: tok, Err: err}
	}
	if ep.entryToken(rec.keyword) != tok {
		return entryRecord{}, &DecryptionError{Table: storage.EntryTable, Token: tok, Err: errKeywordMismatch}
	}
	return rec, nil
}

func sealEntry(ep *epoch, tok core.Token, rec entryRecord) ([]byte, error) {
	return seal(ep.entrySeal, tok, rec.marshal())
}

// openLink decrypts a chain record of ep.
func openLink(ep *epoch, tok core.Token, raw []byte) (linkRecord, error) {
	plain, err := open(ep.chainSeal, tok, raw)
	if err != nil {
		return linkRecord{}, &DecryptionError{Table: storage.ChainTable, Token: tok, Err: err}
	}
	l, err := unmarshalLinkRecord(plain)
	if err != nil {
		return linkRecord{}, &DecryptionError{Table: storage.ChainTable, Token: tok, Err: err}
	}
	return l, nil
}

// readLinks opens the links of rec in order. Links missing from fetched are
// skipped and counted.
func (ix *Index) readLinks(ep *epoch, rec entryRecord, fetched map[core.Token][]byte) ([]linkRecord, int, error) {
	out := make([]linkRecord, 0, len(rec.links))
	missing := 0
	for _, tok := range rec.links {
		raw, ok := fetched[tok]
		if !ok {
			missing++
			continue
		}
		l, err := openLink(ep, tok, raw)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, missing, nil
}

// fold replays links in order.
func fold(links []linkRecord) valueSet {
	set := make(valueSet)
	for _, l := range links {
		set.apply(l)
	}
	return set
}

// unchanged reports whether a freshly fetched record still equals raw.
func unchanged(current map[core.Token][]byte, tok core.Token, raw []byte) bool {
	v, ok := current[tok]
	return ok && bytes.Equal(v, raw)
}
