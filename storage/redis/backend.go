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


// Package redis stores the entry and chain tables in Redis. Compare-and-swap
// and all-or-nothing chain inserts run as Lua scripts so each call is atomic
// on the server.
package redis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPrefix namespaces every key written by the backend.
	DefaultPrefix = "findex"

	// batchSize bounds the keys sent in one MGET or DEL.
	batchSize = 500

	// scanCount is the COUNT hint passed to SCAN.
	scanCount = 1000

	chainExistsMessage = "chain token already exists"
)

// upsertScript applies the compare-and-swap to every key. ARGV holds one
// triplet per key: expected-present flag, expected value, new value.
// Returns the zero-based indexes of keys that failed the comparison.
var upsertScript = redis.NewScript(`
local failed = {}
for i, key in ipairs(KEYS) do
	local base = (i - 1) * 3
	local current = redis.call('GET', key)
	local ok
	if ARGV[base + 1] == '1' then
		ok = current ~= false and current == ARGV[base + 2]
	else
		ok = current == false
	end
	if ok then
		redis.call('SET', key, ARGV[base + 3])
	else
		table.insert(failed, i - 1)
	end
end
return failed
`)

// insertScript writes every key or none of them.
var insertScript = redis.NewScript(`
for _, key in ipairs(KEYS) do
	if redis.call('EXISTS', key) == 1 then
		return redis.error_reply('` + chainExistsMessage + `')
	end
end
for i, key in ipairs(KEYS) do
	redis.call('SET', key, ARGV[i])
end
return #KEYS
`)

// Backend stores the index tables in Redis.
type Backend struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	logger *slog.Logger
}

var _ storage.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend) error

// WithPrefix sets the key namespace. Keys are written as {prefix}:e:<hex> and
// {prefix}:c:<hex>; the braces keep one index in a single cluster slot.
func WithPrefix(prefix string) Option {
	return func(b *Backend) error {
		if prefix == "" {
			return errors.New("prefix required")
		}
		b.prefix = prefix
		return nil
	}
}

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

// New wraps an existing client. The caller keeps ownership of the client.
func New(client redis.UniversalClient, opts ...Option) (*Backend, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	b := &Backend{
		client: client,
		prefix: DefaultPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Connect dials the server described by a redis:// URL. The returned backend
// owns the connection and closes it on Close.
func Connect(ctx context.Context, url string, opts ...Option) (*Backend, error) {
	clientOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(clientOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	b, err := New(client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// Close releases the connection if the backend opened it.
func (b *Backend) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}

func (b *Backend) tablePrefix(table storage.Table) (string, error) {
	switch table {
	case storage.EntryTable:
		return "{" + b.prefix + "}:e:", nil
	case storage.ChainTable:
		return "{" + b.prefix + "}:c:", nil
	default:
		return "", fmt.Errorf("%w: %s", storage.ErrInvalidTable, table)
	}
}

func makeKey(prefix string, tok core.Token) string {
	return prefix + hex.EncodeToString(tok[:])
}

func tokenFromKey(prefix, key string) (core.Token, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(key, prefix))
	if err != nil {
		return core.Token{}, fmt.Errorf("malformed key %q: %w", key, err)
	}
	return core.TokenFromBytes(raw)
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
	prefix, err := b.tablePrefix(table)
	if err != nil {
		return nil, err
	}
	results := make(map[core.Token][]byte, len(tokens))
	sorted := tokens.Sorted()
	for start := 0; start < len(sorted); start += batchSize {
		batch := sorted[start:min(start+batchSize, len(sorted))]
		keys := make([]string, len(batch))
		for i, tok := range batch {
			keys[i] = makeKey(prefix, tok)
		}
		values, err := b.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range values {
			if s, ok := v.(string); ok {
				results[batch[i]] = []byte(s)
			}
		}
	}
	return results, nil
}

// UpsertEntries runs the compare-and-swap script over every updated entry.
func (b *Backend) UpsertEntries(ctx context.Context, expected, updated map[core.Token][]byte) (core.Tokens, error) {
	failed := core.NewTokens()
	if len(updated) == 0 {
		return failed, nil
	}
	prefix, _ := b.tablePrefix(storage.EntryTable)
	order := core.NewTokensFromMap(updated).Sorted()
	keys := make([]string, len(order))
	args := make([]any, 0, 3*len(order))
	for i, tok := range order {
		keys[i] = makeKey(prefix, tok)
		want, has := expected[tok]
		flag := "0"
		if has {
			flag = "1"
		}
		args = append(args, flag, want, updated[tok])
	}

	res, err := upsertScript.Run(ctx, b.client, keys, args...).Int64Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	for _, idx := range res {
		if idx < 0 || int(idx) >= len(order) {
			return nil, fmt.Errorf("upsert script returned index %d out of range", idx)
		}
		failed.Add(order[idx])
	}
	return failed, nil
}

// InsertChains runs the all-or-nothing insert script.
func (b *Backend) InsertChains(ctx context.Context, links map[core.Token][]byte) error {
	if len(links) == 0 {
		return nil
	}
	prefix, _ := b.tablePrefix(storage.ChainTable)
	order := core.NewTokensFromMap(links).Sorted()
	keys := make([]string, len(order))
	args := make([]any, len(order))
	for i, tok := range order {
		keys[i] = makeKey(prefix, tok)
		args[i] = links[tok]
	}

	err := insertScript.Run(ctx, b.client, keys, args...).Err()
	if err != nil && strings.Contains(err.Error(), chainExistsMessage) {
		return fmt.Errorf("%w: %w", storage.ErrChainTokenExists, err)
	}
	return err
}

// Delete removes tokens from a table.
func (b *Backend) Delete(ctx context.Context, table storage.Table, tokens core.Tokens) error {
	prefix, err := b.tablePrefix(table)
	if err != nil {
		return err
	}
	sorted := tokens.Sorted()
	for start := 0; start < len(sorted); start += batchSize {
		batch := sorted[start:min(start+batchSize, len(sorted))]
		keys := make([]string, len(batch))
		for i, tok := range batch {
			keys[i] = makeKey(prefix, tok)
		}
		if err := b.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	return nil
}

// DumpTokens scans every key of a table.
func (b *Backend) DumpTokens(ctx context.Context, table storage.Table) (core.Tokens, error) {
	prefix, err := b.tablePrefix(table)
	if err != nil {
		return nil, err
	}
	tokens := core.NewTokens()
	match := escapeGlob(prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			tok, err := tokenFromKey(prefix, key)
			if err != nil {
				return nil, err
			}
			tokens.Add(tok)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return tokens, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
