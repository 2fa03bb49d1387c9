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


// Package storagetest provides the conformance suite shared by every
// storage.Backend implementation.
package storagetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) storage.Backend

// Token builds a deterministic token for tests.
func Token(name string) core.Token {
	var t core.Token
	copy(t[:], name)
	return t
}

// Run executes every conformance test against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"FetchMissingTokens", testFetchMissing},
		{"InsertAndFetchChains", testInsertAndFetchChains},
		{"InsertChainsRejectsExisting", testInsertChainsRejectsExisting},
		{"UpsertExpectingAbsence", testUpsertExpectingAbsence},
		{"UpsertCompareAndSwap", testUpsertCompareAndSwap},
		{"UpsertReportsOnlyFailedTokens", testUpsertMixed},
		{"DeleteAndDump", testDeleteAndDump},
		{"ConcurrentUpserts", testConcurrentUpserts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func testFetchMissing(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	entries, err := b.FetchEntries(ctx, core.NewTokens(Token("missing")))
	require.NoError(t, err)
	assert.Empty(t, entries)

	chains, err := b.FetchChains(ctx, core.NewTokens(Token("missing")))
	require.NoError(t, err)
	assert.Empty(t, chains)

	entries, err = b.FetchEntries(ctx, core.NewTokens())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testInsertAndFetchChains(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	links := map[core.Token][]byte{
		Token("c1"): []byte("link one"),
		Token("c2"): []byte("link two"),
	}
	require.NoError(t, b.InsertChains(ctx, links))

	got, err := b.FetchChains(ctx, core.NewTokens(Token("c1"), Token("c2"), Token("c3")))
	require.NoError(t, err)
	assert.Equal(t, links, got)

	// Tables are disjoint.
	entries, err := b.FetchEntries(ctx, core.NewTokens(Token("c1")))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testInsertChainsRejectsExisting(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	require.NoError(t, b.InsertChains(ctx, map[core.Token][]byte{Token("a"): []byte("original")}))

	err := b.InsertChains(ctx, map[core.Token][]byte{
		Token("a"): []byte("replay"),
		Token("b"): []byte("new"),
	})
	require.ErrorIs(t, err, storage.ErrChainTokenExists)

	got, err := b.FetchChains(ctx, core.NewTokens(Token("a"), Token("b")))
	require.NoError(t, err)
	assert.Equal(t, map[core.Token][]byte{Token("a"): []byte("original")}, got)
}

func testUpsertExpectingAbsence(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	tok := Token("kw")

	failed, err := b.UpsertEntries(ctx, nil, map[core.Token][]byte{tok: []byte("v1")})
	require.NoError(t, err)
	assert.Empty(t, failed)

	failed, err = b.UpsertEntries(ctx, nil, map[core.Token][]byte{tok: []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, core.NewTokens(tok), failed)

	got, err := b.FetchEntries(ctx, core.NewTokens(tok))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got[tok])
}

func testUpsertCompareAndSwap(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	tok := Token("kw")

	_, err := b.UpsertEntries(ctx, nil, map[core.Token][]byte{tok: []byte("v1")})
	require.NoError(t, err)

	failed, err := b.UpsertEntries(ctx,
		map[core.Token][]byte{tok: []byte("v1")},
		map[core.Token][]byte{tok: []byte("v2")})
	require.NoError(t, err)
	assert.Empty(t, failed)

	failed, err = b.UpsertEntries(ctx,
		map[core.Token][]byte{tok: []byte("v1")},
		map[core.Token][]byte{tok: []byte("stale")})
	require.NoError(t, err)
	assert.Equal(t, core.NewTokens(tok), failed)

	got, err := b.FetchEntries(ctx, core.NewTokens(tok))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got[tok])

	// Expecting a value for an absent token fails too.
	missing := Token("absent")
	failed, err = b.UpsertEntries(ctx,
		map[core.Token][]byte{missing: []byte("v1")},
		map[core.Token][]byte{missing: []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, core.NewTokens(missing), failed)
}

func testUpsertMixed(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	ok, stale := Token("ok"), Token("stale")

	_, err := b.UpsertEntries(ctx, nil, map[core.Token][]byte{ok: []byte("a"), stale: []byte("b")})
	require.NoError(t, err)

	failed, err := b.UpsertEntries(ctx,
		map[core.Token][]byte{ok: []byte("a"), stale: []byte("old")},
		map[core.Token][]byte{ok: []byte("a2"), stale: []byte("b2")})
	require.NoError(t, err)
	assert.Equal(t, core.NewTokens(stale), failed)

	got, err := b.FetchEntries(ctx, core.NewTokens(ok, stale))
	require.NoError(t, err)
	assert.Equal(t, map[core.Token][]byte{ok: []byte("a2"), stale: []byte("b")}, got)
}

func testDeleteAndDump(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	_, err := b.UpsertEntries(ctx, nil, map[core.Token][]byte{Token("e1"): []byte("x"), Token("e2"): []byte("y")})
	require.NoError(t, err)
	require.NoError(t, b.InsertChains(ctx, map[core.Token][]byte{Token("c1"): []byte("z")}))

	entries, err := b.DumpTokens(ctx, storage.EntryTable)
	require.NoError(t, err)
	assert.Equal(t, core.NewTokens(Token("e1"), Token("e2")), entries)

	chains, err := b.DumpTokens(ctx, storage.ChainTable)
	require.NoError(t, err)
	assert.Equal(t, core.NewTokens(Token("c1")), chains)

	require.NoError(t, b.Delete(ctx, storage.EntryTable, core.NewTokens(Token("e1"), Token("never"))))
	require.NoError(t, b.Delete(ctx, storage.ChainTable, core.NewTokens(Token("c1"))))

	entries, err = b.DumpTokens(ctx, storage.EntryTable)
	require.NoError(t, err)
	assert.Equal(t, core.NewTokens(Token("e2")), entries)

	chains, err = b.DumpTokens(ctx, storage.ChainTable)
	require.NoError(t, err)
	assert.Empty(t, chains)

	// A deleted chain token can be minted again.
	require.NoError(t, b.InsertChains(ctx, map[core.Token][]byte{Token("c1"): []byte("again")}))
}

func testConcurrentUpserts(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	tok := Token("counter")
	const workers = 8
	const increments = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				if err := increment(ctx, b, tok); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := b.FetchEntries(ctx, core.NewTokens(tok))
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers*increments), string(got[tok]))
}

// increment performs a CAS loop on a decimal counter stored under tok.
func increment(ctx context.Context, b storage.Backend, tok core.Token) error {
	for attempt := 0; attempt < 1000; attempt++ {
		current, err := b.FetchEntries(ctx, core.NewTokens(tok))
		if err != nil {
			return err
		}
		expected := map[core.Token][]byte{}
		n := 0
		if v, ok := current[tok]; ok {
			expected[tok] = v
			if n, err = strconv.Atoi(string(v)); err != nil {
				return err
			}
		}
		failed, err := b.UpsertEntries(ctx, expected, map[core.Token][]byte{tok: []byte(strconv.Itoa(n + 1))})
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			return nil
		}
	}
	return fmt.Errorf("counter %s: too much contention", tok)
}
