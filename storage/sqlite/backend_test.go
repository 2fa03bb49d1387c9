package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
	"github.com/poiesic/findex/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		backend, err := Open("")
		require.NoError(t, err)
		t.Cleanup(func() { backend.Close() })
		return backend
	})
}

func TestBackendConformance_File(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		backend, err := Open(filepath.Join(t.TempDir(), "index.db"))
		require.NoError(t, err)
		t.Cleanup(func() { backend.Close() })
		return backend
	})
}

func TestFetchManyTokens(t *testing.T) {
	backend, err := Open("")
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()
	links := make(map[core.Token][]byte)
	for i := 0; i < 3*maxParams/2; i++ {
		var tok core.Token
		tok[0], tok[1] = byte(i>>8), byte(i)
		links[tok] = []byte{byte(i)}
	}
	require.NoError(t, backend.InsertChains(ctx, links))

	got, err := backend.FetchChains(ctx, core.NewTokensFromMap(links))
	require.NoError(t, err)
	assert.Equal(t, links, got)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "index.db")
	ctx := context.Background()
	tok := storagetest.Token("entry")

	backend, err := Open(path)
	require.NoError(t, err)
	_, err = backend.UpsertEntries(ctx, nil, map[core.Token][]byte{tok: []byte("v")})
	require.NoError(t, err)
	require.NoError(t, backend.SaveCheckpoint(ctx, &storage.Checkpoint{EpochID: "e", Passes: 4}))
	require.NoError(t, backend.Close())

	backend, err = Open(path)
	require.NoError(t, err)
	defer backend.Close()

	got, err := backend.FetchEntries(ctx, core.NewTokens(tok))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got[tok])

	cp, err := backend.LoadCheckpoint(ctx, "e")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 4, cp.Passes)

	cp, err = backend.LoadCheckpoint(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, cp)
}
