package index

import (
	"log/slog"
	"testing"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	backend := newTestBackend(t)
	key := testKey(t, 0x11)
	label := core.NewLabel("label")

	t.Run("defaults", func(t *testing.T) {
		ix, err := New(backend, key, label)
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxUpsertRetries, ix.maxUpsertRetries)
		assert.Equal(t, DefaultMaxSearchDepth, ix.maxSearchDepth)
		assert.GreaterOrEqual(t, ix.poolSize, 1)
		assert.IsType(t, &storage.MemoryCheckpoints{}, ix.checkpoints)
		assert.Same(t, backend, ix.Backend())
	})

	t.Run("with custom logger", func(t *testing.T) {
		ix, err := New(backend, key, label, WithLogger(slog.Default()))
		require.NoError(t, err)
		assert.NotNil(t, ix)
	})

	t.Run("with nil logger falls back to default", func(t *testing.T) {
		ix, err := New(backend, key, label, WithLogger(nil))
		require.NoError(t, err)
		assert.NotNil(t, ix.logger)
	})

	t.Run("options", func(t *testing.T) {
		ix, err := New(backend, key, label,
			WithMaxSearchDepth(0),
			WithPoolSize(-1),
			WithFetchBatchSize(0),
			WithFetchConcurrency(0),
			WithTokenCacheSize(0),
			WithMonitor(nil))
		require.NoError(t, err)
		assert.Equal(t, 1, ix.maxSearchDepth)
		assert.Equal(t, 1, ix.poolSize)
		assert.Equal(t, 1, ix.fetchBatchSize)
		assert.Equal(t, 1, ix.fetchConcurrency)
		assert.IsType(t, &noopMonitor{}, ix.monitor)
	})

	t.Run("invalid retries", func(t *testing.T) {
		_, err := New(backend, key, label, WithMaxUpsertRetries(0))
		assert.ErrorIs(t, err, ErrInvalidMaxAttempts)
	})

	t.Run("nil backend", func(t *testing.T) {
		_, err := New(nil, key, label)
		assert.Equal(t, ErrBackendRequired, err)
	})
}

func TestEpochID(t *testing.T) {
	backend := newTestBackend(t)
	a := newIndexOn(t, backend, testKey(t, 1), core.NewLabel("x"))
	b := newIndexOn(t, backend, testKey(t, 1), core.NewLabel("x"))
	c := newIndexOn(t, backend, testKey(t, 2), core.NewLabel("x"))

	assert.Equal(t, a.EpochID(), b.EpochID())
	assert.NotEqual(t, a.EpochID(), c.EpochID())
}

func TestEntryTokenCache(t *testing.T) {
	ix := newTestIndex(t, WithTokenCacheSize(2))
	kw := core.NewKeyword("kw")

	first := ix.entryToken(kw)
	assert.Equal(t, ix.epoch.entryToken(hashKeyword(kw)), first)
	assert.Equal(t, 1, ix.tokens.Len())

	ix.entryToken("a")
	ix.entryToken("b")
	assert.Equal(t, 2, ix.tokens.Len())
	assert.Equal(t, first, ix.entryToken(kw))
}
