package index

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
	"github.com/poiesic/findex/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type epochs struct {
	backend *badger.Backend
	old     *Index
	newKey  core.Key
	label   core.Label
}

func newEpochs(t *testing.T, opts ...Option) *epochs {
	t.Helper()
	backend := newTestBackend(t)
	return &epochs{
		backend: backend,
		old:     newIndexOn(t, backend, testKey(t, 0x11), core.NewLabel("v1"), opts...),
		newKey:  testKey(t, 0x22),
		label:   core.NewLabel("v2"),
	}
}

func (e *epochs) next(t *testing.T) *Index {
	return newIndexOn(t, e.backend, e.newKey, e.label)
}

func (e *epochs) compact(t *testing.T, n int, opts ...CompactOption) *CompactReport {
	t.Helper()
	report, err := e.old.Compact(context.Background(), e.newKey, e.label, n, opts...)
	require.NoError(t, err)
	return report
}

func TestCompact_PreservesData(t *testing.T) {
	e := newEpochs(t)
	addLocation(t, e.old, "doc-1", "red", "green")
	addLocation(t, e.old, "doc-2", "green")
	addLocation(t, e.old, "doc-3", "blue")
	addLink(t, e.old, "blue", "colors")
	_, err := e.old.Delete(context.Background(), map[core.IndexedValue][]core.Keyword{
		core.LocationValue("doc-2"): kws("green"),
	})
	require.NoError(t, err)

	before := search(t, e.old, "red", "green", "blue", "colors")

	report := e.compact(t, 1)
	assert.True(t, report.FullSweep)
	assert.Equal(t, 4, report.OldEntries)
	assert.Equal(t, 4, report.Migrated)
	assert.Zero(t, report.Remaining)
	assert.Zero(t, report.Pass)

	after := search(t, e.next(t), "red", "green", "blue", "colors")
	assert.Equal(t, before, after)
	assert.Empty(t, search(t, e.old, "red", "green", "blue", "colors"))

	entries, err := e.backend.DumpTokens(context.Background(), storage.EntryTable)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	chains, err := e.backend.DumpTokens(context.Background(), storage.ChainTable)
	require.NoError(t, err)
	assert.Len(t, chains, 4, "one migrated link per keyword")
}

func TestCompact_BoundedRetirement(t *testing.T) {
	e := newEpochs(t)
	for i := range 10 {
		addLocation(t, e.old, fmt.Sprintf("doc-%d", i), fmt.Sprintf("kw-%d", i))
	}

	tests := []struct {
		migrated  int
		fullSweep bool
		pass      int
		remaining int
	}{
		{migrated: 4, pass: 1, remaining: 6},
		{migrated: 3, pass: 2, remaining: 3},
		{migrated: 3, fullSweep: true, pass: 0, remaining: 0},
	}
	for i, tt := range tests {
		report := e.compact(t, 3)
		assert.Equal(t, tt.migrated, report.Migrated, "pass %d", i+1)
		assert.Equal(t, tt.fullSweep, report.FullSweep, "pass %d", i+1)
		assert.Equal(t, tt.pass, report.Pass, "pass %d", i+1)
		assert.Equal(t, tt.remaining, report.Remaining, "pass %d", i+1)
	}

	old, err := e.old.oldEntries(context.Background(), DefaultBatchSize)
	require.NoError(t, err)
	assert.Empty(t, old)

	next := e.next(t)
	for i := range 10 {
		kw := fmt.Sprintf("kw-%d", i)
		assert.Equal(t, locs(fmt.Sprintf("doc-%d", i)), search(t, next, kw)[core.Keyword(kw)])
	}
}

func TestCompact_PassCounterIsSharedThroughCheckpoints(t *testing.T) {
	checkpoints := storage.NewMemoryCheckpoints()
	e := newEpochs(t, WithCheckpoints(checkpoints))
	for i := range 4 {
		addLocation(t, e.old, "doc", fmt.Sprintf("kw-%d", i))
	}

	report := e.compact(t, 2)
	assert.False(t, report.FullSweep)
	assert.Equal(t, 2, report.Migrated)

	restarted := newIndexOn(t, e.backend, testKey(t, 0x11), core.NewLabel("v1"), WithCheckpoints(checkpoints))
	report, err := restarted.Compact(context.Background(), e.newKey, e.label, 2)
	require.NoError(t, err)
	assert.True(t, report.FullSweep)
	assert.Equal(t, 2, report.Migrated)

	cp, err := checkpoints.LoadCheckpoint(context.Background(), report.EpochID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Zero(t, cp.Passes)
}

func TestCompact_ChangesBetweenPassesArePickedUp(t *testing.T) {
	e := newEpochs(t)
	addLocation(t, e.old, "doc-1", "kw")

	report := e.compact(t, 2)
	require.Equal(t, 1, report.Migrated)
	next := e.next(t)
	assert.Equal(t, locs("doc-1"), search(t, next, "kw")[core.Keyword("kw")])

	// Writers still on the old epoch.
	addLocation(t, e.old, "doc-2", "kw")
	_, err := e.old.Delete(context.Background(), map[core.IndexedValue][]core.Keyword{
		core.LocationValue("doc-1"): kws("kw"),
	})
	require.NoError(t, err)

	report = e.compact(t, 2)
	assert.True(t, report.FullSweep)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, locs("doc-2"), search(t, next, "kw")[core.Keyword("kw")])
}

func TestCompact_ReaddAfterRetirementKeepsMigratedValues(t *testing.T) {
	e := newEpochs(t)
	addLocation(t, e.old, "doc-a", "kw")

	report := e.compact(t, 2)
	require.Equal(t, 1, report.Migrated)
	require.Zero(t, report.Remaining)

	// The retired keyword comes back in the old epoch holding only the new add.
	addLocation(t, e.old, "doc-b", "kw")

	report = e.compact(t, 2)
	assert.True(t, report.FullSweep)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, locs("doc-a", "doc-b"), search(t, e.next(t), "kw")[core.Keyword("kw")])
	assert.Empty(t, search(t, e.old, "kw"))
}

func TestCompact_FullSweepWithLeftoversStaysFull(t *testing.T) {
	checkpoints := storage.NewMemoryCheckpoints()
	e := newEpochs(t, WithCheckpoints(checkpoints))
	for i := range 6 {
		addLocation(t, e.old, fmt.Sprintf("doc-%d", i), fmt.Sprintf("kw-%d", i))
	}

	report := e.compact(t, 2)
	require.False(t, report.FullSweep)
	require.Equal(t, 3, report.Migrated)

	boom := errors.New("filter unavailable")
	failing := func(context.Context, core.Location) (bool, error) {
		return false, boom
	}
	report, err := e.old.Compact(context.Background(), e.newKey, e.label, 2, WithLocationFilter(failing))
	require.ErrorIs(t, err, boom)
	require.NotNil(t, report)
	assert.True(t, report.FullSweep)
	assert.Equal(t, 3, report.Remaining)
	assert.Equal(t, 1, report.Pass)

	cp, err := checkpoints.LoadCheckpoint(context.Background(), report.EpochID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 1, cp.Passes)

	report = e.compact(t, 2)
	assert.True(t, report.FullSweep)
	assert.Equal(t, 3, report.Migrated)
	assert.Zero(t, report.Remaining)
	assert.Zero(t, report.Pass)

	cp, err = checkpoints.LoadCheckpoint(context.Background(), report.EpochID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Zero(t, cp.Passes)

	next := e.next(t)
	for i := range 6 {
		kw := fmt.Sprintf("kw-%d", i)
		assert.Equal(t, locs(fmt.Sprintf("doc-%d", i)), search(t, next, kw)[core.Keyword(kw)])
	}
}

func TestCompact_KeepsWritesToNewEpoch(t *testing.T) {
	e := newEpochs(t)
	addLocation(t, e.old, "doc-old", "kw")

	next := e.next(t)
	addLocation(t, next, "doc-new", "kw")

	e.compact(t, 1)
	assert.Equal(t, locs("doc-new", "doc-old"), search(t, next, "kw")[core.Keyword("kw")])
}

func TestCompact_LocationFilter(t *testing.T) {
	e := newEpochs(t)
	addLocation(t, e.old, "keep-1", "kw")
	addLocation(t, e.old, "drop-1", "kw", "other")
	addLink(t, e.old, "kw", "alias")

	filter := func(_ context.Context, loc core.Location) (bool, error) {
		return !bytes.HasPrefix(loc.Bytes(), []byte("drop")), nil
	}
	report := e.compact(t, 1, WithLocationFilter(filter))
	assert.Equal(t, 2, report.Dropped)
	assert.Equal(t, 3, report.Migrated)

	results := search(t, e.next(t), "kw", "other", "alias")
	assert.Equal(t, map[core.Keyword][]core.Location{
		"kw":    locs("keep-1"),
		"alias": locs("keep-1"),
	}, results)
}

func TestCompact_FailuresLeaveOldDataIntact(t *testing.T) {
	e := newEpochs(t)
	addLocation(t, e.old, "doc-1", "good")
	addLocation(t, e.old, "doc-2", "bad")

	boom := errors.New("filter unavailable")
	filter := func(_ context.Context, loc core.Location) (bool, error) {
		if loc == "doc-2" {
			return false, boom
		}
		return true, nil
	}

	report, err := e.old.Compact(context.Background(), e.newKey, e.label, 1, WithLocationFilter(filter))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var compactErr *CompactionError
	require.ErrorAs(t, err, &compactErr)
	assert.Len(t, compactErr.Failures, 1)

	require.NotNil(t, report)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, 1, report.Remaining)
	assert.Equal(t, locs("doc-2"), search(t, e.old, "bad")[core.Keyword("bad")])
	assert.Equal(t, locs("doc-1"), search(t, e.next(t), "good")[core.Keyword("good")])

	report = e.compact(t, 1)
	assert.Equal(t, 1, report.Migrated)
	assert.Equal(t, locs("doc-2"), search(t, e.next(t), "bad")[core.Keyword("bad")])
}

func TestCompact_RemovesOrphanLinks(t *testing.T) {
	e := newEpochs(t)
	addLocation(t, e.old, "doc", "kw")

	ctx := context.Background()
	orphan, err := e.old.epoch.newChainToken(hashKeyword("lost"))
	require.NoError(t, err)
	sealed, err := seal(e.old.epoch.chainSeal, orphan, newLink(opAdd, []core.IndexedValue{core.LocationValue("x")}).marshal())
	require.NoError(t, err)
	require.NoError(t, e.backend.InsertChains(ctx, map[core.Token][]byte{orphan: sealed}))

	report := e.compact(t, 1)
	assert.Equal(t, 1, report.OrphansRemoved)

	chains, err := e.backend.DumpTokens(ctx, storage.ChainTable)
	require.NoError(t, err)
	assert.False(t, chains.Has(orphan))
	assert.Len(t, chains, 1)
}

func TestCompact_Progress(t *testing.T) {
	e := newEpochs(t)
	addLocation(t, e.old, "doc", "a", "b", "c")

	var buf bytes.Buffer
	e.compact(t, 1, WithProgress(&buf), WithCompactBatchSize(2))
	assert.Contains(t, buf.String(), "Compaction: 3/3 (100.0%) migrated 3, deferred 0, failed 0")
}

func TestCompact_EmptyIndex(t *testing.T) {
	e := newEpochs(t)

	report := e.compact(t, 1)
	assert.True(t, report.FullSweep)
	assert.Zero(t, report.OldEntries)
	assert.Zero(t, report.Migrated)
}

func TestCompact_InvalidArguments(t *testing.T) {
	e := newEpochs(t)
	ctx := context.Background()

	_, err := e.old.Compact(ctx, e.newKey, e.label, 0)
	assert.ErrorIs(t, err, ErrInvalidReindexingCount)

	_, err = e.old.Compact(ctx, testKey(t, 0x11), core.NewLabel("v1"), 1)
	assert.ErrorIs(t, err, ErrSameEpoch)
}
