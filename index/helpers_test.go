package index

import (
	"context"
	"sync"
	"testing"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
	"github.com/poiesic/findex/storage/badger"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *badger.Backend {
	t.Helper()
	backend, err := badger.NewMemoryBackend()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return backend
}

func testKey(t *testing.T, fill byte) core.Key {
	t.Helper()
	var k core.Key
	for i := range k {
		k[i] = fill
	}
	return k
}

func newIndexOn(t *testing.T, backend storage.Backend, key core.Key, label core.Label, opts ...Option) *Index {
	t.Helper()
	ix, err := New(backend, key, label, opts...)
	require.NoError(t, err)
	return ix
}

func newTestIndex(t *testing.T, opts ...Option) *Index {
	t.Helper()
	return newIndexOn(t, newTestBackend(t), testKey(t, 0x11), core.NewLabel("test"), opts...)
}

func locs(names ...string) []core.Location {
	out := make([]core.Location, len(names))
	for i, n := range names {
		out[i] = core.NewLocation(n)
	}
	return out
}

func kws(names ...string) []core.Keyword {
	out := make([]core.Keyword, len(names))
	for i, n := range names {
		out[i] = core.NewKeyword(n)
	}
	return out
}

func addLocation(t *testing.T, ix *Index, loc string, keywords ...string) {
	t.Helper()
	_, err := ix.Add(context.Background(), map[core.IndexedValue][]core.Keyword{
		core.LocationValue(core.NewLocation(loc)): kws(keywords...),
	})
	require.NoError(t, err)
}

func addLink(t *testing.T, ix *Index, target string, keywords ...string) {
	t.Helper()
	_, err := ix.Add(context.Background(), map[core.IndexedValue][]core.Keyword{
		core.KeywordValue(core.NewKeyword(target)): kws(keywords...),
	})
	require.NoError(t, err)
}

func search(t *testing.T, ix *Index, keywords ...string) map[core.Keyword][]core.Location {
	t.Helper()
	results, err := ix.Search(context.Background(), kws(keywords...))
	require.NoError(t, err)
	return results
}

// recordingMonitor records the hooks it receives.
type recordingMonitor struct {
	mu          sync.Mutex
	started     []core.Keyword
	rounds      []int
	interrupted int
	depthLimit  int
	finished    map[core.Keyword][]core.Location
}

func (m *recordingMonitor) Start(keywords []core.Keyword) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = keywords
}

func (m *recordingMonitor) EntriesFetched(_ int, _ int, _ int) {}
func (m *recordingMonitor) ChainsFetched(_ int, _ int)         {}

func (m *recordingMonitor) RoundCompleted(round int, _ map[core.Keyword][]core.IndexedValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds = append(m.rounds, round)
}

func (m *recordingMonitor) Interrupted(round int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted = round
}

func (m *recordingMonitor) DepthLimitReached(round int, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depthLimit = round
}

func (m *recordingMonitor) Finish(results map[core.Keyword][]core.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = results
}
