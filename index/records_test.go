package index

import (
	"testing"

	"github.com/poiesic/findex/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryRecord_Encoding(t *testing.T) {
	rec := entryRecord{keyword: hashKeyword("kw")}
	rec = rec.withLink(core.Token{1}).withLink(core.Token{2})

	decoded, err := unmarshalEntryRecord(rec.marshal())
	require.NoError(t, err)
	assert.Equal(t, rec, decoded)

	empty, err := unmarshalEntryRecord(entryRecord{keyword: hashKeyword("kw")}.marshal())
	require.NoError(t, err)
	assert.Empty(t, empty.links)

	data := rec.marshal()
	_, err = unmarshalEntryRecord(data[:len(data)-1])
	assert.Error(t, err, "truncated")
	_, err = unmarshalEntryRecord(append(data, 0))
	assert.Error(t, err, "trailing")
}

func TestEntryRecord_WithLinkDoesNotAlias(t *testing.T) {
	base := entryRecord{links: make([]core.Token, 1, 4)}
	a := base.withLink(core.Token{1})
	b := base.withLink(core.Token{2})
	assert.Equal(t, core.Token{1}, a.links[1])
	assert.Equal(t, core.Token{2}, b.links[1])
	assert.Len(t, base.links, 1)
}

func TestLinkRecord_Encoding(t *testing.T) {
	l := linkRecord{
		flags: linkFlagMigrated,
		deltas: []delta{
			{op: opAdd, value: core.LocationValue("doc")},
			{op: opDelete, value: core.KeywordValue("other")},
		},
	}

	decoded, err := unmarshalLinkRecord(l.marshal())
	require.NoError(t, err)
	assert.Equal(t, l, decoded)
	assert.True(t, decoded.migrated())

	bad := linkRecord{deltas: []delta{{op: 9, value: core.LocationValue("doc")}}}
	_, err = unmarshalLinkRecord(bad.marshal())
	assert.Error(t, err)

	badKind := []byte{0, 1, byte(opAdd), 7, 1, 'x'}
	_, err = unmarshalLinkRecord(badKind)
	assert.ErrorIs(t, err, core.ErrInvalidIndexedValue)
}

func TestValueSet_FoldsInOrder(t *testing.T) {
	doc := core.LocationValue("doc")
	other := core.LocationValue("other")

	set := fold([]linkRecord{
		newLink(opAdd, []core.IndexedValue{doc, other}),
		newLink(opDelete, []core.IndexedValue{doc}),
		newLink(opDelete, []core.IndexedValue{core.LocationValue("never")}),
		newLink(opAdd, []core.IndexedValue{doc}),
		newLink(opDelete, []core.IndexedValue{other}),
	})
	assert.Equal(t, []core.IndexedValue{doc}, set.sorted())
}

func TestLastOps_KeepsExplicitDeletes(t *testing.T) {
	doc := core.LocationValue("doc")
	other := core.LocationValue("other")
	gone := core.LocationValue("gone")

	ops := lastOps([]linkRecord{
		newLink(opAdd, []core.IndexedValue{doc, other}),
		newLink(opDelete, []core.IndexedValue{doc, gone}),
		newLink(opAdd, []core.IndexedValue{doc}),
		newLink(opDelete, []core.IndexedValue{other}),
	})
	assert.Equal(t, map[core.IndexedValue]deltaOp{
		doc:   opAdd,
		other: opDelete,
		gone:  opDelete,
	}, ops)
	assert.Equal(t, []core.IndexedValue{doc, gone, other}, sortedValues(ops))
}

func TestValueSet_SortedPutsLocationsFirst(t *testing.T) {
	set := valueSet{
		core.KeywordValue("a"):  {},
		core.LocationValue("z"): {},
		core.LocationValue("b"): {},
	}
	assert.Equal(t, []core.IndexedValue{
		core.LocationValue("b"),
		core.LocationValue("z"),
		core.KeywordValue("a"),
	}, set.sorted())
}

func TestEpoch(t *testing.T) {
	key := testKey(t, 0x42)

	a, err := newEpoch(key, core.NewLabel("label"))
	require.NoError(t, err)
	b, err := newEpoch(key, core.NewLabel("label"))
	require.NoError(t, err)
	c, err := newEpoch(key, core.NewLabel("other"))
	require.NoError(t, err)

	kh := hashKeyword("kw")
	assert.Equal(t, a.id, b.id)
	assert.NotEqual(t, a.id, c.id)
	assert.Len(t, a.id, epochIDSize*2)
	assert.Equal(t, a.entryToken(kh), b.entryToken(kh))
	assert.NotEqual(t, a.entryToken(kh), c.entryToken(kh))
	assert.NotEqual(t, a.entryToken(kh), a.entryToken(hashKeyword("other")))

	t1, err := a.newChainToken(kh)
	require.NoError(t, err)
	t2, err := a.newChainToken(kh)
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2, "chain tokens are never reused")
}

func TestSealOpen(t *testing.T) {
	ep, err := newEpoch(testKey(t, 0x42), core.NewLabel("label"))
	require.NoError(t, err)
	other, err := newEpoch(testKey(t, 0x43), core.NewLabel("label"))
	require.NoError(t, err)

	tok := core.Token{7}
	sealed, err := seal(ep.entrySeal, tok, []byte("plaintext"))
	require.NoError(t, err)

	plain, err := open(ep.entrySeal, tok, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), plain)

	_, err = open(ep.entrySeal, core.Token{8}, sealed)
	assert.Error(t, err, "bound to its token")
	_, err = open(ep.chainSeal, tok, sealed)
	assert.Error(t, err, "entry and chain keys differ")
	_, err = open(other.entrySeal, tok, sealed)
	assert.Error(t, err, "other key")
	_, err = open(ep.entrySeal, tok, sealed[:10])
	assert.Error(t, err, "short")
}

func TestOpenEntry_RejectsMovedRecord(t *testing.T) {
	ep, err := newEpoch(testKey(t, 0x42), core.NewLabel("label"))
	require.NoError(t, err)

	rec := entryRecord{keyword: hashKeyword("kw")}
	tok := ep.entryToken(rec.keyword)
	sealed, err := sealEntry(ep, tok, rec)
	require.NoError(t, err)

	opened, err := openEntry(ep, tok, sealed)
	require.NoError(t, err)
	assert.Equal(t, rec.keyword, opened.keyword)

	// Sealed for another token: authenticates but names another keyword.
	wrong := core.Token{1}
	sealed, err = sealEntry(ep, wrong, rec)
	require.NoError(t, err)
	_, err = openEntry(ep, wrong, sealed)
	assert.ErrorIs(t, err, ErrDecryption)
	assert.ErrorIs(t, err, errKeywordMismatch)
}
