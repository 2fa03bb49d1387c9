package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordConstructorsAgree(t *testing.T) {
	fromInt := KeywordFromInt(42)
	fromBytes := KeywordFromBytes([]byte{0, 0, 0, 0, 0, 0, 0, 42})
	assert.Equal(t, fromInt, fromBytes)

	fromText := NewKeyword("hello")
	assert.Equal(t, fromText, KeywordFromBytes([]byte("hello")))
	assert.Equal(t, "hello", fromText.String())
}

func TestKeywordInt(t *testing.T) {
	tests := []struct {
		name    string
		kw      Keyword
		want    int64
		wantErr error
	}{
		{name: "positive", kw: KeywordFromInt(7), want: 7},
		{name: "negative", kw: KeywordFromInt(-1), want: -1},
		{name: "too short", kw: NewKeyword("abc"), wantErr: ErrNotAnInteger},
		{name: "too long", kw: NewKeyword("123456789"), wantErr: ErrNotAnInteger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.kw.Int()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocationInt(t *testing.T) {
	loc := LocationFromInt(1 << 40)
	got, err := loc.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40), got)
	assert.Equal(t, LocationFromBytes(loc.Bytes()), loc)
}

func TestIndexedValue(t *testing.T) {
	loc := LocationValue(NewLocation("doc-1"))
	kw := KeywordValue(NewKeyword("doc-1"))

	assert.NotEqual(t, loc, kw, "same bytes in different variants must differ")
	assert.True(t, loc.IsLocation())
	assert.False(t, loc.IsKeyword())
	assert.True(t, kw.IsKeyword())

	l, ok := loc.Location()
	assert.True(t, ok)
	assert.Equal(t, NewLocation("doc-1"), l)
	_, ok = loc.Keyword()
	assert.False(t, ok)

	k, ok := kw.Keyword()
	assert.True(t, ok)
	assert.Equal(t, NewKeyword("doc-1"), k)

	assert.Equal(t, "location:doc-1", loc.String())
	assert.Equal(t, "keyword:doc-1", kw.String())

	set := map[IndexedValue]struct{}{loc: {}, kw: {}, LocationValue("doc-1"): {}}
	assert.Len(t, set, 2)
}

func TestNewIndexedValue(t *testing.T) {
	v, err := NewIndexedValue(KindKeyword, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, KeywordValue("x"), v)

	_, err = NewIndexedValue(ValueKind(9), []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidIndexedValue)

	_, err = NewIndexedValue(KindLocation, nil)
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestKeyRedaction(t *testing.T) {
	k, err := RandomKey()
	require.NoError(t, err)
	assert.Equal(t, "Key(redacted)", k.String())
	assert.Equal(t, "Key(redacted)", k.LogValue().String())

	other, err := KeyFromBytes(k.Bytes())
	require.NoError(t, err)
	assert.Equal(t, k, other)

	_, err = KeyFromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidKeyLength)
}

func TestRandomLabel(t *testing.T) {
	a, err := RandomLabel()
	require.NoError(t, err)
	b, err := RandomLabel()
	require.NoError(t, err)
	assert.Len(t, a, DefaultLabelSize)
	assert.False(t, a.Equal(b))
	assert.True(t, NewLabel("v1").Equal(Label("v1")))
}

func TestTokens(t *testing.T) {
	var a, b Token
	a[0] = 2
	b[0] = 1

	set := NewTokens(a)
	set.Add(b)
	set.Add(a)
	assert.Len(t, set, 2)
	assert.True(t, set.Has(b))
	assert.Equal(t, []Token{b, a}, set.Sorted())

	other := NewTokens()
	other.Merge(set)
	assert.Equal(t, set, other)

	_, err := TokenFromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidTokenLength)
}
