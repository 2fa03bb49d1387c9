package rest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/findex/auth"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/index"
	"github.com/poiesic/findex/storage"
	"github.com/poiesic/findex/storage/badger"
	"github.com/poiesic/findex/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServerToken(t *testing.T) *auth.Token {
	t.Helper()
	token, err := auth.RandomToken("idx1")
	require.NoError(t, err)
	return token
}

// newServer serves a fresh in-memory backend with a full token.
func newServer(t *testing.T, token *auth.Token) *httptest.Server {
	t.Helper()
	inner, err := badger.NewMemoryBackend()
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	srv := httptest.NewServer(NewHandler(inner, token))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, url string, token *auth.Token, opts ...Option) *Backend {
	t.Helper()
	b, err := New(url, token, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackend_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		token := newServerToken(t)
		srv := newServer(t, token)
		return newClient(t, srv.URL, token)
	})
}

func TestNew_Validation(t *testing.T) {
	token := newServerToken(t)

	_, err := New("http://localhost", nil)
	assert.ErrorIs(t, err, ErrTokenRequired)

	_, err = New("ftp://localhost", token)
	assert.Error(t, err)

	_, err = New("http://localhost", token, WithValidity(2*MaxValidity))
	assert.Error(t, err)

	_, err = New("http://localhost", token, WithRateLimit(0, 1))
	assert.Error(t, err)
}

func TestReducedTokens(t *testing.T) {
	full := newServerToken(t)
	srv := newServer(t, full)
	ctx := context.Background()
	key, err := core.RandomKey()
	require.NoError(t, err)
	label := core.NewLabel("rest")

	bindings := map[core.IndexedValue][]core.Keyword{
		core.LocationValue("doc"): {core.NewKeyword("kw")},
	}

	writerToken, err := auth.DeriveNewToken(full, false, true)
	require.NoError(t, err)
	writer, err := index.New(newClient(t, srv.URL, writerToken), key, label)
	require.NoError(t, err)
	_, err = writer.Add(ctx, bindings)
	require.NoError(t, err)

	t.Run("index-only token cannot search", func(t *testing.T) {
		_, err := writer.Search(ctx, []core.Keyword{"kw"})
		assert.ErrorIs(t, err, auth.ErrMissingKeyMaterial)
	})

	readerToken, err := auth.DeriveNewToken(full, true, false)
	require.NoError(t, err)
	reader, err := index.New(newClient(t, srv.URL, readerToken), key, label)
	require.NoError(t, err)

	t.Run("search-only token searches", func(t *testing.T) {
		results, err := reader.Search(ctx, []core.Keyword{"kw"})
		require.NoError(t, err)
		assert.Equal(t, []core.Location{"doc"}, results["kw"])
	})

	t.Run("search-only token cannot add or delete", func(t *testing.T) {
		_, err := reader.Add(ctx, bindings)
		assert.ErrorIs(t, err, auth.ErrMissingKeyMaterial)
		_, err = reader.Delete(ctx, bindings)
		assert.ErrorIs(t, err, auth.ErrMissingKeyMaterial)
	})
}

func TestServer_RejectsForgedRequests(t *testing.T) {
	token := newServerToken(t)
	inner, err := badger.NewMemoryBackend()
	require.NoError(t, err)
	defer inner.Close()

	handler := NewHandler(inner, token)
	handler.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	now := handler.now()

	key, err := token.KeyFor(storage.OpDumpEntries)
	require.NoError(t, err)
	otherKey, err := core.RandomKey()
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		body   []byte
		status int
	}{
		{"valid", "/indexes/idx1/dump_entry_tokens", SignRequest(key, "idx1", storage.OpDumpEntries, now.Add(time.Second), nil), http.StatusOK},
		{"wrong key", "/indexes/idx1/dump_entry_tokens", SignRequest(otherKey, "idx1", storage.OpDumpEntries, now.Add(time.Second), nil), http.StatusUnauthorized},
		{"signed for another op", "/indexes/idx1/dump_entry_tokens", SignRequest(key, "idx1", storage.OpDumpChains, now.Add(time.Second), nil), http.StatusUnauthorized},
		{"expired", "/indexes/idx1/dump_entry_tokens", SignRequest(key, "idx1", storage.OpDumpEntries, now.Add(-time.Second), nil), http.StatusUnauthorized},
		{"too far ahead", "/indexes/idx1/dump_entry_tokens", SignRequest(key, "idx1", storage.OpDumpEntries, now.Add(time.Hour), nil), http.StatusUnauthorized},
		{"truncated", "/indexes/idx1/dump_entry_tokens", []byte{1, 2, 3}, http.StatusUnauthorized},
		{"other index", "/indexes/idx2/dump_entry_tokens", SignRequest(key, "idx2", storage.OpDumpEntries, now.Add(time.Second), nil), http.StatusNotFound},
		{"unknown op", "/indexes/idx1/drop_everything", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestServer_ForbidsOperationsOutsideServerToken(t *testing.T) {
	full := newServerToken(t)
	readOnly, err := auth.DeriveNewToken(full, true, false)
	require.NoError(t, err)

	inner, err := badger.NewMemoryBackend()
	require.NoError(t, err)
	defer inner.Close()
	srv := httptest.NewServer(NewHandler(inner, readOnly))
	defer srv.Close()

	// The client holds the key, the server does not.
	client := newClient(t, srv.URL, full)
	err = client.InsertChains(context.Background(), map[core.Token][]byte{storagetest.Token("a"): []byte("x")})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestBackend_RequestIDs(t *testing.T) {
	token := newServerToken(t)
	inner, err := badger.NewMemoryBackend()
	require.NoError(t, err)
	defer inner.Close()

	var seen atomic.Value
	handler := NewHandler(inner, token)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get(RequestIDHeader))
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, token, WithRateLimit(1000, 10))
	_, err = client.DumpTokens(context.Background(), storage.EntryTable)
	require.NoError(t, err)
	assert.Len(t, seen.Load().(string), 36)
}

func TestVerifyRequest_RoundTrip(t *testing.T) {
	key, err := core.RandomKey()
	require.NoError(t, err)
	now := time.Now()

	body := SignRequest(key, "idx", storage.OpFetchChains, now.Add(MaxValidity), []byte("payload"))
	payload, err := VerifyRequest(key, "idx", storage.OpFetchChains, body, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)

	body[len(body)-1] ^= 1
	_, err = VerifyRequest(key, "idx", storage.OpFetchChains, body, now)
	assert.ErrorIs(t, err, ErrBadSignature)
}
