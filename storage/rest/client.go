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


// Package rest reaches a findex backend over HTTP. Every request is signed
// with the token component authorizing its operation, so a client holding a
// reduced token can only call what the token permits.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/findex/auth"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
	"golang.org/x/time/rate"
)

const (
	// RequestIDHeader carries the id of a request in both directions.
	RequestIDHeader = "X-Request-Id"

	// DefaultTimeout bounds one HTTP round trip.
	DefaultTimeout = 30 * time.Second

	contentType  = "application/octet-stream"
	maxBodyBytes = 64 << 20
)

// Backend is a storage.Backend talking to a findex server.
type Backend struct {
	baseURL  string
	token    *auth.Token
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
	validity time.Duration
	now      func() time.Time
}

var (
	_ storage.Backend     = (*Backend)(nil)
	_ storage.Preflighter = (*Backend)(nil)
)

// Option configures a Backend.
type Option func(*Backend) error

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) error {
		if client == nil {
			return fmt.Errorf("http client required")
		}
		b.client = client
		return nil
	}
}

// WithRateLimit caps outgoing requests to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(b *Backend) error {
		if rps <= 0 || burst < 1 {
			return fmt.Errorf("invalid rate limit: %v/s burst %d", rps, burst)
		}
		b.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithValidity sets how long a signed request stays valid.
// Default and maximum is MaxValidity.
func WithValidity(d time.Duration) Option {
	return func(b *Backend) error {
		if d <= 0 || d > MaxValidity {
			return fmt.Errorf("validity must be in (0, %s], got %s", MaxValidity, d)
		}
		b.validity = d
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) error {
		if logger == nil {
			logger = slog.Default()
		}
		b.logger = logger
		return nil
	}
}

// New creates a client for the server at baseURL acting with token.
func New(baseURL string, token *auth.Token, opts ...Option) (*Backend, error) {
	if token == nil {
		return nil, ErrTokenRequired
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}

	b := &Backend{
		baseURL:  strings.TrimRight(u.String(), "/"),
		token:    token,
		client:   &http.Client{Timeout: DefaultTimeout},
		logger:   slog.Default(),
		validity: MaxValidity,
		now:      time.Now,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Preflight fails with auth.ErrMissingKeyMaterial for the first op the
// token does not authorize.
func (b *Backend) Preflight(ops ...storage.Op) error {
	for _, op := range ops {
		if _, err := b.token.KeyFor(op); err != nil {
			return err
		}
	}
	return nil
}

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

// FetchEntries posts to the fetch_entries endpoint.
func (b *Backend) FetchEntries(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	return b.fetch(ctx, storage.OpFetchEntries, tokens)
}

// FetchChains posts to the fetch_chains endpoint.
func (b *Backend) FetchChains(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	return b.fetch(ctx, storage.OpFetchChains, tokens)
}

func (b *Backend) fetch(ctx context.Context, op storage.Op, tokens core.Tokens) (map[core.Token][]byte, error) {
	if len(tokens) == 0 {
		return map[core.Token][]byte{}, nil
	}
	resp, err := b.call(ctx, op, storage.MarshalTokens(tokens))
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalRecords(resp)
}

// UpsertEntries posts to the upsert_entries endpoint.
func (b *Backend) UpsertEntries(ctx context.Context, expected, updated map[core.Token][]byte) (core.Tokens, error) {
	if len(updated) == 0 {
		return core.NewTokens(), nil
	}
	resp, err := b.call(ctx, storage.OpUpsertEntries, storage.MarshalUpsert(expected, updated))
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalTokens(resp)
}

// InsertChains posts to the insert_chains endpoint.
func (b *Backend) InsertChains(ctx context.Context, links map[core.Token][]byte) error {
	if len(links) == 0 {
		return nil
	}
	_, err := b.call(ctx, storage.OpInsertChains, storage.MarshalRecords(links))
	return err
}

// Delete posts to the delete endpoint of table.
func (b *Backend) Delete(ctx context.Context, table storage.Table, tokens core.Tokens) error {
	if !table.Valid() {
		return storage.ErrInvalidTable
	}
	if len(tokens) == 0 {
		return nil
	}
	_, err := b.call(ctx, storage.DeleteOp(table), storage.MarshalTokens(tokens))
	return err
}

// DumpTokens posts to the dump endpoint of table.
func (b *Backend) DumpTokens(ctx context.Context, table storage.Table) (core.Tokens, error) {
	if !table.Valid() {
		return nil, storage.ErrInvalidTable
	}
	resp, err := b.call(ctx, storage.DumpOp(table), nil)
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalTokens(resp)
}

func (b *Backend) call(ctx context.Context, op storage.Op, payload []byte) ([]byte, error) {
	key, err := b.token.KeyFor(op)
	if err != nil {
		return nil, err
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body := SignRequest(key, b.token.IndexID(), op, b.now().Add(b.validity), payload)
	endpoint := b.baseURL + "/indexes/" + url.PathEscape(b.token.IndexID()) + "/" + string(op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(RequestIDHeader, requestID)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	b.logger.Debug("backend request",
		"op", op,
		"requestID", requestID,
		"status", resp.StatusCode,
		"bytes", len(data),
		"elapsed", time.Since(start))

	switch resp.StatusCode {
	case http.StatusOK:
		return data, nil
	case http.StatusConflict:
		return nil, storage.ErrChainTokenExists
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, strings.TrimSpace(string(data)))
	case http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", ErrForbidden, strings.TrimSpace(string(data)))
	default:
		return nil, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(data)))
	}
}
