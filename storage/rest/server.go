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


package rest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/findex/auth"
	"github.com/poiesic/findex/storage"
)

// Handler serves a storage.Backend to REST clients. The server token must
// hold the component of every operation it accepts.
type Handler struct {
	backend storage.Backend
	token   *auth.Token
	logger  *slog.Logger
	now     func() time.Time
	mux     *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets a custom logger.
// Default is slog.Default().
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

var operations = map[storage.Op]struct{}{
	storage.OpFetchEntries:  {},
	storage.OpFetchChains:   {},
	storage.OpUpsertEntries: {},
	storage.OpInsertChains:  {},
	storage.OpDeleteEntries: {},
	storage.OpDeleteChains:  {},
	storage.OpDumpEntries:   {},
	storage.OpDumpChains:    {},
}

// NewHandler creates a handler serving backend under /indexes/{id}/{op}.
func NewHandler(backend storage.Backend, token *auth.Token, opts ...HandlerOption) *Handler {
	h := &Handler{
		backend: backend,
		token:   token,
		logger:  slog.Default(),
		now:     time.Now,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("POST /indexes/{index}/{op}", h.serve)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, requestID)
	logger := h.logger.With("requestID", requestID)

	op := storage.Op(r.PathValue("op"))
	if _, ok := operations[op]; !ok || r.PathValue("index") != h.token.IndexID() {
		http.NotFound(w, r)
		return
	}
	key, err := h.token.KeyFor(op)
	if err != nil {
		logger.Warn("operation not permitted by server token", "op", op)
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusRequestEntityTooLarge)
		return
	}
	payload, err := VerifyRequest(key, h.token.IndexID(), op, body, h.now())
	if err != nil {
		logger.Warn("rejected request", "op", op, "err", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	resp, err := h.dispatch(r, op, payload)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write(resp)
	case errors.Is(err, storage.ErrChainTokenExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrSerializationFailed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Error("backend operation failed", "op", op, "err", err)
		http.Error(w, "backend operation failed", http.StatusInternalServerError)
	}
}

func (h *Handler) dispatch(r *http.Request, op storage.Op, payload []byte) ([]byte, error) {
	ctx := r.Context()
	switch op {
	case storage.OpFetchEntries, storage.OpFetchChains:
		tokens, err := storage.UnmarshalTokens(payload)
		if err != nil {
			return nil, err
		}
		fetch := h.backend.FetchEntries
		if op == storage.OpFetchChains {
			fetch = h.backend.FetchChains
		}
		records, err := fetch(ctx, tokens)
		if err != nil {
			return nil, err
		}
		return storage.MarshalRecords(records), nil

	case storage.OpUpsertEntries:
		expected, updated, err := storage.UnmarshalUpsert(payload)
		if err != nil {
			return nil, err
		}
		failed, err := h.backend.UpsertEntries(ctx, expected, updated)
		if err != nil {
			return nil, err
		}
		return storage.MarshalTokens(failed), nil

	case storage.OpInsertChains:
		links, err := storage.UnmarshalRecords(payload)
		if err != nil {
			return nil, err
		}
		return nil, h.backend.InsertChains(ctx, links)

	case storage.OpDeleteEntries, storage.OpDeleteChains:
		tokens, err := storage.UnmarshalTokens(payload)
		if err != nil {
			return nil, err
		}
		table := storage.EntryTable
		if op == storage.OpDeleteChains {
			table = storage.ChainTable
		}
		return nil, h.backend.Delete(ctx, table, tokens)

	default:
		table := storage.EntryTable
		if op == storage.OpDumpChains {
			table = storage.ChainTable
		}
		tokens, err := h.backend.DumpTokens(ctx, table)
		if err != nil {
			return nil, err
		}
		return storage.MarshalTokens(tokens), nil
	}
}
