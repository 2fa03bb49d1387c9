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


// Package custom adapts caller-supplied functions to storage.Backend. Each
// operation is bound independently; an unbound operation fails fast with
// storage.ErrBackendNotConfigured before anything is attempted.
package custom

import (
	"context"
	"fmt"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
)

// Callbacks holds one function per backend operation. Any field may be nil.
type Callbacks struct {
	FetchEntries  func(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error)
	FetchChains   func(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error)
	UpsertEntries func(ctx context.Context, expected, updated map[core.Token][]byte) (core.Tokens, error)
	InsertChains  func(ctx context.Context, links map[core.Token][]byte) error
	Delete        func(ctx context.Context, table storage.Table, tokens core.Tokens) error
	DumpTokens    func(ctx context.Context, table storage.Table) (core.Tokens, error)
	Close         func() error
}

// Backend forwards every operation to its callback.
type Backend struct {
	callbacks Callbacks
}

var (
	_ storage.Backend     = (*Backend)(nil)
	_ storage.Preflighter = (*Backend)(nil)
)

// New creates a backend over callbacks.
func New(callbacks Callbacks) *Backend {
	return &Backend{callbacks: callbacks}
}

func notConfigured(op storage.Op) error {
	return fmt.Errorf("%w: no %s callback", storage.ErrBackendNotConfigured, op)
}

// Preflight reports the first operation in ops without a callback.
func (b *Backend) Preflight(ops ...storage.Op) error {
	for _, op := range ops {
		if !b.bound(op) {
			return notConfigured(op)
		}
	}
	return nil
}

func (b *Backend) bound(op storage.Op) bool {
	switch op {
	case storage.OpFetchEntries:
		return b.callbacks.FetchEntries != nil
	case storage.OpFetchChains:
		return b.callbacks.FetchChains != nil
	case storage.OpUpsertEntries:
		return b.callbacks.UpsertEntries != nil
	case storage.OpInsertChains:
		return b.callbacks.InsertChains != nil
	case storage.OpDeleteEntries, storage.OpDeleteChains:
		return b.callbacks.Delete != nil
	case storage.OpDumpEntries, storage.OpDumpChains:
		return b.callbacks.DumpTokens != nil
	default:
		return false
	}
}

// FetchEntries forwards to the FetchEntries callback.
func (b *Backend) FetchEntries(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	if b.callbacks.FetchEntries == nil {
		return nil, notConfigured(storage.OpFetchEntries)
	}
	return b.callbacks.FetchEntries(ctx, tokens)
}

// FetchChains forwards to the FetchChains callback.
func (b *Backend) FetchChains(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error) {
	if b.callbacks.FetchChains == nil {
		return nil, notConfigured(storage.OpFetchChains)
	}
	return b.callbacks.FetchChains(ctx, tokens)
}

// UpsertEntries forwards to the UpsertEntries callback.
func (b *Backend) UpsertEntries(ctx context.Context, expected, updated map[core.Token][]byte) (core.Tokens, error) {
	if b.callbacks.UpsertEntries == nil {
		return nil, notConfigured(storage.OpUpsertEntries)
	}
	return b.callbacks.UpsertEntries(ctx, expected, updated)
}

// InsertChains forwards to the InsertChains callback.
func (b *Backend) InsertChains(ctx context.Context, links map[core.Token][]byte) error {
	if b.callbacks.InsertChains == nil {
		return notConfigured(storage.OpInsertChains)
	}
	return b.callbacks.InsertChains(ctx, links)
}

// Delete forwards to the Delete callback.
func (b *Backend) Delete(ctx context.Context, table storage.Table, tokens core.Tokens) error {
	if b.callbacks.Delete == nil {
		return notConfigured(storage.DeleteOp(table))
	}
	return b.callbacks.Delete(ctx, table, tokens)
}

// DumpTokens forwards to the DumpTokens callback.
func (b *Backend) DumpTokens(ctx context.Context, table storage.Table) (core.Tokens, error) {
	if b.callbacks.DumpTokens == nil {
		return nil, notConfigured(storage.DumpOp(table))
	}
	return b.callbacks.DumpTokens(ctx, table)
}

// Close forwards to the Close callback when one is set.
func (b *Backend) Close() error {
	if b.callbacks.Close == nil {
		return nil
	}
	return b.callbacks.Close()
}

// FromBackend binds every callback to the matching method of backend.
// Useful for wrapping an existing backend with caller-side hooks.
func FromBackend(backend storage.Backend) Callbacks {
	return Callbacks{
		FetchEntries:  backend.FetchEntries,
		FetchChains:   backend.FetchChains,
		UpsertEntries: backend.UpsertEntries,
		InsertChains:  backend.InsertChains,
		Delete:        backend.Delete,
		DumpTokens:    backend.DumpTokens,
		Close:         backend.Close,
	}
}
