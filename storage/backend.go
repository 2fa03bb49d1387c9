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


package storage

import (
	"context"
	"fmt"

	"github.com/poiesic/findex/core"
)

// Table selects one of the two logical tables.
type Table uint8

const (
	// EntryTable maps keyword tokens to sealed chain pointer lists.
	EntryTable Table = iota + 1
	// ChainTable maps chain tokens to sealed value deltas.
	ChainTable
)

// String returns the table name used in keys, SQL and URLs.
func (t Table) String() string {
	switch t {
	case EntryTable:
		return "entry"
	case ChainTable:
		return "chain"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

// Valid reports whether t names a known table.
func (t Table) Valid() bool {
	return t == EntryTable || t == ChainTable
}

// Backend stores the entry and chain tables of one index.
type Backend interface {
	// FetchEntries returns the entry records stored under the given tokens.
	FetchEntries(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error)

	// FetchChains returns the chain records stored under the given tokens.
	FetchChains(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error)

	// UpsertEntries writes each updated record whose current value equals
	// the expected one. Returns the tokens that failed the comparison.
	UpsertEntries(ctx context.Context, expected, updated map[core.Token][]byte) (core.Tokens, error)

	// InsertChains adds new chain records, failing as a whole if any token exists.
	InsertChains(ctx context.Context, links map[core.Token][]byte) error

	// Delete removes the given tokens from a table.
	Delete(ctx context.Context, table Table, tokens core.Tokens) error

	// DumpTokens lists every token of a table.
	DumpTokens(ctx context.Context, table Table) (core.Tokens, error)

	// Close releases resources held by the backend.
	Close() error
}

// Op names a single backend operation.
type Op string

const (
	OpFetchEntries  Op = "fetch_entries"
	OpFetchChains   Op = "fetch_chains"
	OpUpsertEntries Op = "upsert_entries"
	OpInsertChains  Op = "insert_chains"
	OpDeleteEntries Op = "delete_entries"
	OpDeleteChains  Op = "delete_chains"
	OpDumpEntries   Op = "dump_entry_tokens"
	OpDumpChains    Op = "dump_chain_tokens"
)

// DeleteOp returns the delete operation for a table.
func DeleteOp(t Table) Op {
	if t == ChainTable {
		return OpDeleteChains
	}
	return OpDeleteEntries
}

// DumpOp returns the dump operation for a table.
func DumpOp(t Table) Op {
	if t == ChainTable {
		return OpDumpChains
	}
	return OpDumpEntries
}

// Preflighter is implemented by backends that can tell ahead of time whether
// they are able to serve a set of operations. The index calls it before the
// first backend round trip of a call.
type Preflighter interface {
	Preflight(ops ...Op) error
}

// Preflight checks ops against b if it implements Preflighter.
func Preflight(b Backend, ops ...Op) error {
	if p, ok := b.(Preflighter); ok {
		return p.Preflight(ops...)
	}
	return nil
}
