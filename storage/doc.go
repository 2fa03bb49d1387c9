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


// Package storage defines the backend contract behind a findex index.
//
// An index keeps two logical tables. The entry table maps a keyword-derived
// token to a small sealed record listing chain tokens. The chain table maps a
// token to a sealed list of indexed-value deltas. Records are opaque blobs to
// every backend; only the index can open them.
//
// # Contract
//
//   - FetchEntries / FetchChains return only tokens that exist. A missing
//     token is not an error.
//   - UpsertEntries is a per-token compare-and-swap. A token absent from the
//     expected map must still be absent for the write to succeed. The tokens
//     whose current value differed are returned and nothing is written for
//     them.
//   - InsertChains never overwrites. If any token already exists the whole
//     call fails with ErrChainTokenExists and nothing is written.
//   - Delete removes tokens unconditionally and DumpTokens enumerates a table.
//     Both are only used by compaction.
//
// # Implementations
//
//   - storage/badger: embedded BadgerDB store
//   - storage/sqlite: embedded SQLite store
//   - storage/redis: remote Redis cache
//   - storage/rest: signed HTTP calls to a findex server
//   - storage/dynamodb: AWS DynamoDB table
//   - storage/custom: caller-supplied callbacks
//
// Every implementation runs the shared conformance suite in
// storage/storagetest.
//
// # Thread Safety
//
// All backends must be safe for concurrent use. The index holds no locks; the
// compare-and-swap on entries is the only coordination primitive.
package storage
