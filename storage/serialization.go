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
	"fmt"

	"github.com/poiesic/findex/codec"
	"github.com/poiesic/findex/core"
)

// MarshalTokens serializes a token set in sorted order.
func MarshalTokens(tokens core.Tokens) []byte {
	w := codec.NewWriter(1 + len(tokens)*core.TokenSize)
	writeTokens(w, tokens)
	return w.Result()
}

// UnmarshalTokens deserializes a token set.
func UnmarshalTokens(data []byte) (core.Tokens, error) {
	r := codec.NewReader(data)
	tokens := readTokens(r)
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return tokens, nil
}

// MarshalRecords serializes a token to record mapping in token order.
func MarshalRecords(records map[core.Token][]byte) []byte {
	w := codec.NewWriter(recordsSizeHint(records))
	writeRecords(w, records)
	return w.Result()
}

// UnmarshalRecords deserializes a token to record mapping.
func UnmarshalRecords(data []byte) (map[core.Token][]byte, error) {
	r := codec.NewReader(data)
	records := readRecords(r)
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return records, nil
}

// MarshalUpsert serializes the arguments of UpsertEntries.
func MarshalUpsert(expected, updated map[core.Token][]byte) []byte {
	w := codec.NewWriter(recordsSizeHint(expected) + recordsSizeHint(updated))
	writeRecords(w, expected)
	writeRecords(w, updated)
	return w.Result()
}

// UnmarshalUpsert deserializes the arguments of UpsertEntries.
func UnmarshalUpsert(data []byte) (expected, updated map[core.Token][]byte, err error) {
	r := codec.NewReader(data)
	expected = readRecords(r)
	updated = readRecords(r)
	if err := r.Finish(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return expected, updated, nil
}

func recordsSizeHint(records map[core.Token][]byte) int {
	size := 1
	for _, v := range records {
		size += core.TokenSize + 2 + len(v)
	}
	return size
}

func writeTokens(w *codec.Writer, tokens core.Tokens) {
	w.Uint(uint64(len(tokens)))
	for _, t := range tokens.Sorted() {
		w.Fixed(t[:])
	}
}

func readTokens(r *codec.Reader) core.Tokens {
	n := r.Count(core.TokenSize)
	tokens := make(core.Tokens, n)
	for i := 0; i < n; i++ {
		b := r.Fixed(core.TokenSize)
		if b == nil {
			return nil
		}
		tokens.Add(core.Token(b))
	}
	return tokens
}

func writeRecords(w *codec.Writer, records map[core.Token][]byte) {
	w.Uint(uint64(len(records)))
	for _, t := range core.NewTokensFromMap(records).Sorted() {
		w.Fixed(t[:])
		w.Bytes(records[t])
	}
}

func readRecords(r *codec.Reader) map[core.Token][]byte {
	n := r.Count(core.TokenSize + 1)
	records := make(map[core.Token][]byte, n)
	for i := 0; i < n; i++ {
		b := r.Fixed(core.TokenSize)
		v := r.Bytes()
		if r.Err() != nil {
			return nil
		}
		records[core.Token(b)] = v
	}
	return records
}
