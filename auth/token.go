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


// Package auth implements capability tokens for a findex index.
//
// A Token bundles an index identifier with up to five independent key
// components. Holding a component is the permission it grants; a token
// without a component carries no bytes that could stand in for it.
//
//   - index: bootstraps the master key of the index
//   - fetch_entries, fetch_chains: read access to the two tables
//   - upsert_entries, insert_chains: write access to the two tables
//
// Reduced tokens are derived with DeriveNewToken and never include the index
// component.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-crypt/x/blake2b"
	"github.com/poiesic/findex/codec"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
)

const (
	// MinSeedSize is the shortest seed accepted by GenerateNewToken.
	MinSeedSize = 16
	// MaxSeedSize is the longest seed accepted by GenerateNewToken.
	MaxSeedSize = blake2b.Size
	// MaxIndexIDSize bounds the length of an index identifier.
	MaxIndexIDSize = 255

	derivationDomain = "findex/token/"
)

// Component identifies one key held by a token.
type Component uint8

const (
	ComponentIndex Component = iota
	ComponentFetchEntries
	ComponentFetchChains
	ComponentUpsertEntries
	ComponentInsertChains

	numComponents = 5
)

var componentNames = [numComponents]string{
	"index",
	"fetch_entries",
	"fetch_chains",
	"upsert_entries",
	"insert_chains",
}

// String returns the component name.
func (c Component) String() string {
	if int(c) < numComponents {
		return componentNames[c]
	}
	return fmt.Sprintf("component(%d)", uint8(c))
}

// ComponentFor returns the key component authorizing a backend operation.
// Deletes are authorized by the write key of their table and dumps by its
// read key.
func ComponentFor(op storage.Op) (Component, bool) {
	switch op {
	case storage.OpFetchEntries, storage.OpDumpEntries:
		return ComponentFetchEntries, true
	case storage.OpFetchChains, storage.OpDumpChains:
		return ComponentFetchChains, true
	case storage.OpUpsertEntries, storage.OpDeleteEntries:
		return ComponentUpsertEntries, true
	case storage.OpInsertChains, storage.OpDeleteChains:
		return ComponentInsertChains, true
	default:
		return 0, false
	}
}

// Seeds is the caller-supplied material GenerateNewToken derives components
// from. Each seed must be between MinSeedSize and MaxSeedSize bytes.
type Seeds struct {
	Index         []byte
	FetchEntries  []byte
	FetchChains   []byte
	UpsertEntries []byte
	InsertChains  []byte
}

func (s Seeds) list() [numComponents][]byte {
	return [numComponents][]byte{s.Index, s.FetchEntries, s.FetchChains, s.UpsertEntries, s.InsertChains}
}

// Token is an immutable capability bundle.
type Token struct {
	indexID string
	keys    [numComponents]*core.Key
}

// GenerateNewToken derives all five components from seeds with keyed
// BLAKE2b over the component name and index id. Identical inputs always
// produce identical tokens.
func GenerateNewToken(indexID string, seeds Seeds) (*Token, error) {
	if err := validateIndexID(indexID); err != nil {
		return nil, err
	}
	t := &Token{indexID: indexID}
	for i, seed := range seeds.list() {
		c := Component(i)
		if len(seed) < MinSeedSize || len(seed) > MaxSeedSize {
			return nil, fmt.Errorf("%w: %s seed is %d bytes, want %d to %d",
				ErrInvalidSeed, c, len(seed), MinSeedSize, MaxSeedSize)
		}
		key, err := deriveComponent(seed, c, indexID)
		if err != nil {
			return nil, err
		}
		t.keys[i] = &key
	}
	return t, nil
}

// RandomToken generates a token from fresh random seeds.
func RandomToken(indexID string) (*Token, error) {
	var seeds [numComponents][]byte
	for i := range seeds {
		seeds[i] = make([]byte, core.KeySize)
		if _, err := rand.Read(seeds[i]); err != nil {
			return nil, err
		}
	}
	return GenerateNewToken(indexID, Seeds{
		Index:         seeds[0],
		FetchEntries:  seeds[1],
		FetchChains:   seeds[2],
		UpsertEntries: seeds[3],
		InsertChains:  seeds[4],
	})
}

func deriveComponent(seed []byte, c Component, indexID string) (core.Key, error) {
	h, err := blake2b.New256(seed)
	if err != nil {
		return core.Key{}, fmt.Errorf("%w: %w", ErrInvalidSeed, err)
	}
	h.Write([]byte(derivationDomain + c.String() + "/" + indexID))
	var key core.Key
	copy(key[:], h.Sum(nil))
	return key, nil
}

func validateIndexID(indexID string) error {
	if indexID == "" || len(indexID) > MaxIndexIDSize {
		return fmt.Errorf("%w: length %d", ErrInvalidIndexID, len(indexID))
	}
	return nil
}

// DeriveNewToken returns a token holding only the components needed for the
// requested rights. Search needs the fetch_entries and fetch_chains keys.
// Indexing needs the upsert_entries and insert_chains keys and also
// fetch_entries: an upsert reads the current entry before writing it, so an
// index-only token can read entries and is not write-only. It still cannot
// read chains, so it cannot resolve a search. The index component is never
// copied.
func DeriveNewToken(source *Token, wantSearch, wantIndex bool) (*Token, error) {
	if !wantSearch && !wantIndex {
		return nil, ErrInvalidPermission
	}
	var needed []Component
	if wantSearch {
		needed = append(needed, ComponentFetchEntries, ComponentFetchChains)
	}
	if wantIndex {
		needed = append(needed, ComponentFetchEntries, ComponentUpsertEntries, ComponentInsertChains)
	}

	reduced := &Token{indexID: source.indexID}
	for _, c := range needed {
		key := source.keys[c]
		if key == nil {
			return nil, fmt.Errorf("%w: source token has no %s key", ErrMissingKeyMaterial, c)
		}
		k := *key
		reduced.keys[c] = &k
	}
	return reduced, nil
}

// IndexID returns the index identifier.
func (t *Token) IndexID() string {
	return t.indexID
}

// Key returns a copy of a component and whether the token holds it.
func (t *Token) Key(c Component) (core.Key, bool) {
	if int(c) >= numComponents || t.keys[c] == nil {
		return core.Key{}, false
	}
	return *t.keys[c], true
}

// MasterKey returns the index component used to bootstrap the master key of
// the index. Reduced tokens never carry it.
func (t *Token) MasterKey() (core.Key, error) {
	key, ok := t.Key(ComponentIndex)
	if !ok {
		return core.Key{}, fmt.Errorf("%w: token has no %s key", ErrMissingKeyMaterial, ComponentIndex)
	}
	return key, nil
}

// Has reports whether the token holds every listed component.
func (t *Token) Has(components ...Component) bool {
	for _, c := range components {
		if _, ok := t.Key(c); !ok {
			return false
		}
	}
	return true
}

// KeyFor returns the component authorizing op.
func (t *Token) KeyFor(op storage.Op) (core.Key, error) {
	c, ok := ComponentFor(op)
	if !ok {
		return core.Key{}, fmt.Errorf("%w: unknown operation %s", ErrMissingKeyMaterial, op)
	}
	key, ok := t.Key(c)
	if !ok {
		return core.Key{}, fmt.Errorf("%w: %s needs the %s key", ErrMissingKeyMaterial, op, c)
	}
	return key, nil
}

// CanSearch reports whether the token can drive a search.
func (t *Token) CanSearch() bool {
	return t.Has(ComponentFetchEntries, ComponentFetchChains)
}

// CanIndex reports whether the token can drive an add or delete.
func (t *Token) CanIndex() bool {
	return t.Has(ComponentFetchEntries, ComponentUpsertEntries, ComponentInsertChains)
}

// Permissions lists the names of the held components.
func (t *Token) Permissions() []string {
	var names []string
	for i, k := range t.keys {
		if k != nil {
			names = append(names, Component(i).String())
		}
	}
	return names
}

// String encodes the token as unpadded URL-safe base64 of
// varint(len(id)) || id || presence bitmask || present keys in component order.
func (t *Token) String() string {
	w := codec.NewWriter(2 + len(t.indexID) + numComponents*core.KeySize)
	w.String(t.indexID)
	var mask byte
	for i, k := range t.keys {
		if k != nil {
			mask |= 1 << i
		}
	}
	w.Byte(mask)
	for _, k := range t.keys {
		if k != nil {
			w.Fixed(k[:])
		}
	}
	return base64.RawURLEncoding.EncodeToString(w.Result())
}

// ParseToken decodes a token produced by String.
func ParseToken(s string) (*Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	r := codec.NewReader(raw)
	t := &Token{indexID: r.String()}
	mask := r.Byte()
	if r.Err() == nil && mask>>numComponents != 0 {
		return nil, fmt.Errorf("%w: unknown component bits %#x", ErrMalformedToken, mask)
	}
	for i := range t.keys {
		if mask&(1<<i) == 0 {
			continue
		}
		b := r.Fixed(core.KeySize)
		if b == nil {
			break
		}
		key := core.Key(b)
		t.keys[i] = &key
	}
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	if err := validateIndexID(t.indexID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	return t, nil
}

// MarshalText implements encoding.TextMarshaler.
func (t *Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Token) UnmarshalText(text []byte) error {
	parsed, err := ParseToken(string(text))
	if err != nil {
		return err
	}
	*t = *parsed
	return nil
}
