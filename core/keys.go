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

package core

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
)

const (
	// KeySize is the length of a Key in bytes.
	KeySize = 32
	// TokenSize is the length of a table Token in bytes.
	TokenSize = 32
	// DefaultLabelSize is the length of labels built by RandomLabel.
	DefaultLabelSize = 32
)

// Key is symmetric seed material. Every key used by the index is derived from
// one through a one-way function.
type Key [KeySize]byte

// RandomKey draws a fresh Key from the system CSPRNG.
func RandomKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, err
	}
	return k, nil
}

// KeyFromBytes copies b into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// Bytes returns a copy of the key material.
func (k Key) Bytes() []byte {
	return slices.Clone(k[:])
}

// String never prints key material.
func (k Key) String() string {
	return "Key(redacted)"
}

// LogValue keeps key material out of structured logs.
func (k Key) LogValue() slog.Value {
	return slog.StringValue(k.String())
}

// Label is a public salt versioning an index epoch.
type Label []byte

// NewLabel creates a Label from text.
func NewLabel(text string) Label {
	return Label(text)
}

// RandomLabel draws a fresh Label of DefaultLabelSize bytes.
func RandomLabel() (Label, error) {
	l := make(Label, DefaultLabelSize)
	if _, err := rand.Read(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Equal reports whether both labels hold the same bytes.
func (l Label) Equal(other Label) bool {
	return bytes.Equal(l, other)
}

// String renders the label as hex.
func (l Label) String() string {
	return hex.EncodeToString(l)
}

// Token is the key of a record in the entry or chain table.
type Token [TokenSize]byte

// TokenFromBytes copies b into a Token.
func TokenFromBytes(b []byte) (Token, error) {
	var t Token
	if len(b) != TokenSize {
		return t, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidTokenLength, len(b), TokenSize)
	}
	copy(t[:], b)
	return t, nil
}

// String renders the token as hex.
func (t Token) String() string {
	return hex.EncodeToString(t[:])
}

// Compare orders tokens bytewise.
func (t Token) Compare(other Token) int {
	return bytes.Compare(t[:], other[:])
}

// Tokens is a set of table tokens.
type Tokens map[Token]struct{}

// NewTokens builds a set from the given tokens.
func NewTokens(tokens ...Token) Tokens {
	set := make(Tokens, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// NewTokensFromMap builds the key set of a token-indexed map.
func NewTokensFromMap[V any](m map[Token]V) Tokens {
	set := make(Tokens, len(m))
	for t := range m {
		set[t] = struct{}{}
	}
	return set
}

// Add inserts t.
func (s Tokens) Add(t Token) {
	s[t] = struct{}{}
}

// Has reports whether t is in the set.
func (s Tokens) Has(t Token) bool {
	_, ok := s[t]
	return ok
}

// Merge adds every token of other.
func (s Tokens) Merge(other Tokens) {
	for t := range other {
		s[t] = struct{}{}
	}
}

// Sorted returns the tokens in bytewise order.
func (s Tokens) Sorted() []Token {
	out := make([]Token, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	slices.SortFunc(out, Token.Compare)
	return out
}
