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
	"encoding/binary"
	"fmt"
)

// intSize is the width of the integer projection of keywords and locations.
const intSize = 8

// Keyword is an indexing term. Equality is byte-exact regardless of the
// constructor used to build it.
type Keyword string

// NewKeyword creates a Keyword from text.
func NewKeyword(text string) Keyword {
	return Keyword(text)
}

// KeywordFromBytes creates a Keyword from raw bytes. The slice is copied.
func KeywordFromBytes(b []byte) Keyword {
	return Keyword(b)
}

// KeywordFromInt creates a Keyword from the big-endian encoding of i.
func KeywordFromInt(i int64) Keyword {
	return Keyword(intBytes(i))
}

// Bytes returns a copy of the canonical byte sequence.
func (k Keyword) Bytes() []byte {
	return []byte(k)
}

// String returns the keyword bytes as text.
func (k Keyword) String() string {
	return string(k)
}

// Int returns the integer projection of the keyword.
// Fails unless the keyword is exactly 8 bytes long.
func (k Keyword) Int() (int64, error) {
	return bytesInt(string(k))
}

// Location is a reference to an indexed payload. The index never interprets it.
type Location string

// NewLocation creates a Location from text.
func NewLocation(text string) Location {
	return Location(text)
}

// LocationFromBytes creates a Location from raw bytes. The slice is copied.
func LocationFromBytes(b []byte) Location {
	return Location(b)
}

// LocationFromInt creates a Location from the big-endian encoding of i.
func LocationFromInt(i int64) Location {
	return Location(intBytes(i))
}

// Bytes returns a copy of the canonical byte sequence.
func (l Location) Bytes() []byte {
	return []byte(l)
}

// String returns the location bytes as text.
func (l Location) String() string {
	return string(l)
}

// Int returns the integer projection of the location.
// Fails unless the location is exactly 8 bytes long.
func (l Location) Int() (int64, error) {
	return bytesInt(string(l))
}

// ValueKind tags the variant held by an IndexedValue.
type ValueKind uint8

const (
	// KindLocation marks a terminal value.
	KindLocation ValueKind = iota + 1
	// KindKeyword marks a value that points at another keyword.
	KindKeyword
)

// String returns the name of the kind.
func (k ValueKind) String() string {
	switch k {
	case KindLocation:
		return "location"
	case KindKeyword:
		return "keyword"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IndexedValue is either a Location or a Keyword. It is comparable and can be
// used as a map key.
type IndexedValue struct {
	kind ValueKind
	data string
}

// LocationValue wraps a Location.
func LocationValue(l Location) IndexedValue {
	return IndexedValue{kind: KindLocation, data: string(l)}
}

// KeywordValue wraps a Keyword. Searching the keyword holding this value
// continues into the wrapped keyword.
func KeywordValue(k Keyword) IndexedValue {
	return IndexedValue{kind: KindKeyword, data: string(k)}
}

// NewIndexedValue builds a value from its kind and raw bytes.
func NewIndexedValue(kind ValueKind, data []byte) (IndexedValue, error) {
	v := IndexedValue{kind: kind, data: string(data)}
	if err := ValidateIndexedValue(v); err != nil {
		return IndexedValue{}, err
	}
	return v, nil
}

// Kind returns the variant tag.
func (v IndexedValue) Kind() ValueKind {
	return v.kind
}

// IsLocation reports whether v holds a Location.
func (v IndexedValue) IsLocation() bool {
	return v.kind == KindLocation
}

// IsKeyword reports whether v holds a Keyword.
func (v IndexedValue) IsKeyword() bool {
	return v.kind == KindKeyword
}

// Location returns the wrapped Location and whether v holds one.
func (v IndexedValue) Location() (Location, bool) {
	if v.kind != KindLocation {
		return "", false
	}
	return Location(v.data), true
}

// Keyword returns the wrapped Keyword and whether v holds one.
func (v IndexedValue) Keyword() (Keyword, bool) {
	if v.kind != KindKeyword {
		return "", false
	}
	return Keyword(v.data), true
}

// Bytes returns a copy of the payload bytes.
func (v IndexedValue) Bytes() []byte {
	return []byte(v.data)
}

// String renders the value with its variant, e.g. "location:doc-1".
func (v IndexedValue) String() string {
	return v.kind.String() + ":" + v.data
}

func intBytes(i int64) string {
	var buf [intSize]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	return string(buf[:])
}

func bytesInt(s string) (int64, error) {
	if len(s) != intSize {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrNotAnInteger, len(s), intSize)
	}
	return int64(binary.BigEndian.Uint64([]byte(s))), nil
}
