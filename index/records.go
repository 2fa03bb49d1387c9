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


package index

import (
	"fmt"
	"slices"

	"github.com/poiesic/findex/codec"
	"github.com/poiesic/findex/core"
)

// entryRecord is the plaintext of an entry table record: the keyword it
// belongs to and the chain links holding its deltas, oldest first.
type entryRecord struct {
	keyword keywordHash
	links   []core.Token
}

func (r entryRecord) marshal() []byte {
	w := codec.NewWriter(len(r.keyword) + 2 + len(r.links)*core.TokenSize)
	w.Fixed(r.keyword[:])
	w.Uint(uint64(len(r.links)))
	for _, l := range r.links {
		w.Fixed(l[:])
	}
	return w.Result()
}

func unmarshalEntryRecord(data []byte) (entryRecord, error) {
	r := codec.NewReader(data)
	var rec entryRecord
	copy(rec.keyword[:], r.Fixed(len(rec.keyword)))
	n := r.Count(core.TokenSize)
	rec.links = make([]core.Token, 0, n)
	for i := 0; i < n; i++ {
		b := r.Fixed(core.TokenSize)
		if b == nil {
			break
		}
		rec.links = append(rec.links, core.Token(b))
	}
	if err := r.Finish(); err != nil {
		return entryRecord{}, err
	}
	return rec, nil
}

// withLink returns a copy of r with link appended.
func (r entryRecord) withLink(link core.Token) entryRecord {
	links := make([]core.Token, len(r.links), len(r.links)+1)
	copy(links, r.links)
	return entryRecord{keyword: r.keyword, links: append(links, link)}
}

// deltaOp is the effect of one chain delta on a keyword's value set.
type deltaOp uint8

const (
	opAdd deltaOp = iota + 1
	opDelete
)

func (o deltaOp) String() string {
	if o == opDelete {
		return "delete"
	}
	return "add"
}

// linkFlagMigrated marks links written by compaction.
const linkFlagMigrated = 1

type delta struct {
	op    deltaOp
	value core.IndexedValue
}

// linkRecord is the plaintext of a chain table record.
type linkRecord struct {
	flags  byte
	deltas []delta
}

func (l linkRecord) migrated() bool {
	return l.flags&linkFlagMigrated != 0
}

func (l linkRecord) marshal() []byte {
	size := 2
	for _, d := range l.deltas {
		size += 4 + len(d.value.Bytes())
	}
	w := codec.NewWriter(size)
	w.Byte(l.flags)
	w.Uint(uint64(len(l.deltas)))
	for _, d := range l.deltas {
		w.Byte(byte(d.op))
		w.Byte(byte(d.value.Kind()))
		w.Bytes(d.value.Bytes())
	}
	return w.Result()
}

func unmarshalLinkRecord(data []byte) (linkRecord, error) {
	r := codec.NewReader(data)
	l := linkRecord{flags: r.Byte()}
	n := r.Count(3)
	l.deltas = make([]delta, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		op := deltaOp(r.Byte())
		kind := core.ValueKind(r.Byte())
		payload := r.Bytes()
		if r.Err() != nil {
			break
		}
		if op != opAdd && op != opDelete {
			return linkRecord{}, fmt.Errorf("unknown delta op %d", op)
		}
		v, err := core.NewIndexedValue(kind, payload)
		if err != nil {
			return linkRecord{}, err
		}
		l.deltas = append(l.deltas, delta{op: op, value: v})
	}
	if err := r.Finish(); err != nil {
		return linkRecord{}, err
	}
	return l, nil
}

// newLink builds a link applying op to every value.
func newLink(op deltaOp, values []core.IndexedValue) linkRecord {
	deltas := make([]delta, len(values))
	for i, v := range values {
		deltas[i] = delta{op: op, value: v}
	}
	return linkRecord{deltas: deltas}
}

// valueSet is the folded state of a keyword.
type valueSet map[core.IndexedValue]struct{}

// apply folds the deltas of l into s in order.
func (s valueSet) apply(l linkRecord) {
	for _, d := range l.deltas {
		switch d.op {
		case opAdd:
			s[d.value] = struct{}{}
		case opDelete:
			delete(s, d.value)
		}
	}
}

// sorted lists the set with locations before keywords, bytewise within kind.
func (s valueSet) sorted() []core.IndexedValue {
	return sortedValues(s)
}

// lastOps maps every value a chain mentions to the last operation applied
// to it.
func lastOps(chain []linkRecord) map[core.IndexedValue]deltaOp {
	ops := make(map[core.IndexedValue]deltaOp)
	for _, l := range chain {
		for _, d := range l.deltas {
			ops[d.value] = d.op
		}
	}
	return ops
}

func sortedValues[V any](m map[core.IndexedValue]V) []core.IndexedValue {
	out := make([]core.IndexedValue, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, compareValues)
	return out
}

func compareValues(a, b core.IndexedValue) int {
	if a.Kind() != b.Kind() {
		return int(a.Kind()) - int(b.Kind())
	}
	return slices.Compare(a.Bytes(), b.Bytes())
}
