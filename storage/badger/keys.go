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


package badger

import (
	"fmt"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
)

const (
	entryPrefix      = "fdxent:"
	chainPrefix      = "fdxchn:"
	checkpointPrefix = "fdxckp:"
)

// tablePrefix returns the key prefix holding a table.
func tablePrefix(table storage.Table) ([]byte, error) {
	switch table {
	case storage.EntryTable:
		return []byte(entryPrefix), nil
	case storage.ChainTable:
		return []byte(chainPrefix), nil
	default:
		return nil, fmt.Errorf("%w: %s", storage.ErrInvalidTable, table)
	}
}

// makeTableKey generates the key of a token within a table.
// Format: prefix + 32 raw token bytes
func makeTableKey(prefix []byte, tok core.Token) []byte {
	buf := make([]byte, len(prefix)+core.TokenSize)
	offset := copy(buf, prefix)
	copy(buf[offset:], tok[:])
	return buf
}

// makeEntryKey generates a key for an entry record.
func makeEntryKey(tok core.Token) []byte {
	return makeTableKey([]byte(entryPrefix), tok)
}

// makeChainKey generates a key for a chain record.
func makeChainKey(tok core.Token) []byte {
	return makeTableKey([]byte(chainPrefix), tok)
}

// tokenFromKey strips the table prefix from a stored key.
func tokenFromKey(prefix, key []byte) (core.Token, error) {
	return core.TokenFromBytes(key[len(prefix):])
}

// makeCheckpointKey generates a key for compaction checkpoints.
func makeCheckpointKey(epochID string) []byte {
	return []byte(checkpointPrefix + epochID)
}
