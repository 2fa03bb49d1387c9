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
	"context"

	"github.com/poiesic/findex/core"
)

// DefaultBatchSize is the default number of records fetched per batch while
// scanning a table.
const DefaultBatchSize = 100

type fetchFunc func(ctx context.Context, tokens core.Tokens) (map[core.Token][]byte, error)

// recordIterator fetches the records of a token list in batches.
type recordIterator struct {
	fetch     fetchFunc
	batchSize int
}

func newRecordIterator(fetch fetchFunc, batchSize int) *recordIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &recordIterator{fetch: fetch, batchSize: batchSize}
}

// ForEach fetches tokens batch by batch and calls fn with the records found.
// Iteration stops on the first error. Context cancellation is checked
// between batches.
func (it *recordIterator) ForEach(ctx context.Context, tokens []core.Token, fn func(map[core.Token][]byte) error) error {
	for start := 0; start < len(tokens); start += it.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := core.NewTokens(tokens[start:min(start+it.batchSize, len(tokens))]...)
		records, err := it.fetch(ctx, batch)
		if err != nil {
			return err
		}
		if err := fn(records); err != nil {
			return err
		}
	}
	return nil
}
