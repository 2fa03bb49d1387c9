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
	"errors"
	"slices"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
)

// Add associates every value with each of its keywords. Returns the keywords
// that had no entry before the call, sorted.
func (ix *Index) Add(ctx context.Context, bindings map[core.IndexedValue][]core.Keyword) ([]core.Keyword, error) {
	return ix.upsert(ctx, opAdd, bindings)
}

// Delete removes every value from each of its keywords. Deleting a value that
// was never added is recorded and has no visible effect. Returns the keywords
// that had no entry before the call, sorted.
func (ix *Index) Delete(ctx context.Context, bindings map[core.IndexedValue][]core.Keyword) ([]core.Keyword, error) {
	return ix.upsert(ctx, opDelete, bindings)
}

func (ix *Index) upsert(ctx context.Context, op deltaOp, bindings map[core.IndexedValue][]core.Keyword) ([]core.Keyword, error) {
	values, err := collectDeltas(bindings)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return []core.Keyword{}, nil
	}
	if err := storage.Preflight(ix.backend, storage.OpFetchEntries, storage.OpInsertChains, storage.OpUpsertEntries); err != nil {
		return nil, err
	}

	keywords := make(map[core.Token]core.Keyword, len(values))
	for kw := range values {
		keywords[ix.entryToken(kw)] = kw
	}
	pending := core.NewTokensFromMap(keywords)

	current, err := ix.fetchEntries(ctx, pending)
	if err != nil {
		return nil, err
	}
	created := make([]core.Keyword, 0)
	for tok, kw := range keywords {
		if _, ok := current[tok]; !ok {
			created = append(created, kw)
		}
	}
	slices.Sort(created)

	// One fresh link per keyword, written before any entry points at it.
	links := make(map[core.Token][]byte, len(keywords))
	linkOf := make(map[core.Token]core.Token, len(keywords))
	for tok, kw := range keywords {
		linkTok, err := ix.epoch.newChainToken(hashKeyword(kw))
		if err != nil {
			return nil, err
		}
		sealed, err := seal(ix.epoch.chainSeal, linkTok, newLink(op, values[kw]).marshal())
		if err != nil {
			return nil, err
		}
		links[linkTok] = sealed
		linkOf[tok] = linkTok
	}
	if err := ix.insertChains(ctx, links); err != nil {
		return nil, err
	}

	err = retryWithBackoff(ctx, ix.logger, ix.maxUpsertRetries, ix.retryBackoff, ErrConcurrentModificationExceeded,
		func(attempt int) (bool, error) {
			if attempt > 1 {
				current, err = ix.fetchEntries(ctx, pending)
				if err != nil {
					return false, err
				}
			}

			expected := make(map[core.Token][]byte, len(pending))
			updated := make(map[core.Token][]byte, len(pending))
			for tok := range pending {
				rec := entryRecord{keyword: hashKeyword(keywords[tok])}
				if raw, ok := current[tok]; ok {
					if rec, err = openEntry(ix.epoch, tok, raw); err != nil {
						return false, err
					}
					expected[tok] = raw
				}
				sealed, err := sealEntry(ix.epoch, tok, rec.withLink(linkOf[tok]))
				if err != nil {
					return false, err
				}
				updated[tok] = sealed
			}

			failed, err := ix.upsertEntries(ctx, expected, updated)
			if err != nil {
				return false, err
			}
			if len(failed) > 0 {
				ix.logger.Debug("entry compare-and-swap conflict", "attempt", attempt, "conflicts", len(failed))
			}
			pending = failed
			return len(failed) == 0, nil
		})
	if err != nil {
		ix.logger.Warn("upsert failed", "keywords", len(keywords), "pending", len(pending), "err", err)
		if errors.Is(err, ErrConcurrentModificationExceeded) {
			ix.dropLinks(ctx, pending, linkOf)
		}
		return nil, err
	}

	ix.logger.Debug("upsert completed", "op", op.String(), "keywords", len(keywords), "created", len(created))
	return created, nil
}

// dropLinks deletes the links of entries whose update never landed. Links
// left behind on other failures are collected by the next full compaction.
func (ix *Index) dropLinks(ctx context.Context, entries core.Tokens, linkOf map[core.Token]core.Token) {
	links := core.NewTokens()
	for tok := range entries {
		links.Add(linkOf[tok])
	}
	if err := ix.deleteTokens(ctx, storage.ChainTable, links); err != nil {
		ix.logger.Debug("failed to drop unreferenced links", "count", len(links), "err", err)
	}
}

// collectDeltas validates bindings and groups values per keyword, deduplicated
// and sorted.
func collectDeltas(bindings map[core.IndexedValue][]core.Keyword) (map[core.Keyword][]core.IndexedValue, error) {
	sets := make(map[core.Keyword]valueSet)
	for v, kws := range bindings {
		if err := core.ValidateIndexedValue(v); err != nil {
			return nil, err
		}
		for _, kw := range kws {
			if err := core.ValidateKeyword(kw); err != nil {
				return nil, err
			}
			set, ok := sets[kw]
			if !ok {
				set = make(valueSet)
				sets[kw] = set
			}
			set[v] = struct{}{}
		}
	}
	values := make(map[core.Keyword][]core.IndexedValue, len(sets))
	for kw, set := range sets {
		values[kw] = set.sorted()
	}
	return values, nil
}
