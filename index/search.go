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
	"maps"
	"slices"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
)

// Interrupt is called after each search round with the values resolved in
// that round. Returning true stops the traversal.
type Interrupt func(ctx context.Context, round map[core.Keyword][]core.IndexedValue) (stop bool, err error)

type searchConfig struct {
	interrupt Interrupt
	monitor   SearchMonitor
}

// SearchOption configures a single search.
type SearchOption func(*searchConfig)

// WithInterrupt sets the predicate consulted between rounds.
func WithInterrupt(fn Interrupt) SearchOption {
	return func(c *searchConfig) {
		c.interrupt = fn
	}
}

// WithSearchMonitor overrides the index monitor for one search.
func WithSearchMonitor(monitor SearchMonitor) SearchOption {
	return func(c *searchConfig) {
		if monitor != nil {
			c.monitor = monitor
		}
	}
}

// Search returns the locations reachable from each requested keyword,
// following keyword values breadth first. Keywords without locations are
// absent from the result.
func (ix *Index) Search(ctx context.Context, keywords []core.Keyword, opts ...SearchOption) (map[core.Keyword][]core.Location, error) {
	cfg := searchConfig{monitor: ix.monitor}
	for _, opt := range opts {
		opt(&cfg)
	}

	for _, kw := range keywords {
		if err := core.ValidateKeyword(kw); err != nil {
			return nil, err
		}
	}
	if len(keywords) == 0 {
		return map[core.Keyword][]core.Location{}, nil
	}
	if err := storage.Preflight(ix.backend, storage.OpFetchEntries, storage.OpFetchChains); err != nil {
		return nil, err
	}

	cfg.monitor.Start(keywords)

	graph := make(map[core.Keyword][]core.IndexedValue)
	frontier := uniqueKeywords(keywords)
	for round := 1; len(frontier) > 0; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if round > ix.maxSearchDepth {
			ix.logger.Warn("search depth limit reached", "rounds", ix.maxSearchDepth, "pending", len(frontier))
			cfg.monitor.DepthLimitReached(round-1, len(frontier))
			break
		}

		resolved, err := ix.resolve(ctx, round, frontier, cfg.monitor)
		if err != nil {
			return nil, err
		}
		for _, kw := range frontier {
			graph[kw] = resolved[kw]
		}
		cfg.monitor.RoundCompleted(round, resolved)

		frontier = frontier[:0:0]
		seen := make(map[core.Keyword]struct{})
		for _, kw := range slices.Sorted(maps.Keys(resolved)) {
			for _, v := range resolved[kw] {
				next, ok := v.Keyword()
				if !ok {
					continue
				}
				if _, done := graph[next]; done {
					continue
				}
				if _, dup := seen[next]; dup {
					continue
				}
				seen[next] = struct{}{}
				frontier = append(frontier, next)
			}
		}

		if cfg.interrupt != nil {
			stop, err := cfg.interrupt(ctx, resolved)
			if err != nil {
				return nil, err
			}
			if stop {
				ix.logger.Debug("search interrupted", "round", round, "pending", len(frontier))
				cfg.monitor.Interrupted(round)
				break
			}
		}
	}

	results := attribute(keywords, graph)
	cfg.monitor.Finish(results)
	return results, nil
}

// resolve runs one round: fetch and open the entries of keywords, fetch the
// union of their links and fold each keyword's links in order.
func (ix *Index) resolve(ctx context.Context, round int, keywords []core.Keyword, monitor SearchMonitor) (map[core.Keyword][]core.IndexedValue, error) {
	byToken := make(map[core.Token]core.Keyword, len(keywords))
	for _, kw := range keywords {
		byToken[ix.entryToken(kw)] = kw
	}

	entries, err := ix.fetchEntries(ctx, core.NewTokensFromMap(byToken))
	if err != nil {
		return nil, err
	}
	monitor.EntriesFetched(round, len(byToken), len(entries))

	records := make(map[core.Keyword]entryRecord, len(entries))
	linkTokens := core.NewTokens()
	for tok, raw := range entries {
		kw, ok := byToken[tok]
		if !ok {
			continue
		}
		rec, err := openEntry(ix.epoch, tok, raw)
		if err != nil {
			return nil, err
		}
		records[kw] = rec
		for _, l := range rec.links {
			linkTokens.Add(l)
		}
	}

	links, err := ix.fetchLinks(ctx, linkTokens)
	if err != nil {
		return nil, err
	}
	monitor.ChainsFetched(round, len(links))

	resolved := make(map[core.Keyword][]core.IndexedValue, len(records))
	for kw, rec := range records {
		chain, missing, err := ix.readLinks(ix.epoch, rec, links)
		if err != nil {
			return nil, err
		}
		if missing > 0 {
			ix.logger.Debug("chain links missing", "entry", ix.entryToken(kw).String(), "missing", missing)
		}
		resolved[kw] = fold(chain).sorted()
	}
	return resolved, nil
}

// attribute collects, for every requested keyword, the locations reachable
// through graph.
func attribute(requested []core.Keyword, graph map[core.Keyword][]core.IndexedValue) map[core.Keyword][]core.Location {
	results := make(map[core.Keyword][]core.Location, len(requested))
	for _, origin := range requested {
		if _, done := results[origin]; done {
			continue
		}
		found := make(map[core.Location]struct{})
		visited := map[core.Keyword]struct{}{origin: {}}
		stack := []core.Keyword{origin}
		for len(stack) > 0 {
			kw := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, v := range graph[kw] {
				if loc, ok := v.Location(); ok {
					found[loc] = struct{}{}
					continue
				}
				next, _ := v.Keyword()
				if _, ok := visited[next]; !ok {
					visited[next] = struct{}{}
					stack = append(stack, next)
				}
			}
		}
		if len(found) == 0 {
			continue
		}
		results[origin] = slices.Sorted(maps.Keys(found))
	}
	return results
}

func uniqueKeywords(keywords []core.Keyword) []core.Keyword {
	out := slices.Clone(keywords)
	slices.Sort(out)
	return slices.Compact(out)
}
