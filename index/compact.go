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
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
)

// LocationFilter decides whether a location survives compaction.
type LocationFilter func(ctx context.Context, loc core.Location) (keep bool, err error)

type compactConfig struct {
	filter    LocationFilter
	batchSize int
	progress  io.Writer
}

// CompactOption configures a single compaction pass.
type CompactOption func(*compactConfig)

// WithLocationFilter drops every location for which filter returns false.
func WithLocationFilter(filter LocationFilter) CompactOption {
	return func(c *compactConfig) {
		c.filter = filter
	}
}

// WithCompactBatchSize sets how many entries are read and migrated together.
func WithCompactBatchSize(n int) CompactOption {
	return func(c *compactConfig) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithProgress reports migration progress to w.
func WithProgress(w io.Writer) CompactOption {
	return func(c *compactConfig) {
		c.progress = w
	}
}

// CompactReport describes one compaction pass.
type CompactReport struct {
	// EpochID identifies the target key and label.
	EpochID string
	// FullSweep is set when the pass took every remaining old entry.
	FullSweep bool
	// Pass counts the partial passes run since the old epoch was last
	// emptied, this one included. Zero once a full sweep leaves nothing behind.
	Pass int
	// OldEntries is the number of old-epoch entries found at the start.
	OldEntries int
	// Migrated counts keywords rewritten and retired from the old epoch.
	Migrated int
	// Deferred counts keywords rewritten but kept in the old epoch because
	// they kept changing during the pass.
	Deferred int
	// Dropped counts locations removed by the filter.
	Dropped int
	// OrphansRemoved counts unreferenced old-epoch links deleted.
	OrphansRemoved int
	// Remaining is the number of old-epoch entries left after the pass.
	Remaining int
	Failures  []CompactionFailure
	Elapsed   time.Duration
}

type migration struct {
	retired bool
	dropped int
}

// Compact rewrites part of the index under newKey and newLabel and retires
// the rewritten old-epoch records. Each call toward the same target takes a
// larger share of what is left; the n-th call takes everything, so the old
// epoch is gone after at most n calls. A full sweep that leaves keywords
// behind, failed or deferred, is followed by further full sweeps until one
// empties the old epoch.
//
// The receiver keeps its epoch. Open a new Index with newKey and newLabel to
// use the rewritten records; until the full sweep, keywords may live in
// either epoch.
func (ix *Index) Compact(ctx context.Context, newKey core.Key, newLabel core.Label, n int, opts ...CompactOption) (*CompactReport, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidReindexingCount, n)
	}
	cfg := compactConfig{batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	target, err := newEpoch(newKey, newLabel)
	if err != nil {
		return nil, err
	}
	if target.id == ix.epoch.id {
		return nil, ErrSameEpoch
	}
	if err := storage.Preflight(ix.backend,
		storage.OpDumpEntries, storage.OpDumpChains,
		storage.OpFetchEntries, storage.OpFetchChains,
		storage.OpUpsertEntries, storage.OpInsertChains,
		storage.OpDeleteEntries, storage.OpDeleteChains,
	); err != nil {
		return nil, err
	}

	start := time.Now()
	report := &CompactReport{EpochID: target.id}

	old, err := ix.oldEntries(ctx, cfg.batchSize)
	if err != nil {
		return nil, err
	}
	report.OldEntries = len(old)

	checkpoint, err := ix.checkpoints.LoadCheckpoint(ctx, target.id)
	if err != nil {
		return nil, fmt.Errorf("load compaction checkpoint: %w", err)
	}
	if checkpoint == nil {
		checkpoint = &storage.Checkpoint{EpochID: target.id}
	}

	// A full sweep keeps the counter at its cap until nothing is left, so
	// every call after the n-th is a full sweep too.
	selected := old
	if checkpoint.Passes+1 >= n {
		report.FullSweep = true
	} else {
		share := (len(old) + n - checkpoint.Passes - 1) / (n - checkpoint.Passes)
		selected = old[:share]
		checkpoint.Passes++
	}
	report.Pass = checkpoint.Passes
	if err := ix.checkpoints.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("save compaction checkpoint: %w", err)
	}

	ix.logger.Info("compaction started",
		"epoch", target.id,
		"oldEntries", len(old),
		"selected", len(selected),
		"fullSweep", report.FullSweep,
		"pass", report.Pass)

	if err := ix.migrateAll(ctx, target, selected, cfg, report); err != nil {
		return nil, err
	}

	if report.FullSweep {
		removed, err := ix.removeOrphanLinks(ctx, cfg.batchSize)
		if err != nil {
			return nil, err
		}
		report.OrphansRemoved = removed
	}

	report.Remaining = len(old) - report.Migrated
	if report.FullSweep && report.Remaining == 0 {
		checkpoint.Passes = 0
		report.Pass = 0
		if err := ix.checkpoints.SaveCheckpoint(ctx, checkpoint); err != nil {
			return nil, fmt.Errorf("save compaction checkpoint: %w", err)
		}
	}
	report.Elapsed = time.Since(start)

	ix.logger.Info("compaction finished",
		"epoch", target.id,
		"migrated", report.Migrated,
		"deferred", report.Deferred,
		"failed", len(report.Failures),
		"dropped", report.Dropped,
		"orphansRemoved", report.OrphansRemoved,
		"remaining", report.Remaining,
		"elapsed", report.Elapsed)

	if len(report.Failures) > 0 {
		return report, &CompactionError{Failures: report.Failures}
	}
	return report, nil
}

// oldEntries lists, in token order, the entries sealed under the receiver's
// epoch. Records of other epochs are skipped.
func (ix *Index) oldEntries(ctx context.Context, batchSize int) ([]core.Token, error) {
	all, err := ix.dumpTokens(ctx, storage.EntryTable)
	if err != nil {
		return nil, err
	}

	var old []core.Token
	it := newRecordIterator(ix.fetchEntries, batchSize)
	err = it.ForEach(ctx, all.Sorted(), func(records map[core.Token][]byte) error {
		for tok, raw := range records {
			if _, err := openEntry(ix.epoch, tok, raw); err != nil {
				continue
			}
			old = append(old, tok)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(old, core.Token.Compare)
	return old, nil
}

// migrateAll migrates selected entries batch by batch on a worker pool.
func (ix *Index) migrateAll(ctx context.Context, target *epoch, selected []core.Token, cfg compactConfig, report *CompactReport) error {
	if len(selected) == 0 {
		return nil
	}

	pool, err := ants.NewPool(ix.poolSize)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	var progress *compactProgress
	if cfg.progress != nil {
		progress = newCompactProgress(cfg.progress, len(selected), len(selected)/20)
		defer progress.finish()
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	record := func(tok core.Token, m migration, err error) {
		mu.Lock()
		defer mu.Unlock()
		var o outcome
		switch {
		case err != nil:
			ix.logger.Warn("keyword migration failed", "entry", tok.String(), "err", err)
			report.Failures = append(report.Failures, CompactionFailure{EntryToken: tok, Err: err})
			o = outcomeFailed
		case m.retired:
			report.Migrated++
			o = outcomeMigrated
		default:
			report.Deferred++
			o = outcomeDeferred
		}
		report.Dropped += m.dropped
		if progress != nil {
			progress.record(o, m.dropped)
		}
	}

	for start := 0; start < len(selected); start += cfg.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := selected[start:min(start+cfg.batchSize, len(selected))]
		for _, tok := range batch {
			wg.Add(1)
			err := pool.Submit(func() {
				defer wg.Done()
				m, err := ix.migrate(ctx, target, tok, cfg.filter)
				record(tok, m, err)
			})
			if err != nil {
				wg.Done()
				record(tok, migration{}, fmt.Errorf("failed to submit migration: %w", err))
			}
		}
		wg.Wait()
	}

	slices.SortFunc(report.Failures, func(a, b CompactionFailure) int {
		return a.EntryToken.Compare(b.EntryToken)
	})
	return nil
}

// migrate rewrites one keyword into target and retires its old records when
// the old entry did not change meanwhile. A changed entry is migrated again,
// up to the upsert retry budget.
func (ix *Index) migrate(ctx context.Context, target *epoch, oldTok core.Token, filter LocationFilter) (migration, error) {
	var m migration
	for attempt := 1; ; attempt++ {
		entries, err := ix.fetchEntries(ctx, core.NewTokens(oldTok))
		if err != nil {
			return m, err
		}
		raw, ok := entries[oldTok]
		if !ok {
			// Retired by a concurrent compaction.
			m.retired = true
			return m, nil
		}
		rec, err := openEntry(ix.epoch, oldTok, raw)
		if err != nil {
			return m, err
		}
		links, err := ix.fetchLinks(ctx, core.NewTokens(rec.links...))
		if err != nil {
			return m, err
		}
		chain, _, err := ix.readLinks(ix.epoch, rec, links)
		if err != nil {
			return m, err
		}

		ops := lastOps(chain)
		dropped, err := applyFilter(ctx, ops, filter)
		if err != nil {
			return m, err
		}
		m.dropped = dropped

		if err := ix.mergeInto(ctx, target, rec.keyword, ops); err != nil {
			return m, err
		}

		current, err := ix.fetchEntries(ctx, core.NewTokens(oldTok))
		if err != nil {
			return m, err
		}
		if unchanged(current, oldTok, raw) {
			if err := ix.deleteTokens(ctx, storage.EntryTable, core.NewTokens(oldTok)); err != nil {
				return m, err
			}
			if err := ix.deleteTokens(ctx, storage.ChainTable, core.NewTokens(rec.links...)); err != nil {
				return m, err
			}
			m.retired = true
			return m, nil
		}
		if attempt >= ix.maxUpsertRetries {
			ix.logger.Debug("old entry changed during migration", "entry", oldTok.String(), "attempts", attempt)
			return m, nil
		}
	}
}

// applyFilter turns the additions of locations rejected by filter into
// deletions and returns how many were turned. Keyword values are kept.
func applyFilter(ctx context.Context, ops map[core.IndexedValue]deltaOp, filter LocationFilter) (int, error) {
	if filter == nil {
		return 0, nil
	}
	dropped := 0
	for _, v := range sortedValues(ops) {
		loc, ok := v.Location()
		if !ok || ops[v] != opAdd {
			continue
		}
		keep, err := filter(ctx, loc)
		if err != nil {
			return 0, fmt.Errorf("location filter: %w", err)
		}
		if !keep {
			ops[v] = opDelete
			dropped++
		}
	}
	return dropped, nil
}

// mergeInto replays the last operation of every value of an old-epoch
// chain onto the migrated state of the keyword in target. An old entry
// holds either the full history of the keyword or, once retired and
// recreated by a later add, only what changed since; replaying operations
// is correct for both, while the migrated state keeps what earlier passes
// brought over. Only operations that change the migrated state are written.
func (ix *Index) mergeInto(ctx context.Context, target *epoch, kh keywordHash, ops map[core.IndexedValue]deltaOp) error {
	tok := target.entryToken(kh)
	values := sortedValues(ops)
	return retryWithBackoff(ctx, ix.logger, ix.maxUpsertRetries, ix.retryBackoff, ErrConcurrentModificationExceeded,
		func(attempt int) (bool, error) {
			entries, err := ix.fetchEntries(ctx, core.NewTokens(tok))
			if err != nil {
				return false, err
			}

			rec := entryRecord{keyword: kh}
			expected := make(map[core.Token][]byte, 1)
			migrated := make(valueSet)
			raw, exists := entries[tok]
			if exists {
				if rec, err = openEntry(target, tok, raw); err != nil {
					return false, err
				}
				expected[tok] = raw
				links, err := ix.fetchLinks(ctx, core.NewTokens(rec.links...))
				if err != nil {
					return false, err
				}
				chain, _, err := ix.readLinks(target, rec, links)
				if err != nil {
					return false, err
				}
				for _, l := range chain {
					if l.migrated() {
						migrated.apply(l)
					}
				}
			}

			link := linkRecord{flags: linkFlagMigrated}
			for _, v := range values {
				_, present := migrated[v]
				if op := ops[v]; (op == opAdd) != present {
					link.deltas = append(link.deltas, delta{op: op, value: v})
				}
			}
			if len(link.deltas) == 0 {
				return true, nil
			}

			linkTok, err := target.newChainToken(kh)
			if err != nil {
				return false, err
			}
			sealedLink, err := seal(target.chainSeal, linkTok, link.marshal())
			if err != nil {
				return false, err
			}
			if err := ix.insertChains(ctx, map[core.Token][]byte{linkTok: sealedLink}); err != nil {
				return false, err
			}
			sealed, err := sealEntry(target, tok, rec.withLink(linkTok))
			if err != nil {
				return false, err
			}
			failed, err := ix.upsertEntries(ctx, expected, map[core.Token][]byte{tok: sealed})
			if err != nil {
				return false, err
			}
			if len(failed) == 0 {
				return true, nil
			}
			// Nothing references the link; drop it before retrying.
			if err := ix.deleteTokens(ctx, storage.ChainTable, core.NewTokens(linkTok)); err != nil {
				return false, err
			}
			return false, nil
		})
}

// removeOrphanLinks deletes links that open under the receiver's epoch and
// that no remaining entry of the epoch references. Such links are left
// behind by adds that failed after inserting their links.
//
// A link inserted by an add still in flight against this epoch is
// indistinguishable from an orphan, so full sweeps are expected to run
// once writers moved to the new epoch.
func (ix *Index) removeOrphanLinks(ctx context.Context, batchSize int) (int, error) {
	chains, err := ix.dumpTokens(ctx, storage.ChainTable)
	if err != nil {
		return 0, err
	}
	if len(chains) == 0 {
		return 0, nil
	}

	candidates := core.NewTokens()
	it := newRecordIterator(ix.fetchLinks, batchSize)
	err = it.ForEach(ctx, chains.Sorted(), func(records map[core.Token][]byte) error {
		for tok, raw := range records {
			if _, err := openLink(ix.epoch, tok, raw); err == nil {
				candidates.Add(tok)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	// Referenced links are read after the candidates so links appended
	// meanwhile by a successful add are kept.
	live, err := ix.oldEntries(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	entries := newRecordIterator(ix.fetchEntries, batchSize)
	err = entries.ForEach(ctx, live, func(records map[core.Token][]byte) error {
		for tok, raw := range records {
			rec, err := openEntry(ix.epoch, tok, raw)
			if err != nil {
				if errors.Is(err, ErrDecryption) {
					continue
				}
				return err
			}
			for _, l := range rec.links {
				delete(candidates, l)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := ix.deleteTokens(ctx, storage.ChainTable, candidates); err != nil {
		return 0, err
	}
	if len(candidates) > 0 {
		ix.logger.Info("removed orphan chain links", "count", len(candidates))
	}
	return len(candidates), nil
}
