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
	"context"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/findex/storage"
)

// CheckpointRepository implements storage.CheckpointRepository for BadgerDB.
type CheckpointRepository struct {
	backend *Backend
}

var _ storage.CheckpointRepository = (*CheckpointRepository)(nil)

// NewCheckpointRepository creates a new CheckpointRepository.
func NewCheckpointRepository(backend *Backend) *CheckpointRepository {
	return &CheckpointRepository{
		backend: backend,
	}
}

// SaveCheckpoint persists the compaction checkpoint of an epoch.
func (r *CheckpointRepository) SaveCheckpoint(ctx context.Context, checkpoint *storage.Checkpoint) error {
	return r.backend.withUpdate(ctx, func(tx *badger.Txn) error {
		checkpoint.UpdatedAt = time.Now().UTC()
		return tx.Set(makeCheckpointKey(checkpoint.EpochID), storage.MarshalCheckpoint(checkpoint))
	})
}

// LoadCheckpoint retrieves the compaction checkpoint of an epoch.
// Returns nil, nil if no checkpoint exists.
func (r *CheckpointRepository) LoadCheckpoint(ctx context.Context, epochID string) (*storage.Checkpoint, error) {
	var checkpoint *storage.Checkpoint
	err := r.backend.WithTx(func(tx *badger.Txn) error {
		value, found, err := get(tx, makeCheckpointKey(epochID))
		if err != nil || !found {
			return err
		}
		checkpoint, err = storage.UnmarshalCheckpoint(value)
		return err
	}, false)

	return checkpoint, err
}
