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


package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/poiesic/findex/codec"
)

// Checkpoint records how many partial compaction passes have run toward a
// target epoch since its last full sweep.
type Checkpoint struct {
	EpochID   string
	Passes    int
	UpdatedAt time.Time
}

// CheckpointRepository persists compaction checkpoints.
type CheckpointRepository interface {
	// SaveCheckpoint persists a checkpoint, replacing any previous one for
	// the same epoch.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint retrieves the checkpoint for an epoch.
	// Returns nil, nil if no checkpoint exists.
	LoadCheckpoint(ctx context.Context, epochID string) (*Checkpoint, error)
}

// MemoryCheckpoints keeps checkpoints in process memory.
type MemoryCheckpoints struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
}

var _ CheckpointRepository = (*MemoryCheckpoints)(nil)

// NewMemoryCheckpoints creates an empty in-memory repository.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{checkpoints: make(map[string]Checkpoint)}
}

// SaveCheckpoint stores a copy of checkpoint.
func (m *MemoryCheckpoints) SaveCheckpoint(_ context.Context, checkpoint *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	checkpoint.UpdatedAt = time.Now().UTC()
	m.checkpoints[checkpoint.EpochID] = *checkpoint
	return nil
}

// LoadCheckpoint returns a copy of the stored checkpoint.
func (m *MemoryCheckpoints) LoadCheckpoint(_ context.Context, epochID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkpoints[epochID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// MarshalCheckpoint serializes a Checkpoint to bytes.
func MarshalCheckpoint(checkpoint *Checkpoint) []byte {
	w := codec.NewWriter(len(checkpoint.EpochID) + 16)
	w.String(checkpoint.EpochID)
	w.Uint(uint64(checkpoint.Passes))
	w.Uint(uint64(checkpoint.UpdatedAt.UnixMicro()))
	return w.Result()
}

// UnmarshalCheckpoint deserializes a Checkpoint from bytes.
func UnmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	r := codec.NewReader(data)
	c := &Checkpoint{
		EpochID: r.String(),
		Passes:  int(r.Uint()),
	}
	micros := r.Uint()
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	c.UpdatedAt = time.UnixMicro(int64(micros)).UTC()
	return c, nil
}
