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
	"errors"
	"fmt"
	"strings"

	"github.com/poiesic/findex/core"
	"github.com/poiesic/findex/storage"
)

var (
	// ErrBackendRequired indicates New was called without a backend.
	ErrBackendRequired = errors.New("backend required")

	// ErrConcurrentModificationExceeded indicates the compare-and-swap retry
	// budget of an add or delete ran out.
	ErrConcurrentModificationExceeded = errors.New("concurrent modification retries exceeded")

	// ErrDecryption indicates a fetched record does not open under the
	// current key and label.
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidReindexingCount indicates a compaction pass bound below one.
	ErrInvalidReindexingCount = errors.New("num reindexing before full set must be at least 1")

	// ErrSameEpoch indicates a compaction toward the epoch already in use.
	ErrSameEpoch = errors.New("new key and label must differ from the current ones")

	// ErrInvalidMaxAttempts indicates an invalid retry configuration.
	ErrInvalidMaxAttempts = errors.New("max attempts must be greater than 0")
)

// DecryptionError reports a record that failed to open.
type DecryptionError struct {
	Table storage.Table
	Token core.Token
	Err   error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("%s record %s: %v: %v", e.Table, e.Token, ErrDecryption, e.Err)
}

func (e *DecryptionError) Unwrap() []error {
	return []error{ErrDecryption, e.Err}
}

// CompactionFailure is a keyword whose migration failed. Its old-epoch
// records are left intact.
type CompactionFailure struct {
	EntryToken core.Token
	Err        error
}

// CompactionError collects per-keyword failures of a compaction pass.
type CompactionError struct {
	Failures []CompactionFailure
}

func (e *CompactionError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "compaction failed for %d keyword(s)", len(e.Failures))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&sb, "; ...")
			break
		}
		fmt.Fprintf(&sb, "; %s: %v", f.EntryToken, f.Err)
	}
	return sb.String()
}

func (e *CompactionError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
