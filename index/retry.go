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
	"log/slog"
	"time"
)

// retryWithBackoff runs operation until it reports done, returns an error, or
// maxAttempts is reached. Delay doubles after every unfinished attempt.
// Returns errExhausted when attempts run out.
func retryWithBackoff(
	ctx context.Context,
	logger *slog.Logger,
	maxAttempts int,
	baseDelay time.Duration,
	errExhausted error,
	operation func(attempt int) (done bool, err error),
) error {
	if maxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := operation(attempt)
		if err != nil {
			return err
		}
		if done {
			if attempt > 1 {
				logger.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}

		logger.Debug("operation incomplete, will retry", "attempt", attempt, "maxAttempts", maxAttempts)

		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	return errExhausted
}
