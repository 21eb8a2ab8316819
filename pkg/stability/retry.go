/*
 * Copyright 2026 Axialworks, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package stability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/axialworks/fanfleet/pkg/logger"
)

// ErrRetriesExhausted wraps the final error after the retry budget is
// spent. Callers surface it; the peer is never torn down because of it.
var ErrRetriesExhausted = fmt.Errorf("retries exhausted")

// Retrier wraps network operations with a fixed backoff schedule. A
// three-entry schedule means one initial attempt plus three retries.
type Retrier struct {
	schedule []time.Duration
	logger   logger.Logger
}

// NewRetrier creates a retrier. A nil or empty schedule falls back to
// the 1s/2s/5s default ladder.
func NewRetrier(schedule []time.Duration, log logger.Logger) *Retrier {
	if len(schedule) == 0 {
		schedule = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}
	}

	return &Retrier{schedule: schedule, logger: log}
}

// Attempts returns the total number of attempts the retrier will make.
func (r *Retrier) Attempts() int { return len(r.schedule) + 1 }

// Do runs op, retrying transient failures on the backoff schedule.
// Context cancellation stops retrying immediately and is returned as-is.
func (r *Retrier) Do(ctx context.Context, desc string, op func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}

		if attempt >= len(r.schedule) {
			break
		}

		delay := r.schedule[attempt]

		r.logger.Warn().
			Err(lastErr).
			Str("op", desc).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("Transient network failure, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %s: %w", ErrRetriesExhausted, desc, lastErr)
}
