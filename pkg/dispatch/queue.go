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

// Package dispatch drains the outbound command queue and sends command
// datagrams to addressed nodes (the MOSI direction).
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/axialworks/fanfleet/pkg/models"
	"github.com/axialworks/fanfleet/pkg/stability"
)

var (
	// ErrQueueFull is returned to producers when the bounded queue has
	// no room; the caller decides whether to retry or drop.
	ErrQueueFull = fmt.Errorf("command queue full")
	// ErrQueueEmpty is returned by PopWait when no command arrived
	// within the wait bound. It is the dispatcher's scheduling tick.
	ErrQueueEmpty = fmt.Errorf("command queue empty")
)

const defaultCapacity = 256

// Queue is the bounded FIFO of pending commands shared between the
// enqueueing API surface and the dispatch loop. Commands to the same
// destination keep submission order; there is no cross-destination
// ordering.
type Queue struct {
	guard    *stability.Guard
	capacity int

	// Guarded state.
	items []*models.PendingCommand

	// notify wakes a waiting consumer; capacity 1 is enough because the
	// consumer re-checks the queue after every wake.
	notify chan struct{}
}

// NewQueue creates a queue holding at most capacity commands.
func NewQueue(capacity int, lockTimeout time.Duration) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}

	return &Queue{
		guard:    stability.NewGuard("command-queue", lockTimeout),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Guard exposes the queue's guard for deadlock-detector registration.
func (q *Queue) Guard() *stability.Guard { return q.guard }

// Enqueue appends a command. The enqueue timestamp is stamped here if
// the caller left it zero.
func (q *Queue) Enqueue(ctx context.Context, cmd *models.PendingCommand) error {
	release, err := q.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return err
	}

	if len(q.items) >= q.capacity {
		release()
		return ErrQueueFull
	}

	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now()
	}

	q.items = append(q.items, cmd)
	release()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return nil
}

// PopWait removes the oldest command, waiting up to wait for one to
// arrive. All blocking is timeout-bounded.
func (q *Queue) PopWait(ctx context.Context, wait time.Duration) (*models.PendingCommand, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		cmd, ok, err := q.tryPop(ctx)
		if err != nil {
			return nil, err
		}

		if ok {
			return cmd, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrQueueEmpty
		case <-q.notify:
		}
	}
}

// Len reports the number of queued commands.
func (q *Queue) Len(ctx context.Context) (int, error) {
	release, err := q.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return 0, err
	}
	defer release()

	return len(q.items), nil
}

func (q *Queue) tryPop(ctx context.Context) (*models.PendingCommand, bool, error) {
	release, err := q.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return nil, false, err
	}
	defer release()

	if len(q.items) == 0 {
		return nil, false, nil
	}

	cmd := q.items[0]
	q.items = q.items[1:]

	return cmd, true, nil
}
