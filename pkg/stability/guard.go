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

// Package stability provides the cross-cutting concurrency-safety
// facilities: bounded lock acquisition, wait-graph deadlock detection,
// adaptive socket timeouts and retry-with-backoff.
package stability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a guard cannot be acquired within its
// configured bound. The attempted operation should be abandoned for the
// current cycle and retried on the next.
var ErrLockTimeout = fmt.Errorf("lock acquisition timed out")

const defaultLockTimeout = 5 * time.Second

// Guard is a named mutex that must be acquired with a timeout. Every
// mutable structure shared between the worker loops sits behind one.
type Guard struct {
	name    string
	timeout time.Duration
	sem     chan struct{}

	// mu protects the bookkeeping below, never the guarded structure.
	mu         sync.Mutex
	holder     string
	gen        uint64
	acquiredAt time.Time
	waiters    map[string]time.Time
}

// NewGuard creates a guard with the given acquisition timeout. A zero or
// negative timeout falls back to the 5s default.
func NewGuard(name string, timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}

	return &Guard{
		name:    name,
		timeout: timeout,
		sem:     make(chan struct{}, 1),
		waiters: make(map[string]time.Time),
	}
}

// Name returns the guard's registered name.
func (g *Guard) Name() string { return g.name }

// Acquire blocks until the guard is held, the timeout lapses, or ctx is
// canceled. On success it returns a release func. Acquisition failures
// are recoverable: callers skip the cycle and try again later.
func (g *Guard) Acquire(ctx context.Context, owner string) (release func(), err error) {
	g.mu.Lock()
	g.waiters[owner] = time.Now()
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.waiters, owner)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case g.sem <- struct{}{}:
		g.mu.Lock()
		g.gen++
		gen := g.gen
		g.holder = owner
		g.acquiredAt = time.Now()
		g.mu.Unlock()

		return func() { g.release(gen) }, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %q waiting for %q", ErrLockTimeout, owner, g.name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release frees the guard unless the deadlock supervisor force-released
// it first, in which case the stale release is a no-op.
func (g *Guard) release(gen uint64) {
	g.mu.Lock()
	if g.gen != gen || g.holder == "" {
		g.mu.Unlock()
		return
	}

	g.holder = ""
	g.mu.Unlock()

	<-g.sem
}

// forceRelease breaks the guard open on behalf of the deadlock
// supervisor. The displaced holder's own release becomes a no-op.
func (g *Guard) forceRelease() bool {
	g.mu.Lock()

	if g.holder == "" {
		g.mu.Unlock()
		return false
	}

	g.holder = ""
	g.gen++
	g.mu.Unlock()

	select {
	case <-g.sem:
		return true
	default:
		return false
	}
}

// holderInfo reports the current holder and when it acquired the guard.
func (g *Guard) holderInfo() (owner string, since time.Time, held bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder == "" {
		return "", time.Time{}, false
	}

	return g.holder, g.acquiredAt, true
}

// waiterInfo returns a copy of the current waiter set.
func (g *Guard) waiterInfo() map[string]time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]time.Time, len(g.waiters))
	for owner, since := range g.waiters {
		out[owner] = since
	}

	return out
}
