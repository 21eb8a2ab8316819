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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
)

const (
	defaultSweepInterval = 10 * time.Second
	longWaitThreshold    = 30 * time.Second
)

// FaultSink receives fault events from the detector. The events bus
// satisfies this.
type FaultSink interface {
	PublishFault(fault models.FaultEvent)
}

// DeadlockDetector periodically rebuilds a wait-for graph over the
// registered guards and breaks any cycle it finds by force-releasing the
// oldest-held contested guard. The graph is rebuilt per sweep rather than
// tracked continuously to bound the detector's own overhead.
type DeadlockDetector struct {
	interval time.Duration
	sink     FaultSink
	logger   logger.Logger

	mu     sync.Mutex
	guards []*Guard

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDeadlockDetector creates a detector sweeping at the given interval.
func NewDeadlockDetector(interval time.Duration, sink FaultSink, log logger.Logger) *DeadlockDetector {
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	return &DeadlockDetector{
		interval: interval,
		sink:     sink,
		logger:   log,
		done:     make(chan struct{}),
	}
}

// Register adds a guard to the sweep set.
func (d *DeadlockDetector) Register(g *Guard) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.guards = append(d.guards, g)
}

// Start implements the lifecycle.Service interface.
func (d *DeadlockDetector) Start(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.wg.Add(1)
	defer d.wg.Done()

	d.logger.Info().Dur("interval", d.interval).Msg("Starting deadlock detector")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return nil
		case <-ticker.C:
			d.Sweep(time.Now())
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (d *DeadlockDetector) Stop(_ context.Context) error {
	d.closeOnce.Do(func() {
		close(d.done)
	})

	d.wg.Wait()

	return nil
}

// Sweep rebuilds the wait-for graph once and breaks a cycle if present.
// Exported so the ingest loop's cooperative tick can also drive it in
// tests.
func (d *DeadlockDetector) Sweep(now time.Time) {
	d.mu.Lock()
	guards := make([]*Guard, len(d.guards))
	copy(guards, d.guards)
	d.mu.Unlock()

	// Edges: waiter -> holder of the guard it is blocked on.
	graph := make(map[string]map[string]struct{})
	holderGuards := make(map[string][]*Guard)

	for _, g := range guards {
		holder, _, held := g.holderInfo()
		if !held {
			continue
		}

		holderGuards[holder] = append(holderGuards[holder], g)

		for waiter, since := range g.waiterInfo() {
			if waiter == holder {
				continue
			}

			if wait := now.Sub(since); wait > longWaitThreshold {
				d.logger.Warn().
					Str("waiter", waiter).
					Str("guard", g.Name()).
					Dur("waiting", wait).
					Msg("Long lock wait")
			}

			if graph[waiter] == nil {
				graph[waiter] = make(map[string]struct{})
			}

			graph[waiter][holder] = struct{}{}
		}
	}

	cycle := findCycle(graph)
	if len(cycle) == 0 {
		return
	}

	d.logger.Error().
		Str("cycle", strings.Join(cycle, " -> ")).
		Msg("Deadlock detected")

	d.sink.PublishFault(models.FaultEvent{
		Type:      models.FaultDeadlockDetected,
		Index:     -1,
		Message:   "lock cycle: " + strings.Join(cycle, " -> "),
		Timestamp: now,
	})

	d.breakCycle(cycle, holderGuards)
}

// breakCycle force-releases the oldest-held contested guard whose holder
// participates in the cycle.
func (d *DeadlockDetector) breakCycle(cycle []string, holderGuards map[string][]*Guard) {
	inCycle := make(map[string]struct{}, len(cycle))
	for _, owner := range cycle {
		inCycle[owner] = struct{}{}
	}

	var victim *Guard

	var victimSince time.Time

	for holder, held := range holderGuards {
		if _, ok := inCycle[holder]; !ok {
			continue
		}

		for _, g := range held {
			if len(g.waiterInfo()) == 0 {
				continue
			}

			_, since, ok := g.holderInfo()
			if !ok {
				continue
			}

			if victim == nil || since.Before(victimSince) {
				victim = g
				victimSince = since
			}
		}
	}

	if victim == nil {
		return
	}

	if victim.forceRelease() {
		d.logger.Warn().
			Str("guard", victim.Name()).
			Time("held_since", victimSince).
			Msg("Force-released contested guard to break deadlock")
	}
}

// findCycle returns the owners forming a cycle in the wait-for graph, or
// nil when the graph is acyclic.
func findCycle(graph map[string]map[string]struct{}) []string {
	const (
		unvisited = iota
		inStack
		done
	)

	state := make(map[string]int, len(graph))

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}

	// Deterministic sweep order keeps the chosen victim stable.
	sort.Strings(nodes)

	var stack []string

	var cycle []string

	var dfs func(node string) bool

	dfs = func(node string) bool {
		state[node] = inStack
		stack = append(stack, node)

		next := make([]string, 0, len(graph[node]))
		for n := range graph[node] {
			next = append(next, n)
		}

		sort.Strings(next)

		for _, n := range next {
			switch state[n] {
			case inStack:
				for i, s := range stack {
					if s == n {
						cycle = append([]string{}, stack[i:]...)
						return true
					}
				}
			case unvisited:
				if dfs(n) {
					return true
				}
			}
		}

		state[node] = done
		stack = stack[:len(stack)-1]

		return false
	}

	for _, node := range nodes {
		if state[node] == unvisited && dfs(node) {
			return cycle
		}
	}

	return nil
}
