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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
)

type captureSink struct {
	mu     sync.Mutex
	faults []models.FaultEvent
}

func (c *captureSink) PublishFault(fault models.FaultEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.faults = append(c.faults, fault)
}

func (c *captureSink) byType(t models.FaultType) []models.FaultEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []models.FaultEvent

	for _, f := range c.faults {
		if f.Type == t {
			out = append(out, f)
		}
	}

	return out
}

func TestFindCycle(t *testing.T) {
	tests := []struct {
		name  string
		graph map[string]map[string]struct{}
		want  bool
	}{
		{
			name:  "empty",
			graph: map[string]map[string]struct{}{},
			want:  false,
		},
		{
			name: "chain",
			graph: map[string]map[string]struct{}{
				"a": {"b": {}},
				"b": {"c": {}},
			},
			want: false,
		},
		{
			name: "two cycle",
			graph: map[string]map[string]struct{}{
				"a": {"b": {}},
				"b": {"a": {}},
			},
			want: true,
		},
		{
			name: "three cycle with tail",
			graph: map[string]map[string]struct{}{
				"a": {"b": {}},
				"b": {"c": {}},
				"c": {"a": {}},
				"d": {"a": {}},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cycle := findCycle(tt.graph)
			if tt.want {
				require.NotEmpty(t, cycle)

				// Every cycle member must reach the next member.
				for i, node := range cycle {
					next := cycle[(i+1)%len(cycle)]
					_, ok := tt.graph[node][next]
					assert.True(t, ok, "edge %s -> %s missing", node, next)
				}
			} else {
				assert.Empty(t, cycle)
			}
		})
	}
}

func TestSweepNoCycleNoFault(t *testing.T) {
	sink := &captureSink{}
	d := NewDeadlockDetector(time.Hour, sink, logger.NewTestLogger())

	g := NewGuard("single", time.Minute)
	d.Register(g)

	release, err := g.Acquire(context.Background(), "holder")
	require.NoError(t, err)

	go func() {
		r, acquireErr := g.Acquire(context.Background(), "waiter")
		if acquireErr == nil {
			r()
		}
	}()

	require.Eventually(t, func() bool {
		return len(g.waiterInfo()) == 1
	}, time.Second, 5*time.Millisecond)

	d.Sweep(time.Now())

	assert.Empty(t, sink.byType(models.FaultDeadlockDetected))

	release()
}

func TestSweepBreaksTwoPartyDeadlock(t *testing.T) {
	sink := &captureSink{}
	d := NewDeadlockDetector(time.Hour, sink, logger.NewTestLogger())

	guardA := NewGuard("guard-a", time.Minute)
	guardB := NewGuard("guard-b", time.Minute)
	d.Register(guardA)
	d.Register(guardB)

	ctx := context.Background()

	holdA, err := guardA.Acquire(ctx, "worker-1")
	require.NoError(t, err)

	holdB, err := guardB.Acquire(ctx, "worker-2")
	require.NoError(t, err)

	var wg sync.WaitGroup

	wg.Add(2)

	// worker-1 holds A and wants B; worker-2 holds B and wants A.
	go func() {
		defer wg.Done()

		if r, acquireErr := guardB.Acquire(ctx, "worker-1"); acquireErr == nil {
			r()
		}

		holdA()
	}()

	go func() {
		defer wg.Done()

		if r, acquireErr := guardA.Acquire(ctx, "worker-2"); acquireErr == nil {
			r()
		}

		holdB()
	}()

	require.Eventually(t, func() bool {
		return len(guardA.waiterInfo()) == 1 && len(guardB.waiterInfo()) == 1
	}, time.Second, 5*time.Millisecond)

	d.Sweep(time.Now())

	faults := sink.byType(models.FaultDeadlockDetected)
	require.Len(t, faults, 1)
	assert.Contains(t, faults[0].Message, "lock cycle")

	// Breaking one guard unwinds the whole cycle.
	doneCh := make(chan struct{})

	go func() {
		wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock was not broken")
	}
}
