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

package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	return c.now
}

type fakeSink struct {
	mu     sync.Mutex
	faults []models.FaultEvent
}

func (s *fakeSink) PublishFault(fault models.FaultEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.faults = append(s.faults, fault)
}

func (s *fakeSink) Faults() []models.FaultEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.FaultEvent, len(s.faults))
	copy(out, s.faults)

	return out
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, *fakeSink) {
	t.Helper()

	clock := newFakeClock()
	sink := &fakeSink{}
	reg := New(Config{
		Period:      2 * time.Second,
		MaxTimeouts: 10,
		LockTimeout: time.Second,
	}, clock, sink, logger.NewTestLogger())

	return reg, clock, sink
}

func discovered(identity string) Discovered {
	return Discovered{
		Identity:        identity,
		IP:              "192.168.1.50",
		FanCount:        21,
		FirmwareVersion: "v2.1",
		CommandPort:     65002,
	}
}

func TestUpsertDiscoveredAssignsStableIndexes(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first, created, err := reg.UpsertDiscovered(ctx, discovered("module-a"))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, models.StateDiscovered, first.State)
	assert.Len(t, first.Readings, 21)

	second, created, err := reg.UpsertDiscovered(ctx, discovered("module-b"))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 1, second.Index)

	// Rediscovery of an active node is a no-op.
	again, created, err := reg.UpsertDiscovered(ctx, discovered("module-a"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, again.Index)
}

func TestUpsertDiscoveredConcurrentIdentity(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	const workers = 16

	var wg sync.WaitGroup

	wg.Add(workers)

	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()

			_, _, _ = reg.UpsertDiscovered(ctx, discovered("module-a"))
		}()
	}

	wg.Wait()

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1, "identity must stay unique under concurrent discovery")
	assert.Equal(t, 0, snap[0].Index)
}

func TestApplyTelemetryConnectsAndOrders(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.UpsertDiscovered(ctx, discovered("module-a"))
	require.NoError(t, err)

	readings := []models.FanReading{{RPM: 1200, Duty: 0.5}}

	rec, err := reg.ApplyTelemetry(ctx, "module-a", 1, readings)
	require.NoError(t, err)
	assert.Equal(t, models.StateConnected, rec.State)
	assert.Equal(t, uint64(1), rec.LastSequence)

	// Out-of-order and duplicate datagrams never regress applied state.
	newer := []models.FanReading{{RPM: 1300, Duty: 0.6}}

	rec, err = reg.ApplyTelemetry(ctx, "module-a", 5, newer)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.LastSequence)

	_, err = reg.ApplyTelemetry(ctx, "module-a", 3, readings)
	require.ErrorIs(t, err, ErrStaleSequence)

	_, err = reg.ApplyTelemetry(ctx, "module-a", 5, readings)
	require.ErrorIs(t, err, ErrStaleSequence)

	got, err := reg.Get(ctx, "module-a")
	require.NoError(t, err)
	assert.Equal(t, newer, got.Readings, "stale datagram must not overwrite applied readings")
	assert.Equal(t, uint64(5), got.LastSequence)
}

func TestApplyTelemetryUnknownAndDisconnected(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.ApplyTelemetry(ctx, "ghost", 1, nil)
	require.ErrorIs(t, err, ErrUnknownPeer)

	_, _, err = reg.UpsertDiscovered(ctx, discovered("module-a"))
	require.NoError(t, err)

	_, err = reg.ApplyTelemetry(ctx, "module-a", 1, nil)
	require.NoError(t, err)

	// Push the node past its timeout budget.
	clock.Advance(25 * time.Second)
	require.NoError(t, reg.SweepTimeouts(ctx, clock.Now()))

	_, err = reg.ApplyTelemetry(ctx, "module-a", 2, nil)
	require.ErrorIs(t, err, ErrPeerDisconnected)
}

func TestSweepTimeoutsLifecycle(t *testing.T) {
	reg, clock, sink := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.UpsertDiscovered(ctx, discovered("module-a"))
	require.NoError(t, err)

	_, err = reg.ApplyTelemetry(ctx, "module-a", 1, nil)
	require.NoError(t, err)

	// Within one period: still connected.
	clock.Advance(1500 * time.Millisecond)
	require.NoError(t, reg.SweepTimeouts(ctx, clock.Now()))

	rec, err := reg.Get(ctx, "module-a")
	require.NoError(t, err)
	assert.Equal(t, models.StateConnected, rec.State)
	assert.Zero(t, rec.TimeoutCount)

	// One missed period: retrying.
	clock.Advance(time.Second)
	require.NoError(t, reg.SweepTimeouts(ctx, clock.Now()))

	rec, err = reg.Get(ctx, "module-a")
	require.NoError(t, err)
	assert.Equal(t, models.StateTimedOutRetrying, rec.State)
	assert.Equal(t, 1, rec.TimeoutCount)

	// Telemetry resumes: back to connected, counter cleared.
	_, err = reg.ApplyTelemetry(ctx, "module-a", 2, nil)
	require.NoError(t, err)

	rec, err = reg.Get(ctx, "module-a")
	require.NoError(t, err)
	assert.Equal(t, models.StateConnected, rec.State)
	assert.Zero(t, rec.TimeoutCount)

	// Ten consecutive missed periods: disconnected, one fault event.
	clock.Advance(20 * time.Second)
	require.NoError(t, reg.SweepTimeouts(ctx, clock.Now()))

	rec, err = reg.Get(ctx, "module-a")
	require.NoError(t, err)
	assert.Equal(t, models.StateDisconnected, rec.State)

	faults := sink.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, models.FaultPeerDisconnected, faults[0].Type)
	assert.Equal(t, "module-a", faults[0].Identity)

	// Further sweeps must not re-emit the fault.
	clock.Advance(time.Minute)
	require.NoError(t, reg.SweepTimeouts(ctx, clock.Now()))
	assert.Len(t, sink.Faults(), 1)
}

func TestSweepTimeoutsInfrequentSweepStillDisconnects(t *testing.T) {
	reg, clock, sink := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.UpsertDiscovered(ctx, discovered("module-a"))
	require.NoError(t, err)

	_, err = reg.ApplyTelemetry(ctx, "module-a", 1, nil)
	require.NoError(t, err)

	// A single late sweep covering the whole budget must still evict:
	// the counter is derived from elapsed periods, not sweep count.
	clock.Advance(40 * time.Second)
	require.NoError(t, reg.SweepTimeouts(ctx, clock.Now()))

	rec, err := reg.Get(ctx, "module-a")
	require.NoError(t, err)
	assert.Equal(t, models.StateDisconnected, rec.State)
	assert.Len(t, sink.Faults(), 1)
}

func TestReactivationKeepsIndex(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.UpsertDiscovered(ctx, discovered("module-a"))
	require.NoError(t, err)

	_, _, err = reg.UpsertDiscovered(ctx, discovered("module-b"))
	require.NoError(t, err)

	_, err = reg.ApplyTelemetry(ctx, "module-a", 99, []models.FanReading{{RPM: 1200, Duty: 0.5}})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, reg.SweepTimeouts(ctx, clock.Now()))

	rec, err := reg.Get(ctx, "module-a")
	require.NoError(t, err)
	require.Equal(t, models.StateDisconnected, rec.State)

	// Rediscovery: same index, fresh session.
	back, created, err := reg.UpsertDiscovered(ctx, discovered("module-a"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 0, back.Index)
	assert.Equal(t, models.StateDiscovered, back.State)
	assert.Zero(t, back.TimeoutCount)

	// The node rebooted, so its sequence numbering restarts.
	rec, err = reg.ApplyTelemetry(ctx, "module-a", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, models.StateConnected, rec.State)

	// New identities keep drawing fresh indexes.
	third, _, err := reg.UpsertDiscovered(ctx, discovered("module-c"))
	require.NoError(t, err)
	assert.Equal(t, 2, third.Index)
}

func TestSnapshotIsolation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := reg.UpsertDiscovered(ctx, discovered("module-a"))
	require.NoError(t, err)

	_, err = reg.ApplyTelemetry(ctx, "module-a", 1, []models.FanReading{{RPM: 1200, Duty: 0.5}})
	require.NoError(t, err)

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)

	// Mutating the snapshot must not leak into the registry.
	snap[0].Readings[0].RPM = 0
	snap[0].Identity = "tampered"

	rec, err := reg.Get(ctx, "module-a")
	require.NoError(t, err)
	assert.Equal(t, 1200, rec.Readings[0].RPM)
	assert.Equal(t, "module-a", rec.Identity)
}

func TestConnectedFiltersAndOrders(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := reg.UpsertDiscovered(ctx, discovered(fmt.Sprintf("module-%d", i)))
		require.NoError(t, err)
	}

	// Only modules 0 and 2 report telemetry.
	_, err := reg.ApplyTelemetry(ctx, "module-2", 1, nil)
	require.NoError(t, err)

	_, err = reg.ApplyTelemetry(ctx, "module-0", 1, nil)
	require.NoError(t, err)

	conn, err := reg.Connected(ctx)
	require.NoError(t, err)
	require.Len(t, conn, 2)
	assert.Equal(t, "module-0", conn[0].Identity)
	assert.Equal(t, "module-2", conn[1].Identity)

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 3)
}
