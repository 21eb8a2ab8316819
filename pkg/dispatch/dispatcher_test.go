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

package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
	"github.com/axialworks/fanfleet/pkg/stability"
)

type sentDatagram struct {
	payload string
	addr    string
}

// fakeConn records outbound datagrams and can simulate write failures.
type fakeConn struct {
	mu       sync.Mutex
	sent     []sentDatagram
	writeErr error
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		return 0, c.writeErr
	}

	c.sent = append(c.sent, sentDatagram{payload: string(p), addr: addr.String()})

	return len(p), nil
}

func (c *fakeConn) Sent() []sentDatagram {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]sentDatagram, len(c.sent))
	copy(out, c.sent)

	return out
}

func (c *fakeConn) ReadFrom(_ []byte) (int, net.Addr, error) {
	return 0, nil, fmt.Errorf("not implemented")
}

func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return &net.UDPAddr{} }
func (c *fakeConn) SetDeadline(_ time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(_ time.Time) error { return nil }

type fakeResolver struct {
	byIndex map[int]models.SlaveRecord
}

func (r *fakeResolver) GetByIndex(_ context.Context, index int) (models.SlaveRecord, error) {
	rec, ok := r.byIndex[index]
	if !ok {
		return models.SlaveRecord{}, fmt.Errorf("unknown peer: index %d", index)
	}

	return rec, nil
}

func (r *fakeResolver) Connected(_ context.Context) ([]models.SlaveRecord, error) {
	var out []models.SlaveRecord

	for _, rec := range r.byIndex {
		if rec.State == models.StateConnected {
			out = append(out, rec)
		}
	}

	return out, nil
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

func connectedRecord(index int, identity string) models.SlaveRecord {
	return models.SlaveRecord{
		Identity:    identity,
		Index:       index,
		IP:          fmt.Sprintf("192.168.1.%d", 50+index),
		CommandPort: 65002,
		State:       models.StateConnected,
	}
}

func newTestDispatcher(t *testing.T, resolver *fakeResolver, conn *fakeConn, sink *fakeSink) *Dispatcher {
	t.Helper()

	retrier := stability.NewRetrier([]time.Duration{time.Millisecond}, logger.NewTestLogger())

	d, err := New(NewQueue(8, time.Second), conn, resolver, sink, retrier, stability.DefaultTimeouts(), logger.NewTestLogger())
	require.NoError(t, err)

	return d
}

func TestDispatchToConnectedTarget(t *testing.T) {
	conn := &fakeConn{}
	sink := &fakeSink{}
	resolver := &fakeResolver{byIndex: map[int]models.SlaveRecord{
		3: connectedRecord(3, "module-3"),
	}}

	d := newTestDispatcher(t, resolver, conn, sink)

	d.Dispatch(context.Background(), &models.PendingCommand{
		Opcode:      models.OpcodeSetDuty,
		TargetIndex: 3,
		Params:      []string{"5", "0.75"},
	})

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "SET_DUTY|3|5|0.75", sent[0].payload)
	assert.Equal(t, "192.168.1.53:65002", sent[0].addr)
	assert.Empty(t, sink.Faults())
}

func TestDispatchDropsForNonConnectedTarget(t *testing.T) {
	retrying := connectedRecord(2, "module-2")
	retrying.State = models.StateTimedOutRetrying

	conn := &fakeConn{}
	sink := &fakeSink{}
	resolver := &fakeResolver{byIndex: map[int]models.SlaveRecord{2: retrying}}

	d := newTestDispatcher(t, resolver, conn, sink)

	d.Dispatch(context.Background(), &models.PendingCommand{
		Opcode:      models.OpcodeChase,
		TargetIndex: 2,
	})

	assert.Empty(t, conn.Sent(), "nothing may be sent to a non-connected node")

	faults := sink.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, models.FaultCommandDropped, faults[0].Type)
	assert.Equal(t, 2, faults[0].Index)
	assert.Contains(t, faults[0].Message, "timed_out_retrying")
}

func TestDispatchDropsForUnknownIndex(t *testing.T) {
	conn := &fakeConn{}
	sink := &fakeSink{}
	resolver := &fakeResolver{byIndex: map[int]models.SlaveRecord{}}

	d := newTestDispatcher(t, resolver, conn, sink)

	d.Dispatch(context.Background(), &models.PendingCommand{
		Opcode:      models.OpcodeReboot,
		TargetIndex: 9,
	})

	assert.Empty(t, conn.Sent())

	faults := sink.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, models.FaultCommandDropped, faults[0].Type)
}

func TestDispatchBroadcastFansOutWithRewrittenIndex(t *testing.T) {
	retrying := connectedRecord(1, "module-1")
	retrying.State = models.StateTimedOutRetrying

	conn := &fakeConn{}
	sink := &fakeSink{}
	resolver := &fakeResolver{byIndex: map[int]models.SlaveRecord{
		0: connectedRecord(0, "module-0"),
		1: retrying,
		2: connectedRecord(2, "module-2"),
	}}

	d := newTestDispatcher(t, resolver, conn, sink)

	d.Dispatch(context.Background(), &models.PendingCommand{
		Opcode:      models.OpcodeSetDuty,
		TargetIndex: models.BroadcastTarget,
		Params:      []string{"all", "1.0"},
	})

	sent := conn.Sent()
	require.Len(t, sent, 2, "broadcast reaches connected nodes only")

	payloads := map[string]bool{}
	for _, s := range sent {
		payloads[s.payload] = true
	}

	// Each datagram carries the destination's own index.
	assert.True(t, payloads["SET_DUTY|0|all|1.0"])
	assert.True(t, payloads["SET_DUTY|2|all|1.0"])
	assert.Empty(t, sink.Faults())
}

func TestDispatchReportsRetryExhaustion(t *testing.T) {
	conn := &fakeConn{writeErr: fmt.Errorf("network is unreachable")}
	sink := &fakeSink{}
	resolver := &fakeResolver{byIndex: map[int]models.SlaveRecord{
		3: connectedRecord(3, "module-3"),
	}}

	d := newTestDispatcher(t, resolver, conn, sink)

	d.Dispatch(context.Background(), &models.PendingCommand{
		Opcode:      models.OpcodeSetDuty,
		TargetIndex: 3,
	})

	faults := sink.Faults()
	require.Len(t, faults, 1)
	assert.Equal(t, models.FaultRetryExhausted, faults[0].Type)
	assert.Equal(t, "module-3", faults[0].Identity)
}

func TestDispatcherStartStopDrainsQueue(t *testing.T) {
	conn := &fakeConn{}
	sink := &fakeSink{}
	resolver := &fakeResolver{byIndex: map[int]models.SlaveRecord{
		0: connectedRecord(0, "module-0"),
	}}

	d := newTestDispatcher(t, resolver, conn, sink)

	ctx := context.Background()
	require.NoError(t, d.queue.Enqueue(ctx, &models.PendingCommand{
		Opcode:      models.OpcodePISet,
		TargetIndex: 0,
		Params:      []string{"1.2", "0.4"},
	}))

	errCh := make(chan error, 1)

	go func() {
		errCh <- d.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(conn.Sent()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "PISET|0|1.2|0.4", conn.Sent()[0].payload)

	require.NoError(t, d.Stop(ctx))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
