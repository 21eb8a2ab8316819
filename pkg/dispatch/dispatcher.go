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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
	"github.com/axialworks/fanfleet/pkg/stability"
	"github.com/axialworks/fanfleet/pkg/wire"
)

const (
	ownerName = "dispatch"

	// popWait bounds the queue wait so the loop observes shutdown
	// within one tick.
	popWait = time.Second
)

var errNilConn = fmt.Errorf("dispatch conn cannot be nil")

// Resolver is the slice of the registry the dispatcher needs to turn a
// target index (or the broadcast marker) into destination addresses.
type Resolver interface {
	GetByIndex(ctx context.Context, index int) (models.SlaveRecord, error)
	Connected(ctx context.Context) ([]models.SlaveRecord, error)
}

// FaultSink receives dropped-command and retry-exhaustion events.
type FaultSink interface {
	PublishFault(fault models.FaultEvent)
}

// Dial binds the UDP socket command datagrams are sent from.
func Dial() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind command socket: %w", err)
	}

	return conn, nil
}

// Dispatcher drains the command queue and sends datagrams to connected
// nodes. Sends are fire-and-forget: success means the local socket
// accepted the datagram. A send that fails past the retry budget is
// reported on the fault stream but never tears the peer down; only the
// timeout supervisor does that.
type Dispatcher struct {
	queue    *Queue
	resolver Resolver
	sink     FaultSink
	retrier  *stability.Retrier
	timeouts stability.Timeouts
	conn     net.PacketConn
	logger   logger.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a dispatcher sending from an already-bound socket.
func New(queue *Queue, conn net.PacketConn, resolver Resolver, sink FaultSink, retrier *stability.Retrier, timeouts stability.Timeouts, log logger.Logger) (*Dispatcher, error) {
	if conn == nil {
		return nil, errNilConn
	}

	return &Dispatcher{
		queue:    queue,
		resolver: resolver,
		sink:     sink,
		retrier:  retrier,
		timeouts: timeouts,
		conn:     conn,
		logger:   log,
		done:     make(chan struct{}),
	}, nil
}

// Start implements the lifecycle.Service interface.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx = stability.WithOwner(ctx, ownerName)

	d.logger.Info().Msg("Starting command dispatcher")

	d.wg.Add(1)
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.done:
			return nil
		default:
		}

		cmd, err := d.queue.PopWait(ctx, popWait)

		switch {
		case err == nil:
			d.Dispatch(ctx, cmd)
		case errors.Is(err, ErrQueueEmpty):
		case errors.Is(err, stability.ErrLockTimeout):
			d.logger.Warn().Err(err).Msg("Command queue pop skipped this cycle")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			return err
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (d *Dispatcher) Stop(_ context.Context) error {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.conn.Close()
	})

	d.wg.Wait()

	return nil
}

// Dispatch resolves the command's destination set and sends to each.
// Exported for direct use in tests; the loop calls it per popped command.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *models.PendingCommand) {
	targets, err := d.resolve(ctx, cmd)
	if err != nil {
		d.logger.Warn().Err(err).Str("opcode", string(cmd.Opcode)).Msg("Command dispatch skipped")
		return
	}

	for i := range targets {
		d.sendTo(ctx, cmd, &targets[i])
	}
}

// resolve returns the connected destinations for the command. A command
// addressed to a node that is not connected is dropped with a logged
// reason and a fault event, never queued forever.
func (d *Dispatcher) resolve(ctx context.Context, cmd *models.PendingCommand) ([]models.SlaveRecord, error) {
	if cmd.TargetIndex == models.BroadcastTarget {
		return d.resolver.Connected(ctx)
	}

	rec, err := d.resolver.GetByIndex(ctx, cmd.TargetIndex)
	if err != nil {
		if errors.Is(err, stability.ErrLockTimeout) {
			return nil, err
		}

		d.drop(cmd, cmd.TargetIndex, "", "unknown target index")

		return nil, nil
	}

	if rec.State != models.StateConnected {
		d.drop(cmd, rec.Index, rec.Identity, "target is "+rec.State.String())
		return nil, nil
	}

	return []models.SlaveRecord{rec}, nil
}

func (d *Dispatcher) drop(cmd *models.PendingCommand, index int, identity, reason string) {
	d.logger.Warn().
		Str("opcode", string(cmd.Opcode)).
		Int("target", index).
		Str("reason", reason).
		Msg("Dropped command")

	d.sink.PublishFault(models.FaultEvent{
		Type:     models.FaultCommandDropped,
		Index:    index,
		Identity: identity,
		Message:  fmt.Sprintf("%s command dropped: %s", cmd.Opcode, reason),
	})
}

// sendTo serializes the command for one destination and sends it through
// the retry wrapper. Command sends are short, so they get the heartbeat
// timeout class.
func (d *Dispatcher) sendTo(ctx context.Context, cmd *models.PendingCommand, rec *models.SlaveRecord) {
	// Broadcast commands are rewritten with the destination's index so
	// the node can verify it is the addressee.
	perTarget := *cmd
	perTarget.TargetIndex = rec.Index

	payload := wire.EncodeCommand(&perTarget)

	dst := &net.UDPAddr{
		IP:   net.ParseIP(rec.IP),
		Port: rec.CommandPort,
	}

	err := d.retrier.Do(ctx, fmt.Sprintf("send %s to node %d", cmd.Opcode, rec.Index), func() error {
		if err := d.conn.SetWriteDeadline(time.Now().Add(d.timeouts.For(stability.OpHeartbeat))); err != nil {
			return err
		}

		_, err := d.conn.WriteTo(payload, dst)

		return err
	})
	if err != nil {
		d.logger.Error().
			Err(err).
			Str("opcode", string(cmd.Opcode)).
			Int("target", rec.Index).
			Msg("Command send failed")

		if errors.Is(err, stability.ErrRetriesExhausted) {
			d.sink.PublishFault(models.FaultEvent{
				Type:     models.FaultRetryExhausted,
				Index:    rec.Index,
				Identity: rec.Identity,
				Message:  err.Error(),
			})
		}

		return
	}

	d.logger.Debug().
		Str("opcode", string(cmd.Opcode)).
		Int("target", rec.Index).
		Str("addr", dst.String()).
		Msg("Command sent")
}
