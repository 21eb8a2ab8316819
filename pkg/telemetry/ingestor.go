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

// Package telemetry ingests the periodic STATUS datagrams from the
// fan-control nodes (the MISO direction) and drives the timeout
// supervisor that audits per-node watchdogs.
package telemetry

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
	ownerName = "telemetry"

	maxDatagram = 2048
)

var errNilConn = fmt.Errorf("telemetry conn cannot be nil")

// Registry is the slice of the registry the ingestor needs.
type Registry interface {
	ApplyTelemetry(ctx context.Context, identity string, seq uint64, readings []models.FanReading) (models.SlaveRecord, error)
	SweepTimeouts(ctx context.Context, now time.Time) error
}

// Config carries the ingestor's parameters.
type Config struct {
	ListenPort int
	// Period is the telemetry watchdog period. It doubles as the read
	// timeout so the supervisor sweep runs at least once per period
	// even when no datagrams arrive.
	Period time.Duration
}

// Listen binds the telemetry UDP port. Failure here is the one fatal
// startup condition of the subsystem: without this socket no peer
// traffic can be served.
func Listen(port int) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind telemetry socket on port %d: %w", port, err)
	}

	return conn, nil
}

// Ingestor is the blocking receive loop on the telemetry port. A slow or
// dead node only affects its own record: the loop never blocks on a peer,
// and the registry lock is held only for the brief datagram application.
type Ingestor struct {
	config   Config
	registry Registry
	conn     net.PacketConn
	logger   logger.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	lastSweep time.Time
}

// New creates an ingestor on an already-bound socket.
func New(config Config, conn net.PacketConn, reg Registry, log logger.Logger) (*Ingestor, error) {
	if conn == nil {
		return nil, errNilConn
	}

	return &Ingestor{
		config:   config,
		registry: reg,
		conn:     conn,
		logger:   log,
		done:     make(chan struct{}),
	}, nil
}

// Start implements the lifecycle.Service interface.
func (i *Ingestor) Start(ctx context.Context) error {
	ctx = stability.WithOwner(ctx, ownerName)

	i.logger.Info().
		Int("port", i.config.ListenPort).
		Dur("period", i.config.Period).
		Msg("Starting telemetry ingestor")

	i.wg.Add(1)
	defer i.wg.Done()

	buf := make([]byte, maxDatagram)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.done:
			return nil
		default:
		}

		if err := i.conn.SetReadDeadline(time.Now().Add(i.config.Period)); err != nil {
			return fmt.Errorf("telemetry read deadline: %w", err)
		}

		n, addr, err := i.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Not an error: the timeout is the supervisor's tick.
				i.sweep(ctx)
				continue
			}

			select {
			case <-i.done:
				return nil
			default:
			}

			return fmt.Errorf("telemetry read: %w", err)
		}

		i.handleDatagram(ctx, buf[:n], addr)
		i.maybeSweep(ctx)
	}
}

// Stop implements the lifecycle.Service interface.
func (i *Ingestor) Stop(_ context.Context) error {
	i.closeOnce.Do(func() {
		close(i.done)
		_ = i.conn.Close()
	})

	i.wg.Wait()

	return nil
}

// handleDatagram parses and applies one STATUS datagram. Unknown senders
// and stale sequences are dropped here, never surfaced.
func (i *Ingestor) handleDatagram(ctx context.Context, data []byte, addr net.Addr) {
	status, err := wire.ParseStatus(data)
	if err != nil {
		i.logger.Debug().
			Err(err).
			Str("from", addr.String()).
			Msg("Dropped malformed telemetry datagram")

		return
	}

	_, err = i.registry.ApplyTelemetry(ctx, status.Identity, status.Sequence, status.Readings)

	switch {
	case err == nil:
	case errors.Is(err, stability.ErrLockTimeout):
		// Recoverable: the node resends every period.
		i.logger.Warn().Err(err).Str("identity", status.Identity).Msg("Telemetry application skipped this cycle")
	default:
		i.logger.Debug().
			Err(err).
			Str("identity", status.Identity).
			Uint64("sequence", status.Sequence).
			Msg("Dropped telemetry datagram")
	}
}

// maybeSweep runs the supervisor when a full period elapsed since the
// last sweep, so steady inbound traffic cannot starve the watchdogs.
func (i *Ingestor) maybeSweep(ctx context.Context) {
	if time.Since(i.lastSweep) >= i.config.Period {
		i.sweep(ctx)
	}
}

// sweep is the Timeout Supervisor: it runs cooperatively on the ingest
// loop rather than on its own clock to avoid an extra lock domain.
func (i *Ingestor) sweep(ctx context.Context) {
	i.lastSweep = time.Now()

	if err := i.registry.SweepTimeouts(ctx, i.lastSweep); err != nil {
		// Lock timeout: skip this cycle, the next read tick retries.
		i.logger.Warn().Err(err).Msg("Timeout sweep skipped")
	}
}
