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

// Package discovery announces the master's presence on the local network
// and turns HELLO responses into registry entries.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
	"github.com/axialworks/fanfleet/pkg/registry"
	"github.com/axialworks/fanfleet/pkg/stability"
	"github.com/axialworks/fanfleet/pkg/wire"
)

const (
	ownerName = "discovery"

	maxDatagram = 512
	// readSlice bounds a single blocking read so shutdown is observed
	// within one interval even when no node responds.
	readSlice = time.Second
)

var errNilConn = fmt.Errorf("discovery conn cannot be nil")

// Registrar is the slice of the registry the broadcaster needs.
type Registrar interface {
	UpsertDiscovered(ctx context.Context, d registry.Discovered) (models.SlaveRecord, bool, error)
}

// Config carries the broadcaster's parameters.
type Config struct {
	Passcode      string
	BroadcastAddr string
	DiscoveryPort int
	TelemetryPort int
	Interval      time.Duration
}

// Broadcaster periodically sends DISCOVER datagrams to the broadcast
// address and processes the HELLO responses arriving on the same socket.
// Discovery is idempotent: lost cycles and unanswered requests have no
// effect on the registry.
type Broadcaster struct {
	config   Config
	registry Registrar
	retrier  *stability.Retrier
	timeouts stability.Timeouts
	conn     net.PacketConn
	logger   logger.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a broadcaster on an already-bound socket.
func New(config Config, conn net.PacketConn, reg Registrar, retrier *stability.Retrier, timeouts stability.Timeouts, log logger.Logger) (*Broadcaster, error) {
	if conn == nil {
		return nil, errNilConn
	}

	return &Broadcaster{
		config:   config,
		registry: reg,
		retrier:  retrier,
		timeouts: timeouts,
		conn:     conn,
		logger:   log,
		done:     make(chan struct{}),
	}, nil
}

// Start implements the lifecycle.Service interface. It runs the response
// reader and the broadcast ticker until Stop or context cancellation.
func (b *Broadcaster) Start(ctx context.Context) error {
	ctx = stability.WithOwner(ctx, ownerName)

	b.logger.Info().
		Dur("interval", b.config.Interval).
		Str("broadcast_addr", b.config.BroadcastAddr).
		Int("port", b.config.DiscoveryPort).
		Msg("Starting discovery broadcaster")

	b.wg.Add(1)

	go func() {
		defer b.wg.Done()
		b.readLoop(ctx)
	}()

	ticker := time.NewTicker(b.config.Interval)
	defer ticker.Stop()

	b.wg.Add(1)
	defer b.wg.Done()

	// First announcement goes out immediately.
	b.broadcast(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case <-ticker.C:
			b.broadcast(ctx)
		}
	}
}

// Stop implements the lifecycle.Service interface.
func (b *Broadcaster) Stop(_ context.Context) error {
	b.closeOnce.Do(func() {
		close(b.done)
		_ = b.conn.Close()
	})

	b.wg.Wait()

	return nil
}

// broadcast sends one DISCOVER datagram through the retry wrapper. A
// cycle that fails past the retry budget is logged and skipped; the next
// cycle starts fresh.
func (b *Broadcaster) broadcast(ctx context.Context) {
	dst := &net.UDPAddr{
		IP:   net.ParseIP(b.config.BroadcastAddr),
		Port: b.config.DiscoveryPort,
	}

	msg := wire.Discover{
		Passcode:      b.config.Passcode,
		TelemetryPort: b.config.TelemetryPort,
	}.Encode()

	err := b.retrier.Do(ctx, "discovery broadcast", func() error {
		if err := b.conn.SetWriteDeadline(time.Now().Add(b.timeouts.For(stability.OpBroadcast))); err != nil {
			return err
		}

		_, err := b.conn.WriteTo(msg, dst)

		return err
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("Discovery broadcast failed")
		return
	}

	b.logger.Debug().Str("addr", dst.String()).Msg("Sent discovery broadcast")
}

// readLoop drains HELLO responses. Read timeouts are the scheduling
// mechanism, not errors.
func (b *Broadcaster) readLoop(ctx context.Context) {
	buf := make([]byte, maxDatagram)

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		if err := b.conn.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
			return
		}

		n, addr, err := b.conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}

			select {
			case <-b.done:
				return
			default:
			}

			b.logger.Error().Err(err).Msg("Discovery read failed")

			return
		}

		b.handleResponse(ctx, buf[:n], addr)
	}
}

// handleResponse validates one datagram and upserts the registry.
// Malformed responses are dropped without mutating anything.
func (b *Broadcaster) handleResponse(ctx context.Context, data []byte, addr net.Addr) {
	hello, err := wire.ParseHello(data)
	if err != nil {
		b.logger.Debug().
			Err(err).
			Str("from", addr.String()).
			Msg("Dropped invalid discovery response")

		return
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		b.logger.Debug().Str("from", addr.String()).Msg("Dropped non-UDP discovery response")
		return
	}

	commandPort := hello.CommandPort
	if commandPort == 0 {
		// Node did not advertise a command port; use its source port.
		commandPort = udpAddr.Port
	}

	rec, changed, err := b.registry.UpsertDiscovered(ctx, registry.Discovered{
		Identity:        hello.Identity,
		IP:              udpAddr.IP.String(),
		FanCount:        hello.FanCount,
		FirmwareVersion: hello.Version,
		CommandPort:     commandPort,
	})
	if err != nil {
		// Lock timeout: drop this response, the node will answer the
		// next broadcast cycle.
		b.logger.Warn().Err(err).Str("identity", hello.Identity).Msg("Could not record discovery response")
		return
	}

	if changed {
		b.logger.Info().
			Str("identity", rec.Identity).
			Int("index", rec.Index).
			Str("ip", rec.IP).
			Msg("Discovery response recorded")
	}
}
