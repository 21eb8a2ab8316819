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

// Package registry holds the authoritative table of known fan-control
// nodes. It is the only writer of lifecycle transitions; every read
// hands out copies, never live records.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
	"github.com/axialworks/fanfleet/pkg/stability"
)

var (
	// ErrUnknownPeer marks telemetry from an identity that was never
	// discovered. Such datagrams are dropped.
	ErrUnknownPeer = fmt.Errorf("unknown peer")
	// ErrStaleSequence marks an out-of-order or duplicate datagram.
	ErrStaleSequence = fmt.Errorf("stale sequence")
	// ErrPeerDisconnected marks telemetry from a disconnected peer that
	// has not been rediscovered yet.
	ErrPeerDisconnected = fmt.Errorf("peer is disconnected")
)

// FaultSink receives the fault events the registry emits on eviction.
type FaultSink interface {
	PublishFault(fault models.FaultEvent)
}

// Config carries the registry's operational parameters.
type Config struct {
	Period      time.Duration // telemetry watchdog period
	MaxTimeouts int           // consecutive missed periods before disconnect
	LockTimeout time.Duration
}

// Registry owns all SlaveRecords. Index assignment and identity
// uniqueness are enforced atomically under the registry's guard.
type Registry struct {
	guard  *stability.Guard
	clock  Clock
	sink   FaultSink
	logger logger.Logger

	period      time.Duration
	maxTimeouts int

	// Guarded state.
	slaves    map[string]*models.SlaveRecord
	byIndex   map[int]string
	nextIndex int
}

// New creates an empty registry. A nil clock defaults to the real one.
func New(cfg Config, clock Clock, sink FaultSink, log logger.Logger) *Registry {
	if clock == nil {
		clock = realClock{}
	}

	return &Registry{
		guard:       stability.NewGuard("registry", cfg.LockTimeout),
		clock:       clock,
		sink:        sink,
		logger:      log,
		period:      cfg.Period,
		maxTimeouts: cfg.MaxTimeouts,
		slaves:      make(map[string]*models.SlaveRecord),
		byIndex:     make(map[int]string),
	}
}

// Guard exposes the registry's guard for deadlock-detector registration.
func (r *Registry) Guard() *stability.Guard { return r.guard }

// Discovered is the input to UpsertDiscovered, extracted from a valid
// HELLO response.
type Discovered struct {
	Identity        string
	IP              string
	FanCount        int
	FirmwareVersion string
	CommandPort     int
}

// UpsertDiscovered records a discovery response. A new identity gets the
// next index in Discovered state; a disconnected identity is reactivated
// under its original index; an active identity is left untouched since
// discovery is idempotent. Returns a copy of the record and whether it
// was created or reactivated.
func (r *Registry) UpsertDiscovered(ctx context.Context, d Discovered) (models.SlaveRecord, bool, error) {
	release, err := r.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return models.SlaveRecord{}, false, err
	}
	defer release()

	if rec, ok := r.slaves[d.Identity]; ok {
		if rec.State != models.StateDisconnected {
			return rec.Clone(), false, nil
		}

		// Reactivation: same index, fresh session state.
		rec.IP = d.IP
		rec.CommandPort = d.CommandPort
		rec.FanCount = d.FanCount
		rec.FirmwareVersion = d.FirmwareVersion
		rec.State = models.StateDiscovered
		rec.TimeoutCount = 0
		rec.LastSequence = 0
		rec.Readings = make([]models.FanReading, d.FanCount)
		rec.LastSeen = r.clock.Now()

		r.logger.Info().
			Str("identity", rec.Identity).
			Int("index", rec.Index).
			Msg("Reactivated disconnected node")

		return rec.Clone(), true, nil
	}

	rec := &models.SlaveRecord{
		Identity:        d.Identity,
		Index:           r.nextIndex,
		IP:              d.IP,
		CommandPort:     d.CommandPort,
		FanCount:        d.FanCount,
		FirmwareVersion: d.FirmwareVersion,
		State:           models.StateDiscovered,
		LastSeen:        r.clock.Now(),
		Readings:        make([]models.FanReading, d.FanCount),
	}

	r.slaves[d.Identity] = rec
	r.byIndex[rec.Index] = d.Identity
	r.nextIndex++

	r.logger.Info().
		Str("identity", rec.Identity).
		Int("index", rec.Index).
		Int("fans", rec.FanCount).
		Str("version", rec.FirmwareVersion).
		Msg("Discovered new node")

	return rec.Clone(), true, nil
}

// ApplyTelemetry applies a STATUS datagram. Stale or duplicate sequences
// are rejected so applied readings always reflect the highest sequence
// seen. A successful update resets the watchdog and moves the record to
// Connected.
func (r *Registry) ApplyTelemetry(ctx context.Context, identity string, seq uint64, readings []models.FanReading) (models.SlaveRecord, error) {
	release, err := r.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return models.SlaveRecord{}, err
	}
	defer release()

	rec, ok := r.slaves[identity]
	if !ok {
		return models.SlaveRecord{}, fmt.Errorf("%w: %q", ErrUnknownPeer, identity)
	}

	if rec.State == models.StateDisconnected {
		return models.SlaveRecord{}, fmt.Errorf("%w: %q", ErrPeerDisconnected, identity)
	}

	if seq <= rec.LastSequence {
		return models.SlaveRecord{}, fmt.Errorf("%w: got %d, have %d", ErrStaleSequence, seq, rec.LastSequence)
	}

	rec.LastSequence = seq
	rec.Readings = append(rec.Readings[:0], readings...)
	rec.LastSeen = r.clock.Now()
	rec.TimeoutCount = 0

	if rec.State != models.StateConnected {
		prev := rec.State
		rec.State = models.StateConnected

		r.logger.Info().
			Str("identity", rec.Identity).
			Int("index", rec.Index).
			Str("from", prev.String()).
			Msg("Node connected")
	}

	return rec.Clone(), nil
}

// SweepTimeouts audits the watchdogs. A record that missed one period
// moves to TimedOutRetrying; one that missed maxTimeouts consecutive
// periods moves to Disconnected, emitting a fault event exactly once.
// The record itself is kept so the index survives reactivation.
func (r *Registry) SweepTimeouts(ctx context.Context, now time.Time) error {
	release, err := r.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return err
	}
	defer release()

	for _, rec := range r.slaves {
		if rec.State != models.StateConnected && rec.State != models.StateTimedOutRetrying {
			continue
		}

		missed := int(now.Sub(rec.LastSeen) / r.period)
		if missed <= rec.TimeoutCount {
			continue
		}

		rec.TimeoutCount = missed

		if rec.State == models.StateConnected {
			rec.State = models.StateTimedOutRetrying

			r.logger.Warn().
				Str("identity", rec.Identity).
				Int("index", rec.Index).
				Int("missed", missed).
				Msg("Node missed telemetry period, retrying")
		}

		if rec.TimeoutCount >= r.maxTimeouts {
			rec.State = models.StateDisconnected

			r.logger.Error().
				Str("identity", rec.Identity).
				Int("index", rec.Index).
				Int("missed", rec.TimeoutCount).
				Msg("Node disconnected after exhausting timeout budget")

			r.sink.PublishFault(models.FaultEvent{
				Type:      models.FaultPeerDisconnected,
				Index:     rec.Index,
				Identity:  rec.Identity,
				Message:   fmt.Sprintf("no telemetry for %d consecutive periods", rec.TimeoutCount),
				Timestamp: now,
			})
		}
	}

	return nil
}

// Get returns a copy of the record for the given identity.
func (r *Registry) Get(ctx context.Context, identity string) (models.SlaveRecord, error) {
	release, err := r.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return models.SlaveRecord{}, err
	}
	defer release()

	rec, ok := r.slaves[identity]
	if !ok {
		return models.SlaveRecord{}, fmt.Errorf("%w: %q", ErrUnknownPeer, identity)
	}

	return rec.Clone(), nil
}

// GetByIndex returns a copy of the record with the given index.
func (r *Registry) GetByIndex(ctx context.Context, index int) (models.SlaveRecord, error) {
	release, err := r.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return models.SlaveRecord{}, err
	}
	defer release()

	identity, ok := r.byIndex[index]
	if !ok {
		return models.SlaveRecord{}, fmt.Errorf("%w: index %d", ErrUnknownPeer, index)
	}

	return r.slaves[identity].Clone(), nil
}

// Snapshot returns copies of all records ordered by index. This is the
// read-only view the GUI/API collaborator consumes.
func (r *Registry) Snapshot(ctx context.Context) ([]models.SlaveRecord, error) {
	release, err := r.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([]models.SlaveRecord, 0, len(r.slaves))
	for _, rec := range r.slaves {
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	return out, nil
}

// Connected returns copies of all records currently in Connected state,
// ordered by index. Command fan-out resolves broadcast targets here.
func (r *Registry) Connected(ctx context.Context) ([]models.SlaveRecord, error) {
	release, err := r.guard.Acquire(ctx, stability.OwnerFromContext(ctx))
	if err != nil {
		return nil, err
	}
	defer release()

	out := make([]models.SlaveRecord, 0, len(r.slaves))

	for _, rec := range r.slaves {
		if rec.State == models.StateConnected {
			out = append(out, rec.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })

	return out, nil
}
