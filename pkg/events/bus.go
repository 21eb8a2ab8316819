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

// Package events carries fault events from the core to external
// observers (GUI, logs) without ever blocking a worker loop.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
)

const defaultBuffer = 64

// Bus is an in-process fan-out of fault events. Publishing never blocks:
// a subscriber that falls behind loses events, counted per bus.
type Bus struct {
	buffer int
	logger logger.Logger

	mu      sync.Mutex
	subs    []chan models.FaultEvent
	dropped uint64
	closed  bool
}

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int, log logger.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	return &Bus{buffer: buffer, logger: log}
}

// Subscribe registers a new observer. The returned channel is closed
// when the bus shuts down.
func (b *Bus) Subscribe() <-chan models.FaultEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.FaultEvent, b.buffer)

	if b.closed {
		close(ch)
		return ch
	}

	b.subs = append(b.subs, ch)

	return ch
}

// PublishFault delivers the event to every subscriber that has room.
// Missing ID and timestamp fields are filled in.
func (b *Bus) PublishFault(fault models.FaultEvent) {
	if fault.ID == "" {
		fault.ID = uuid.NewString()
	}

	if fault.Timestamp.IsZero() {
		fault.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- fault:
		default:
			b.dropped++
			b.logger.Debug().
				Str("type", string(fault.Type)).
				Uint64("dropped_total", b.dropped).
				Msg("Dropped fault event for slow subscriber")
		}
	}
}

// Dropped reports how many events were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dropped
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for _, ch := range b.subs {
		close(ch)
	}

	b.subs = nil
}
