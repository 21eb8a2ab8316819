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

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axialworks/fanfleet/pkg/logger"
	"github.com/axialworks/fanfleet/pkg/models"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(4, logger.NewTestLogger())
	defer bus.Close()

	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	bus.PublishFault(models.FaultEvent{Type: models.FaultPeerDisconnected, Index: 2, Identity: "module-2"})

	for _, sub := range []<-chan models.FaultEvent{sub1, sub2} {
		ev := <-sub
		assert.Equal(t, models.FaultPeerDisconnected, ev.Type)
		assert.Equal(t, "module-2", ev.Identity)
		assert.NotEmpty(t, ev.ID, "bus fills in the event ID")
		assert.False(t, ev.Timestamp.IsZero(), "bus fills in the timestamp")
	}
}

func TestBusNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := NewBus(1, logger.NewTestLogger())
	defer bus.Close()

	slow := bus.Subscribe()

	// The subscriber never reads; publishing must still return.
	for i := 0; i < 5; i++ {
		bus.PublishFault(models.FaultEvent{Type: models.FaultRetryExhausted})
	}

	assert.Equal(t, uint64(4), bus.Dropped())

	// The one buffered event is intact.
	ev := <-slow
	assert.Equal(t, models.FaultRetryExhausted, ev.Type)
}

func TestBusClose(t *testing.T) {
	bus := NewBus(4, logger.NewTestLogger())

	sub := bus.Subscribe()

	bus.Close()

	_, open := <-sub
	assert.False(t, open, "subscriber channel closes with the bus")

	// Publish and double close are safe after shutdown.
	bus.PublishFault(models.FaultEvent{Type: models.FaultCommandDropped})
	bus.Close()

	// Late subscribers get an already-closed channel.
	late := bus.Subscribe()
	_, open = <-late
	require.False(t, open)
}
