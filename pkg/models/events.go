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

package models

import "time"

// FaultType classifies a fault event published on the event bus.
type FaultType string

const (
	// FaultPeerDisconnected is emitted exactly once when a node exhausts
	// its timeout budget and transitions to disconnected.
	FaultPeerDisconnected FaultType = "peer_disconnected"
	// FaultDeadlockDetected is emitted when the deadlock sweep finds a
	// cycle in the lock wait-for graph.
	FaultDeadlockDetected FaultType = "deadlock_detected"
	// FaultRetryExhausted is emitted when a network send fails past the
	// retry budget.
	FaultRetryExhausted FaultType = "retry_exhausted"
	// FaultCommandDropped is emitted when a command addressed to a
	// non-connected node is discarded.
	FaultCommandDropped FaultType = "command_dropped"
)

// FaultEvent is the externally observable record of a fault. The GUI and
// log collaborators consume these from the event bus.
type FaultEvent struct {
	ID        string    `json:"id"`
	Type      FaultType `json:"type"`
	Index     int       `json:"index"`    // node index, or -1 when not peer-scoped
	Identity  string    `json:"identity"` // node identity, empty when not peer-scoped
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
