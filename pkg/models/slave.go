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

// Package models defines the shared data types of the fleet coordinator.
package models

import "time"

// SlaveState is the lifecycle state of a tracked fan-control node.
type SlaveState int

const (
	// StateUnknown is the zero value; no record exists in this state.
	StateUnknown SlaveState = iota
	// StateDiscovered means a valid discovery response was received but no
	// telemetry has arrived yet.
	StateDiscovered
	// StateConnected means telemetry is flowing within the expected period.
	StateConnected
	// StateTimedOutRetrying means at least one telemetry period was missed;
	// the node recovers to Connected on the next datagram.
	StateTimedOutRetrying
	// StateDisconnected is terminal until the node is rediscovered. The
	// record is kept so the index stays stable across reconnects.
	StateDisconnected
)

func (s SlaveState) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnected:
		return "connected"
	case StateTimedOutRetrying:
		return "timed_out_retrying"
	case StateDisconnected:
		return "disconnected"
	case StateUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// FanReading is the most recent telemetry sample for a single fan.
type FanReading struct {
	RPM  int     `json:"rpm"`
	Duty float64 `json:"duty"`
}

// SlaveRecord is the authoritative view of one fan-control node. The
// registry owns the mutable copy; everything handed outside the registry
// is a value copy.
type SlaveRecord struct {
	// Identity.
	Identity string `json:"identity"` // hardware identifier (MAC-equivalent)
	Index    int    `json:"index"`    // assigned once, never reused

	// Network location, learned at discovery time.
	IP            string `json:"ip"`
	TelemetryPort int    `json:"telemetry_port"`
	CommandPort   int    `json:"command_port"`

	// Declared capability.
	FanCount        int    `json:"fan_count"`
	FirmwareVersion string `json:"firmware_version"`

	// Liveness.
	State        SlaveState `json:"state"`
	LastSeen     time.Time  `json:"last_seen"`
	TimeoutCount int        `json:"timeout_count"`

	// Runtime telemetry.
	Readings     []FanReading `json:"readings"`
	LastSequence uint64       `json:"last_sequence"`
}

// Clone returns a deep copy safe to hand to callers outside the registry.
func (r *SlaveRecord) Clone() SlaveRecord {
	out := *r
	out.Readings = make([]FanReading, len(r.Readings))
	copy(out.Readings, r.Readings)

	return out
}
