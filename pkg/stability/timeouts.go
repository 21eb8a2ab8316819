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

package stability

import "time"

// OpClass classifies a network operation so it gets a timeout matched to
// its traffic pattern instead of one global value.
type OpClass int

const (
	// OpHeartbeat covers short command sends and keepalive traffic.
	OpHeartbeat OpClass = iota
	// OpData covers telemetry reads, the steady-state bulk of traffic.
	OpData
	// OpBroadcast covers discovery broadcast cycles.
	OpBroadcast
)

func (c OpClass) String() string {
	switch c {
	case OpHeartbeat:
		return "heartbeat"
	case OpData:
		return "data"
	case OpBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// Timeouts maps operation classes to socket deadlines.
type Timeouts struct {
	Heartbeat time.Duration
	Data      time.Duration
	Broadcast time.Duration
}

// DefaultTimeouts returns the operational defaults: heartbeat traffic
// gets the shortest bound, data transfers the longest.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Heartbeat: 3 * time.Second,
		Data:      6 * time.Second,
		Broadcast: 4 * time.Second,
	}
}

// For returns the deadline for the given operation class.
func (t Timeouts) For(class OpClass) time.Duration {
	switch class {
	case OpHeartbeat:
		return t.Heartbeat
	case OpData:
		return t.Data
	case OpBroadcast:
		return t.Broadcast
	default:
		return t.Data
	}
}
