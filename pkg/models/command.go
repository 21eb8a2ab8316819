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

// Opcode identifies a command sent to a fan-control node.
type Opcode string

const (
	// OpcodeSetDuty sets one duty cycle on a selection of fans.
	OpcodeSetDuty Opcode = "SET_DUTY"
	// OpcodeSetDutyMulti sets a per-fan duty-cycle vector.
	OpcodeSetDutyMulti Opcode = "SET_DUTY_MULTI"
	// OpcodeChase sets a target RPM tracked by the node's feedback loop.
	OpcodeChase Opcode = "CHASE"
	// OpcodePISet sets the PI controller gains.
	OpcodePISet Opcode = "PISET"
	// OpcodeReboot asks the node to reboot.
	OpcodeReboot Opcode = "REBOOT"
	// OpcodeDisconnect asks the node to drop its session.
	OpcodeDisconnect Opcode = "DISCONNECT"
)

// BroadcastTarget addresses a command to every connected node.
const BroadcastTarget = -1

// PendingCommand is a queued outbound command. Ordering is FIFO per
// destination; there is no cross-destination ordering guarantee.
type PendingCommand struct {
	TargetIndex int       `json:"target_index"` // node index or BroadcastTarget
	Opcode      Opcode    `json:"opcode"`
	Params      []string  `json:"params"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}
