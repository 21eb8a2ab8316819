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

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/axialworks/fanfleet/pkg/logger"
)

// Duration wraps time.Duration so config files can use "5s" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// parse numeric as nanoseconds
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML lets the same config structs load from YAML files.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}

	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}

	*d = Duration(dur)

	return nil
}

var (
	errInvalidDuration     = fmt.Errorf("invalid duration")
	errPasscodeRequired    = fmt.Errorf("passcode is required")
	errBroadcastAddrNeeded = fmt.Errorf("broadcast address is required")
	errBadPeriod           = fmt.Errorf("period must be positive")
	errBadMaxTimeouts      = fmt.Errorf("max_timeouts must be positive")
)

// MasterConfig is the configuration surface of the coordination core.
// Thresholds here are operational defaults, not protocol constants.
type MasterConfig struct {
	// Protocol.
	Passcode      string `json:"passcode" yaml:"passcode"`
	DiscoveryPort int    `json:"discovery_port" yaml:"discovery_port"`
	BroadcastAddr string `json:"broadcast_addr" yaml:"broadcast_addr"`
	TelemetryPort int    `json:"telemetry_port" yaml:"telemetry_port"`

	// Timing.
	Period            Duration `json:"period" yaml:"period"`                         // telemetry watchdog period
	BroadcastInterval Duration `json:"broadcast_interval" yaml:"broadcast_interval"` // discovery cycle
	MaxTimeouts       int      `json:"max_timeouts" yaml:"max_timeouts"`             // consecutive misses before disconnect

	// Capacity.
	MaxFans      int `json:"max_fans" yaml:"max_fans"`
	CommandQueue int `json:"command_queue" yaml:"command_queue"`
	EventBuffer  int `json:"event_buffer" yaml:"event_buffer"`

	// Stability layer.
	LockTimeout      Duration   `json:"lock_timeout" yaml:"lock_timeout"`
	DeadlockInterval Duration   `json:"deadlock_interval" yaml:"deadlock_interval"`
	RetrySchedule    []Duration `json:"retry_schedule" yaml:"retry_schedule"`

	Logging *logger.Config `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// SetDefaults fills unset fields with the operational defaults.
func (c *MasterConfig) SetDefaults() {
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = 65000
	}

	if c.TelemetryPort == 0 {
		c.TelemetryPort = 65001
	}

	if c.BroadcastAddr == "" {
		c.BroadcastAddr = "255.255.255.255"
	}

	if c.Period == 0 {
		c.Period = Duration(2 * time.Second)
	}

	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = Duration(3 * time.Second)
	}

	if c.MaxTimeouts == 0 {
		c.MaxTimeouts = 10
	}

	if c.MaxFans == 0 {
		c.MaxFans = 21
	}

	if c.CommandQueue == 0 {
		c.CommandQueue = 256
	}

	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}

	if c.LockTimeout == 0 {
		c.LockTimeout = Duration(5 * time.Second)
	}

	if c.DeadlockInterval == 0 {
		c.DeadlockInterval = Duration(10 * time.Second)
	}

	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = []Duration{
			Duration(1 * time.Second),
			Duration(2 * time.Second),
			Duration(5 * time.Second),
		}
	}
}

// Validate reports the first configuration error, if any.
func (c *MasterConfig) Validate() error {
	if c.Passcode == "" {
		return errPasscodeRequired
	}

	if c.BroadcastAddr == "" {
		return errBroadcastAddrNeeded
	}

	if c.Period <= 0 {
		return errBadPeriod
	}

	if c.MaxTimeouts <= 0 {
		return errBadMaxTimeouts
	}

	return nil
}
