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

// Package wire encodes and parses the text-delimited datagrams exchanged
// with the fan-control nodes. Fields are separated by '|'; fan readings
// use ',' within a fan and ';' between fans.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/axialworks/fanfleet/pkg/models"
)

const (
	// TypeDiscover is the master->broadcast announcement.
	TypeDiscover = "DISCOVER"
	// TypeHello is the slave->master discovery response.
	TypeHello = "HELLO"
	// TypeStatus is the slave->master telemetry datagram.
	TypeStatus = "STATUS"

	fieldSep   = "|"
	fanSep     = ";"
	readingSep = ","

	maxPort = 65535
)

var (
	// ErrBadMessage marks a malformed datagram. Such datagrams are
	// dropped at the point of detection and never mutate state.
	ErrBadMessage = fmt.Errorf("malformed datagram")
	// ErrWrongPasscode marks a datagram carrying the wrong passcode.
	ErrWrongPasscode = fmt.Errorf("wrong passcode")
)

// Discover is the periodic master announcement. TelemetryPort tells the
// nodes where to send STATUS datagrams.
type Discover struct {
	Passcode      string
	TelemetryPort int
}

// Encode renders DISCOVER|<passcode>|<telemetry-port>.
func (d Discover) Encode() []byte {
	return []byte(TypeDiscover + fieldSep + d.Passcode + fieldSep + strconv.Itoa(d.TelemetryPort))
}

// ParseDiscover parses a DISCOVER datagram. Used by node simulators and
// tests; the master only sends these.
func ParseDiscover(data []byte) (Discover, error) {
	fields := strings.Split(string(data), fieldSep)
	if len(fields) != 3 || fields[0] != TypeDiscover {
		return Discover{}, fmt.Errorf("%w: %q", ErrBadMessage, data)
	}

	port, err := parsePort(fields[2])
	if err != nil {
		return Discover{}, fmt.Errorf("%w: telemetry port: %q", ErrBadMessage, fields[2])
	}

	return Discover{Passcode: fields[1], TelemetryPort: port}, nil
}

// Hello is a node's discovery response. CommandPort is an optional
// trailing field; when a node omits it the master falls back to the
// sender's source port.
type Hello struct {
	Identity    string
	FanCount    int
	Version     string
	CommandPort int
}

// Encode renders HELLO|<identity>|<fan-count>|<version>[|<command-port>].
func (h Hello) Encode() []byte {
	msg := TypeHello + fieldSep + h.Identity + fieldSep +
		strconv.Itoa(h.FanCount) + fieldSep + h.Version

	if h.CommandPort > 0 {
		msg += fieldSep + strconv.Itoa(h.CommandPort)
	}

	return []byte(msg)
}

// ParseHello parses a HELLO datagram.
func ParseHello(data []byte) (Hello, error) {
	fields := strings.Split(string(data), fieldSep)
	if (len(fields) != 4 && len(fields) != 5) || fields[0] != TypeHello {
		return Hello{}, fmt.Errorf("%w: %q", ErrBadMessage, data)
	}

	if fields[1] == "" {
		return Hello{}, fmt.Errorf("%w: empty identity", ErrBadMessage)
	}

	fanCount, err := strconv.Atoi(fields[2])
	if err != nil || fanCount <= 0 {
		return Hello{}, fmt.Errorf("%w: fan count: %q", ErrBadMessage, fields[2])
	}

	h := Hello{Identity: fields[1], FanCount: fanCount, Version: fields[3]}

	if len(fields) == 5 {
		port, err := parsePort(fields[4])
		if err != nil {
			return Hello{}, fmt.Errorf("%w: command port: %q", ErrBadMessage, fields[4])
		}

		h.CommandPort = port
	}

	return h, nil
}

// Status is a node's periodic telemetry datagram.
type Status struct {
	Identity string
	Sequence uint64
	Readings []models.FanReading
}

// Encode renders STATUS|<identity>|<seq>|<rpm,duty;rpm,duty;...>.
func (s Status) Encode() []byte {
	var sb strings.Builder

	sb.WriteString(TypeStatus)
	sb.WriteString(fieldSep)
	sb.WriteString(s.Identity)
	sb.WriteString(fieldSep)
	sb.WriteString(strconv.FormatUint(s.Sequence, 10))
	sb.WriteString(fieldSep)

	for i, r := range s.Readings {
		if i > 0 {
			sb.WriteString(fanSep)
		}

		sb.WriteString(strconv.Itoa(r.RPM))
		sb.WriteString(readingSep)
		sb.WriteString(strconv.FormatFloat(r.Duty, 'f', -1, 64))
	}

	return []byte(sb.String())
}

// ParseStatus parses a STATUS datagram.
func ParseStatus(data []byte) (Status, error) {
	fields := strings.Split(string(data), fieldSep)
	if len(fields) != 4 || fields[0] != TypeStatus {
		return Status{}, fmt.Errorf("%w: %q", ErrBadMessage, data)
	}

	if fields[1] == "" {
		return Status{}, fmt.Errorf("%w: empty identity", ErrBadMessage)
	}

	seq, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Status{}, fmt.Errorf("%w: sequence: %q", ErrBadMessage, fields[2])
	}

	pairs := strings.Split(fields[3], fanSep)
	readings := make([]models.FanReading, 0, len(pairs))

	for _, pair := range pairs {
		parts := strings.Split(pair, readingSep)
		if len(parts) != 2 {
			return Status{}, fmt.Errorf("%w: fan reading: %q", ErrBadMessage, pair)
		}

		rpm, err := strconv.Atoi(parts[0])
		if err != nil || rpm < 0 {
			return Status{}, fmt.Errorf("%w: rpm: %q", ErrBadMessage, parts[0])
		}

		duty, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || duty < 0 {
			return Status{}, fmt.Errorf("%w: duty: %q", ErrBadMessage, parts[1])
		}

		readings = append(readings, models.FanReading{RPM: rpm, Duty: duty})
	}

	return Status{Identity: fields[1], Sequence: seq, Readings: readings}, nil
}

// EncodeCommand renders <OPCODE>|<target-index>|<param1>|<param2>...
func EncodeCommand(cmd *models.PendingCommand) []byte {
	fields := make([]string, 0, len(cmd.Params)+2)
	fields = append(fields, string(cmd.Opcode), strconv.Itoa(cmd.TargetIndex))
	fields = append(fields, cmd.Params...)

	return []byte(strings.Join(fields, fieldSep))
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > maxPort {
		return 0, fmt.Errorf("port out of range: %q", raw)
	}

	return port, nil
}
