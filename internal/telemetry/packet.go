// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package telemetry defines the BLE notification layout and the records
// built from it.
package telemetry

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// GATT identifiers advertised by the drum's analog transmitter.
const (
	ServiceUUID        = "c0de0001-0000-4a6f-9e00-000000000001"
	CharacteristicUUID = "c0de1000-0000-4a6f-9e00-000000000001"
)

// Notification layout, little-endian:
//
//	offset 0   uint32  device clock in µs (wraps)
//	offset 4   5×uint16 channel group A (a0_0..a0_4)
//	offset 14  5×uint16 channel group B (a1_0..a1_4)
const (
	GroupSize    = 5
	ChannelCount = 2 * GroupSize
	PacketSize   = 4 + 2*ChannelCount
)

var ErrPacketLength = errors.New("telemetry: unexpected payload length")

// Packet is one decoded notification.
type Packet struct {
	DeviceMicros uint32            `json:"device_us"`
	GroupA       [GroupSize]uint16 `json:"a0"`
	GroupB       [GroupSize]uint16 `json:"a1"`
}

// Decode parses a notification payload. Any length other than PacketSize
// is rejected.
func Decode(payload []byte) (Packet, error) {
	if len(payload) != PacketSize {
		return Packet{}, fmt.Errorf("%w: got %d bytes, want %d", ErrPacketLength, len(payload), PacketSize)
	}

	var p Packet
	p.DeviceMicros = binary.LittleEndian.Uint32(payload[0:4])
	off := 4
	for i := range p.GroupA {
		p.GroupA[i] = binary.LittleEndian.Uint16(payload[off:])
		off += 2
	}
	for i := range p.GroupB {
		p.GroupB[i] = binary.LittleEndian.Uint16(payload[off:])
		off += 2
	}
	return p, nil
}

// Encode produces the wire form of p. The mock radio uses it to feed the
// same decode path as real hardware.
func (p Packet) Encode() []byte {
	buf := make([]byte, 4, PacketSize)
	binary.LittleEndian.PutUint32(buf, p.DeviceMicros)
	for _, v := range p.GroupA {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	for _, v := range p.GroupB {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	return buf
}
