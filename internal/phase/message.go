// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package phase

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidMessage is returned for a parameter message that is not valid
// JSON or lacks a usable delay or spr.
var ErrInvalidMessage = errors.New("invalid parameter message")

// Message is the wire form sent by the motor controller.
type Message struct {
	Delay *float64 `json:"delay"`
	SPR   *float64 `json:"spr"`
}

// ParseMessage decodes one JSON object and validates it.
func ParseMessage(data []byte) (Parameters, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Parameters{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m.Parameters()
}

// Parameters validates m and converts it.
func (m Message) Parameters() (Parameters, error) {
	if m.Delay == nil || m.SPR == nil {
		return Parameters{}, fmt.Errorf("%w: delay and spr are required", ErrInvalidMessage)
	}
	spr := *m.SPR
	if spr != math.Trunc(spr) || spr > math.MaxInt32 {
		return Parameters{}, fmt.Errorf("%w: spr must be an integer, got %g", ErrInvalidMessage, spr)
	}
	return NewParameters(*m.Delay, int(spr))
}
