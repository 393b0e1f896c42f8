// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import "time"

type mockSensor struct {
	start    time.Time
	rev      time.Duration
	duration time.Duration
}

// NewMockSensor simulates a drum turning once every rev, with the marker
// under the sensor for the first tenth of each turn.
func NewMockSensor(rev time.Duration) Sensor {
	return &mockSensor{start: time.Now(), rev: rev, duration: rev / 10}
}

func (m *mockSensor) Read() (bool, error) {
	phase := time.Since(m.start) % m.rev
	return phase < m.duration, nil
}
