// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package optics

import (
	"image"
	"math"
	"math/rand"
	"time"
)

type mockSource struct {
	start time.Time
	rev   time.Duration
}

// NewMockSource simulates a blob that sweeps 0-180 degrees once per rev,
// with a little noise and an occasional empty frame.
func NewMockSource(rev time.Duration) Source {
	return &mockSource{start: time.Now(), rev: rev}
}

func (m *mockSource) Next() (Blob, error) {
	if rand.Intn(50) == 0 {
		return Blob{}, ErrNoBlob
	}
	frac := float64(time.Since(m.start)%m.rev) / float64(m.rev)
	angle := 180*frac + rand.NormFloat64()
	return Blob{
		Area:      1500 + 200*math.Sin(2*math.Pi*frac),
		HasCenter: true,
		Center:    image.Pt(120+int(20*math.Cos(2*math.Pi*frac)), 120),
		Angle:     angle,
	}, nil
}

func (m *mockSource) Close() error { return nil }
