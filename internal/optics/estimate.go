// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package optics

import (
	"image"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// BlobEstimate is the latest published optical reading. Valid stays false
// until the first qualifying blob has been seen.
type BlobEstimate struct {
	Valid     bool        `json:"valid"`
	Area      float64     `json:"area"`
	AngleDeg  float64     `json:"angle_deg"` // smoothed
	HasCenter bool        `json:"has_center"`
	Center    image.Point `json:"center"`
}

// Estimates is the shared BlobEstimate cell. The Estimator is its only
// writer.
type Estimates struct {
	mu sync.RWMutex
	e  BlobEstimate
}

// Latest returns the most recent estimate.
func (c *Estimates) Latest() BlobEstimate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.e
}

func (c *Estimates) publish(e BlobEstimate) {
	c.mu.Lock()
	c.e = e
	c.mu.Unlock()
}

// Smoother is a fixed-length moving average.
type Smoother struct {
	window []float64
	next   int
	full   bool
}

// NewSmoother returns a smoother over the last n samples.
func NewSmoother(n int) *Smoother {
	if n < 1 {
		n = 1
	}
	return &Smoother{window: make([]float64, n)}
}

// Add records v and returns the mean of the samples held so far.
func (s *Smoother) Add(v float64) float64 {
	s.window[s.next] = v
	s.next++
	if s.next == len(s.window) {
		s.next = 0
		s.full = true
	}
	if s.full {
		return stat.Mean(s.window, nil)
	}
	return stat.Mean(s.window[:s.next], nil)
}
