// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import "sync"

// RevolutionState is the detector's view of the drum.
type RevolutionState struct {
	PinActive       bool `json:"pin_active"`
	PinCount        int  `json:"pin_count"`
	TrackedRevs     int  `json:"tracked_revs"`
	RecordingActive bool `json:"recording"`
}

// Revolutions is the shared RevolutionState cell. Only the Detector that
// owns it writes; anyone may read.
type Revolutions struct {
	mu sync.RWMutex
	s  RevolutionState
}

// Snapshot returns a copy of the current state.
func (r *Revolutions) Snapshot() RevolutionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s
}

// RecordingActive reports whether the first marker has been seen.
func (r *Revolutions) RecordingActive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s.RecordingActive
}

func (r *Revolutions) update(fn func(s *RevolutionState)) {
	r.mu.Lock()
	fn(&r.s)
	r.mu.Unlock()
}
