// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package location tracks the drum's reference marker: it turns marker
// transitions into a revolution count and latches the start of recording.
package location

import (
	"context"
	"log"
	"time"
)

// Sensor is a single boolean input: true while the marker is under it.
type Sensor interface {
	Read() (bool, error)
}

// EdgeWaiter is implemented by sensors that can block until the input
// changes. WaitForEdge returns after an edge or once timeout elapses.
type EdgeWaiter interface {
	WaitForEdge(timeout time.Duration) bool
}

// Detector turns raw marker samples into revolution counts.
//
// Every sample is trusted as read; state only changes on a transition
// relative to the previous sample. There is no dwell filter, so contact
// bounce counts as extra markers.
type Detector struct {
	sensor Sensor
	state  *Revolutions
	period time.Duration

	last       bool
	registered bool // a marker was counted since the last revolution
	readErrors int
}

// NewDetector creates a detector that publishes into state.
func NewDetector(sensor Sensor, state *Revolutions, period time.Duration) *Detector {
	return &Detector{sensor: sensor, state: state, period: period}
}

// Prime seeds the previous reading, so a marker already under the sensor at
// startup is not counted as a new pass.
func (d *Detector) Prime(active bool) {
	d.last = active
	d.state.update(func(s *RevolutionState) { s.PinActive = active })
}

// Observe feeds one sample through the state machine.
func (d *Detector) Observe(active bool) {
	switch {
	case active && !d.last:
		first := false
		d.state.update(func(s *RevolutionState) {
			s.PinCount++
			if !s.RecordingActive {
				s.RecordingActive = true
				first = true
			}
			s.PinActive = true
		})
		d.registered = true
		if first {
			log.Println("location: first marker detected, recording")
		}
	case !active && d.last:
		var revs int
		counted := d.registered
		d.state.update(func(s *RevolutionState) {
			s.PinActive = false
			if counted {
				s.TrackedRevs++
				s.PinCount = 0
			}
			revs = s.TrackedRevs
		})
		if counted {
			d.registered = false
			log.Printf("location: revolution clocked, total %d", revs)
		}
	}
	d.last = active
}

// Run samples the sensor until ctx is cancelled. Sensors that support edge
// notification wake the loop early; all others are polled every period.
func (d *Detector) Run(ctx context.Context) error {
	if active, err := d.sensor.Read(); err != nil {
		log.Printf("location: initial read failed, assuming inactive: %v", err)
		d.Prime(false)
	} else {
		d.Prime(active)
	}

	wait := d.sleep
	if w, ok := d.sensor.(EdgeWaiter); ok {
		wait = func(ctx context.Context) bool {
			w.WaitForEdge(d.period)
			return ctx.Err() == nil
		}
	}

	for wait(ctx) {
		active, err := d.sensor.Read()
		if err != nil {
			d.readErrors++
			if d.readErrors == 1 {
				log.Printf("location: sensor read failed, holding last state: %v", err)
			}
			continue
		}
		if d.readErrors > 0 {
			log.Printf("location: sensor recovered after %d failed reads", d.readErrors)
			d.readErrors = 0
		}
		d.Observe(active)
	}
	log.Println("location: detector stopped")
	return nil
}

func (d *Detector) sleep(ctx context.Context) bool {
	t := time.NewTimer(d.period)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
