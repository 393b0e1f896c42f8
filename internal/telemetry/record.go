// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package telemetry

import "time"

// FusedRecord is one row of the acquisition log: a telemetry packet joined
// with the latest optical and phase estimates at its arrival.
type FusedRecord struct {
	Seq          uint64            `json:"seq"`
	Arrival      time.Time         `json:"arrival"`
	DeviceMicros uint32            `json:"device_us"`
	GroupA       [GroupSize]uint16 `json:"a0"`
	GroupB       [GroupSize]uint16 `json:"a1"`

	HaveBlob  bool    `json:"have_blob"`
	BlobAngle float64 `json:"blob_angle"` // smoothed, degrees
	BlobArea  float64 `json:"blob_area"`  // px²

	PhaseA float64 `json:"phase_a0"` // degrees, unbounded
	PhaseB float64 `json:"phase_a1"` // PhaseA + 180
}

// Status is the periodic health snapshot published by the recorder.
type Status struct {
	Session string    `json:"session"`
	Time    time.Time `json:"time"`

	LinkState  string `json:"link_state"`
	Packets    uint64 `json:"packets"`
	Malformed  uint64 `json:"malformed"`
	Reconnects uint64 `json:"reconnects"`

	Written   uint64 `json:"written"`
	Discarded uint64 `json:"discarded"`

	Recording   bool `json:"recording"`
	PinCount    int  `json:"pin_count"`
	TrackedRevs int  `json:"tracked_revs"`

	HaveBlob  bool    `json:"have_blob"`
	BlobAngle float64 `json:"blob_angle"`
	BlobArea  float64 `json:"blob_area"`

	StepDelay      float64 `json:"step_delay_s"`
	StepsPerRev    int     `json:"spr"`
	DegreesPerStep float64 `json:"deg_per_step"`
}
