// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package phase holds the motor step timing published by the external
// controller and derives the motor-synchronized phase angle from it.
package phase

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Parameters is the motor step timing in effect.
type Parameters struct {
	StepDelay      float64 `json:"delay"` // seconds per half step
	StepsPerRev    int     `json:"spr"`
	DegreesPerStep float64 `json:"degrees_per_step"`
}

// NewParameters validates delay and spr and derives DegreesPerStep.
func NewParameters(delay float64, spr int) (Parameters, error) {
	if !(delay > 0) || math.IsInf(delay, 0) {
		return Parameters{}, fmt.Errorf("%w: delay must be positive, got %g", ErrInvalidMessage, delay)
	}
	if spr <= 0 {
		return Parameters{}, fmt.Errorf("%w: spr must be positive, got %d", ErrInvalidMessage, spr)
	}
	return Parameters{
		StepDelay:      delay,
		StepsPerRev:    spr,
		DegreesPerStep: 360 / float64(spr),
	}, nil
}

// Cell is the shared Parameters value. Readers always see a complete
// set; a replacement swaps all three fields at once.
type Cell struct {
	p atomic.Pointer[Parameters]
}

// NewCell returns a cell holding initial.
func NewCell(initial Parameters) *Cell {
	c := &Cell{}
	c.Store(initial)
	return c
}

// Current returns the parameters in effect.
func (c *Cell) Current() Parameters {
	return *c.p.Load()
}

// Store replaces the parameters.
func (c *Cell) Store(p Parameters) {
	c.p.Store(&p)
}

// Angles returns the phase of both sensor groups after elapsed time.
// One step takes two delays (high and low half). The result is not
// wrapped to 360.
func Angles(elapsed time.Duration, p Parameters) (phaseA, phaseB float64) {
	if elapsed < 0 || p.StepDelay <= 0 {
		return 0, 180
	}
	steps := math.Floor(elapsed.Seconds() / (2 * p.StepDelay))
	phaseA = steps * p.DegreesPerStep
	return phaseA, phaseA + 180
}

// DelayForRPM returns the half-step delay that turns the motor at rpm.
func DelayForRPM(rpm float64, spr int) (float64, error) {
	if !(rpm > 0) || spr <= 0 {
		return 0, fmt.Errorf("phase: rpm and spr must be positive, got %g and %d", rpm, spr)
	}
	return 1 / (2 * rpm / 60 * float64(spr)), nil
}
