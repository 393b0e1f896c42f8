// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func feed(d *Detector, samples ...bool) {
	for _, s := range samples {
		d.Observe(s)
	}
}

func TestRecordingLatchesOnFirstMarker(t *testing.T) {
	var st Revolutions
	d := NewDetector(nil, &st, time.Millisecond)

	feed(d, false, false, false)
	assert.False(t, st.RecordingActive())

	d.Observe(true)
	assert.True(t, st.RecordingActive())
	assert.Equal(t, 1, st.Snapshot().PinCount)

	feed(d, false, false, true, false, false)
	assert.True(t, st.RecordingActive(), "latch never reverts")
}

func TestRevolutionCounting(t *testing.T) {
	for _, k := range []int{1, 2, 5, 17} {
		var st Revolutions
		d := NewDetector(nil, &st, time.Millisecond)
		d.Prime(false)
		for i := 0; i < k; i++ {
			feed(d, false, false, true, true, true, false, false)
		}
		s := st.Snapshot()
		assert.Equal(t, k, s.TrackedRevs, "k=%d", k)
		assert.Equal(t, 0, s.PinCount, "k=%d", k)
		assert.False(t, s.PinActive)
		assert.True(t, s.RecordingActive)
	}
}

func TestMarkerPresentAtStartupIsNotCounted(t *testing.T) {
	var st Revolutions
	d := NewDetector(nil, &st, time.Millisecond)
	d.Prime(true)

	feed(d, true, true, false)
	s := st.Snapshot()
	assert.False(t, s.RecordingActive)
	assert.Equal(t, 0, s.TrackedRevs)

	feed(d, true, false)
	s = st.Snapshot()
	assert.True(t, s.RecordingActive)
	assert.Equal(t, 1, s.TrackedRevs)
}

// Bounce is counted as extra passes: every raw transition is trusted.
// This is a known limitation of the transition-only debounce.
func TestContactBounceDoubleCounts(t *testing.T) {
	var st Revolutions
	d := NewDetector(nil, &st, time.Millisecond)
	d.Prime(false)

	// one physical pass that chatters once on the way in
	feed(d, true, false, true, true, false)
	assert.Equal(t, 2, st.Snapshot().TrackedRevs)
}

type flakySensor struct {
	mu      sync.Mutex
	samples []bool
	fail    map[int]bool
	n       int
}

func (f *flakySensor) Read() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.n
	f.n++
	if f.fail[i] {
		return false, errors.New("bus glitch")
	}
	if i >= len(f.samples) {
		return false, nil
	}
	return f.samples[i], nil
}

func TestReadErrorHoldsState(t *testing.T) {
	// Read 0 primes. The failed read between the two highs must not look
	// like a falling edge.
	sensor := &flakySensor{
		samples: []bool{false, true, false, true, false},
		fail:    map[int]bool{2: true},
	}
	var st Revolutions
	d := NewDetector(sensor, &st, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return st.Snapshot().TrackedRevs == 1
	}, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	s := st.Snapshot()
	assert.Equal(t, 1, s.TrackedRevs)
	assert.Equal(t, 0, s.PinCount)
}

func TestRunStopsOnCancel(t *testing.T) {
	var st Revolutions
	d := NewDetector(NewMockSensor(time.Hour), &st, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("detector did not stop")
	}
}

func TestGPIOSensorEdges(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO11", Num: 11, EdgesChan: make(chan gpio.Level, 4)}
	sensor, err := NewGPIOSensor(pin, gpio.PullDown, false)
	require.NoError(t, err)
	assert.True(t, sensor.Edges())

	var st Revolutions
	d := NewDetector(sensor, &st, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	pin.EdgesChan <- gpio.High
	require.Eventually(t, st.RecordingActive, time.Second, time.Millisecond)

	pin.EdgesChan <- gpio.Low
	require.Eventually(t, func() bool {
		return st.Snapshot().TrackedRevs == 1
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestGPIOSensorFallsBackToPolling(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO11", Num: 11}
	sensor, err := NewGPIOSensor(pin, gpio.PullUp, true)
	require.NoError(t, err)
	assert.False(t, sensor.Edges())

	active, err := sensor.Read()
	require.NoError(t, err)
	assert.False(t, active, "pulled-up active-low input reads inactive")

	require.NoError(t, pin.Out(gpio.Low))
	active, _ = sensor.Read()
	assert.True(t, active)
}

func TestParsePull(t *testing.T) {
	p, err := ParsePull("up")
	require.NoError(t, err)
	assert.Equal(t, gpio.PullUp, p)
	p, err = ParsePull("none")
	require.NoError(t, err)
	assert.Equal(t, gpio.Float, p)
	_, err = ParsePull("sideways")
	assert.Error(t, err)
}
