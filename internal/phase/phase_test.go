// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package phase

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAngles(t *testing.T) {
	p, err := NewParameters(0.001, 6400)
	require.NoError(t, err)

	a, b := Angles(2*time.Second, p)
	assert.InDelta(t, 56.25, a, 1e-9)
	assert.InDelta(t, 236.25, b, 1e-9)

	a, b = Angles(0, p)
	assert.Equal(t, 0.0, a)
	assert.Equal(t, 180.0, b)

	// Partial steps are floored.
	a, _ = Angles(1999*time.Microsecond, p)
	assert.Equal(t, 0.0, a)
}

func TestAnglesAreNotWrapped(t *testing.T) {
	p, err := NewParameters(0.001, 400)
	require.NoError(t, err)
	a, b := Angles(10*time.Second, p)
	assert.InDelta(t, 4500.0, a, 1e-9)
	assert.InDelta(t, 4680.0, b, 1e-9)
}

func TestDelayForRPM(t *testing.T) {
	d, err := DelayForRPM(30, 6400)
	require.NoError(t, err)
	p, err := NewParameters(d, 6400)
	require.NoError(t, err)
	// 30 rpm is one turn every two seconds.
	a, _ := Angles(2*time.Second, p)
	assert.InDelta(t, 360.0, a, p.DegreesPerStep)

	_, err = DelayForRPM(0, 6400)
	assert.Error(t, err)
}

func TestParseMessage(t *testing.T) {
	p, err := ParseMessage([]byte(`{"delay": 0.0005, "spr": 25600}`))
	require.NoError(t, err)
	assert.Equal(t, 25600, p.StepsPerRev)
	assert.InDelta(t, 360.0/25600, p.DegreesPerStep, 1e-15)

	bad := []string{
		`not json`,
		`{"delay": 0.001}`,
		`{"spr": 6400}`,
		`{"delay": "fast", "spr": 6400}`,
		`{"delay": 0.001, "spr": 6400.5}`,
		`{"delay": 0, "spr": 6400}`,
		`{"delay": 0.001, "spr": -2}`,
	}
	for _, in := range bad {
		_, err := ParseMessage([]byte(in))
		assert.ErrorIs(t, err, ErrInvalidMessage, in)
	}
}

func TestCellSwapsAtomically(t *testing.T) {
	initial, _ := NewParameters(30.0/6400, 6400)
	cell := NewCell(initial)
	assert.Equal(t, initial, cell.Current())

	ch := NewChannel(cell)
	spr := 400.0
	require.Error(t, ch.Apply(Message{SPR: &spr}))
	assert.Equal(t, initial, cell.Current())
	assert.Equal(t, uint64(1), ch.Rejected())
}

func startServer(t *testing.T, ch *Channel) (string, func()) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.sock")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.ServeSocket(ctx, path, 50*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, time.Millisecond)

	return path, func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("server did not stop")
		}
	}
}

func TestServeSocket(t *testing.T) {
	initial, _ := NewParameters(30.0/6400, 6400)
	cell := NewCell(initial)
	ch := NewChannel(cell)
	path, stop := startServer(t, ch)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o666), info.Mode().Perm())

	require.NoError(t, Send(context.Background(), path, 0.002, 3200))
	require.Eventually(t, func() bool { return ch.Accepted() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 3200, cell.Current().StepsPerRev)

	// A malformed message is dropped and the listener keeps serving.
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"delay": "x"}`))
	require.NoError(t, err)
	conn.Close()
	require.Eventually(t, func() bool { return ch.Rejected() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 3200, cell.Current().StepsPerRev)

	require.NoError(t, Send(context.Background(), path, 0.001, 6400))
	require.Eventually(t, func() bool { return ch.Accepted() == 2 }, time.Second, time.Millisecond)

	stop()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket file removed on stop")
}

func TestServeSocketReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.sock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	initial, _ := NewParameters(0.001, 6400)
	ch := NewChannel(NewCell(initial))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.ServeSocket(ctx, path, 20*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return Send(context.Background(), path, 0.004, 800) == nil
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestServeLines(t *testing.T) {
	initial, _ := NewParameters(0.001, 6400)
	cell := NewCell(initial)
	ch := NewChannel(cell)

	input := strings.Join([]string{
		`{"delay": 0.002, "spr": 3200}`,
		``,
		`garbage`,
		`{"delay": 0.0001, "spr": 25600}`,
	}, "\n")
	err := ch.ServeLines(context.Background(), io.NopCloser(strings.NewReader(input)))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), ch.Accepted())
	assert.Equal(t, uint64(1), ch.Rejected())
	assert.Equal(t, 25600, cell.Current().StepsPerRev)
}

func TestServeLinesStopsOnCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	ch := NewChannel(NewCell(Parameters{StepDelay: 1, StepsPerRev: 1, DegreesPerStep: 360}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.ServeLines(ctx, pr) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("serial reader did not stop")
	}
}
