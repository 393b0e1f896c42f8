// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package fusion

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/drum_recorder/internal/optics"
	"github.com/relabs-tech/drum_recorder/internal/phase"
	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

type fakeGate struct{ on atomic.Bool }

func (g *fakeGate) RecordingActive() bool { return g.on.Load() }

type fakeBlobs struct {
	mu sync.Mutex
	e  optics.BlobEstimate
}

func (b *fakeBlobs) Latest() optics.BlobEstimate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.e
}

func (b *fakeBlobs) set(e optics.BlobEstimate) {
	b.mu.Lock()
	b.e = e
	b.mu.Unlock()
}

type fixture struct {
	path   string
	gate   *fakeGate
	blobs  *fakeBlobs
	params *phase.Cell
	sink   *Sink
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	p, err := phase.NewParameters(0.001, 6400)
	require.NoError(t, err)
	fx := &fixture{
		path:   filepath.Join(t.TempDir(), "samples.csv"),
		gate:   &fakeGate{},
		blobs:  &fakeBlobs{},
		params: phase.NewCell(p),
	}
	fx.sink, err = Open(fx.path, fx.gate, fx.blobs, fx.params, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { fx.sink.Close() })
	return fx
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func packet(us uint32) telemetry.Packet {
	p := telemetry.Packet{DeviceMicros: us}
	for i := range p.GroupA {
		p.GroupA[i] = uint16(i + 1)
		p.GroupB[i] = uint16(100 + i)
	}
	return p
}

func TestDiscardBeforeRecording(t *testing.T) {
	fx := newFixture(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, fx.sink.Accept(packet(uint32(i)), now))
	}
	assert.Equal(t, uint64(3), fx.sink.Discarded())
	assert.Equal(t, uint64(0), fx.sink.Written())

	rows := readRows(t, fx.path)
	require.Len(t, rows, 1)
	assert.Equal(t, Header, rows[0])
}

func TestPhaseFromFirstRecordedPacket(t *testing.T) {
	fx := newFixture(t)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, fx.sink.Accept(packet(1), t0.Add(-time.Second)))
	fx.gate.on.Store(true)
	require.NoError(t, fx.sink.Accept(packet(2), t0))
	require.NoError(t, fx.sink.Accept(packet(3), t0.Add(2*time.Second)))

	rows := readRows(t, fx.path)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"2", "1", "2", "3", "4", "5", "100", "101", "102", "103", "104", "", "", "0.0000", "180.0000"}, rows[1])
	assert.Equal(t, "56.2500", rows[2][13])
	assert.Equal(t, "236.2500", rows[2][14])
}

func TestBlobColumns(t *testing.T) {
	fx := newFixture(t)
	fx.gate.on.Store(true)
	fx.blobs.set(optics.BlobEstimate{Valid: true, AngleDeg: 12.345678, Area: 1500.5})

	require.NoError(t, fx.sink.Accept(packet(7), time.Now()))
	rows := readRows(t, fx.path)
	require.Len(t, rows, 2)
	assert.Equal(t, "12.3457", rows[1][11])
	assert.Equal(t, "1500.5000", rows[1][12])
}

func TestRecordsKeepArrivalOrder(t *testing.T) {
	var seen []uint64
	fx := newFixture(t, WithTap(func(r telemetry.FusedRecord) { seen = append(seen, r.Seq) }))
	fx.gate.on.Store(true)
	base := time.Now()

	for i, us := range []uint32{0, 1000000, 2000000} {
		require.NoError(t, fx.sink.Accept(packet(us), base.Add(time.Duration(i)*time.Second)))
	}
	rows := readRows(t, fx.path)
	require.Len(t, rows, 4)
	assert.Equal(t, "0", rows[1][0])
	assert.Equal(t, "1000000", rows[2][0])
	assert.Equal(t, "2000000", rows[3][0])
	assert.Equal(t, []uint64{1, 2, 3}, seen)
}

func TestConcurrentAcceptDoesNotInterleave(t *testing.T) {
	fx := newFixture(t)
	fx.gate.on.Store(true)

	const producers, each = 8, 200
	var wg sync.WaitGroup
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				assert.NoError(t, fx.sink.Accept(packet(uint32(g*each+i)), time.Now()))
			}
		}(g)
	}
	wg.Wait()

	rows := readRows(t, fx.path)
	require.Len(t, rows, producers*each+1)
	seen := make(map[string]bool)
	for _, r := range rows[1:] {
		require.Len(t, r, len(Header))
		assert.False(t, seen[r[0]], "duplicate row %s", r[0])
		seen[r[0]] = true
	}
	assert.Equal(t, uint64(producers*each), fx.sink.Written())
}

func TestAppendKeepsSingleHeader(t *testing.T) {
	fx := newFixture(t)
	fx.gate.on.Store(true)
	require.NoError(t, fx.sink.Accept(packet(1), time.Now()))
	require.NoError(t, fx.sink.Close())

	again, err := Open(fx.path, fx.gate, fx.blobs, fx.params, WithFsync(true))
	require.NoError(t, err)
	require.NoError(t, again.Accept(packet(2), time.Now()))
	require.NoError(t, again.Close())

	rows := readRows(t, fx.path)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, "2", rows[2][0])
}

func TestReopenTerminatesTornRow(t *testing.T) {
	fx := newFixture(t)
	fx.gate.on.Store(true)
	require.NoError(t, fx.sink.Accept(packet(1), time.Now()))
	require.NoError(t, fx.sink.Close())

	f, err := os.OpenFile(fx.path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString("123,45")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	again, err := Open(fx.path, fx.gate, fx.blobs, fx.params)
	require.NoError(t, err)
	require.NoError(t, again.Accept(packet(999), time.Now()))
	require.NoError(t, again.Close())

	data, err := os.ReadFile(fx.path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "123,45", lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "999,"), lines[3])
	assert.Len(t, strings.Split(lines[3], ","), len(Header))
}

func TestReopenRejectsForeignHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	require.NoError(t, os.WriteFile(path, []byte("device_us,a0_0\n123,45\n"), 0o644))

	_, err := Open(path, &fakeGate{}, &fakeBlobs{}, phase.NewCell(phase.Parameters{StepDelay: 1, StepsPerRev: 1, DegreesPerStep: 360}))
	assert.ErrorIs(t, err, ErrHeaderMismatch)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "device_us,a0_0\n123,45\n", string(data))
}

func TestCloseStopsWrites(t *testing.T) {
	fx := newFixture(t)
	fx.gate.on.Store(true)
	require.NoError(t, fx.sink.Accept(packet(1), time.Now()))
	require.NoError(t, fx.sink.Close())
	require.NoError(t, fx.sink.Close())

	assert.ErrorIs(t, fx.sink.Accept(packet(2), time.Now()), ErrClosed)
	rows := readRows(t, fx.path)
	assert.Len(t, rows, 2)
}

func TestOpenFailure(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "samples.csv"), &fakeGate{}, &fakeBlobs{}, phase.NewCell(phase.Parameters{StepDelay: 1, StepsPerRev: 1, DegreesPerStep: 360}))
	assert.Error(t, err)
}

func TestHeaderLayout(t *testing.T) {
	require.Len(t, Header, 1+telemetry.ChannelCount+4)
	assert.Equal(t, "a0_0", Header[1])
	assert.Equal(t, "a1_"+strconv.Itoa(telemetry.GroupSize-1), Header[telemetry.ChannelCount])
}
