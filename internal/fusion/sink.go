// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package fusion merges telemetry packets with the latest detector,
// optical and phase state and appends the result to the output log.
package fusion

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/drum_recorder/internal/optics"
	"github.com/relabs-tech/drum_recorder/internal/phase"
	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

// ErrClosed is returned by Accept after Close.
var ErrClosed = errors.New("sink closed")

// ErrHeaderMismatch is returned by Open when an existing log has a
// different column layout.
var ErrHeaderMismatch = errors.New("sink: existing log has a different header")

// RecordingGate reports whether recording has started.
type RecordingGate interface {
	RecordingActive() bool
}

// BlobReader returns the latest optical estimate.
type BlobReader interface {
	Latest() optics.BlobEstimate
}

// ParamReader returns the motor step timing in effect.
type ParamReader interface {
	Current() phase.Parameters
}

// Header is the first row of a new output log.
var Header = func() []string {
	h := []string{"device_us"}
	for i := 0; i < telemetry.GroupSize; i++ {
		h = append(h, fmt.Sprintf("a0_%d", i))
	}
	for i := 0; i < telemetry.GroupSize; i++ {
		h = append(h, fmt.Sprintf("a1_%d", i))
	}
	return append(h, "blob_angle", "blob_area", "phase_a0", "phase_a1")
}()

// Sink is the only writer of the output log. Accept may be called from any
// goroutine; each call reads the shared state, computes and appends as one
// step.
type Sink struct {
	gate   RecordingGate
	blobs  BlobReader
	params ParamReader
	fsync  bool
	tap    func(telemetry.FusedRecord)

	mu      sync.Mutex
	f       *os.File
	w       *csv.Writer
	row     []string
	t0      time.Time
	started bool
	seq     uint64
	closed  bool

	written   atomic.Uint64
	discarded atomic.Uint64
}

// Option configures a Sink.
type Option func(*Sink)

// WithFsync syncs the file to disk after every record.
func WithFsync(on bool) Option {
	return func(s *Sink) { s.fsync = on }
}

// WithTap calls fn with every written record while the sink lock is held.
// fn must not block.
func WithTap(fn func(telemetry.FusedRecord)) Option {
	return func(s *Sink) { s.tap = fn }
}

// Open opens or creates the log at path for appending. The header is
// written only when the file is empty. An existing log must start with
// Header; if its last row was cut short, that row is terminated so the
// next record starts on its own line.
func Open(path string, gate RecordingGate, blobs BlobReader, params ParamReader, opts ...Option) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sink: stat %s: %w", path, err)
	}

	s := &Sink{
		gate:   gate,
		blobs:  blobs,
		params: params,
		f:      f,
		w:      csv.NewWriter(f),
		row:    make([]string, 0, len(Header)),
	}
	for _, opt := range opts {
		opt(s)
	}

	if info.Size() == 0 {
		if err := s.writeRow(Header); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := s.resume(path, info.Size()); err != nil {
		f.Close()
		return nil, err
	}
	log.Printf("sink: appending to %s", path)
	return s, nil
}

func (s *Sink) resume(path string, size int64) error {
	line, err := bufio.NewReader(io.NewSectionReader(s.f, 0, size)).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("sink: read %s: %w", path, err)
	}
	header, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil || !slices.Equal(header, Header) {
		return fmt.Errorf("%w: %s", ErrHeaderMismatch, path)
	}

	last := make([]byte, 1)
	if _, err := s.f.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("sink: read %s: %w", path, err)
	}
	if last[0] != '\n' {
		log.Printf("sink: %s ends in an incomplete row, terminating it", path)
		if _, err := s.f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("sink: write %s: %w", path, err)
		}
	}
	return nil
}

// Written returns the number of records appended.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Discarded returns the number of packets dropped before recording began.
func (s *Sink) Discarded() uint64 { return s.discarded.Load() }

// Accept fuses one packet received at arrival and appends it. Packets that
// arrive before the first marker are discarded. A returned error other than
// ErrClosed means the log can no longer be written.
func (s *Sink) Accept(p telemetry.Packet, arrival time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.gate.RecordingActive() {
		s.discarded.Add(1)
		return nil
	}
	if !s.started {
		s.t0 = arrival
		s.started = true
		log.Printf("sink: recording started at %s", arrival.Format(time.RFC3339Nano))
	}

	blob := s.blobs.Latest()
	phaseA, phaseB := phase.Angles(arrival.Sub(s.t0), s.params.Current())

	s.seq++
	rec := telemetry.FusedRecord{
		Seq:          s.seq,
		Arrival:      arrival,
		DeviceMicros: p.DeviceMicros,
		GroupA:       p.GroupA,
		GroupB:       p.GroupB,
		HaveBlob:     blob.Valid,
		BlobAngle:    blob.AngleDeg,
		BlobArea:     blob.Area,
		PhaseA:       phaseA,
		PhaseB:       phaseB,
	}
	if err := s.writeRow(s.format(rec)); err != nil {
		s.seq--
		return err
	}
	s.written.Add(1)
	if s.tap != nil {
		s.tap(rec)
	}
	return nil
}

func (s *Sink) format(r telemetry.FusedRecord) []string {
	row := append(s.row[:0], strconv.FormatUint(uint64(r.DeviceMicros), 10))
	for _, v := range r.GroupA {
		row = append(row, strconv.Itoa(int(v)))
	}
	for _, v := range r.GroupB {
		row = append(row, strconv.Itoa(int(v)))
	}
	if r.HaveBlob {
		row = append(row, fixed4(r.BlobAngle), fixed4(r.BlobArea))
	} else {
		row = append(row, "", "")
	}
	row = append(row, fixed4(r.PhaseA), fixed4(r.PhaseB))
	s.row = row
	return row
}

func fixed4(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// writeRow writes and flushes one row. Caller holds mu or owns s.
func (s *Sink) writeRow(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("sink: write: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("sink: flush: %w", err)
	}
	if s.fsync {
		if err := s.f.Sync(); err != nil {
			return fmt.Errorf("sink: fsync: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the log. Later Accept calls return ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.w.Flush()
	flushErr := s.w.Error()
	closeErr := s.f.Close()
	log.Printf("sink: closed after %d records (%d discarded before first marker)", s.written.Load(), s.discarded.Load())
	if flushErr != nil {
		return fmt.Errorf("sink: flush: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("sink: close: %w", closeErr)
	}
	return nil
}
