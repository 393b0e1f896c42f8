// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package optics estimates the drum's blob angle and area from camera
// frames.
package optics

import (
	"context"
	"errors"
	"image"
	"log"
	"sync/atomic"
	"time"
)

// ErrNoBlob is returned by a Source when a frame holds no qualifying
// contour.
var ErrNoBlob = errors.New("no qualifying contour")

// Blob is one raw per-frame measurement.
type Blob struct {
	Area      float64
	HasCenter bool
	Center    image.Point // contour centroid, region coordinates
	Angle     float64     // ellipse rotation, degrees
}

// Source produces one measurement per captured frame.
type Source interface {
	Next() (Blob, error)
	Close() error
}

// Estimator drives a Source at a capped rate and publishes smoothed
// estimates.
type Estimator struct {
	src      Source
	out      *Estimates
	smoother *Smoother
	period   time.Duration

	frames   atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64
}

// NewEstimator creates an estimator publishing into out, running no faster
// than maxFPS and smoothing over window samples.
func NewEstimator(src Source, out *Estimates, maxFPS, window int) *Estimator {
	var period time.Duration
	if maxFPS > 0 {
		period = time.Second / time.Duration(maxFPS)
	}
	return &Estimator{
		src:      src,
		out:      out,
		smoother: NewSmoother(window),
		period:   period,
	}
}

// Frames returns how many frames updated the estimate.
func (e *Estimator) Frames() uint64 { return e.frames.Load() }

// Misses returns how many frames had no qualifying contour.
func (e *Estimator) Misses() uint64 { return e.misses.Load() }

// Failures returns how many frames could not be captured.
func (e *Estimator) Failures() uint64 { return e.failures.Load() }

// Step processes one frame. A frame without a qualifying blob leaves the
// published estimate unchanged.
func (e *Estimator) Step() error {
	b, err := e.src.Next()
	if err != nil {
		return err
	}
	smoothed := e.smoother.Add(b.Angle)
	e.out.publish(BlobEstimate{
		Valid:     true,
		Area:      b.Area,
		AngleDeg:  smoothed,
		HasCenter: b.HasCenter,
		Center:    b.Center,
	})
	e.frames.Add(1)
	return nil
}

// Run processes frames until ctx is cancelled. The source is closed on
// return.
func (e *Estimator) Run(ctx context.Context) error {
	defer func() {
		if err := e.src.Close(); err != nil {
			log.Printf("optics: close source: %v", err)
		}
		log.Println("optics: estimator stopped")
	}()

	var lastErr error
	for ctx.Err() == nil {
		start := time.Now()

		err := e.Step()
		switch {
		case err == nil:
			if lastErr != nil {
				log.Println("optics: blob reacquired")
			}
		case errors.Is(err, ErrNoBlob):
			e.misses.Add(1)
			if !errors.Is(lastErr, ErrNoBlob) {
				log.Println("optics: no qualifying contour, holding last estimate")
			}
		default:
			e.failures.Add(1)
			if lastErr == nil || errors.Is(lastErr, ErrNoBlob) {
				log.Printf("optics: frame capture failed: %v", err)
			}
		}
		lastErr = err

		if rest := e.period - time.Since(start); rest > 0 {
			t := time.NewTimer(rest)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
	}
	return nil
}
