// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/drum_recorder/internal/config"
	"github.com/relabs-tech/drum_recorder/internal/fusion"
	"github.com/relabs-tech/drum_recorder/internal/link"
	"github.com/relabs-tech/drum_recorder/internal/location"
	"github.com/relabs-tech/drum_recorder/internal/mirror"
	"github.com/relabs-tech/drum_recorder/internal/optics"
	"github.com/relabs-tech/drum_recorder/internal/phase"
	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

// Hardware is the set of inputs the recorder reads from.
type Hardware struct {
	Radio  link.Radio
	Marker location.Sensor
	Camera optics.Source // nil disables the optical estimator
	Serial io.ReadCloser // optional parameter line from the controller
}

// MockHardware simulates a drum turning once every rev.
func MockHardware(cfg *config.Config, rev time.Duration) Hardware {
	hw := Hardware{
		Radio:  link.NewMockRadio(10*time.Millisecond, 0),
		Marker: location.NewMockSensor(rev),
	}
	if cfg.CameraEnabled {
		hw.Camera = optics.NewMockSource(rev)
	}
	return hw
}

// Recorder wires the acquisition components around one output log.
type Recorder struct {
	cfg     *config.Config
	session string

	revs     *location.Revolutions
	blobs    *optics.Estimates
	params   *phase.Cell
	channel  *phase.Channel
	detector *location.Detector
	link     *link.Link
	sink     *fusion.Sink

	estimator *optics.Estimator
	serial    io.ReadCloser
	mirror    *mirror.Mirror
	client    mqtt.Client
}

// NewRecorder opens the output log and builds every component. A log that
// cannot be opened is fatal. Failing to reach the MQTT broker only disables
// the mirror.
func NewRecorder(cfg *config.Config, hw Hardware) (*Recorder, error) {
	initial, err := phase.NewParameters(cfg.ParamDefaultDelay, cfg.ParamDefaultSPR)
	if err != nil {
		return nil, fmt.Errorf("recorder: default parameters: %w", err)
	}

	r := &Recorder{
		cfg:     cfg,
		session: uuid.NewString(),
		revs:    &location.Revolutions{},
		blobs:   &optics.Estimates{},
		params:  phase.NewCell(initial),
		serial:  hw.Serial,
	}
	r.channel = phase.NewChannel(r.params)

	sinkOpts := []fusion.Option{fusion.WithFsync(cfg.OutputFsync)}
	if cfg.MQTTBroker != "" {
		client, err := mirror.Connect(cfg.MQTTBroker, cfg.MQTTClientIDRecorder+"-"+r.session[:8])
		if err != nil {
			log.Printf("recorder: mirror disabled: %v", err)
		} else {
			r.client = client
			r.mirror = mirror.New(client, mirror.Options{
				RecordTopic:    cfg.TopicRecord,
				StatusTopic:    cfg.TopicStatus,
				RecordEvery:    cfg.MirrorRecordEvery,
				StatusInterval: config.Millis(cfg.StatusInterval),
			}, r.Status)
			sinkOpts = append(sinkOpts, fusion.WithTap(r.mirror.Offer))
		}
	}

	r.sink, err = fusion.Open(cfg.OutputPath, r.revs, r.blobs, r.params, sinkOpts...)
	if err != nil {
		r.disconnect()
		return nil, err
	}

	r.link = link.New(hw.Radio, link.Options{
		Name:             cfg.BLEDeviceName,
		Address:          cfg.BLEDeviceAddress,
		ScanTimeout:      config.Millis(cfg.BLEScanTimeout),
		ConnectTimeout:   config.Millis(cfg.BLEConnectTimeout),
		DiscoveryBackoff: config.Millis(cfg.BLEDiscoveryBackoff),
		ConnectBackoff:   config.Millis(cfg.BLEConnectBackoff),
	}, r.sink.Accept)
	r.detector = location.NewDetector(hw.Marker, r.revs, config.Millis(cfg.LocationPollInterval))
	if hw.Camera != nil {
		r.estimator = optics.NewEstimator(hw.Camera, r.blobs, cfg.CameraMaxFPS, cfg.OpticsWindow)
	}
	return r, nil
}

// Session is the id reported in status messages.
func (r *Recorder) Session() string { return r.session }

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. The log is closed only after all components have returned.
func (r *Recorder) Run(ctx context.Context) error {
	log.Printf("recorder: session %s, writing %s", r.session, r.cfg.OutputPath)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.link.Run(gctx) })
	g.Go(func() error { return r.detector.Run(gctx) })
	g.Go(func() error {
		return r.channel.ServeSocket(gctx, r.cfg.ParamSocketPath, config.Millis(r.cfg.ParamAcceptTimeout))
	})
	if r.serial != nil {
		g.Go(func() error { return r.channel.ServeLines(gctx, r.serial) })
	}
	if r.estimator != nil {
		g.Go(func() error { return r.estimator.Run(gctx) })
	} else {
		log.Println("recorder: camera disabled, blob columns stay empty")
	}
	if r.mirror != nil {
		g.Go(func() error { return r.mirror.Run(gctx) })
	}

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Printf("recorder: shutting down after fault: %v", runErr)
	}

	closeErr := r.sink.Close()
	r.disconnect()
	log.Println("recorder: shutdown complete")

	if runErr != nil {
		return runErr
	}
	return closeErr
}

func (r *Recorder) disconnect() {
	if r.client != nil {
		r.client.Disconnect(250)
		r.client = nil
	}
}

// Status samples every component.
func (r *Recorder) Status() telemetry.Status {
	st := telemetry.Status{
		Session: r.session,
		Time:    time.Now(),
	}
	if r.link != nil {
		st.LinkState = r.link.State().String()
		st.Packets = r.link.Packets()
		st.Malformed = r.link.Malformed()
		st.Reconnects = r.link.Reconnects()
	}
	if r.sink != nil {
		st.Written = r.sink.Written()
		st.Discarded = r.sink.Discarded()
	}
	rev := r.revs.Snapshot()
	st.Recording = rev.RecordingActive
	st.PinCount = rev.PinCount
	st.TrackedRevs = rev.TrackedRevs

	blob := r.blobs.Latest()
	st.HaveBlob = blob.Valid
	st.BlobAngle = blob.AngleDeg
	st.BlobArea = blob.Area

	p := r.params.Current()
	st.StepDelay = p.StepDelay
	st.StepsPerRev = p.StepsPerRev
	st.DegreesPerStep = p.DegreesPerStep
	return st
}

// RunRecorder builds a Recorder from cfg and hw and runs it until ctx is
// cancelled.
func RunRecorder(ctx context.Context, cfg *config.Config, hw Hardware) error {
	r, err := NewRecorder(cfg, hw)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}
