// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package mirror republishes fused records and recorder status to MQTT for
// live consumers. It never blocks the recording path.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

// publishTimeout bounds each wait on the broker.
const publishTimeout = 2 * time.Second

// Publisher is the part of mqtt.Client the mirror uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Options configures a Mirror.
type Options struct {
	RecordTopic    string
	StatusTopic    string
	RecordEvery    int // publish every Nth record
	StatusInterval time.Duration
	Buffer         int
}

// Mirror queues records from the sink and publishes them from its own
// goroutine.
type Mirror struct {
	pub    Publisher
	opts   Options
	status func() telemetry.Status

	records chan telemetry.FusedRecord
	offered atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a mirror. status is sampled every StatusInterval.
func New(pub Publisher, opts Options, status func() telemetry.Status) *Mirror {
	if opts.RecordEvery < 1 {
		opts.RecordEvery = 1
	}
	if opts.Buffer < 1 {
		opts.Buffer = 256
	}
	return &Mirror{
		pub:     pub,
		opts:    opts,
		status:  status,
		records: make(chan telemetry.FusedRecord, opts.Buffer),
	}
}

// Connect dials the broker the way every tool in this repo does.
func Connect(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	log.Printf("mirror: connected to MQTT broker at %s as %s", broker, clientID)
	return client, nil
}

// Offer queues r for publishing. It never blocks; when the queue is full
// the record is dropped from the mirror only.
func (m *Mirror) Offer(r telemetry.FusedRecord) {
	if n := m.offered.Add(1); (n-1)%uint64(m.opts.RecordEvery) != 0 {
		return
	}
	select {
	case m.records <- r:
	default:
		if m.dropped.Add(1)%100 == 1 {
			log.Printf("mirror: queue full, %d records not mirrored", m.dropped.Load())
		}
	}
}

// Published returns the number of records sent to the broker.
func (m *Mirror) Published() uint64 { return m.published.Load() }

// Dropped returns the number of records skipped because the queue was full.
func (m *Mirror) Dropped() uint64 { return m.dropped.Load() }

// Run publishes until ctx is cancelled, then sends a final status.
func (m *Mirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.publishStatus()
			log.Println("mirror: stopped")
			return nil
		case r := <-m.records:
			if m.publish(m.opts.RecordTopic, false, r) {
				m.published.Add(1)
			}
		case <-ticker.C:
			m.publishStatus()
		}
	}
}

func (m *Mirror) publishStatus() {
	if m.status == nil {
		return
	}
	m.publish(m.opts.StatusTopic, true, m.status())
}

func (m *Mirror) publish(topic string, retained bool, v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("mirror: marshal for %s: %v", topic, err)
		return false
	}
	token := m.pub.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		m.fail(topic, fmt.Errorf("timed out after %s", publishTimeout))
		return false
	}
	if err := token.Error(); err != nil {
		m.fail(topic, err)
		return false
	}
	return true
}

func (m *Mirror) fail(topic string, err error) {
	if n := m.failed.Add(1); n == 1 || n%100 == 0 {
		log.Printf("mirror: publish to %s failed (%d total): %v", topic, n, err)
	}
}
