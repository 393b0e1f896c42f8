// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, message{topic, retained, payload.([]byte)})
	return doneToken{err: p.err}
}

func (p *fakePublisher) on(topic string) []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []message
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func opts() Options {
	return Options{
		RecordTopic:    "drum/record",
		StatusTopic:    "drum/status",
		RecordEvery:    1,
		StatusInterval: 20 * time.Millisecond,
		Buffer:         4,
	}
}

func TestRecordsArePublishedInOrder(t *testing.T) {
	pub := &fakePublisher{}
	m := New(pub, opts(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for i := uint64(1); i <= 3; i++ {
		m.Offer(telemetry.FusedRecord{Seq: i, PhaseA: float64(i)})
	}
	require.Eventually(t, func() bool { return m.Published() == 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	msgs := pub.on("drum/record")
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		var r telemetry.FusedRecord
		require.NoError(t, json.Unmarshal(msg.payload, &r))
		assert.Equal(t, uint64(i+1), r.Seq)
		assert.False(t, msg.retained)
	}
}

func TestOfferNeverBlocks(t *testing.T) {
	m := New(&fakePublisher{}, opts(), nil)
	for i := 0; i < 10; i++ {
		m.Offer(telemetry.FusedRecord{Seq: uint64(i)})
	}
	assert.Equal(t, uint64(6), m.Dropped())
}

func TestRecordEvery(t *testing.T) {
	o := opts()
	o.RecordEvery = 3
	o.Buffer = 100
	m := New(&fakePublisher{}, o, nil)
	for i := 0; i < 9; i++ {
		m.Offer(telemetry.FusedRecord{Seq: uint64(i)})
	}
	assert.Len(t, m.records, 3)
	assert.Equal(t, uint64(0), (<-m.records).Seq)
	assert.Equal(t, uint64(3), (<-m.records).Seq)
}

func TestStatusIsRetained(t *testing.T) {
	pub := &fakePublisher{}
	m := New(pub, opts(), func() telemetry.Status {
		return telemetry.Status{Session: "abc", LinkState: "subscribed", Written: 12}
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.on("drum/status")) >= 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	msg := pub.on("drum/status")[0]
	assert.True(t, msg.retained)
	var s telemetry.Status
	require.NoError(t, json.Unmarshal(msg.payload, &s))
	assert.Equal(t, "abc", s.Session)
	assert.Equal(t, uint64(12), s.Written)
}

func TestPublishFailureIsCounted(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	m := New(pub, opts(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.Offer(telemetry.FusedRecord{Seq: 1})
	require.Eventually(t, func() bool { return m.failed.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, uint64(0), m.Published())
}
