// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package link

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

type mockRadio struct {
	period time.Duration
	life   time.Duration
	start  time.Time
}

// NewMockRadio simulates the telemetry peripheral: packets every period
// with slowly varying analog channels. When life is positive each
// connection drops after that long.
func NewMockRadio(period, life time.Duration) Radio {
	return &mockRadio{period: period, life: life, start: time.Now()}
}

func (m *mockRadio) Discover(ctx context.Context, name string, timeout time.Duration) (DiscoveredDevice, error) {
	if !sleep(ctx, min(timeout, 200*time.Millisecond)) {
		return DiscoveredDevice{}, ctx.Err()
	}
	return DiscoveredDevice{Name: name, Address: "02:00:00:00:00:01"}, nil
}

func (m *mockRadio) Connect(ctx context.Context, t Target, timeout time.Duration) (Session, error) {
	return &mockSession{
		radio: m,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

type mockSession struct {
	radio *mockRadio

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
	err      error
	wg       sync.WaitGroup
}

func (s *mockSession) Subscribe(fn func([]byte)) error {
	s.wg.Add(1)
	go s.loop(fn)
	return nil
}

func (s *mockSession) loop(fn func([]byte)) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.radio.period)
	defer ticker.Stop()

	var expire <-chan time.Time
	if s.radio.life > 0 {
		t := time.NewTimer(s.radio.life)
		defer t.Stop()
		expire = t.C
	}

	for {
		select {
		case <-s.quit:
			return
		case <-expire:
			s.finish(ErrDisconnected)
			return
		case now := <-ticker.C:
			fn(s.radio.sample(now).Encode())
		}
	}
}

func (m *mockRadio) sample(now time.Time) telemetry.Packet {
	elapsed := now.Sub(m.start)
	sec := elapsed.Seconds()
	p := telemetry.Packet{DeviceMicros: uint32(elapsed.Microseconds())}
	for i := range p.GroupA {
		shift := float64(i) * 2 * math.Pi / telemetry.GroupSize
		p.GroupA[i] = uint16(2048 + 1500*math.Sin(2*math.Pi*0.5*sec+shift))
		p.GroupB[i] = uint16(2048 + 1500*math.Sin(2*math.Pi*0.5*sec+shift+math.Pi))
	}
	return p
}

func (s *mockSession) finish(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *mockSession) Done() <-chan struct{} { return s.done }

func (s *mockSession) Err() error { return s.err }

func (s *mockSession) Unsubscribe() error {
	s.quitOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
	return nil
}

func (s *mockSession) Close() error {
	s.Unsubscribe()
	s.finish(nil)
	return nil
}
