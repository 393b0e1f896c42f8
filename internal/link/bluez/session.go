// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bluez

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/relabs-tech/drum_recorder/internal/link"
)

// signalBus is the part of *dbus.Conn a session needs.
type signalBus interface {
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
}

type session struct {
	bus    signalBus
	call   func(path dbus.ObjectPath, method string) error
	device dbus.ObjectPath
	char   dbus.ObjectPath
	idle   time.Duration
	match  []dbus.MatchOption

	mu      sync.Mutex
	signals chan *dbus.Signal
	stop    chan struct{}
	wg      sync.WaitGroup

	once sync.Once
	done chan struct{}
	err  error
}

func newSession(bus signalBus, call func(dbus.ObjectPath, string) error, device, char dbus.ObjectPath, idle time.Duration) *session {
	return &session{
		bus:    bus,
		call:   call,
		device: device,
		char:   char,
		idle:   idle,
		match: []dbus.MatchOption{
			dbus.WithMatchInterface(propertiesIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(device),
		},
		done: make(chan struct{}),
	}
}

// Subscribe starts notifications. Property changes on the device and the
// characteristic are read on one goroutine, so fn is never called
// concurrently, and fn always gets its own copy of the value.
func (s *session) Subscribe(fn func([]byte)) error {
	s.mu.Lock()
	if s.signals != nil {
		s.mu.Unlock()
		return errors.New("bluez: already subscribed")
	}
	if err := s.bus.AddMatchSignal(s.match...); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: add match: %v", link.ErrConnect, err)
	}
	s.signals = make(chan *dbus.Signal, 64)
	s.stop = make(chan struct{})
	s.bus.Signal(s.signals)
	s.wg.Add(1)
	go s.watch(fn, s.signals, s.stop)
	s.mu.Unlock()

	if err := s.call(s.char, charIface+".StartNotify"); err != nil {
		s.teardown(false)
		return fmt.Errorf("%w: start notify: %v", link.ErrConnect, err)
	}
	return nil
}

func (s *session) watch(fn func([]byte), signals <-chan *dbus.Signal, stop <-chan struct{}) {
	defer s.wg.Done()

	var idle <-chan time.Time
	var timer *time.Timer
	if s.idle > 0 {
		timer = time.NewTimer(s.idle)
		defer timer.Stop()
		idle = timer.C
	}

	// After the session ends the channel is still drained until teardown;
	// the bus blocks on an unread signal channel.
	ended := false
	for {
		select {
		case <-stop:
			return
		case <-idle:
			idle = nil
			ended = true
			log.Printf("bluez: no notification from %s for %s", s.char, s.idle)
			s.finish(fmt.Errorf("%w: idle for %s", link.ErrDisconnected, s.idle))
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if ended {
				continue
			}
			value, lost := s.classify(sig)
			if lost {
				ended = true
				idle = nil
				log.Printf("bluez: %s disconnected", s.device)
				s.finish(link.ErrDisconnected)
				continue
			}
			if value == nil {
				continue
			}
			if timer != nil {
				timer.Reset(s.idle)
			}
			data := make([]byte, len(value))
			copy(data, value)
			fn(data)
		}
	}
}

// classify returns a characteristic value, or lost when the device reports
// Connected=false.
func (s *session) classify(sig *dbus.Signal) (value []byte, lost bool) {
	if sig == nil || sig.Name != propsChanged || len(sig.Body) < 2 {
		return nil, false
	}
	iface, _ := sig.Body[0].(string)
	changes, _ := sig.Body[1].(map[string]dbus.Variant)
	switch {
	case sig.Path == s.char && iface == charIface:
		v, _ := changes["Value"].Value().([]byte)
		return v, false
	case sig.Path == s.device && iface == deviceIface:
		connected, ok := changes["Connected"].Value().(bool)
		return nil, ok && !connected
	}
	return nil, false
}

// teardown removes the signal plumbing and, when stopNotify is set, asks
// BlueZ to stop notifying.
func (s *session) teardown(stopNotify bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signals == nil {
		return nil
	}
	err := s.bus.RemoveMatchSignal(s.match...)
	s.bus.RemoveSignal(s.signals)
	close(s.stop)
	s.wg.Wait()
	s.signals = nil

	if stopNotify {
		if nerr := s.call(s.char, charIface+".StopNotify"); nerr != nil {
			err = errors.Join(err, nerr)
		}
	}
	if err != nil {
		return fmt.Errorf("bluez: unsubscribe: %w", err)
	}
	return nil
}

func (s *session) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Unsubscribe stops notifications. No callback runs after it returns.
func (s *session) Unsubscribe() error {
	return s.teardown(true)
}

func (s *session) Close() error {
	if err := s.teardown(false); err != nil {
		log.Printf("bluez: close %s: %v", s.device, err)
	}
	s.finish(nil)
	if err := s.call(s.device, deviceIface+".Disconnect"); err != nil {
		log.Printf("bluez: disconnect %s: %v", s.device, err)
		return err
	}
	return nil
}
