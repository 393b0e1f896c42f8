// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package link keeps a notification subscription to the telemetry
// peripheral alive and hands every decoded packet to a Handler.
package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

// Handler receives each decoded packet with its arrival time. A non-nil
// error is fatal for the link.
type Handler func(p telemetry.Packet, arrival time.Time) error

// Options configures a Link.
type Options struct {
	Name             string // advertised name to discover
	Address          string // preset address; skips discovery when set
	ScanTimeout      time.Duration
	ConnectTimeout   time.Duration
	DiscoveryBackoff time.Duration
	ConnectBackoff   time.Duration
}

// Link runs the discover, connect, subscribe cycle.
type Link struct {
	radio  Radio
	opts   Options
	handle Handler

	state      atomic.Int32
	packets    atomic.Uint64
	malformed  atomic.Uint64
	reconnects atomic.Uint64
}

// New creates a link delivering packets to handle.
func New(radio Radio, opts Options, handle Handler) *Link {
	return &Link{radio: radio, opts: opts, handle: handle}
}

// State returns the current connection state.
func (l *Link) State() State { return State(l.state.Load()) }

// Packets returns the number of packets delivered to the handler.
func (l *Link) Packets() uint64 { return l.packets.Load() }

// Malformed returns the number of notifications dropped for bad length.
func (l *Link) Malformed() uint64 { return l.malformed.Load() }

// Reconnects returns how many sessions ended with a disconnect.
func (l *Link) Reconnects() uint64 { return l.reconnects.Load() }

func (l *Link) setState(s State) { l.state.Store(int32(s)) }

// Run keeps the link up until ctx is cancelled, then returns nil. Discovery
// and connect failures are retried after a backoff. Any other fault while
// subscribed, including a handler error, ends Run with that error.
func (l *Link) Run(ctx context.Context) error {
	defer l.setState(Disconnected)

	for ctx.Err() == nil {
		target, err := l.resolve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("link: discovery failed, retrying in %s: %v", l.opts.DiscoveryBackoff, err)
			l.setState(Disconnected)
			if !sleep(ctx, l.opts.DiscoveryBackoff) {
				break
			}
			continue
		}

		err = l.session(ctx, target)
		switch {
		case err == nil:
		case errors.Is(err, ErrDisconnected):
			l.reconnects.Add(1)
			log.Printf("link: %s disconnected, reconnecting", target)
		case errors.Is(err, ErrConnect):
			if ctx.Err() == nil {
				log.Printf("link: %v, retrying in %s", err, l.opts.ConnectBackoff)
				l.setState(Disconnected)
				sleep(ctx, l.opts.ConnectBackoff)
			}
		default:
			log.Printf("link: fatal fault on %s: %v", target, err)
			return fmt.Errorf("link: %w", err)
		}
	}
	log.Println("link: stopped")
	return nil
}

func (l *Link) resolve(ctx context.Context) (Target, error) {
	if l.opts.Address != "" {
		return PresetAddress{Address: l.opts.Address}, nil
	}
	l.setState(Discovering)
	log.Printf("link: scanning for %q", l.opts.Name)
	dev, err := l.radio.Discover(ctx, l.opts.Name, l.opts.ScanTimeout)
	if err != nil {
		return nil, err
	}
	log.Printf("link: found %s", dev)
	return dev, nil
}

// session runs one connection. It returns nil only when ctx is cancelled.
func (l *Link) session(ctx context.Context, target Target) error {
	l.setState(Connecting)
	sess, err := l.radio.Connect(ctx, target, l.opts.ConnectTimeout)
	if err != nil {
		return connectErr("connect to "+target.String(), err)
	}
	defer sess.Close()

	d := &dispatcher{link: l, fault: make(chan error, 1)}
	if err := sess.Subscribe(d.notify); err != nil {
		return connectErr("subscribe on "+target.String(), err)
	}
	l.setState(Subscribed)
	log.Printf("link: subscribed to %s", target)

	select {
	case <-ctx.Done():
		if err := sess.Unsubscribe(); err != nil {
			log.Printf("link: unsubscribe: %v", err)
		}
		d.stop()
		return nil
	case err := <-d.fault:
		sess.Unsubscribe()
		d.stop()
		return err
	case <-sess.Done():
		d.stop()
		if err := sess.Err(); err != nil {
			return err
		}
		return ErrDisconnected
	}
}

func connectErr(op string, err error) error {
	if errors.Is(err, ErrConnect) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrConnect, err)
}

// dispatcher is the notification path for one session. Callbacks hold the
// read lock; stop takes the write lock, so it returns only after every
// in-flight callback has finished, and later callbacks are ignored.
type dispatcher struct {
	link  *Link
	fault chan error

	mu      sync.RWMutex
	stopped bool
}

func (d *dispatcher) notify(data []byte) {
	arrival := time.Now()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.report(fmt.Errorf("panic in notification handler: %v", r))
		}
	}()

	p, err := telemetry.Decode(data)
	if err != nil {
		n := d.link.malformed.Add(1)
		if n == 1 || n%100 == 0 {
			log.Printf("link: dropped malformed packet (%d total): %v", n, err)
		}
		return
	}
	d.link.packets.Add(1)
	if err := d.link.handle(p, arrival); err != nil {
		d.report(err)
	}
}

func (d *dispatcher) report(err error) {
	select {
	case d.fault <- err:
	default:
	}
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
