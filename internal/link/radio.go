// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package link

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means discovery ended without a matching peripheral.
	ErrNotFound = errors.New("peripheral not found")
	// ErrConnect marks a failed connect or subscribe. It is retried after
	// the connect backoff.
	ErrConnect = errors.New("connect failed")
	// ErrDisconnected is reported by a Session when the peripheral drops
	// the connection. The link rediscovers immediately.
	ErrDisconnected = errors.New("peripheral disconnected")
)

// Target is where the link connects: either a device found by discovery
// or a configured address. It is implemented only by DiscoveredDevice and
// PresetAddress.
type Target interface {
	Addr() string
	String() string
	target()
}

// DiscoveredDevice is a peripheral found during a scan.
type DiscoveredDevice struct {
	Name    string
	Address string
}

func (d DiscoveredDevice) Addr() string   { return d.Address }
func (d DiscoveredDevice) String() string { return d.Name + " (" + d.Address + ")" }
func (DiscoveredDevice) target()          {}

// PresetAddress is a configured peripheral address; discovery is skipped.
type PresetAddress struct {
	Address string
}

func (p PresetAddress) Addr() string   { return p.Address }
func (p PresetAddress) String() string { return p.Address + " (preset)" }
func (PresetAddress) target()          {}

// Radio is the BLE central used by the link.
type Radio interface {
	// Discover scans for up to timeout for a peripheral advertising name.
	Discover(ctx context.Context, name string, timeout time.Duration) (DiscoveredDevice, error)
	// Connect opens a session with t, giving up after timeout.
	Connect(ctx context.Context, t Target, timeout time.Duration) (Session, error)
}

// Session is one connection to the peripheral.
type Session interface {
	// Subscribe enables notifications on the telemetry characteristic.
	// fn may be called from any goroutine and must not retain data.
	Subscribe(fn func(data []byte)) error
	// Done is closed when the connection ends for any reason.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
	Unsubscribe() error
	Close() error
}

// State is the link's connection state.
type State int32

const (
	Disconnected State = iota
	Discovering
	Connecting
	Subscribed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Discovering:
		return "discovering"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}
