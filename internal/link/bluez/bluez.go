// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package bluez implements link.Radio on the host Bluetooth adapter.
//
// Scanning and connecting go through tinygo.org/x/bluetooth. The session
// itself talks to BlueZ over D-Bus: it watches the device's Connected
// property, starts and stops notifications on the characteristic object,
// and treats a silent characteristic as a lost link.
package bluez

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"github.com/relabs-tech/drum_recorder/internal/link"
)

// Radio is a BLE central on the default adapter.
type Radio struct {
	adapter *bluetooth.Adapter
	bus     *dbus.Conn
	service bluetooth.UUID
	char    bluetooth.UUID
	idle    time.Duration
}

// New enables the default adapter for the given service and
// characteristic. A session that sees no notification for idle is
// reported as disconnected; zero disables the check.
func New(serviceUUID, charUUID string, idle time.Duration) (*Radio, error) {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("bluez: service uuid: %w", err)
	}
	chr, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("bluez: characteristic uuid: %w", err)
	}
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("bluez: enable adapter: %w", err)
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	return &Radio{
		adapter: adapter,
		bus:     bus,
		service: svc,
		char:    chr,
		idle:    idle,
	}, nil
}

// Discover scans until a peripheral advertises name, or failing that the
// telemetry service, or until timeout.
func (r *Radio) Discover(ctx context.Context, name string, timeout time.Duration) (link.DiscoveredDevice, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		found link.DiscoveredDevice
		ok    bool
	)
	stop := context.AfterFunc(ctx, func() { r.adapter.StopScan() })
	defer stop()

	err := r.adapter.Scan(func(a *bluetooth.Adapter, res bluetooth.ScanResult) {
		if ok {
			return
		}
		if (name != "" && res.LocalName() == name) || res.HasServiceUUID(r.service) {
			found = link.DiscoveredDevice{Name: res.LocalName(), Address: res.Address.String()}
			ok = true
			a.StopScan()
		}
	})
	if err != nil {
		return link.DiscoveredDevice{}, fmt.Errorf("bluez: scan: %w", err)
	}
	if !ok {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return link.DiscoveredDevice{}, ctx.Err()
		}
		return link.DiscoveredDevice{}, fmt.Errorf("%w: no %q within %s", link.ErrNotFound, name, timeout)
	}
	return found, nil
}

type connectResult struct {
	dev bluetooth.Device
	err error
}

// Connect implements link.Radio. The adapter call ignores its own
// timeout, so it runs in the background and loses to timeout or ctx.
func (r *Radio) Connect(ctx context.Context, t link.Target, timeout time.Duration) (link.Session, error) {
	mac, err := bluetooth.ParseMAC(t.Addr())
	if err != nil {
		return nil, fmt.Errorf("bluez: address %q: %w", t.Addr(), err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	res := make(chan connectResult, 1)
	go func() {
		dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{
			ConnectionTimeout: bluetooth.NewDuration(timeout),
		})
		res <- connectResult{dev, err}
	}()

	dev, err := awaitConnect(ctx, timeout, res,
		func() { r.cancelConnect(t.Addr()) },
		func(d bluetooth.Device) { d.Disconnect() })
	if err != nil {
		return nil, err
	}

	svcs, err := dev.DiscoverServices([]bluetooth.UUID{r.service})
	if err != nil || len(svcs) == 0 {
		dev.Disconnect()
		return nil, fmt.Errorf("%w: service %s not found: %v", link.ErrConnect, r.service, err)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{r.char})
	if err != nil || len(chars) == 0 {
		dev.Disconnect()
		return nil, fmt.Errorf("%w: characteristic %s not found: %v", link.ErrConnect, r.char, err)
	}

	objects, err := r.managedObjects()
	if err != nil {
		dev.Disconnect()
		return nil, fmt.Errorf("%w: %v", link.ErrConnect, err)
	}
	devPath, charPath, err := locate(objects, t.Addr(), r.char.String())
	if err != nil {
		dev.Disconnect()
		return nil, fmt.Errorf("%w: %v", link.ErrConnect, err)
	}
	return newSession(r.bus, r.call, devPath, charPath, r.idle), nil
}

// awaitConnect waits for a connection attempt already under way. When
// timeout or ctx wins, cancel is called and a success that arrives later is
// handed to discard.
func awaitConnect(ctx context.Context, timeout time.Duration, res <-chan connectResult, cancel func(), discard func(bluetooth.Device)) (bluetooth.Device, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case c := <-res:
		if c.err != nil {
			return bluetooth.Device{}, fmt.Errorf("%w: %v", link.ErrConnect, c.err)
		}
		return c.dev, nil
	case <-timer.C:
		err = fmt.Errorf("%w: no connection within %s", link.ErrConnect, timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	go func() {
		if c := <-res; c.err == nil {
			discard(c.dev)
		}
	}()
	return bluetooth.Device{}, err
}

// cancelConnect aborts a pending attempt; BlueZ fails an outstanding
// Device1.Connect call when the device is told to disconnect.
func (r *Radio) cancelConnect(addr string) {
	objects, err := r.managedObjects()
	if err == nil {
		var path dbus.ObjectPath
		if path, err = devicePath(objects, addr); err == nil {
			err = r.call(path, deviceIface+".Disconnect")
		}
	}
	if err != nil {
		log.Printf("bluez: cancel connect to %s: %v", addr, err)
	}
}

func (r *Radio) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := r.bus.Object(bluezService, "/").
		Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).
		Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("bluez: managed objects: %w", err)
	}
	return objects, nil
}

func (r *Radio) call(path dbus.ObjectPath, method string) error {
	return r.bus.Object(bluezService, path).Call(method, 0).Err
}
