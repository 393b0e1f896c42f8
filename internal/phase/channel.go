// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package phase

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	serial "github.com/jacobsa/go-serial/serial"
)

// maxMessage caps how much of a connection is read for one message.
const maxMessage = 4096

// Channel applies parameter messages from the controller to a Cell.
type Channel struct {
	params *Cell

	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewChannel creates a channel that updates params.
func NewChannel(params *Cell) *Channel {
	return &Channel{params: params}
}

// Accepted returns how many messages replaced the parameters.
func (c *Channel) Accepted() uint64 { return c.accepted.Load() }

// Rejected returns how many messages were dropped as invalid.
func (c *Channel) Rejected() uint64 { return c.rejected.Load() }

// Apply validates a decoded message and stores it. Invalid messages leave
// the current parameters untouched.
func (c *Channel) Apply(m Message) error {
	p, err := m.Parameters()
	if err != nil {
		c.rejected.Add(1)
		return err
	}
	c.store(p)
	return nil
}

func (c *Channel) store(p Parameters) {
	c.params.Store(p)
	c.accepted.Add(1)
	log.Printf("phase: parameters updated: delay=%gs spr=%d (%.6f deg/step)", p.StepDelay, p.StepsPerRev, p.DegreesPerStep)
}

// ServeSocket listens on a Unix socket at path until ctx is cancelled.
// Each connection carries one JSON message. Accept wakes every
// pollInterval to observe ctx. The socket file is removed on return.
func (c *Channel) ServeSocket(ctx context.Context, path string, pollInterval time.Duration) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("phase: remove stale socket: %w", err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("phase: listen on %s: %w", path, err)
	}
	ln.SetUnlinkOnClose(true)
	defer func() {
		ln.Close()
		log.Println("phase: parameter server stopped")
	}()

	if err := os.Chmod(path, 0o666); err != nil {
		return fmt.Errorf("phase: chmod %s: %w", path, err)
	}
	log.Printf("phase: listening on %s", path)

	for ctx.Err() == nil {
		if err := ln.SetDeadline(time.Now().Add(pollInterval)); err != nil {
			return fmt.Errorf("phase: set accept deadline: %w", err)
		}
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("phase: accept: %w", err)
		}
		c.handle(conn, pollInterval)
	}
	return nil
}

func (c *Channel) handle(conn net.Conn, timeout time.Duration) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(timeout))

	var m Message
	dec := json.NewDecoder(io.LimitReader(conn, maxMessage))
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		c.rejected.Add(1)
		log.Printf("phase: %v: %v", ErrInvalidMessage, err)
		return
	}
	if err := c.Apply(m); err != nil {
		log.Printf("phase: %v", err)
	}
}

// OpenSerial opens the controller's serial line.
func OpenSerial(port string, baud int) (io.ReadWriteCloser, error) {
	opts := serial.OpenOptions{
		PortName:        port,
		BaudRate:        uint(baud),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	}
	p, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("phase: open serial %s: %w", port, err)
	}
	log.Printf("phase: serial port opened on %s at %d baud", port, baud)
	return p, nil
}

// ServeLines reads one JSON message per line from r until ctx is cancelled
// or r fails. r is closed on return.
func (c *Channel) ServeLines(ctx context.Context, r io.ReadCloser) error {
	stop := context.AfterFunc(ctx, func() { r.Close() })
	defer func() {
		if stop() {
			r.Close()
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256), maxMessage)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		p, err := ParseMessage(line)
		if err != nil {
			c.rejected.Add(1)
			log.Printf("phase: %v (line: %q)", err, line)
			continue
		}
		c.store(p)
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("phase: serial read: %w", err)
	}
	return nil
}

// Send delivers one parameter message to the socket at path.
func Send(ctx context.Context, path string, delay float64, spr int) error {
	if _, err := NewParameters(delay, spr); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{"delay": delay, "spr": spr})
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("phase: dial %s: %w", path, err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("phase: send: %w", err)
	}
	return nil
}
