// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package location

import (
	"fmt"
	"log"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// GPIOSensor reads the marker from a GPIO pin.
type GPIOSensor struct {
	pin       gpio.PinIn
	activeLow bool
	edges     bool
}

// OpenGPIO initializes periph and configures the named pin as input.
func OpenGPIO(name, pull string, activeLow bool) (*GPIOSensor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("location: periph host init: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("location: GPIO pin %q not found", name)
	}
	p, err := ParsePull(pull)
	if err != nil {
		return nil, err
	}
	return NewGPIOSensor(pin, p, activeLow)
}

// NewGPIOSensor configures pin as an input. Edge detection is requested
// first; if the driver refuses it the sensor falls back to plain polling.
func NewGPIOSensor(pin gpio.PinIn, pull gpio.Pull, activeLow bool) (*GPIOSensor, error) {
	s := &GPIOSensor{pin: pin, activeLow: activeLow}
	err := pin.In(pull, gpio.BothEdges)
	if err == nil {
		s.edges = true
		return s, nil
	}
	log.Printf("location: edge detection unavailable on %s, polling: %v", pin, err)
	if err := pin.In(pull, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("location: configure %s as input: %w", pin, err)
	}
	return s, nil
}

// Read implements Sensor.
func (s *GPIOSensor) Read() (bool, error) {
	return (s.pin.Read() == gpio.High) != s.activeLow, nil
}

// WaitForEdge implements EdgeWaiter. Without edge support it simply sleeps
// for timeout.
func (s *GPIOSensor) WaitForEdge(timeout time.Duration) bool {
	if !s.edges {
		time.Sleep(timeout)
		return false
	}
	return s.pin.WaitForEdge(timeout)
}

// Edges reports whether the pin delivers edge notifications.
func (s *GPIOSensor) Edges() bool { return s.edges }

// ParsePull maps the config names to periph pull settings.
func ParsePull(name string) (gpio.Pull, error) {
	switch name {
	case "up":
		return gpio.PullUp, nil
	case "down":
		return gpio.PullDown, nil
	case "none", "":
		return gpio.Float, nil
	default:
		return gpio.PullNoChange, fmt.Errorf("location: unknown pull %q", name)
	}
}
