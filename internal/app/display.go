// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"fmt"
	"image"
	"log"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/drum_recorder/internal/config"
	"github.com/relabs-tech/drum_recorder/internal/mirror"
)

// statusLines renders the recorder status as four short lines for a
// 128x64 panel.
func statusLines(v *liveView) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.haveStatus {
		return []string{"Drum recorder", "Waiting..."}
	}
	s := v.status
	rec := "idle"
	if s.Recording {
		rec = "REC"
	}
	blob := "--"
	if s.HaveBlob {
		blob = fmt.Sprintf("%.1f", s.BlobAngle)
	}
	return []string{
		fmt.Sprintf("%s %s", rec, s.LinkState),
		fmt.Sprintf("Rows:%d", s.Written),
		fmt.Sprintf("Revs:%d Bad:%d", s.TrackedRevs, s.Malformed),
		fmt.Sprintf("Blob:%s", blob),
	}
}

func drawLines(dev *ssd1306.Dev, lines []string) error {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, 128, 64))

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, line := range lines {
		drawer.Dot = fixed.P(0, 13*(i+1))
		drawer.DrawBytes([]byte(line))
	}
	return dev.Draw(dev.Bounds(), img, image.Point{})
}

// RunDisplay shows the mirrored recorder status on an SSD1306 panel.
func RunDisplay() error {
	cfg := config.Get()
	if cfg.MQTTBroker == "" {
		return fmt.Errorf("display: MQTT_BROKER is not configured")
	}

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus
	bus, err := i2creg.Open(cfg.DisplayI2CBus)
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	log.Println("display: panel initialized")

	if err := drawLines(dev, []string{"", "  Drum recorder", "  Connecting"}); err != nil {
		log.Printf("display: error showing splash: %v", err)
	}

	view := newLiveView()
	client, err := mirror.Connect(cfg.MQTTBroker, cfg.MQTTClientIDDisplay)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	if err := subscribeJSON(client, cfg.TopicStatus, "display", view.onStatus); err != nil {
		return err
	}

	ticker := time.NewTicker(config.Millis(cfg.DisplayUpdateInterval))
	defer ticker.Stop()

	log.Println("display: starting update loop")

	for range ticker.C {
		if err := drawLines(dev, statusLines(view)); err != nil {
			log.Printf("display: error updating display: %v", err)
		}
	}
	return nil
}
