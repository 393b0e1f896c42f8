// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/drum_recorder/internal/app"
	"github.com/relabs-tech/drum_recorder/internal/config"
	"github.com/relabs-tech/drum_recorder/internal/link/bluez"
	"github.com/relabs-tech/drum_recorder/internal/location"
	"github.com/relabs-tech/drum_recorder/internal/optics/camera"
	"github.com/relabs-tech/drum_recorder/internal/phase"
)

func main() {
	configPath := flag.String("config", "drum_config.txt", "path to the configuration file")
	mock := flag.Bool("mock", false, "simulate radio, marker sensor and camera")
	flag.Parse()

	log.Println("starting drum recorder")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	hw, err := openHardware(cfg, *mock || cfg.MockHardware)
	if err != nil {
		log.Fatalf("failed to open hardware: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunRecorder(ctx, cfg, hw); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func openHardware(cfg *config.Config, mock bool) (app.Hardware, error) {
	if mock {
		log.Println("using mock radio, marker sensor and camera")
		return app.MockHardware(cfg, 2*time.Second), nil
	}

	var hw app.Hardware
	radio, err := bluez.New(cfg.BLEServiceUUID, cfg.BLECharUUID, config.Millis(cfg.BLEIdleTimeout))
	if err != nil {
		return hw, err
	}
	hw.Radio = radio

	marker, err := location.OpenGPIO(cfg.LocationGPIOPin, cfg.LocationPull, cfg.LocationActiveLow)
	if err != nil {
		return hw, err
	}
	hw.Marker = marker

	if cfg.CameraEnabled {
		cam, err := camera.Open(camera.Options{
			Device:    cfg.CameraDevice,
			Width:     cfg.CameraWidth,
			Height:    cfg.CameraHeight,
			ROI:       cfg.CameraROI,
			Threshold: cfg.OpticsThreshold,
			MinArea:   cfg.OpticsMinArea,
			SaveDir:   cfg.CameraSaveDir,
		})
		if err != nil {
			return hw, err
		}
		hw.Camera = cam
	}

	if cfg.ParamSerialPort != "" {
		port, err := phase.OpenSerial(cfg.ParamSerialPort, cfg.ParamSerialBaud)
		if err != nil {
			return hw, err
		}
		hw.Serial = port
	}
	return hw, nil
}
