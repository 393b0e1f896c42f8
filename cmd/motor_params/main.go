// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/relabs-tech/drum_recorder/internal/config"
	"github.com/relabs-tech/drum_recorder/internal/phase"
)

// motor_params tells a running recorder which step timing the motor
// controller is using. Give either -rpm or -delay.
func main() {
	configPath := flag.String("config", "drum_config.txt", "path to the configuration file")
	rpm := flag.Float64("rpm", 0, "drum speed in revolutions per minute")
	delay := flag.Float64("delay", 0, "half-step delay in seconds")
	spr := flag.Int("spr", 0, "steps per revolution (default from config)")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()

	if *spr == 0 {
		*spr = cfg.ParamDefaultSPR
	}
	if *rpm > 0 {
		d, err := phase.DelayForRPM(*rpm, *spr)
		if err != nil {
			log.Fatalf("invalid speed: %v", err)
		}
		*delay = d
	}
	if *delay <= 0 {
		log.Fatal("one of -rpm or -delay is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := phase.Send(ctx, cfg.ParamSocketPath, *delay, *spr); err != nil {
		log.Fatalf("send failed: %v", err)
	}
	log.Printf("sent delay=%gs spr=%d to %s", *delay, *spr, cfg.ParamSocketPath)
}
