// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"flag"
	"log"

	"github.com/relabs-tech/drum_recorder/internal/app"
	"github.com/relabs-tech/drum_recorder/internal/config"
)

func main() {
	configPath := flag.String("config", "drum_config.txt", "path to the configuration file")
	flag.Parse()

	log.Println("starting drum recorder web server (MQTT subscriber)")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Println("Note: live data requires the recorder to run with MQTT_BROKER set")

	if err := app.RunWeb(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
