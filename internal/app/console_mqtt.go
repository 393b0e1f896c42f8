// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/drum_recorder/internal/config"
	"github.com/relabs-tech/drum_recorder/internal/mirror"
	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

func printRecord(w io.Writer, payload []byte) error {
	var r telemetry.FusedRecord
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	blob := "   --    "
	if r.HaveBlob {
		blob = fmt.Sprintf("%8.2f°", r.BlobAngle)
	}
	_, err := fmt.Fprintf(w,
		"[REC %6d] t=%10dus  a0=%v  a1=%v  blob=%s  phase=%9.2f/%9.2f\n",
		r.Seq, r.DeviceMicros, r.GroupA, r.GroupB, blob, r.PhaseA, r.PhaseB,
	)
	return err
}

func printStatus(w io.Writer, payload []byte) error {
	var s telemetry.Status
	if err := json.Unmarshal(payload, &s); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w,
		"[STAT] link=%s packets=%d malformed=%d written=%d discarded=%d revs=%d recording=%t spr=%d\n",
		s.LinkState, s.Packets, s.Malformed, s.Written, s.Discarded, s.TrackedRevs, s.Recording, s.StepsPerRev,
	)
	return err
}

// RunConsoleMQTT prints mirrored records and status lines until
// interrupted.
func RunConsoleMQTT() error {
	cfg := config.Get()
	if cfg.MQTTBroker == "" {
		return fmt.Errorf("console: MQTT_BROKER is not configured")
	}

	client, err := mirror.Connect(cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}

	if err := subscribeJSON(client, cfg.TopicRecord, "console", func(p []byte) error {
		return printRecord(os.Stdout, p)
	}); err != nil {
		return err
	}
	if err := subscribeJSON(client, cfg.TopicStatus, "console", func(p []byte) error {
		return printStatus(os.Stdout, p)
	}); err != nil {
		return err
	}

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
