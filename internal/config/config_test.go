// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drum_config.txt")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "# only comments\n\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "/tmp/intbus.sock", cfg.ParamSocketPath)
	assert.InDelta(t, 30.0/6400.0, cfg.ParamDefaultDelay, 1e-12)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
BLE_DEVICE_ADDRESS = AA:BB:CC:DD:EE:FF
LOCATION_PULL=up
LOCATION_ACTIVE_LOW=true
CAMERA_ROI=10,20,100,50
OPTICS_THRESHOLD=90
PARAM_DEFAULT_SPR=25600
MQTT_BROKER=tcp://localhost:1883
OUTPUT_FSYNC=true
BLE_IDLE_TIMEOUT=0
`))
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.BLEDeviceAddress)
	assert.Equal(t, "up", cfg.LocationPull)
	assert.True(t, cfg.LocationActiveLow)
	assert.Equal(t, image.Rect(10, 20, 110, 70), cfg.CameraROI)
	assert.Equal(t, 90, cfg.OpticsThreshold)
	assert.Equal(t, 25600, cfg.ParamDefaultSPR)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTTBroker)
	assert.True(t, cfg.OutputFsync)
	assert.Equal(t, 0, cfg.BLEIdleTimeout)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"unknown key":      "NOT_A_KEY=1",
		"missing equals":   "BLE_DEVICE_NAME",
		"bad int":          "BLE_SCAN_TIMEOUT=soon",
		"bad pull":         "LOCATION_PULL=sideways",
		"bad roi":          "CAMERA_ROI=1,2,3",
		"zero roi":         "CAMERA_ROI=1,2,0,4",
		"threshold range":  "OPTICS_THRESHOLD=300",
		"negative spr":     "PARAM_DEFAULT_SPR=-1",
		"zero delay":       "PARAM_DEFAULT_DELAY=0",
		"long poll":        "PARAM_ACCEPT_TIMEOUT=5000",
		"no device":        "BLE_DEVICE_NAME=",
		"empty output":     "OUTPUT_PATH=",
		"zero mirror rate": "MIRROR_RECORD_EVERY=0",
		"negative idle":    "BLE_IDLE_TIMEOUT=-1",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
