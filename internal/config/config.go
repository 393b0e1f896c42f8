// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/drum_recorder/internal/telemetry"
)

// Config holds all application configuration values.
type Config struct {
	// Telemetry link (BLE)
	BLEDeviceName       string
	BLEDeviceAddress    string // preset MAC; skips discovery when set
	BLEServiceUUID      string
	BLECharUUID         string
	BLEScanTimeout      int // milliseconds
	BLEConnectTimeout   int // milliseconds
	BLEDiscoveryBackoff int // milliseconds
	BLEConnectBackoff   int // milliseconds
	BLEIdleTimeout      int // milliseconds without a notification before the link counts as lost; 0 disables

	// Reference position sensor
	LocationGPIOPin      string
	LocationPull         string // "up", "down", "none"
	LocationActiveLow    bool
	LocationPollInterval int // milliseconds

	// Camera / optical estimator
	CameraEnabled   bool
	CameraDevice    string
	CameraWidth     int
	CameraHeight    int
	CameraROI       image.Rectangle // empty: select interactively
	CameraMaxFPS    int
	CameraSaveDir   string // empty: frames are not kept
	OpticsThreshold int
	OpticsMinArea   float64
	OpticsWindow    int

	// Phase parameter channel
	ParamSocketPath    string
	ParamAcceptTimeout int // milliseconds
	ParamSerialPort    string
	ParamSerialBaud    int
	ParamDefaultDelay  float64 // seconds
	ParamDefaultSPR    int

	// Output log
	OutputPath  string
	OutputFsync bool

	// MQTT mirror (disabled when MQTTBroker is empty)
	MQTTBroker           string
	MQTTClientIDRecorder string
	MQTTClientIDWeb      string
	MQTTClientIDConsole  string
	MQTTClientIDDisplay  string
	TopicRecord          string
	TopicStatus          string
	MirrorRecordEvery    int
	StatusInterval       int // milliseconds

	// Consumers
	WebServerPort         int
	DisplayI2CBus         string
	DisplayUpdateInterval int // milliseconds

	MockHardware bool
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: unexported so other packages cannot modify it without locking.
//   - configOnce: ensures InitGlobal() only runs once.
//   - configMu: write lock for initialization, read lock for Get().
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		BLEDeviceName:       "ESP32-Analog-100Hz",
		BLEServiceUUID:      telemetry.ServiceUUID,
		BLECharUUID:         telemetry.CharacteristicUUID,
		BLEScanTimeout:      8000,
		BLEConnectTimeout:   10000,
		BLEDiscoveryBackoff: 5000,
		BLEConnectBackoff:   2000,
		BLEIdleTimeout:      2000,

		LocationGPIOPin:      "GPIO11",
		LocationPull:         "down",
		LocationPollInterval: 50,

		CameraEnabled:   true,
		CameraDevice:    "0",
		CameraWidth:     640,
		CameraHeight:    480,
		CameraMaxFPS:    60,
		OpticsThreshold: 125,
		OpticsWindow:    10,

		ParamSocketPath:    "/tmp/intbus.sock",
		ParamAcceptTimeout: 500,
		ParamSerialBaud:    115200,
		ParamDefaultDelay:  30.0 / 6400.0,
		ParamDefaultSPR:    6400,

		OutputPath: "./drum_samples.csv",

		MQTTClientIDRecorder: "drum-recorder",
		MQTTClientIDWeb:      "drum-web",
		MQTTClientIDConsole:  "drum-console",
		MQTTClientIDDisplay:  "drum-display",
		TopicRecord:          "drum/record",
		TopicStatus:          "drum/status",
		MirrorRecordEvery:    1,
		StatusInterval:       1000,

		WebServerPort:         8080,
		DisplayUpdateInterval: 500,
	}
}

// Load reads the configuration file and returns a Config struct.
// Keys not present in the file keep their defaults.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Telemetry link
	case "BLE_DEVICE_NAME":
		c.BLEDeviceName = value
	case "BLE_DEVICE_ADDRESS":
		c.BLEDeviceAddress = value
	case "BLE_SERVICE_UUID":
		c.BLEServiceUUID = value
	case "BLE_CHAR_UUID":
		c.BLECharUUID = value
	case "BLE_SCAN_TIMEOUT":
		c.BLEScanTimeout, err = parseInt(key, value)
	case "BLE_CONNECT_TIMEOUT":
		c.BLEConnectTimeout, err = parseInt(key, value)
	case "BLE_DISCOVERY_BACKOFF":
		c.BLEDiscoveryBackoff, err = parseInt(key, value)
	case "BLE_CONNECT_BACKOFF":
		c.BLEConnectBackoff, err = parseInt(key, value)
	case "BLE_IDLE_TIMEOUT":
		c.BLEIdleTimeout, err = parseInt(key, value)

	// Reference position sensor
	case "LOCATION_GPIO_PIN":
		c.LocationGPIOPin = value
	case "LOCATION_PULL":
		switch value {
		case "up", "down", "none":
			c.LocationPull = value
		default:
			return fmt.Errorf("LOCATION_PULL must be up, down or none, got %q", value)
		}
	case "LOCATION_ACTIVE_LOW":
		c.LocationActiveLow, err = parseBool(key, value)
	case "LOCATION_POLL_INTERVAL":
		c.LocationPollInterval, err = parseInt(key, value)

	// Camera
	case "CAMERA_ENABLED":
		c.CameraEnabled, err = parseBool(key, value)
	case "CAMERA_DEVICE":
		c.CameraDevice = value
	case "CAMERA_WIDTH":
		c.CameraWidth, err = parseInt(key, value)
	case "CAMERA_HEIGHT":
		c.CameraHeight, err = parseInt(key, value)
	case "CAMERA_ROI":
		c.CameraROI, err = parseROI(value)
	case "CAMERA_MAX_FPS":
		c.CameraMaxFPS, err = parseInt(key, value)
	case "CAMERA_SAVE_DIR":
		c.CameraSaveDir = value
	case "OPTICS_THRESHOLD":
		c.OpticsThreshold, err = parseInt(key, value)
		if err == nil && (c.OpticsThreshold < 0 || c.OpticsThreshold > 255) {
			return fmt.Errorf("OPTICS_THRESHOLD must be 0-255, got %d", c.OpticsThreshold)
		}
	case "OPTICS_MIN_AREA":
		c.OpticsMinArea, err = parseFloat(key, value)
	case "OPTICS_SMOOTHING_WINDOW":
		c.OpticsWindow, err = parseInt(key, value)

	// Phase parameter channel
	case "PARAM_SOCKET_PATH":
		c.ParamSocketPath = value
	case "PARAM_ACCEPT_TIMEOUT":
		c.ParamAcceptTimeout, err = parseInt(key, value)
	case "PARAM_SERIAL_PORT":
		c.ParamSerialPort = value
	case "PARAM_SERIAL_BAUD":
		c.ParamSerialBaud, err = parseInt(key, value)
	case "PARAM_DEFAULT_DELAY":
		c.ParamDefaultDelay, err = parseFloat(key, value)
	case "PARAM_DEFAULT_SPR":
		c.ParamDefaultSPR, err = parseInt(key, value)

	// Output
	case "OUTPUT_PATH":
		c.OutputPath = value
	case "OUTPUT_FSYNC":
		c.OutputFsync, err = parseBool(key, value)

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_RECORDER":
		c.MQTTClientIDRecorder = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value
	case "TOPIC_RECORD":
		c.TopicRecord = value
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "MIRROR_RECORD_EVERY":
		c.MirrorRecordEvery, err = parseInt(key, value)
	case "STATUS_INTERVAL":
		c.StatusInterval, err = parseInt(key, value)

	// Consumers
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value)
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseInt(key, value)

	case "MOCK_HARDWARE":
		c.MockHardware, err = parseBool(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks ranges of the fields the recorder depends on.
func (c *Config) validate() error {
	if c.BLEDeviceName == "" && c.BLEDeviceAddress == "" {
		return fmt.Errorf("BLE_DEVICE_NAME or BLE_DEVICE_ADDRESS is required")
	}
	if c.BLEServiceUUID == "" || c.BLECharUUID == "" {
		return fmt.Errorf("BLE_SERVICE_UUID and BLE_CHAR_UUID are required")
	}
	if c.BLEScanTimeout <= 0 || c.BLEConnectTimeout <= 0 {
		return fmt.Errorf("BLE_SCAN_TIMEOUT and BLE_CONNECT_TIMEOUT must be positive")
	}
	if c.BLEDiscoveryBackoff < 0 || c.BLEConnectBackoff < 0 {
		return fmt.Errorf("BLE backoffs must not be negative")
	}
	if c.BLEIdleTimeout < 0 {
		return fmt.Errorf("BLE_IDLE_TIMEOUT must not be negative")
	}
	if c.LocationGPIOPin == "" && !c.MockHardware {
		return fmt.Errorf("LOCATION_GPIO_PIN is required")
	}
	if c.LocationPollInterval <= 0 {
		return fmt.Errorf("LOCATION_POLL_INTERVAL must be positive, got %d", c.LocationPollInterval)
	}
	if c.CameraMaxFPS <= 0 {
		return fmt.Errorf("CAMERA_MAX_FPS must be positive, got %d", c.CameraMaxFPS)
	}
	if c.OpticsWindow <= 0 {
		return fmt.Errorf("OPTICS_SMOOTHING_WINDOW must be positive, got %d", c.OpticsWindow)
	}
	if c.ParamSocketPath == "" {
		return fmt.Errorf("PARAM_SOCKET_PATH is required")
	}
	if c.ParamAcceptTimeout <= 0 || c.ParamAcceptTimeout > 1000 {
		return fmt.Errorf("PARAM_ACCEPT_TIMEOUT must be 1-1000 ms, got %d", c.ParamAcceptTimeout)
	}
	if c.ParamDefaultDelay <= 0 {
		return fmt.Errorf("PARAM_DEFAULT_DELAY must be positive, got %g", c.ParamDefaultDelay)
	}
	if c.ParamDefaultSPR <= 0 {
		return fmt.Errorf("PARAM_DEFAULT_SPR must be positive, got %d", c.ParamDefaultSPR)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("OUTPUT_PATH is required")
	}
	if c.MirrorRecordEvery <= 0 {
		return fmt.Errorf("MIRROR_RECORD_EVERY must be positive, got %d", c.MirrorRecordEvery)
	}
	if c.StatusInterval <= 0 {
		return fmt.Errorf("STATUS_INTERVAL must be positive, got %d", c.StatusInterval)
	}
	return nil
}

// Millis converts a millisecond config value to a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseBool(key, value string) (bool, error) {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// parseROI parses "x,y,w,h" in frame pixel coordinates.
func parseROI(value string) (image.Rectangle, error) {
	if value == "" {
		return image.Rectangle{}, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("CAMERA_ROI must be x,y,w,h, got %q", value)
	}
	var n [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("invalid CAMERA_ROI %q: %w", value, err)
		}
		n[i] = v
	}
	if n[2] <= 0 || n[3] <= 0 {
		return image.Rectangle{}, fmt.Errorf("CAMERA_ROI width and height must be positive, got %q", value)
	}
	return image.Rect(n[0], n[1], n[0]+n[2], n[1]+n[3]), nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
