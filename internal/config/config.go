package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cjeanneret/CamCore/internal/hw/camera"
	"github.com/cjeanneret/CamCore/internal/hw/sensor"
	"github.com/cjeanneret/CamCore/internal/logic/geometry"
	"gopkg.in/yaml.v3"
)

// SensorConfig describes the image sensor and how to drive it.
type SensorConfig struct {
	Type        string `yaml:"type"`          // "sim" or "v4l2"
	Device      string `yaml:"device"`        // V4L2 device path, e.g. /dev/video0
	PixelFormat string `yaml:"pixel_format"`  // RGB565, YUV422, GRAYSCALE, RGB888, JPEG
	FrameSize   string `yaml:"frame_size"`    // e.g. 96X96, QVGA
	BufferCount int    `yaml:"buffer_count"`  // frame buffers owned by the driver
	GrabMode    string `yaml:"grab_mode"`     // "when-empty" or "latest"
	XCLKFreqHz  int    `yaml:"xclk_freq_hz"`  // sensor clock
	JPEGQuality int    `yaml:"jpeg_quality"`  // 0-63, lower is better
	SimPeriodMs int    `yaml:"sim_period_ms"` // sim only: exposure/read time per frame
}

// PinsConfig lists the board GPIO lines (BCM). 0 = not wired.
type PinsConfig struct {
	PullUps      []int `yaml:"pull_ups"`       // strap pins held as pulled-up inputs
	PowerDown    int   `yaml:"pwdn"`           // active HIGH
	Reset        int   `yaml:"reset"`          // active LOW
	ResetPulseMs int   `yaml:"reset_pulse_ms"` // RESET hold time
}

// CaptureConfig tunes the capture loop.
type CaptureConfig struct {
	IdleDelayMs int `yaml:"idle_delay_ms"` // per-iteration delay
	StopPollMs  int `yaml:"stop_poll_ms"`  // wait in STOP before re-checking sleep
}

// DetectionConfig wires the detection stage.
type DetectionConfig struct {
	Enabled         bool    `yaml:"enabled"`
	FrameQueue      int     `yaml:"frame_queue"`  // input frame queue capacity
	EventQueue      int     `yaml:"event_queue"`  // event queue capacity
	ResultQueue     int     `yaml:"result_queue"` // result queue capacity
	OutputQueue     int     `yaml:"output_queue"` // pass-through queue capacity
	PassThrough     bool    `yaml:"pass_through"` // forward scored frames to the output queue
	ReturnFrames    bool    `yaml:"return_frames"`
	Threshold       float64 `yaml:"threshold"`
	PowerPollMs     int     `yaml:"power_poll_ms"`
	SleepTimeoutMs  int     `yaml:"sleep_timeout_ms"` // max wait for the pipeline to drain before deep sleep
	SnapshotQuality int     `yaml:"snapshot_quality"` // default CaptureSingle quality
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	WebPort    int  `yaml:"web_port"`    // 0 = web surface disabled
}

// Config aggregates all application configuration.
type Config struct {
	Sensor    SensorConfig    `yaml:"sensor"`
	Pins      PinsConfig      `yaml:"pins"`
	Capture   CaptureConfig   `yaml:"capture"`
	Detection DetectionConfig `yaml:"detection"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ValidateConfigPath rejects paths outside a configs/ directory or without a .yaml extension.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 1 << 20

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	// Sensor
	if cfg.Sensor.Type == "" {
		cfg.Sensor.Type = "sim"
	}
	if cfg.Sensor.Type != "sim" && cfg.Sensor.Type != "v4l2" {
		return nil, fmt.Errorf("sensor.type must be \"sim\" or \"v4l2\", got %q", cfg.Sensor.Type)
	}
	if cfg.Sensor.Device == "" {
		cfg.Sensor.Device = "/dev/video0"
	}
	if cfg.Sensor.PixelFormat == "" {
		cfg.Sensor.PixelFormat = "RGB565"
	}
	if _, err := geometry.ParsePixelFormat(cfg.Sensor.PixelFormat); err != nil {
		return nil, fmt.Errorf("sensor.pixel_format: %w", err)
	}
	if cfg.Sensor.FrameSize == "" {
		cfg.Sensor.FrameSize = "96X96"
	}
	if _, err := geometry.ParseFrameSize(cfg.Sensor.FrameSize); err != nil {
		return nil, fmt.Errorf("sensor.frame_size: %w", err)
	}
	if cfg.Sensor.BufferCount <= 0 {
		cfg.Sensor.BufferCount = 2
	}
	if _, err := sensor.ParseGrabMode(cfg.Sensor.GrabMode); err != nil {
		return nil, fmt.Errorf("sensor.grab_mode: %w", err)
	}
	if cfg.Sensor.XCLKFreqHz <= 0 {
		cfg.Sensor.XCLKFreqHz = 20000000 // 20 MHz
	}
	if cfg.Sensor.JPEGQuality <= 0 {
		cfg.Sensor.JPEGQuality = 12
	}
	if cfg.Sensor.JPEGQuality > 63 {
		return nil, fmt.Errorf("sensor.jpeg_quality must be <= 63, got %d", cfg.Sensor.JPEGQuality)
	}
	if cfg.Sensor.SimPeriodMs < 0 {
		return nil, fmt.Errorf("sensor.sim_period_ms must be >= 0, got %d", cfg.Sensor.SimPeriodMs)
	}

	// Pins
	if cfg.Pins.ResetPulseMs <= 0 {
		cfg.Pins.ResetPulseMs = 10
	}

	// Capture loop
	if cfg.Capture.IdleDelayMs <= 0 {
		cfg.Capture.IdleDelayMs = 100
	}
	if cfg.Capture.StopPollMs <= 0 {
		cfg.Capture.StopPollMs = 10
	}

	// Detection
	if cfg.Detection.FrameQueue <= 0 {
		cfg.Detection.FrameQueue = 2
	}
	if cfg.Detection.EventQueue <= 0 {
		cfg.Detection.EventQueue = 4
	}
	if cfg.Detection.ResultQueue <= 0 {
		cfg.Detection.ResultQueue = 4
	}
	if cfg.Detection.OutputQueue <= 0 {
		cfg.Detection.OutputQueue = 2
	}
	if cfg.Detection.Threshold == 0 {
		cfg.Detection.Threshold = 0.5
	}
	if cfg.Detection.Threshold < 0 || cfg.Detection.Threshold > 1 {
		return nil, fmt.Errorf("detection.threshold must be between 0 and 1, got %.2f", cfg.Detection.Threshold)
	}
	if cfg.Detection.PowerPollMs <= 0 {
		cfg.Detection.PowerPollMs = 10
	}
	if cfg.Detection.SleepTimeoutMs <= 0 {
		cfg.Detection.SleepTimeoutMs = 30000
	}
	if cfg.Detection.SnapshotQuality <= 0 {
		cfg.Detection.SnapshotQuality = 12
	}

	if cfg.Defaults.WebPort < 0 || cfg.Defaults.WebPort > 65535 {
		return nil, fmt.Errorf("defaults.web_port must be 0-65535, got %d", cfg.Defaults.WebPort)
	}

	return &cfg, nil
}

// SensorSettings converts the sensor section to a driver configuration.
// Load has already validated every field.
func (c *Config) SensorSettings() sensor.Config {
	format, _ := geometry.ParsePixelFormat(c.Sensor.PixelFormat)
	size, _ := geometry.ParseFrameSize(c.Sensor.FrameSize)
	grab, _ := sensor.ParseGrabMode(c.Sensor.GrabMode)
	return sensor.Config{
		PixelFormat: format,
		FrameSize:   size,
		BufferCount: c.Sensor.BufferCount,
		GrabMode:    grab,
		XCLKFreqHz:  c.Sensor.XCLKFreqHz,
		JPEGQuality: c.Sensor.JPEGQuality,
	}
}

// BoardPins converts the pins section for the camera package.
func (c *Config) BoardPins() camera.BoardPins {
	return camera.BoardPins{
		PullUps:    c.Pins.PullUps,
		PowerDown:  c.Pins.PowerDown,
		Reset:      c.Pins.Reset,
		ResetPulse: time.Duration(c.Pins.ResetPulseMs) * time.Millisecond,
	}
}

// SimPeriod returns the simulated sensor read time.
func (c *Config) SimPeriod() time.Duration {
	return time.Duration(c.Sensor.SimPeriodMs) * time.Millisecond
}

// IdleDelay returns the per-iteration capture delay.
func (c *Config) IdleDelay() time.Duration {
	return time.Duration(c.Capture.IdleDelayMs) * time.Millisecond
}

// StopPoll returns the STOP re-check interval.
func (c *Config) StopPoll() time.Duration {
	return time.Duration(c.Capture.StopPollMs) * time.Millisecond
}

// PowerPoll returns the power controller poll interval.
func (c *Config) PowerPoll() time.Duration {
	return time.Duration(c.Detection.PowerPollMs) * time.Millisecond
}

// SleepTimeout bounds a deep-sleep request started over HTTP.
func (c *Config) SleepTimeout() time.Duration {
	return time.Duration(c.Detection.SleepTimeoutMs) * time.Millisecond
}
