package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gauged configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Session          SessionConfig  `yaml:"session"`
	Camera           CameraConfig   `yaml:"camera"`
	Filter           FilterConfig   `yaml:"filter"`
	Measure          MeasureConfig  `yaml:"measure"`
	Display          DisplayConfig  `yaml:"display"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Health           HealthConfig   `yaml:"health"`
	Recorder         RecorderConfig `yaml:"recorder"`
}

// SessionConfig contains worker pool and routing settings. They are fixed
// for the lifetime of a session.
type SessionConfig struct {
	NumberProc    int           `yaml:"number_proc"`    // worker count (default: 1)
	InputCapacity int           `yaml:"input_capacity"` // pending frames before dropping (default: 1)
	TimeDelay     time.Duration `yaml:"time_delay"`     // minimum gap between forwarded candidates (default: 10s)
	AutoStart     bool          `yaml:"auto_start"`     // start a session when the service starts
}

// CameraConfig contains acquisition settings
type CameraConfig struct {
	Device         string        `yaml:"device"` // synthetic, gst
	Width          int           `yaml:"width"`
	Height         int           `yaml:"height"`
	FPS            float64       `yaml:"fps"`
	MaxNumBuffer   int           `yaml:"max_num_buffer"`
	PixelFormat    string        `yaml:"pixel_format"` // Mono8, Mono16
	Gain           float64       `yaml:"gain"`
	ExposureUS     float64       `yaml:"exposure_us"`
	TriggerTimeout time.Duration `yaml:"trigger_timeout"`
	GstSource      string        `yaml:"gst_source"`  // e.g. videotestsrc, v4l2src
	DevicePath     string        `yaml:"device_path"` // v4l2 device node (gst only)
	FPSWindow      int           `yaml:"fps_window"`  // frames between FPS log lines

	// Synthetic scene (device: synthetic)
	Synthetic SyntheticConfig `yaml:"synthetic"`
}

// SyntheticConfig describes the generated O-ring scene
type SyntheticConfig struct {
	OuterRadius float64 `yaml:"outer_radius"`
	InnerRadius float64 `yaml:"inner_radius"`
	SpeedPx     float64 `yaml:"speed_px"`
	Noise       uint8   `yaml:"noise"`
	Seed        int64   `yaml:"seed"`
}

// FilterConfig contains candidate filter thresholds
type FilterConfig struct {
	ThresholdLow  uint16  `yaml:"threshold_low"`
	ThresholdHigh uint16  `yaml:"threshold_high"`
	MinSize       int     `yaml:"min_size"`
	EllipseMin    float64 `yaml:"ellipse_min"`
	EllipseMax    float64 `yaml:"ellipse_max"`
	CenterWindow  int     `yaml:"center_window"`
	Margin        int     `yaml:"margin"`
}

// MeasureConfig contains calibration for the measurer
type MeasureConfig struct {
	PixelSizeMM   float64 `yaml:"pixel_size_mm"`
	Correction    float64 `yaml:"correction"`
	ThresholdLow  uint16  `yaml:"threshold_low"`
	ThresholdHigh uint16  `yaml:"threshold_high"`
}

// DisplayConfig contains display model settings
type DisplayConfig struct {
	FPSAverage int `yaml:"fps_average"` // frames averaged for display FPS
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker string          `yaml:"broker"` // empty disables the emitter and control plane
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Results string `yaml:"results"`
	Health  string `yaml:"health"`
}

// HealthConfig contains the HTTP surface settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// RecorderConfig contains crop archive and journal settings
type RecorderConfig struct {
	Dir        string `yaml:"dir"`         // empty disables recording
	CropFormat string `yaml:"crop_format"` // tiff, png
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals and validates YAML configuration bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
