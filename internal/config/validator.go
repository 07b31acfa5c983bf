package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS < 0 {
		return fmt.Errorf("shutdown_timeout_s must be >= 0")
	}
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateSession(&cfg.Session); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if err := validateFilter(&cfg.Filter); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if err := validateMeasure(&cfg.Measure); err != nil {
		return fmt.Errorf("measure: %w", err)
	}

	if cfg.Display.FPSAverage < 0 {
		return fmt.Errorf("display.fps_average must be >= 0")
	}
	if cfg.Display.FPSAverage == 0 {
		cfg.Display.FPSAverage = 10
	}

	// Topics get defaults even without a broker so status output is stable
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("gauge/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Results == "" {
		cfg.MQTT.Topics.Results = fmt.Sprintf("gauge/results/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("gauge/health/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":     1,
			"measurement": 1,
			"health":      0,
		}
	}
	for topic, qos := range cfg.MQTT.QoS {
		if qos > 2 {
			return fmt.Errorf("mqtt.qos[%s] must be 0, 1 or 2, got %d", topic, qos)
		}
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		return fmt.Errorf("health.port out of range: %d", cfg.Health.Port)
	}
	if cfg.Health.Port == 0 {
		cfg.Health.Port = 8080
	}

	switch cfg.Recorder.CropFormat {
	case "":
		cfg.Recorder.CropFormat = "tiff"
	case "tiff", "png":
	default:
		return fmt.Errorf("recorder.crop_format must be 'tiff' or 'png', got '%s'", cfg.Recorder.CropFormat)
	}

	return nil
}

func validateSession(s *SessionConfig) error {
	if s.NumberProc < 0 {
		return fmt.Errorf("number_proc must be >= 1, got %d", s.NumberProc)
	}
	if s.NumberProc == 0 {
		s.NumberProc = 1
	}
	if s.InputCapacity < 0 {
		return fmt.Errorf("input_capacity must be >= 1, got %d", s.InputCapacity)
	}
	if s.InputCapacity == 0 {
		s.InputCapacity = 1
	}
	if s.TimeDelay < 0 {
		return fmt.Errorf("time_delay must be >= 0, got %s", s.TimeDelay)
	}
	if s.TimeDelay == 0 {
		s.TimeDelay = 10 * time.Second
	}
	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Device {
	case "":
		c.Device = "synthetic"
	case "synthetic", "gst":
	default:
		return fmt.Errorf("device must be 'synthetic' or 'gst', got '%s'", c.Device)
	}

	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("invalid size %dx%d", c.Width, c.Height)
	}
	if c.Width == 0 {
		c.Width = 1280
	}
	if c.Height == 0 {
		c.Height = 1024
	}
	if c.FPS < 0 {
		return fmt.Errorf("fps must be > 0")
	}
	if c.FPS == 0 {
		c.FPS = 50
	}
	if c.MaxNumBuffer <= 0 {
		c.MaxNumBuffer = 10
	}

	if c.PixelFormat == "" {
		c.PixelFormat = "Mono8"
	}
	if _, err := types.ParsePixelType(c.PixelFormat); err != nil {
		return err
	}

	if c.Gain == 0 {
		c.Gain = 2.28869
	}
	if c.ExposureUS == 0 {
		c.ExposureUS = 60000
	}
	if c.TriggerTimeout <= 0 {
		c.TriggerTimeout = 300 * time.Millisecond
	}
	if c.GstSource == "" {
		c.GstSource = "videotestsrc"
	}
	if c.FPSWindow <= 0 {
		c.FPSWindow = 50
	}

	sc := &c.Synthetic
	if sc.OuterRadius == 0 {
		sc.OuterRadius = 180
	}
	if sc.InnerRadius == 0 {
		sc.InnerRadius = 120
	}
	if sc.InnerRadius >= sc.OuterRadius {
		return fmt.Errorf("synthetic.inner_radius must be < outer_radius")
	}
	if sc.SpeedPx == 0 {
		sc.SpeedPx = 12
	}
	if sc.Seed == 0 {
		sc.Seed = 1
	}
	return nil
}

func validateFilter(f *FilterConfig) error {
	if f.ThresholdLow == 0 && f.ThresholdHigh == 0 {
		f.ThresholdLow, f.ThresholdHigh = 30, 240
	}
	if f.ThresholdLow > f.ThresholdHigh {
		return fmt.Errorf("threshold_low %d > threshold_high %d", f.ThresholdLow, f.ThresholdHigh)
	}
	if f.MinSize < 0 {
		return fmt.Errorf("min_size must be >= 1")
	}
	if f.MinSize == 0 {
		f.MinSize = 10000
	}
	if f.EllipseMin == 0 && f.EllipseMax == 0 {
		f.EllipseMin, f.EllipseMax = 0.98, 1.02
	}
	if f.EllipseMin <= 0 || f.EllipseMin > f.EllipseMax {
		return fmt.Errorf("invalid ellipse range [%g, %g]", f.EllipseMin, f.EllipseMax)
	}
	if f.CenterWindow < 0 || f.Margin < 0 {
		return fmt.Errorf("center_window and margin must be >= 0")
	}
	if f.CenterWindow == 0 {
		f.CenterWindow = 150
	}
	if f.Margin == 0 {
		f.Margin = 50
	}
	return nil
}

func validateMeasure(m *MeasureConfig) error {
	if m.PixelSizeMM < 0 {
		return fmt.Errorf("pixel_size_mm must be > 0")
	}
	if m.PixelSizeMM == 0 {
		m.PixelSizeMM = 0.0356
	}
	if m.Correction < 0 {
		return fmt.Errorf("correction must be > 0")
	}
	if m.Correction == 0 {
		m.Correction = 1.0
	}
	if m.ThresholdLow == 0 && m.ThresholdHigh == 0 {
		m.ThresholdLow, m.ThresholdHigh = 30, 240
	}
	if m.ThresholdLow > m.ThresholdHigh {
		return fmt.Errorf("threshold_low %d > threshold_high %d", m.ThresholdLow, m.ThresholdHigh)
	}
	return nil
}
