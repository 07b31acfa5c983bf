// Package session owns the service lifecycle: the camera runs for the whole
// process while inspection sessions (a worker pool plus a frame router) are
// started and stopped on demand.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/camera"
	"github.com/tbazina/dimension-visual-inspection/internal/config"
	"github.com/tbazina/dimension-visual-inspection/internal/control"
	"github.com/tbazina/dimension-visual-inspection/internal/display"
	"github.com/tbazina/dimension-visual-inspection/internal/emitter"
	"github.com/tbazina/dimension-visual-inspection/internal/filter"
	"github.com/tbazina/dimension-visual-inspection/internal/health"
	"github.com/tbazina/dimension-visual-inspection/internal/measure"
	"github.com/tbazina/dimension-visual-inspection/internal/pool"
	"github.com/tbazina/dimension-visual-inspection/internal/recorder"
	"github.com/tbazina/dimension-visual-inspection/internal/router"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

var (
	// ErrSessionActive is returned by StartSession while a session runs
	ErrSessionActive = errors.New("session already active")
	// ErrNoSession is returned by StopSession when nothing runs
	ErrNoSession = errors.New("no active session")
	// ErrAlreadyRunning is returned by a second Run
	ErrAlreadyRunning = errors.New("service is already running")
)

// healthInterval is the period of health publications on MQTT
const healthInterval = 10 * time.Second

// Options overrides the components New would otherwise build from config
type Options struct {
	// Device replaces the configured camera device
	Device camera.Device
	// Filter replaces the reference candidate filter
	Filter filter.Filter
	// MQTTFactory creates the MQTT client (nil = paho)
	MQTTFactory emitter.ClientFactory
	// Clock drives the router debounce (nil = system clock)
	Clock router.Clock
}

// Manager is the service: camera, measurement stage, outputs and at most
// one active session.
type Manager struct {
	cfg      *config.Config
	camera   *camera.Camera
	filter   filter.Filter
	clock    router.Clock
	stage    *measure.Stage
	display  *display.Display
	emitter  *emitter.MQTTEmitter
	recorder *recorder.Recorder
	control  *control.Handler
	health   *health.Server

	// smu serialises StartSession and StopSession
	smu     sync.Mutex
	current *session
	last    *session
	count   int

	mu        sync.RWMutex
	isRunning bool
	started   time.Time
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// session is one pool and router pair
type session struct {
	id      string
	pool    *pool.Pool[types.Frame, *types.CandidateRegion]
	router  *router.Router
	started time.Time
	stopped time.Time
}

// New builds every long-lived component from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts Options) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		clock:   opts.Clock,
		display: display.New(cfg.Display.FPSAverage),
	}

	dev := opts.Device
	if dev == nil {
		var err error
		if dev, err = newDevice(cfg.Camera); err != nil {
			return nil, err
		}
	}
	cam, err := camera.New(dev, camera.Config{
		TriggerTimeout: cfg.Camera.TriggerTimeout,
		FPS:            cfg.Camera.FPS,
		FPSWindow:      cfg.Camera.FPSWindow,
	})
	if err != nil {
		return nil, err
	}
	m.camera = cam

	m.filter = opts.Filter
	if m.filter == nil {
		f, err := filter.NewCentered(FilterParams(cfg.Filter))
		if err != nil {
			return nil, err
		}
		m.filter = f
	}

	oring, err := measure.NewORing(measure.ORingConfig{
		InstanceID:    cfg.InstanceID,
		PixelSizeMM:   cfg.Measure.PixelSizeMM,
		Correction:    cfg.Measure.Correction,
		ThresholdLow:  cfg.Measure.ThresholdLow,
		ThresholdHigh: cfg.Measure.ThresholdHigh,
	})
	if err != nil {
		return nil, err
	}
	m.stage, err = measure.NewStage(oring, measure.Config{})
	if err != nil {
		return nil, err
	}
	m.stage.AddSink(m.display)

	if cfg.Recorder.Dir != "" {
		m.recorder, err = recorder.New(recorder.Config{
			Dir:        cfg.Recorder.Dir,
			CropFormat: cfg.Recorder.CropFormat,
		})
		if err != nil {
			return nil, err
		}
		m.stage.AddListener(m.recorder.OnMeasurement)
	}

	if cfg.MQTT.Broker != "" {
		m.emitter = emitter.NewMQTTEmitter(cfg, opts.MQTTFactory)
		m.stage.AddListener(m.emitter.OnMeasurement)
	}

	return m, nil
}

func newDevice(cc config.CameraConfig) (camera.Device, error) {
	switch cc.Device {
	case "gst":
		return camera.NewGst(camera.GstConfig{
			Source:     cc.GstSource,
			DevicePath: cc.DevicePath,
			Width:      cc.Width,
			Height:     cc.Height,
		})
	default:
		sc := camera.DefaultSyntheticConfig()
		sc.Width = cc.Width
		sc.Height = cc.Height
		sc.FPS = cc.FPS
		sc.OuterRadius = cc.Synthetic.OuterRadius
		sc.InnerRadius = cc.Synthetic.InnerRadius
		sc.SpeedPx = cc.Synthetic.SpeedPx
		sc.Noise = cc.Synthetic.Noise
		sc.Seed = cc.Synthetic.Seed
		return camera.NewSynthetic(sc)
	}
}

// FilterParams converts the filter section of the configuration
func FilterParams(fc config.FilterConfig) filter.Params {
	return filter.Params{
		ThresholdLow:  fc.ThresholdLow,
		ThresholdHigh: fc.ThresholdHigh,
		MinSize:       fc.MinSize,
		EllipseMin:    fc.EllipseMin,
		EllipseMax:    fc.EllipseMax,
		CenterWindow:  fc.CenterWindow,
		Margin:        fc.Margin,
	}
}

// StartHealthServer serves the HTTP surface on the configured port
func (m *Manager) StartHealthServer() {
	m.health = health.NewServer(":"+strconv.Itoa(m.cfg.Health.Port), m.cfg.InstanceID, m)
	m.health.Start()
}

// Run starts the camera and outputs, optionally starts a session, and
// blocks until ctx is done or a shutdown command arrives. Call Shutdown
// afterwards.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.isRunning = true
	m.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel
	m.mu.Unlock()
	defer cancel()

	slog.Info("gauged service starting",
		"instance_id", m.cfg.InstanceID,
		"device", m.cfg.Camera.Device,
	)

	// Components outlive ctx: Shutdown stops them in order
	runCtx := context.WithoutCancel(ctx)

	if err := m.stage.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start measurement stage: %w", err)
	}

	if m.emitter != nil {
		if err := m.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		ctrl := control.NewHandler(m.cfg, m.emitter.Client, control.CommandCallbacks{
			OnStartSession: func() error { return m.StartSession(runCtx) },
			OnStopSession:  m.stopSessionViaControl,
			OnGetStatus:    m.Status,
			OnGetResults:   m.Results,
			OnShutdown:     m.shutdownViaControl,
		})
		if err := ctrl.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
		m.mu.Lock()
		m.control = ctrl
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.publishHealth(ctx)
		}()
	}

	if err := m.camera.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start camera: %w", err)
	}

	if m.cfg.Session.AutoStart {
		if err := m.StartSession(runCtx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
	}

	slog.Info("gauged service running",
		"session_active", m.SessionActive(),
		"mqtt", m.emitter != nil,
		"recorder", m.recorder != nil,
	)

	<-ctx.Done()

	slog.Info("gauged service run loop exiting")
	return nil
}

// Shutdown stops the session, the camera, the stage and the outputs, in
// that order. Safe to call when Run was never called.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	if m.cancelRun != nil {
		m.cancelRun()
	}
	ctrl := m.control
	m.mu.Unlock()

	slog.Info("shutting down gauged service")

	var errs []error

	// 1. No more commands: a late start_session would outlive the camera
	if ctrl != nil {
		if err := ctrl.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	// 2. Session: workers finish in-flight frames, candidates reach the stage
	if err := m.StopSession(ctx); err != nil && !errors.Is(err, ErrNoSession) {
		errs = append(errs, err)
	}

	// 3. No more frames needed
	if err := m.camera.Stop(); err != nil {
		errs = append(errs, err)
	}

	// 4. Measure what is queued, feeding the outputs one last time
	if err := m.stage.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	m.wg.Wait()

	if m.emitter != nil {
		if err := m.emitter.Disconnect(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.recorder != nil {
		if err := m.recorder.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.health != nil {
		if err := m.health.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	uptime := time.Since(m.started)
	m.isRunning = false
	m.mu.Unlock()

	slog.Info("gauged service shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (m *Manager) ShutdownTimeout() time.Duration {
	return m.cfg.ShutdownTimeout()
}

// shutdownViaControl ends Run; main then calls Shutdown
func (m *Manager) shutdownViaControl() error {
	m.mu.RLock()
	cancel := m.cancelRun
	m.mu.RUnlock()

	if cancel == nil {
		return errors.New("service not running")
	}
	cancel()
	return nil
}

func (m *Manager) stopSessionViaControl() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.ShutdownTimeout())
	defer cancel()
	return m.StopSession(ctx)
}

func (m *Manager) publishHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := healthPayload(m.HealthCheck())
			if err != nil {
				slog.Error("failed to marshal health", "error", err)
				continue
			}
			if err := m.emitter.PublishHealth(payload); err != nil {
				slog.Debug("health publish skipped", "error", err)
			}
		}
	}
}
