// Package camera runs software-triggered acquisition on a Device and
// delivers every grabbed frame to one installed Handler.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// Config contains acquisition settings
type Config struct {
	// TriggerTimeout bounds each WaitForTriggerReady call
	TriggerTimeout time.Duration
	// FPS is the target acquisition rate (reported in stats)
	FPS float64
	// FPSWindow is the number of frames between FPS log lines
	FPSWindow int
}

// Camera owns a Device and its acquisition loop
type Camera struct {
	dev Device
	cfg Config

	// hmu serialises frame delivery with handler swaps: once Deregister
	// returns from its critical section no further frame reaches the old
	// handler.
	hmu     sync.Mutex
	handler Handler

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{} // closed once the loop returned and the device is closed
	closeErr  error
	isRunning bool
	started   time.Time

	seq             atomic.Uint64
	timeouts        atomic.Uint64
	retrieveErrors  atomic.Uint64
	fps             *FPSWindow
	lastFrameWidth  atomic.Int64
	lastFrameHeight atomic.Int64
}

// stopTimeout bounds the wait for the acquisition loop in Stop
var stopTimeout = 3 * time.Second

// New creates a camera around dev
func New(dev Device, cfg Config) (*Camera, error) {
	if dev == nil {
		return nil, errors.New("camera: device is required")
	}
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = 300 * time.Millisecond
	}
	if cfg.FPSWindow <= 1 {
		cfg.FPSWindow = 50
	}
	return &Camera{
		dev: dev,
		cfg: cfg,
		fps: NewFPSWindow(cfg.FPSWindow),
	}, nil
}

// Register calls h.OnRegistered and installs h. Frames are delivered to h
// only after OnRegistered returned nil.
func (c *Camera) Register(ctx context.Context, h Handler) error {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	if c.handler != nil {
		return ErrHandlerInstalled
	}
	if err := h.OnRegistered(ctx); err != nil {
		return fmt.Errorf("camera: register handler: %w", err)
	}
	c.handler = h

	slog.Info("camera: handler registered", "device", c.dev.Name())
	return nil
}

// Deregister uninstalls the current handler and calls its OnDeregistered
func (c *Camera) Deregister(ctx context.Context) error {
	c.hmu.Lock()
	h := c.handler
	c.handler = nil
	c.hmu.Unlock()

	if h == nil {
		return ErrNoHandler
	}

	slog.Info("camera: handler deregistered", "device", c.dev.Name())
	if err := h.OnDeregistered(ctx); err != nil {
		return fmt.Errorf("camera: deregister handler: %w", err)
	}
	return nil
}

// HasHandler reports whether a handler is installed
func (c *Camera) HasHandler() bool {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	return c.handler != nil
}

// Start opens the device and launches the acquisition loop
func (c *Camera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isRunning {
		return ErrAlreadyRunning
	}
	if c.done != nil {
		select {
		case <-c.done:
		default:
			// a timed-out Stop left the previous loop inside the device
			return ErrAlreadyRunning
		}
	}
	if err := c.dev.Open(ctx); err != nil {
		return fmt.Errorf("camera: open %s: %w", c.dev.Name(), err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.isRunning = true
	c.started = time.Now()
	c.fps.Reset()

	slog.Info("camera: acquisition starting",
		"device", c.dev.Name(),
		"trigger_timeout", c.cfg.TriggerTimeout,
		"target_fps", c.cfg.FPS,
	)

	done := make(chan struct{})
	c.done = done
	go func() {
		c.acquire(loopCtx)
		c.closeErr = c.dev.Close()
		close(done)
	}()
	return nil
}

// Stop ends the acquisition loop and closes the device. Idempotent.
//
// The device is closed only after the loop returned. If that takes longer
// than stopTimeout, Stop returns ErrStopTimeout and the close happens in
// the background.
func (c *Camera) Stop() error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = false
	c.cancel()
	done := c.done
	started := c.started
	c.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("camera: stop timeout exceeded, device stays open until acquisition returns",
			"device", c.dev.Name(),
			"timeout", stopTimeout,
		)
		return fmt.Errorf("camera: stop %s: %w", c.dev.Name(), ErrStopTimeout)
	}

	slog.Info("camera: acquisition stopped",
		"device", c.dev.Name(),
		"frames", c.seq.Load(),
		"trigger_timeouts", c.timeouts.Load(),
		"uptime", time.Since(started),
	)

	if c.closeErr != nil {
		return fmt.Errorf("camera: close %s: %w", c.dev.Name(), c.closeErr)
	}
	return nil
}

// acquire is the software-trigger loop
func (c *Camera) acquire(ctx context.Context) {
	for ctx.Err() == nil {
		err := c.dev.WaitForTriggerReady(ctx, c.cfg.TriggerTimeout)
		if errors.Is(err, ErrTriggerTimeout) {
			c.timeouts.Add(1)
			slog.Debug("camera: trigger wait timed out", "timeout", c.cfg.TriggerTimeout)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.retrieveErrors.Add(1)
			slog.Warn("camera: trigger wait failed", "device", c.dev.Name(), "error", err)
			c.backoff(ctx)
			continue
		}

		if err := c.dev.ExecuteSoftwareTrigger(); err != nil {
			c.retrieveErrors.Add(1)
			slog.Warn("camera: software trigger failed", "device", c.dev.Name(), "error", err)
			c.backoff(ctx)
			continue
		}

		frame, err := c.dev.Retrieve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.retrieveErrors.Add(1)
			slog.Warn("camera: retrieve failed", "device", c.dev.Name(), "error", err)
			continue
		}

		c.deliver(c.stamp(frame))
	}
}

// stamp assigns sequence, timestamp and trace id
func (c *Camera) stamp(frame types.Frame) types.Frame {
	frame.Seq = c.seq.Add(1)
	frame.Timestamp = time.Now()
	frame.TraceID = uuid.New().String()

	c.lastFrameWidth.Store(int64(frame.Width))
	c.lastFrameHeight.Store(int64(frame.Height))

	c.fps.Record(frame.Timestamp)
	if frame.Seq%uint64(c.cfg.FPSWindow) == 0 {
		s := c.fps.Stats()
		slog.Info("camera: fps",
			"device", c.dev.Name(),
			"fps", s.FPSMean,
			"fps_stddev", s.FPSStdDev,
			"stable", s.IsStable,
			"frames", frame.Seq,
		)
	}
	return frame
}

func (c *Camera) deliver(frame types.Frame) {
	c.hmu.Lock()
	defer c.hmu.Unlock()

	if c.handler == nil {
		return
	}
	c.handler.OnFrameGrabbed(frame)
}

func (c *Camera) backoff(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(100 * time.Millisecond):
	}
}

// Stats returns acquisition statistics
func (c *Camera) Stats() types.StreamStats {
	c.mu.Lock()
	running := c.isRunning
	c.mu.Unlock()

	fps := c.fps.Stats()
	return types.StreamStats{
		FrameCount:      c.seq.Load(),
		TriggerTimeouts: c.timeouts.Load(),
		RetrieveErrors:  c.retrieveErrors.Load(),
		FPSTarget:       c.cfg.FPS,
		FPSReal:         fps.FPSMean,
		FPSStdDev:       fps.FPSStdDev,
		Resolution:      fmt.Sprintf("%dx%d", c.lastFrameWidth.Load(), c.lastFrameHeight.Load()),
		Device:          c.dev.Name(),
		IsRunning:       running,
	}
}
