//go:build gst

package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// Gst is a Device backed by a GStreamer pipeline ending in an appsink.
// The pipeline free-runs: ExecuteSoftwareTrigger is a no-op and Retrieve
// returns the newest sample.
type Gst struct {
	cfg GstConfig

	pipeline *gst.Pipeline
	sink     *app.Sink

	mu      sync.Mutex
	cond    *sync.Cond
	pending []byte // latest unconsumed sample, nil when consumed
	closed  bool

	samples atomic.Uint64
	dropped atomic.Uint64
}

// NewGst builds the pipeline without starting it
func NewGst(cfg GstConfig) (Device, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("camera: invalid gst size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Source == "" {
		cfg.Source = "videotestsrc"
	}
	g := &Gst{cfg: cfg}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Name implements Device
func (g *Gst) Name() string { return "gst:" + g.cfg.Source }

// Open creates the pipeline and sets it to PLAYING
func (g *Gst) Open(ctx context.Context) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement(g.cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", g.cfg.Source, err)
	}
	if g.cfg.DevicePath != "" {
		src.SetProperty("device", g.cfg.DevicePath)
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("failed to create videoscale: %w", err)
	}
	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=GRAY8,width=%d,height=%d", g.cfg.Width, g.cfg.Height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	pipeline.AddMany(src, convert, scale, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, convert, scale, capsfilter, sink.Element); err != nil {
		return fmt.Errorf("failed to link pipeline: %w", err)
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: g.onNewSample,
	})

	g.mu.Lock()
	g.pipeline = pipeline
	g.sink = sink
	g.closed = false
	g.pending = nil
	g.mu.Unlock()

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	slog.Info("camera: gstreamer pipeline playing", "source", g.cfg.Source, "caps", capsStr)
	return nil
}

// onNewSample copies the appsink buffer into the single-slot mailbox
func (g *Gst) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("camera: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	g.samples.Add(1)

	g.mu.Lock()
	if g.pending != nil {
		g.dropped.Add(1)
	}
	g.pending = frameData
	g.cond.Broadcast()
	g.mu.Unlock()

	return gst.FlowOK
}

// WaitForTriggerReady waits up to timeout for a sample to be available
func (g *Gst) WaitForTriggerReady(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := g.waitSample(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTriggerTimeout
		}
		return err
	}
	return nil
}

// ExecuteSoftwareTrigger is a no-op: the pipeline free-runs
func (g *Gst) ExecuteSoftwareTrigger() error { return nil }

// Retrieve returns the newest sample as a Mono8 frame
func (g *Gst) Retrieve(ctx context.Context) (types.Frame, error) {
	if err := g.waitSample(ctx); err != nil {
		return types.Frame{}, err
	}

	g.mu.Lock()
	data := g.pending
	g.pending = nil
	g.mu.Unlock()

	frame := types.Frame{
		Width:    g.cfg.Width,
		Height:   g.cfg.Height,
		Channels: 1,
		Pixel:    types.PixelMono8,
		Data:     data,
	}
	if err := frame.Validate(); err != nil {
		return types.Frame{}, err
	}
	return frame, nil
}

func (g *Gst) waitSample(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.pending == nil {
		if g.closed {
			return errors.New("gstreamer device closed")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		g.cond.Wait()
	}
	return nil
}

// Close sets the pipeline to NULL
func (g *Gst) Close() error {
	g.mu.Lock()
	pipeline := g.pipeline
	g.pipeline = nil
	g.closed = true
	g.cond.Broadcast()
	g.mu.Unlock()

	slog.Info("camera: gstreamer pipeline closing",
		"samples", g.samples.Load(),
		"dropped", g.dropped.Load(),
	)

	if pipeline == nil {
		return nil
	}
	if err := pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}
