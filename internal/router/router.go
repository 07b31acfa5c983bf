// Package router implements the per-frame orchestration between the camera,
// the preprocessing pool and the measurement stage.
//
// For every grabbed frame, in order:
//  1. Forward the frame to the display sink
//  2. If the pool input has room, submit (preprocess, frame); otherwise the
//     frame skips candidate detection
//  3. Drain every available outcome; nil regions and shutdown acks are
//     discarded, candidates pass the debounce gate to the measurement stage
//
// None of these steps blocks: the router runs on the camera's delivery
// goroutine.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/pool"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// TaskPreprocess names the candidate-detection task
const TaskPreprocess = "preprocess"

// WorkPool is the part of the worker pool the router drives
type WorkPool interface {
	Start(ctx context.Context) error
	Stop()
	Join(ctx context.Context) error
	IsInputFull() bool
	TrySubmit(task pool.Task[types.Frame, *types.CandidateRegion]) bool
	IsOutputEmpty() bool
	TryDrainOne() (pool.Outcome[*types.CandidateRegion], bool)
}

// DisplaySink receives every raw frame (fire-and-forget)
type DisplaySink interface {
	UpdateFrame(frame types.Frame)
}

// CandidateSink receives candidates that passed the debounce gate
type CandidateSink interface {
	Submit(region *types.CandidateRegion)
}

// Config contains router construction parameters
type Config struct {
	// TimeDelay is the minimum interval between forwarded candidates
	TimeDelay time.Duration
	// Preprocess is the candidate-detection function run by the pool
	Preprocess pool.Func[types.Frame, *types.CandidateRegion]
	// Clock defaults to SystemClock
	Clock Clock
}

// Router implements camera.Handler
type Router struct {
	pool    WorkPool
	display DisplaySink
	measure CandidateSink
	fn      pool.Func[types.Frame, *types.CandidateRegion]
	gate    *Debounce

	frames       atomic.Uint64
	submitted    atomic.Uint64
	dropped      atomic.Uint64
	outcomes     atomic.Uint64
	rejected     atomic.Uint64
	shutdownAcks atomic.Uint64
	suppressed   atomic.Uint64
	forwarded    atomic.Uint64
	lastForward  atomic.Int64 // unix nanos, 0 = never
}

// New creates a router. The pool must not be started yet: OnRegistered
// starts it.
func New(cfg Config, wp WorkPool, display DisplaySink, measure CandidateSink) (*Router, error) {
	if wp == nil {
		return nil, errors.New("router: work pool is required")
	}
	if cfg.Preprocess == nil {
		return nil, errors.New("router: preprocess function is required")
	}
	if cfg.TimeDelay < 0 {
		return nil, fmt.Errorf("router: time_delay must be >= 0, got %s", cfg.TimeDelay)
	}

	return &Router{
		pool:    wp,
		display: display,
		measure: measure,
		fn:      cfg.Preprocess,
		gate:    NewDebounce(cfg.TimeDelay, cfg.Clock),
	}, nil
}

// OnRegistered starts the worker pool and opens a new debounce window
func (r *Router) OnRegistered(ctx context.Context) error {
	r.gate.Reset()
	r.lastForward.Store(0)

	if err := r.pool.Start(ctx); err != nil {
		return fmt.Errorf("router: start pool: %w", err)
	}

	slog.Info("router: registered", "time_delay", r.gate.Interval())
	return nil
}

// OnFrameGrabbed runs the per-frame steps
func (r *Router) OnFrameGrabbed(frame types.Frame) {
	r.frames.Add(1)

	if r.display != nil {
		r.display.UpdateFrame(frame)
	}

	if r.pool.IsInputFull() || !r.pool.TrySubmit(pool.Task[types.Frame, *types.CandidateRegion]{
		Name:    TaskPreprocess,
		Fn:      r.fn,
		Arg:     frame,
		TraceID: frame.TraceID,
	}) {
		r.dropped.Add(1)
		slog.Debug("router: pool busy, frame skips detection",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	} else {
		r.submitted.Add(1)
	}

	r.drain()
}

// OnDeregistered stops the pool, waits for every worker to exit, then
// routes whatever the workers published before exiting.
func (r *Router) OnDeregistered(ctx context.Context) error {
	r.pool.Stop()
	err := r.pool.Join(ctx)

	r.drain()

	s := r.Stats()
	slog.Info("router: deregistered",
		"frames", s.Frames,
		"submitted", s.Submitted,
		"dropped", s.Dropped,
		"forwarded", s.Forwarded,
		"suppressed", s.Suppressed,
	)

	if err != nil {
		return fmt.Errorf("router: join pool: %w", err)
	}
	return nil
}

// drain empties the pool output without blocking
func (r *Router) drain() {
	for !r.pool.IsOutputEmpty() {
		out, ok := r.pool.TryDrainOne()
		if !ok {
			return
		}
		r.outcomes.Add(1)

		switch {
		case out.ShutdownAck:
			r.shutdownAcks.Add(1)
		case out.Value == nil:
			r.rejected.Add(1)
		default:
			r.route(out.Value)
		}
	}
}

// route applies the debounce gate to one candidate
func (r *Router) route(region *types.CandidateRegion) {
	if !r.gate.Allow() {
		r.suppressed.Add(1)
		slog.Debug("router: candidate suppressed by time delay",
			"seq", region.Crop.Seq,
			"trace_id", region.Crop.TraceID,
		)
		return
	}

	last, _ := r.gate.Last()
	r.lastForward.Store(last.UnixNano())
	r.forwarded.Add(1)

	slog.Info("router: candidate forwarded to measurement",
		"seq", region.Crop.Seq,
		"trace_id", region.Crop.TraceID,
		"bounds", region.Bounds,
		"ellipse_ratio", region.EllipseRatio,
	)

	if r.measure != nil {
		r.measure.Submit(region)
	}
}

// Stats contains router counters
type Stats struct {
	Frames        uint64    `json:"frames"`
	Submitted     uint64    `json:"submitted"`
	Dropped       uint64    `json:"dropped"`
	Outcomes      uint64    `json:"outcomes"`
	Rejected      uint64    `json:"rejected"`
	ShutdownAcks  uint64    `json:"shutdown_acks"`
	Suppressed    uint64    `json:"suppressed"`
	Forwarded     uint64    `json:"forwarded"`
	LastForwardAt time.Time `json:"last_forward_at,omitempty"`
}

// Stats returns a snapshot of router counters. Safe from any goroutine.
func (r *Router) Stats() Stats {
	s := Stats{
		Frames:       r.frames.Load(),
		Submitted:    r.submitted.Load(),
		Dropped:      r.dropped.Load(),
		Outcomes:     r.outcomes.Load(),
		Rejected:     r.rejected.Load(),
		ShutdownAcks: r.shutdownAcks.Load(),
		Suppressed:   r.suppressed.Load(),
		Forwarded:    r.forwarded.Load(),
	}
	if ns := r.lastForward.Load(); ns != 0 {
		s.LastForwardAt = time.Unix(0, ns)
	}
	return s
}
