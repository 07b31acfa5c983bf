// Package measure runs the measurement stage: candidates forwarded by the
// router are queued in an unbounded mailbox and measured one at a time on
// a dedicated goroutine, so the router never waits on measurement.
package measure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// ErrAlreadyStarted is returned by Start on a running stage
var ErrAlreadyStarted = errors.New("measure: stage already started")

// Measurer turns a candidate region into a measurement
type Measurer interface {
	Measure(ctx context.Context, region *types.CandidateRegion) (types.MeasurementResult, error)
}

// ResultSink receives the full ordered result list after every measurement
type ResultSink interface {
	UpdateMeasurementResult(results []types.MeasurementResult)
}

// Listener receives each new result with the region it was measured from
type Listener func(result types.MeasurementResult, region *types.CandidateRegion)

// Config contains stage settings
type Config struct {
	// History caps the ordered result list (oldest dropped first). 0 keeps 1000.
	History int
}

// Stage is the asynchronous measurement stage
type Stage struct {
	measurer Measurer
	history  int

	mu      sync.Mutex
	cond    *sync.Cond
	inbox   []*types.CandidateRegion
	closing bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	results   []types.MeasurementResult
	sinks     []ResultSink
	listeners []Listener

	submitted     atomic.Uint64
	measured      atomic.Uint64
	failed        atomic.Uint64
	discarded     atomic.Uint64
	lastProcessUS atomic.Uint64 // processing time of the last result
}

// Stats contains stage counters
type Stats struct {
	Submitted   uint64  `json:"submitted"`
	Measured    uint64  `json:"measured"`
	Failed      uint64  `json:"failed"`
	Discarded   uint64  `json:"discarded"`
	Pending     int     `json:"pending"`
	Results     int     `json:"results"`
	LastProcess float64 `json:"last_process_ms"`
	Running     bool    `json:"running"`
}

// NewStage creates a stage around m
func NewStage(m Measurer, cfg Config) (*Stage, error) {
	if m == nil {
		return nil, errors.New("measure: measurer is required")
	}
	if cfg.History <= 0 {
		cfg.History = 1000
	}
	s := &Stage{measurer: m, history: cfg.History}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// AddSink registers a result list sink. Call before Start.
func (s *Stage) AddSink(sink ResultSink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// AddListener registers a per-result callback. Call before Start.
func (s *Stage) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Start launches the measurement goroutine
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.closing = false

	s.wg.Add(1)
	go s.loop(runCtx)

	slog.Info("measure: stage started", "history", s.history)
	return nil
}

// Stop measures what is already queued, then ends the goroutine.
// Idempotent. ctx bounds the wait; on expiry pending regions are abandoned.
func (s *Stage) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.closing = true
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		slog.Info("measure: stage stopped", "measured", s.measured.Load(), "failed", s.failed.Load())
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return fmt.Errorf("measure: stop: %w", ctx.Err())
	}
}

// Submit queues a region for measurement. Never blocks.
func (s *Stage) Submit(region *types.CandidateRegion) {
	if region == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.discarded.Add(1)
		slog.Debug("measure: stage not running, region discarded", "trace_id", region.Crop.TraceID)
		return
	}
	s.submitted.Add(1)
	s.inbox = append(s.inbox, region)
	s.cond.Signal()
}

func (s *Stage) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.inbox) == 0 && !s.closing {
			s.cond.Wait()
		}
		if len(s.inbox) == 0 || ctx.Err() != nil {
			dropped := len(s.inbox)
			s.inbox = nil
			s.mu.Unlock()
			if dropped > 0 {
				s.discarded.Add(uint64(dropped))
				slog.Warn("measure: stage cancelled with pending regions", "pending", dropped)
			}
			return
		}
		region := s.inbox[0]
		s.inbox[0] = nil
		s.inbox = s.inbox[1:]
		s.mu.Unlock()

		s.process(ctx, region)
	}
}

func (s *Stage) process(ctx context.Context, region *types.CandidateRegion) {
	result, err := s.measurer.Measure(ctx, region)
	if err != nil {
		s.failed.Add(1)
		slog.Warn("measure: measurement failed",
			"trace_id", region.Crop.TraceID,
			"seq", region.Crop.Seq,
			"error", err,
		)
		return
	}
	s.measured.Add(1)
	s.lastProcessUS.Store(uint64(result.ProcessMS * 1000))

	s.mu.Lock()
	s.results = append(s.results, result)
	if over := len(s.results) - s.history; over > 0 {
		s.results = append(s.results[:0:0], s.results[over:]...)
	}
	snapshot := append([]types.MeasurementResult(nil), s.results...)
	sinks := append([]ResultSink(nil), s.sinks...)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	slog.Info("measure: object measured",
		"object_id", result.ObjectID,
		"trace_id", result.TraceID,
		"seq", result.FrameSeq,
		"outer_diameter_mm", result.Scalars[types.FeatureOuterDiameter],
		"inner_diameter_mm", result.Scalars[types.FeatureInnerDiameter],
		"processing_time", time.Duration(result.ProcessMS*float64(time.Millisecond)),
	)

	for _, l := range listeners {
		l(result, region)
	}
	for _, sink := range sinks {
		sink.UpdateMeasurementResult(snapshot)
	}
}

// Results returns a copy of the ordered result list
func (s *Stage) Results() []types.MeasurementResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.MeasurementResult(nil), s.results...)
}

// Stats returns stage counters
func (s *Stage) Stats() Stats {
	s.mu.Lock()
	pending, n, running := len(s.inbox), len(s.results), s.started
	s.mu.Unlock()

	return Stats{
		Submitted:   s.submitted.Load(),
		Measured:    s.measured.Load(),
		Failed:      s.failed.Load(),
		Discarded:   s.discarded.Load(),
		Pending:     pending,
		Results:     n,
		LastProcess: float64(s.lastProcessUS.Load()) / 1000,
		Running:     running,
	}
}
