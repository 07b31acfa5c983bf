package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbazina/dimension-visual-inspection/internal/camera"
	"github.com/tbazina/dimension-visual-inspection/internal/filter"
	"github.com/tbazina/dimension-visual-inspection/internal/pool"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type recordingDisplay struct {
	mu     sync.Mutex
	frames []uint64
}

func (d *recordingDisplay) UpdateFrame(f types.Frame) {
	d.mu.Lock()
	d.frames = append(d.frames, f.Seq)
	d.mu.Unlock()
}

type recordingStage struct {
	mu      sync.Mutex
	regions []*types.CandidateRegion
}

func (s *recordingStage) Submit(r *types.CandidateRegion) {
	s.mu.Lock()
	s.regions = append(s.regions, r)
	s.mu.Unlock()
}

func (s *recordingStage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regions)
}

// scriptedPool is a WorkPool whose outputs are pushed by the test
type scriptedPool struct {
	full      bool
	submitted []pool.Task[types.Frame, *types.CandidateRegion]
	out       []pool.Outcome[*types.CandidateRegion]
	started   bool
	stopped   bool
}

func (p *scriptedPool) Start(context.Context) error { p.started = true; return nil }
func (p *scriptedPool) Stop()                       { p.stopped = true }
func (p *scriptedPool) Join(context.Context) error  { return nil }
func (p *scriptedPool) IsInputFull() bool           { return p.full }
func (p *scriptedPool) IsOutputEmpty() bool         { return len(p.out) == 0 }

func (p *scriptedPool) TrySubmit(t pool.Task[types.Frame, *types.CandidateRegion]) bool {
	if p.full {
		return false
	}
	p.submitted = append(p.submitted, t)
	return true
}

func (p *scriptedPool) TryDrainOne() (pool.Outcome[*types.CandidateRegion], bool) {
	if len(p.out) == 0 {
		return pool.Outcome[*types.CandidateRegion]{}, false
	}
	o := p.out[0]
	p.out = p.out[1:]
	return o, true
}

func (p *scriptedPool) push(region *types.CandidateRegion) {
	p.out = append(p.out, pool.Outcome[*types.CandidateRegion]{Task: TaskPreprocess, Value: region})
}

func noCandidate(context.Context, types.Frame) (*types.CandidateRegion, error) {
	return nil, nil
}

func alwaysCandidate(_ context.Context, f types.Frame) (*types.CandidateRegion, error) {
	return &types.CandidateRegion{Crop: f}, nil
}

func frame(seq uint64) types.Frame {
	return types.Frame{Seq: seq, Width: 1, Height: 1, Channels: 1, Data: []byte{0}}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Preprocess: noCandidate}, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{}, &scriptedPool{}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Preprocess: noCandidate, TimeDelay: -time.Second}, &scriptedPool{}, nil, nil)
	assert.Error(t, err)
}

// TestBackToBackFramesCapacityOne: capacity 1, three frames before any
// worker runs. Exactly one is submitted, two skip detection, and all three
// reach the display.
func TestBackToBackFramesCapacityOne(t *testing.T) {
	wp, err := pool.New[types.Frame, *types.CandidateRegion](pool.Config{NumberProc: 1, InputCapacity: 1})
	require.NoError(t, err)

	display := &recordingDisplay{}
	r, err := New(Config{Preprocess: noCandidate, TimeDelay: 10 * time.Second}, wp, display, nil)
	require.NoError(t, err)

	// Pool not started: nothing dequeues, nothing drains
	for seq := uint64(1); seq <= 3; seq++ {
		r.OnFrameGrabbed(frame(seq))
	}

	s := r.Stats()
	assert.Equal(t, uint64(3), s.Frames)
	assert.Equal(t, uint64(1), s.Submitted)
	assert.Equal(t, uint64(2), s.Dropped)
	assert.Equal(t, []uint64{1, 2, 3}, display.frames)
}

// TestDebounceScenario validates the minimum re-trigger interval.
//
// Scenario (time_delay = 10s):
//   - candidate at t=0s  → forwarded (first in session)
//   - candidate at t=5s  → suppressed
//   - candidate at t=11s → forwarded
func TestDebounceScenario(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	wp := &scriptedPool{}
	stage := &recordingStage{}

	r, err := New(Config{Preprocess: alwaysCandidate, TimeDelay: 10 * time.Second, Clock: clock}, wp, nil, stage)
	require.NoError(t, err)
	require.NoError(t, r.OnRegistered(context.Background()))

	wp.push(&types.CandidateRegion{Area: 1})
	r.OnFrameGrabbed(frame(1))
	assert.Equal(t, 1, stage.count())

	clock.Advance(5 * time.Second)
	wp.push(&types.CandidateRegion{Area: 2})
	r.OnFrameGrabbed(frame(2))
	assert.Equal(t, 1, stage.count())

	clock.Advance(6 * time.Second)
	wp.push(&types.CandidateRegion{Area: 3})
	r.OnFrameGrabbed(frame(3))
	require.Equal(t, 2, stage.count())
	assert.Equal(t, 3, stage.regions[1].Area)

	s := r.Stats()
	assert.Equal(t, uint64(2), s.Forwarded)
	assert.Equal(t, uint64(1), s.Suppressed)
	assert.True(t, s.LastForwardAt.Equal(clock.now))
}

// TestForwardIntervalProperty feeds candidates at irregular times and
// checks every pair of consecutive forwards is at least time_delay apart.
func TestForwardIntervalProperty(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	wp := &scriptedPool{}
	delay := 3 * time.Second

	var forwardedAt []time.Time
	stage := &stageFunc{fn: func(*types.CandidateRegion) { forwardedAt = append(forwardedAt, clock.Now()) }}

	r, err := New(Config{Preprocess: alwaysCandidate, TimeDelay: delay, Clock: clock}, wp, nil, stage)
	require.NoError(t, err)

	steps := []time.Duration{0, 700 * time.Millisecond, 2 * time.Second, 400 * time.Millisecond, 5 * time.Second, time.Second, 1900 * time.Millisecond, 3 * time.Second}
	for i, step := range steps {
		clock.Advance(step)
		wp.push(&types.CandidateRegion{Area: i})
		r.OnFrameGrabbed(frame(uint64(i)))
	}

	require.NotEmpty(t, forwardedAt)
	for i := 1; i < len(forwardedAt); i++ {
		assert.GreaterOrEqual(t, forwardedAt[i].Sub(forwardedAt[i-1]), delay)
	}
}

type stageFunc struct {
	fn func(*types.CandidateRegion)
}

func (s *stageFunc) Submit(r *types.CandidateRegion) { s.fn(r) }

func TestDrainDiscardsNilAndAcks(t *testing.T) {
	wp := &scriptedPool{}
	stage := &recordingStage{}
	r, err := New(Config{Preprocess: noCandidate, TimeDelay: time.Second}, wp, nil, stage)
	require.NoError(t, err)

	wp.out = []pool.Outcome[*types.CandidateRegion]{
		{Task: TaskPreprocess},
		{ShutdownAck: true},
		{Task: TaskPreprocess},
	}
	r.OnFrameGrabbed(frame(1))

	s := r.Stats()
	assert.Equal(t, uint64(3), s.Outcomes)
	assert.Equal(t, uint64(2), s.Rejected)
	assert.Equal(t, uint64(1), s.ShutdownAcks)
	assert.Equal(t, 0, stage.count())
	assert.True(t, wp.IsOutputEmpty())
}

func TestFullPoolSkipsSubmitButStillDrains(t *testing.T) {
	wp := &scriptedPool{full: true}
	stage := &recordingStage{}
	r, err := New(Config{Preprocess: alwaysCandidate}, wp, nil, stage)
	require.NoError(t, err)

	wp.push(&types.CandidateRegion{})
	r.OnFrameGrabbed(frame(1))

	assert.Empty(t, wp.submitted)
	assert.Equal(t, uint64(1), r.Stats().Dropped)
	assert.Equal(t, 1, stage.count())
}

func TestSubmittedTaskCarriesFrame(t *testing.T) {
	wp := &scriptedPool{}
	r, err := New(Config{Preprocess: noCandidate}, wp, nil, nil)
	require.NoError(t, err)

	f := frame(9)
	f.TraceID = "trace-9"
	r.OnFrameGrabbed(f)

	require.Len(t, wp.submitted, 1)
	task := wp.submitted[0]
	assert.Equal(t, TaskPreprocess, task.Name)
	assert.Equal(t, uint64(9), task.Arg.Seq)
	assert.Equal(t, "trace-9", task.TraceID)
	assert.NotNil(t, task.Fn)
}

func TestRegisterResetsGate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	wp := &scriptedPool{}
	stage := &recordingStage{}
	r, err := New(Config{Preprocess: alwaysCandidate, TimeDelay: time.Hour, Clock: clock}, wp, nil, stage)
	require.NoError(t, err)

	wp.push(&types.CandidateRegion{})
	r.OnFrameGrabbed(frame(1))
	require.Equal(t, 1, stage.count())

	require.NoError(t, r.OnDeregistered(context.Background()))
	assert.True(t, wp.stopped)

	// New session: first candidate passes again
	require.NoError(t, r.OnRegistered(context.Background()))
	wp.push(&types.CandidateRegion{})
	r.OnFrameGrabbed(frame(2))
	assert.Equal(t, 2, stage.count())
}

// TestWithRealPool runs the router end to end against a 3-worker pool
// whose preprocess function fails for one frame.
//
// Assert: the router keeps running, the pool loses exactly one worker,
// candidates keep flowing and deregistration joins all workers.
func TestWithRealPool(t *testing.T) {
	wp, err := pool.New[types.Frame, *types.CandidateRegion](pool.Config{NumberProc: 3, InputCapacity: 1})
	require.NoError(t, err)

	var failed atomic.Bool
	preprocess := func(_ context.Context, f types.Frame) (*types.CandidateRegion, error) {
		if f.Seq >= 2 && failed.CompareAndSwap(false, true) {
			return nil, errors.New("bad frame")
		}
		if f.Seq%2 == 0 {
			return nil, nil
		}
		return &types.CandidateRegion{Crop: f}, nil
	}

	stage := &recordingStage{}
	display := &recordingDisplay{}
	r, err := New(Config{Preprocess: preprocess, TimeDelay: 0}, wp, display, stage)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, r.OnRegistered(ctx))

	// Keep delivering frames until several candidates went through
	seq := uint64(0)
	require.Eventually(t, func() bool {
		seq++
		r.OnFrameGrabbed(frame(seq))
		time.Sleep(time.Millisecond)
		return stage.count() >= 5 && wp.Stats().Failures == 1
	}, 5*time.Second, time.Microsecond)

	assert.Equal(t, 2, wp.Stats().WorkersAlive)

	require.NoError(t, r.OnDeregistered(ctx))
	assert.Equal(t, 0, wp.Stats().WorkersAlive)
	assert.Equal(t, uint64(2), r.Stats().ShutdownAcks)
	assert.Equal(t, int(seq), len(display.frames))
}

// TestColourFramesKeepWorkersAlive runs the reference filter on 3-channel
// frames: they are judged on channel 0 and never cost a worker.
func TestColourFramesKeepWorkersAlive(t *testing.T) {
	wp, err := pool.New[types.Frame, *types.CandidateRegion](pool.Config{NumberProc: 3, InputCapacity: 1})
	require.NoError(t, err)
	centered, err := filter.NewCentered(filter.DefaultParams())
	require.NoError(t, err)

	stage := &recordingStage{}
	r, err := New(Config{Preprocess: filter.Func(centered), TimeDelay: 0}, wp, &recordingDisplay{}, stage)
	require.NoError(t, err)

	ring := camera.DrawRing(400, 300, 200, 150, 80, 50, 250, 70)
	colour := func(seq uint64) types.Frame {
		f := types.Frame{Seq: seq, Width: 400, Height: 300, Channels: 3, Data: make([]byte, len(ring)*3)}
		for i, v := range ring {
			f.Data[3*i], f.Data[3*i+1], f.Data[3*i+2] = v, v/2, 255
		}
		return f
	}
	blank := func(seq uint64) types.Frame {
		return types.Frame{Seq: seq, Width: 8, Height: 8, Channels: 3, Data: make([]byte, 8*8*3)}
	}

	ctx := context.Background()
	require.NoError(t, r.OnRegistered(ctx))

	seq := uint64(0)
	require.Eventually(t, func() bool {
		seq++
		if seq%2 == 0 {
			r.OnFrameGrabbed(blank(seq))
		} else {
			r.OnFrameGrabbed(colour(seq))
		}
		time.Sleep(time.Millisecond)
		return stage.count() >= 3 && wp.Stats().Processed >= 6
	}, 10*time.Second, time.Microsecond)

	s := wp.Stats()
	assert.Equal(t, uint64(0), s.Failures)
	assert.Equal(t, 3, s.WorkersAlive)

	require.NoError(t, r.OnDeregistered(ctx))
	assert.Equal(t, uint64(3), r.Stats().ShutdownAcks)
}
