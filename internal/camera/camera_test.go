package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// scriptedDevice times out every timeoutEvery-th trigger wait and returns
// 2x2 frames otherwise.
type scriptedDevice struct {
	mu           sync.Mutex
	waits        int
	timeoutEvery int
	opened       bool
	closed       bool
}

func (d *scriptedDevice) Name() string { return "scripted" }

func (d *scriptedDevice) Open(context.Context) error {
	d.mu.Lock()
	d.opened = true
	d.mu.Unlock()
	return nil
}

func (d *scriptedDevice) WaitForTriggerReady(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	d.waits++
	n := d.waits
	d.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
	}
	if d.timeoutEvery > 0 && n%d.timeoutEvery == 0 {
		return ErrTriggerTimeout
	}
	return nil
}

func (d *scriptedDevice) ExecuteSoftwareTrigger() error { return nil }

func (d *scriptedDevice) Retrieve(context.Context) (types.Frame, error) {
	return types.Frame{Width: 2, Height: 2, Channels: 1, Data: make([]byte, 4)}, nil
}

func (d *scriptedDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type recordingHandler struct {
	mu            sync.Mutex
	events        []string
	frames        []types.Frame
	registerErr   error
	deregistered  bool
	afterDeregErr bool
}

func (h *recordingHandler) OnRegistered(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "registered")
	return h.registerErr
}

func (h *recordingHandler) OnFrameGrabbed(f types.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.deregistered {
		h.afterDeregErr = true
	}
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) OnDeregistered(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deregistered = true
	h.events = append(h.events, "deregistered")
	return nil
}

func (h *recordingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func TestCameraDeliversStampedFrames(t *testing.T) {
	dev := &scriptedDevice{timeoutEvery: 3}
	cam, err := New(dev, Config{TriggerTimeout: 10 * time.Millisecond, FPSWindow: 5})
	require.NoError(t, err)

	h := &recordingHandler{}
	ctx := context.Background()
	require.NoError(t, cam.Register(ctx, h))
	assert.True(t, cam.HasHandler())
	assert.ErrorIs(t, cam.Register(ctx, &recordingHandler{}), ErrHandlerInstalled)

	require.NoError(t, cam.Start(ctx))
	assert.ErrorIs(t, cam.Start(ctx), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return h.frameCount() >= 10 }, 3*time.Second, time.Millisecond)

	require.NoError(t, cam.Deregister(ctx))
	assert.ErrorIs(t, cam.Deregister(ctx), ErrNoHandler)
	require.NoError(t, cam.Stop())
	require.NoError(t, cam.Stop())

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"registered", "deregistered"}, h.events)
	assert.False(t, h.afterDeregErr, "frame delivered after OnDeregistered")

	for i, f := range h.frames {
		assert.Equal(t, uint64(i+1), f.Seq)
		assert.NotEmpty(t, f.TraceID)
		assert.False(t, f.Timestamp.IsZero())
	}

	s := cam.Stats()
	assert.Greater(t, s.TriggerTimeouts, uint64(0))
	assert.False(t, s.IsRunning)
	assert.Equal(t, "2x2", s.Resolution)
	assert.True(t, dev.opened)
	assert.True(t, dev.closed)
}

func TestCameraRegisterFailureDoesNotInstall(t *testing.T) {
	cam, err := New(&scriptedDevice{}, Config{})
	require.NoError(t, err)

	h := &recordingHandler{registerErr: errors.New("pool failed")}
	assert.Error(t, cam.Register(context.Background(), h))
	assert.False(t, cam.HasHandler())
}

func TestCameraRunsWithoutHandler(t *testing.T) {
	cam, err := New(&scriptedDevice{}, Config{TriggerTimeout: 5 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, cam.Start(context.Background()))
	require.Eventually(t, func() bool { return cam.Stats().FrameCount > 3 }, 3*time.Second, time.Millisecond)
	require.NoError(t, cam.Stop())
}

func TestNewRequiresDevice(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

// stuckDevice blocks in Retrieve, ignoring ctx, until release is closed
type stuckDevice struct {
	scriptedDevice
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *stuckDevice) Retrieve(context.Context) (types.Frame, error) {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return types.Frame{Width: 2, Height: 2, Channels: 1, Data: make([]byte, 4)}, nil
}

func (d *stuckDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func TestCameraStopTimeoutLeavesDeviceOpen(t *testing.T) {
	prev := stopTimeout
	stopTimeout = 20 * time.Millisecond
	t.Cleanup(func() { stopTimeout = prev })

	dev := &stuckDevice{entered: make(chan struct{}), release: make(chan struct{})}
	cam, err := New(dev, Config{TriggerTimeout: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cam.Start(ctx))
	<-dev.entered

	assert.ErrorIs(t, cam.Stop(), ErrStopTimeout)
	assert.False(t, dev.isClosed(), "device closed while Retrieve was running")

	// Stats does not wait for the stuck loop
	statsDone := make(chan struct{})
	go func() {
		assert.False(t, cam.Stats().IsRunning)
		close(statsDone)
	}()
	select {
	case <-statsDone:
	case <-time.After(time.Second):
		t.Fatal("Stats blocked behind Stop")
	}

	assert.ErrorIs(t, cam.Start(ctx), ErrAlreadyRunning)
	assert.NoError(t, cam.Stop())

	close(dev.release)
	require.Eventually(t, dev.isClosed, 2*time.Second, time.Millisecond)

	require.NoError(t, cam.Start(ctx))
	require.NoError(t, cam.Stop())
}
