package camera

import (
	"context"
	"errors"
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

var (
	// ErrTriggerTimeout is returned by WaitForTriggerReady when the device
	// did not become ready in time
	ErrTriggerTimeout = errors.New("camera: trigger not ready within timeout")
	// ErrHandlerInstalled is returned by Register when a handler is already installed
	ErrHandlerInstalled = errors.New("camera: handler already installed")
	// ErrNoHandler is returned by Deregister when nothing is installed
	ErrNoHandler = errors.New("camera: no handler installed")
	// ErrAlreadyRunning is returned by a second Start
	ErrAlreadyRunning = errors.New("camera: acquisition already running")
	// ErrStopTimeout is returned by Stop when the acquisition loop did not
	// return in time; the device is closed once it does
	ErrStopTimeout = errors.New("camera: acquisition did not stop in time")
)

// Device is the driver seam: one area-scan camera in software-trigger mode
type Device interface {
	// Name identifies the device in logs and stats
	Name() string
	// Open prepares the device for acquisition
	Open(ctx context.Context) error
	// WaitForTriggerReady blocks until the next trigger is accepted, or
	// returns ErrTriggerTimeout after timeout
	WaitForTriggerReady(ctx context.Context, timeout time.Duration) error
	// ExecuteSoftwareTrigger starts one exposure
	ExecuteSoftwareTrigger() error
	// Retrieve returns the frame of the last trigger. The returned buffer is
	// owned by the caller.
	Retrieve(ctx context.Context) (types.Frame, error)
	// Close releases the device
	Close() error
}

// Handler receives camera events. One handler is installed at a time.
type Handler interface {
	// OnRegistered is called before the first frame is delivered
	OnRegistered(ctx context.Context) error
	// OnFrameGrabbed is called on the acquisition goroutine for every frame
	// and must return promptly
	OnFrameGrabbed(frame types.Frame)
	// OnDeregistered is called after the last frame was delivered
	OnDeregistered(ctx context.Context) error
}
