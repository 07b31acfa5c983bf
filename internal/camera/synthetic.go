package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// SyntheticConfig describes the generated scene: a dark O-ring on a
// backlit field, moving left to right.
type SyntheticConfig struct {
	Width       int
	Height      int
	FPS         float64
	OuterRadius float64
	InnerRadius float64
	// SpeedPx is the horizontal displacement per frame
	SpeedPx float64
	// Background and Foreground are the Mono8 levels of field and ring
	Background uint8
	Foreground uint8
	// Noise is the maximum absolute per-pixel noise (0 = none)
	Noise uint8
	Seed  int64
}

// DefaultSyntheticConfig matches the reference sensor geometry
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Width:       1280,
		Height:      1024,
		FPS:         50,
		OuterRadius: 180,
		InnerRadius: 120,
		SpeedPx:     12,
		Background:  250,
		Foreground:  70,
		Noise:       4,
		Seed:        1,
	}
}

// Synthetic is a Device that renders frames instead of reading a sensor
type Synthetic struct {
	cfg SyntheticConfig

	mu        sync.Mutex
	open      bool
	triggered bool
	frameIdx  int
	nextReady time.Time
	rng       *rand.Rand
}

// NewSynthetic creates a synthetic device
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("camera: invalid synthetic size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("camera: synthetic fps must be > 0")
	}
	if cfg.InnerRadius >= cfg.OuterRadius {
		return nil, fmt.Errorf("camera: inner radius %g must be < outer radius %g", cfg.InnerRadius, cfg.OuterRadius)
	}
	return &Synthetic{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Name implements Device
func (s *Synthetic) Name() string { return "synthetic" }

// Open implements Device
func (s *Synthetic) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.open = true
	s.nextReady = time.Now()
	slog.Info("camera: synthetic device opened",
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FPS,
	)
	return nil
}

// WaitForTriggerReady paces triggers at the configured frame rate
func (s *Synthetic) WaitForTriggerReady(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return errors.New("synthetic device not open")
	}
	wait := time.Until(s.nextReady)
	s.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	if wait > timeout {
		wait = timeout
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Now().Before(s.nextReady) {
		return ErrTriggerTimeout
	}
	return nil
}

// ExecuteSoftwareTrigger implements Device
func (s *Synthetic) ExecuteSoftwareTrigger() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.triggered = true
	s.nextReady = time.Now().Add(time.Duration(float64(time.Second) / s.cfg.FPS))
	return nil
}

// Retrieve renders the frame for the last trigger
func (s *Synthetic) Retrieve(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.triggered {
		return types.Frame{}, errors.New("retrieve without trigger")
	}
	s.triggered = false

	cx, cy := s.Position(s.frameIdx)
	s.frameIdx++

	data := DrawRing(s.cfg.Width, s.cfg.Height, cx, cy, s.cfg.OuterRadius, s.cfg.InnerRadius, s.cfg.Background, s.cfg.Foreground)
	if s.cfg.Noise > 0 {
		n := int(s.cfg.Noise)
		for i, v := range data {
			data[i] = uint8(min(255, max(0, int(v)+s.rng.Intn(2*n+1)-n)))
		}
	}

	return types.Frame{
		Width:    s.cfg.Width,
		Height:   s.cfg.Height,
		Channels: 1,
		Pixel:    types.PixelMono8,
		Data:     data,
	}, nil
}

// Position returns the ring centre for frame index i. The ring enters
// fully outside the left edge and wraps after leaving the right edge.
func (s *Synthetic) Position(i int) (float64, float64) {
	span := float64(s.cfg.Width) + 2*s.cfg.OuterRadius
	x := float64(i) * s.cfg.SpeedPx
	for x >= span {
		x -= span
	}
	return x - s.cfg.OuterRadius, float64(s.cfg.Height) / 2
}

// Close implements Device
func (s *Synthetic) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// DrawRing renders a Mono8 annulus centred at (cx, cy). Pixels whose
// centre lies within [innerR, outerR] of the centre take fg, the rest bg.
func DrawRing(w, h int, cx, cy, outerR, innerR float64, bg, fg uint8) []byte {
	data := make([]byte, w*h)
	for i := range data {
		data[i] = bg
	}

	outer2, inner2 := outerR*outerR, innerR*innerR
	y0, y1 := max(0, int(cy-outerR)-1), min(h-1, int(cy+outerR)+1)
	x0, x1 := max(0, int(cx-outerR)-1), min(w-1, int(cx+outerR)+1)
	for y := y0; y <= y1; y++ {
		dy := float64(y) - cy
		for x := x0; x <= x1; x++ {
			dx := float64(x) - cx
			d2 := dx*dx + dy*dy
			if d2 <= outer2 && d2 >= inner2 {
				data[y*w+x] = fg
			}
		}
	}
	return data
}
