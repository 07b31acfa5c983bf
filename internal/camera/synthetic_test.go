package camera

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawRing(t *testing.T) {
	data := DrawRing(100, 100, 50, 50, 30, 20, 250, 70)

	assert.Equal(t, uint8(250), data[50*100+50], "hole shows background")
	assert.Equal(t, uint8(70), data[50*100+75], "ring body")
	assert.Equal(t, uint8(250), data[50*100+90], "outside ring")
	assert.Equal(t, uint8(250), data[0])
}

func TestDrawRingClipsAtEdges(t *testing.T) {
	assert.NotPanics(t, func() {
		DrawRing(50, 50, -20, 25, 30, 10, 250, 70)
		DrawRing(50, 50, 70, 25, 30, 10, 250, 70)
		DrawRing(50, 50, -500, 25, 30, 10, 250, 70)
	})
}

func TestSyntheticPositionWraps(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.Width, cfg.OuterRadius, cfg.InnerRadius, cfg.SpeedPx = 100, 10, 5, 10
	s, err := NewSynthetic(cfg)
	require.NoError(t, err)

	x0, _ := s.Position(0)
	assert.Equal(t, -10.0, x0)

	x, _ := s.Position(12) // span = 120
	assert.Equal(t, -10.0, x)

	x, _ = s.Position(6)
	assert.Equal(t, 50.0, x)
}

func TestSyntheticValidates(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.InnerRadius = cfg.OuterRadius
	_, err := NewSynthetic(cfg)
	assert.Error(t, err)

	cfg = DefaultSyntheticConfig()
	cfg.FPS = 0
	_, err = NewSynthetic(cfg)
	assert.Error(t, err)
}

func TestSyntheticTriggerRetrieve(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.Width, cfg.Height = 64, 48
	cfg.OuterRadius, cfg.InnerRadius = 10, 5
	cfg.FPS = 1000
	s, err := NewSynthetic(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.Retrieve(ctx)
	assert.Error(t, err, "retrieve before trigger")

	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.WaitForTriggerReady(ctx, time.Second))
	require.NoError(t, s.ExecuteSoftwareTrigger())

	f, err := s.Retrieve(ctx)
	require.NoError(t, err)
	require.NoError(t, f.Validate())
	assert.Equal(t, 64, f.Width)
	require.NoError(t, s.Close())
}

// TestSyntheticTriggerTimeout paces at 1 fps and waits with a 10ms budget:
// the second wait must report a trigger timeout.
func TestSyntheticTriggerTimeout(t *testing.T) {
	cfg := DefaultSyntheticConfig()
	cfg.Width, cfg.Height = 8, 8
	cfg.OuterRadius, cfg.InnerRadius = 3, 1
	cfg.FPS = 1
	s, err := NewSynthetic(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.WaitForTriggerReady(ctx, 10*time.Millisecond))
	require.NoError(t, s.ExecuteSoftwareTrigger())

	assert.ErrorIs(t, s.WaitForTriggerReady(ctx, 10*time.Millisecond), ErrTriggerTimeout)
}
