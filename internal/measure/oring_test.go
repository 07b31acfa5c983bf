package measure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbazina/dimension-visual-inspection/internal/camera"
	"github.com/tbazina/dimension-visual-inspection/internal/filter"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

func candidate(t *testing.T, outer, inner float64) *types.CandidateRegion {
	t.Helper()
	frame := types.Frame{
		Seq:      42,
		Width:    400,
		Height:   300,
		Channels: 1,
		Data:     camera.DrawRing(400, 300, 200, 150, outer, inner, 250, 70),
		TraceID:  "trace-42",
	}
	f, err := filter.NewCentered(filter.DefaultParams())
	require.NoError(t, err)
	region, err := f.Detect(context.Background(), frame)
	require.NoError(t, err)
	require.NotNil(t, region)
	return region
}

func newORing(t *testing.T, pixel, correction float64) *ORing {
	t.Helper()
	m, err := NewORing(ORingConfig{
		InstanceID:    "line-1",
		PixelSizeMM:   pixel,
		Correction:    correction,
		ThresholdLow:  30,
		ThresholdHigh: 240,
	})
	require.NoError(t, err)
	return m
}

func TestORingMeasuresRing(t *testing.T) {
	region := candidate(t, 80, 50)

	res, err := newORing(t, 0.1, 1).Measure(context.Background(), region)
	require.NoError(t, err)

	assert.NotEmpty(t, res.ObjectID)
	assert.Equal(t, "line-1", res.InstanceID)
	assert.Equal(t, uint64(42), res.FrameSeq)
	assert.Equal(t, "trace-42", res.TraceID)
	assert.Equal(t, region.Bounds, res.Bounds)
	assert.False(t, res.MeasuredAt.IsZero())

	outer, ok := res.Scalar(types.FeatureOuterDiameter)
	require.True(t, ok)
	assert.InDelta(t, 16.0, outer, 0.2)
	assert.InDelta(t, 10.0, res.Scalars[types.FeatureInnerDiameter], 0.2)
	assert.InDelta(t, 3.0, res.Scalars[types.FeatureCrossSection], 0.2)
	assert.InDelta(t, 16.1, res.Scalars[types.FeatureFeretMax], 0.3)
	assert.InDelta(t, 16.1, res.Scalars[types.FeatureFeretMin], 0.3)
	assert.LessOrEqual(t, res.Scalars[types.FeatureFeretMin], res.Scalars[types.FeatureFeretMax])
	assert.Greater(t, res.Scalars[types.FeatureRoundness], 0.97)

	center := res.Vectors[types.FeatureCenter]
	require.Len(t, center, 2)
	assert.InDelta(t, 200, center[0], 0.5)
	assert.InDelta(t, 150, center[1], 0.5)
}

func TestORingCorrectionScales(t *testing.T) {
	region := candidate(t, 80, 50)

	plain, err := newORing(t, 0.1, 1).Measure(context.Background(), region)
	require.NoError(t, err)
	corrected, err := newORing(t, 0.1, 1.05).Measure(context.Background(), region)
	require.NoError(t, err)

	assert.InDelta(t,
		plain.Scalars[types.FeatureOuterDiameter]*1.05,
		corrected.Scalars[types.FeatureOuterDiameter], 1e-9)
	assert.InDelta(t,
		plain.Scalars[types.FeatureRoundness],
		corrected.Scalars[types.FeatureRoundness], 1e-9)
	assert.NotEqual(t, plain.ObjectID, corrected.ObjectID)
}

func TestORingEmptyCrop(t *testing.T) {
	data := make([]byte, 16)
	for i := range data {
		data[i] = 250
	}
	region := &types.CandidateRegion{Crop: types.Frame{Width: 4, Height: 4, Channels: 1, Data: data}}

	_, err := newORing(t, 0.1, 1).Measure(context.Background(), region)
	assert.ErrorIs(t, err, ErrNoObject)
}

func TestNewORingValidates(t *testing.T) {
	_, err := NewORing(ORingConfig{PixelSizeMM: 0})
	assert.Error(t, err)

	_, err = NewORing(ORingConfig{PixelSizeMM: 0.1, ThresholdLow: 200, ThresholdHigh: 100})
	assert.Error(t, err)
}
