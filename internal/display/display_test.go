package display

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

func TestDisplayKeepsLatestFrame(t *testing.T) {
	d := New(10)

	_, ok := d.Latest()
	assert.False(t, ok)

	for seq := uint64(1); seq <= 3; seq++ {
		d.UpdateFrame(types.Frame{Seq: seq, Width: 1, Height: 1, Data: []byte{byte(seq)}})
	}

	f, ok := d.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), f.Seq)

	v := d.Snapshot()
	require.NotNil(t, v.Frame)
	assert.Equal(t, uint64(3), v.Frame.Seq)
	assert.Equal(t, uint64(3), v.Frames)
}

func TestDisplayFPS(t *testing.T) {
	d := New(5)
	for i := 0; i < 5; i++ {
		d.UpdateFrame(types.Frame{Seq: uint64(i)})
		time.Sleep(10 * time.Millisecond)
	}
	fps := d.FPS()
	assert.Greater(t, fps, 10.0)
	assert.Less(t, fps, 110.0)

	d.Reset()
	assert.Equal(t, 0.0, d.FPS())
	_, ok := d.Latest()
	assert.False(t, ok)
}

func TestDisplayResults(t *testing.T) {
	d := New(10)
	results := []types.MeasurementResult{{ObjectID: "a"}, {ObjectID: "b"}}
	d.UpdateMeasurementResult(results)

	got := d.Results()
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].ObjectID)

	// returned slices are copies
	got[0].ObjectID = "changed"
	assert.Equal(t, "a", d.Snapshot().Results[0].ObjectID)
}
