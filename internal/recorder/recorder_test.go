package recorder

import (
	"bytes"
	"encoding/binary"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

func testRegion() *types.CandidateRegion {
	data := make([]byte, 6*4)
	for i := range data {
		data[i] = byte(i * 10)
	}
	return &types.CandidateRegion{
		Crop:   types.Frame{Seq: 12, Width: 6, Height: 4, Channels: 1, Data: data, TraceID: "abc"},
		Bounds: types.Rect{X: 10, Y: 20, Width: 6, Height: 4},
	}
}

func testResult(id string) types.MeasurementResult {
	return types.MeasurementResult{
		ObjectID:   id,
		InstanceID: "line-1",
		FrameSeq:   12,
		TraceID:    "abc",
		Bounds:     types.Rect{X: 10, Y: 20, Width: 6, Height: 4},
		Scalars:    map[string]float64{types.FeatureOuterDiameter: 12.5},
		Vectors:    map[string][]float64{types.FeatureCenter: {13, 22}},
		ProcessMS:  3.25,
		MeasuredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSaveCropTIFF(t *testing.T) {
	r, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer r.Close()

	path, err := r.SaveCrop(testRegion())
	require.NoError(t, err)
	assert.Equal(t, "00000012-abc.tiff", filepath.Base(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := tiff.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 6, 4), img.Bounds())

	gray, ok := img.(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, uint8(50), gray.GrayAt(5, 0).Y)
}

func TestSaveCropPNG(t *testing.T) {
	r, err := New(Config{Dir: t.TempDir(), CropFormat: "png"})
	require.NoError(t, err)
	defer r.Close()

	path, err := r.SaveCrop(testRegion())
	require.NoError(t, err)

	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
	assert.Equal(t, uint64(1), r.Stats().Crops)
}

func TestJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir})
	require.NoError(t, err)

	require.NoError(t, r.Append(testResult("one")))
	require.NoError(t, r.Append(testResult("two")))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Error(t, r.Append(testResult("late")))

	results, err := ReadJournalFile(filepath.Join(dir, JournalName))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "one", results[0].ObjectID)
	assert.Equal(t, "two", results[1].ObjectID)
	assert.Equal(t, 12.5, results[1].Scalars[types.FeatureOuterDiameter])
	assert.Equal(t, []float64{13, 22}, results[1].Vectors[types.FeatureCenter])
	assert.Equal(t, types.Rect{X: 10, Y: 20, Width: 6, Height: 4}, results[1].Bounds)
	assert.True(t, results[1].MeasuredAt.Equal(testResult("").MeasuredAt))
}

func TestJournalAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"first", "second"} {
		r, err := New(Config{Dir: dir})
		require.NoError(t, err)
		require.NoError(t, r.Append(testResult(id)))
		require.NoError(t, r.Close())
	}

	results, err := ReadJournalFile(filepath.Join(dir, JournalName))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "second", results[1].ObjectID)
}

func TestReadJournalTruncated(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, r.Append(testResult("whole")))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(filepath.Join(dir, JournalName))
	require.NoError(t, err)

	// second record cut short
	var buf bytes.Buffer
	buf.Write(data)
	buf.Write(data[:len(data)-3])

	results, err := ReadJournal(&buf)
	assert.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "whole", results[0].ObjectID)
}

func TestReadJournalRejectsHugeLength(t *testing.T) {
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, maxRecordSize+1)

	_, err := ReadJournal(bytes.NewReader(prefix))
	assert.Error(t, err)
}

func TestReadJournalEmpty(t *testing.T) {
	results, err := ReadJournal(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestOnMeasurement(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Config{Dir: dir})
	require.NoError(t, err)

	r.OnMeasurement(testResult("x"), testRegion())
	r.OnMeasurement(testResult("y"), &types.CandidateRegion{Crop: types.Frame{Width: 2, Height: 2}})
	require.NoError(t, r.Close())

	s := r.Stats()
	assert.Equal(t, uint64(1), s.Crops)
	assert.Equal(t, uint64(2), s.Records)
	assert.Equal(t, uint64(1), s.Errors)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Dir: t.TempDir(), CropFormat: "bmp"})
	assert.Error(t, err)
}
