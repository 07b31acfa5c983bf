package health

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

type fakeSource struct {
	status  HealthStatus
	results []types.MeasurementResult
	frame   *types.Frame
	limit   int
}

func (f *fakeSource) HealthCheck() HealthStatus { return f.status }

func (f *fakeSource) Metrics() []Metric {
	return []Metric{
		{Name: "gauge_frames_total", Help: "Frames grabbed", Value: 42},
		{Name: "gauge_camera_fps", Value: 49.5},
	}
}

func (f *fakeSource) Results(limit int) []types.MeasurementResult {
	f.limit = limit
	return f.results
}

func (f *fakeSource) LatestFrame() (types.Frame, bool) {
	if f.frame == nil {
		return types.Frame{}, false
	}
	return *f.frame, true
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLiveness(t *testing.T) {
	s := NewServer(":0", "line-1", &fakeSource{})

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		status string
		code   int
	}{
		{StatusHealthy, http.StatusOK},
		{StatusDegraded, http.StatusOK},
		{StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			src := &fakeSource{status: HealthStatus{Status: tt.status, WorkersUp: 2, WorkersTotal: 3}}
			rec := get(t, NewServer(":0", "line-1", src), "/readiness")
			assert.Equal(t, tt.code, rec.Code)

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, 2, body.WorkersUp)
		})
	}
}

func TestMetrics(t *testing.T) {
	rec := get(t, NewServer(":0", "line-1", &fakeSource{}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "# HELP gauge_frames_total Frames grabbed\n")
	assert.Contains(t, body, "gauge_frames_total{instance=\"line-1\"} 42\n")
	assert.Contains(t, body, "gauge_camera_fps{instance=\"line-1\"} 49.5\n")
}

func TestResults(t *testing.T) {
	src := &fakeSource{results: []types.MeasurementResult{{ObjectID: "a"}}}
	s := NewServer(":0", "line-1", src)

	rec := get(t, s, "/results?limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, src.limit)

	var results []types.MeasurementResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ObjectID)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/results?limit=-1").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/results?limit=x").Code)
}

func TestResultsEmptyIsArray(t *testing.T) {
	rec := get(t, NewServer(":0", "line-1", &fakeSource{}), "/results")
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestFramePreview(t *testing.T) {
	data := make([]byte, 640*480)
	for i := range data {
		data[i] = byte(i)
	}
	src := &fakeSource{frame: &types.Frame{Seq: 9, Width: 640, Height: 480, Channels: 1, Data: data}}
	s := NewServer(":0", "line-1", src)

	rec := get(t, s, "/frame.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "9", rec.Header().Get("X-Frame-Seq"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 240, img.Bounds().Dy())

	rec = get(t, s, "/frame.png?width=1000")
	img, err = png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 640, img.Bounds().Dx())
}

func TestFrameMissing(t *testing.T) {
	rec := get(t, NewServer(":0", "line-1", &fakeSource{}), "/frame.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer(":0", "line-1", &fakeSource{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
