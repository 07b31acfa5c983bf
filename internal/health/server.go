// Package health serves the service HTTP surface: liveness, readiness,
// plain-text metrics, recent measurement results and a preview image of
// the latest frame.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gorilla/mux"

	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// Health states reported by /readiness
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status         string  `json:"status"` // healthy, degraded, unhealthy
	UptimeSeconds  int64   `json:"uptime_seconds"`
	SessionActive  bool    `json:"session_active"`
	WorkersUp      int     `json:"workers_up"`
	WorkersTotal   int     `json:"workers_total"`
	CameraRunning  bool    `json:"camera_running"`
	MQTTConnected  bool    `json:"mqtt_connected"`
	FramesGrabbed  uint64  `json:"frames_grabbed"`
	FramesDropped  uint64  `json:"frames_dropped"`
	Measured       uint64  `json:"measured"`
	CameraFPS      float64 `json:"camera_fps"`
	WorkerFailures uint64  `json:"worker_failures"`
}

// Metric is one plain-text counter or gauge
type Metric struct {
	Name  string
	Help  string
	Value float64
}

// Source provides the data behind the endpoints
type Source interface {
	HealthCheck() HealthStatus
	Metrics() []Metric
	Results(limit int) []types.MeasurementResult
	LatestFrame() (types.Frame, bool)
}

// DefaultPreviewWidth is the /frame.png width when none is requested
const DefaultPreviewWidth = 320

// Server is the HTTP surface
type Server struct {
	src        Source
	instanceID string
	started    time.Time
	router     *mux.Router
	server     *http.Server
}

// NewServer creates a server listening on addr (":8080")
func NewServer(addr, instanceID string, src Source) *Server {
	s := &Server{
		src:        src,
		instanceID: instanceID,
		started:    time.Now(),
		router:     mux.NewRouter(),
	}

	s.router.HandleFunc("/health", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/readiness", s.handleReadiness).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/results", s.handleResults).Methods(http.MethodGet)
	s.router.HandleFunc("/frame.png", s.handleFrame).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router (tests, embedding)
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in a goroutine and returns immediately
func (s *Server) Start() {
	slog.Info("starting health check server",
		"addr", s.server.Addr,
		"endpoints", []string{"/health", "/readiness", "/metrics", "/results", "/frame.png"},
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health check server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("health: shutdown: %w", err)
	}
	return nil
}

// handleLiveness handles /health: 200 while the process is alive
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadiness handles /readiness: 503 when unhealthy, 200 otherwise
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health := s.src.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// handleMetrics handles /metrics in the Prometheus text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	for _, m := range s.src.Metrics() {
		if m.Help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", m.Name, m.Help)
		}
		fmt.Fprintf(&b, "%s{instance=%q} %s\n", m.Name, s.instanceID, strconv.FormatFloat(m.Value, 'g', -1, 64))
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

// handleResults handles /results?limit=N (0 or absent = all)
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 0)
	if !ok {
		return
	}
	results := s.src.Results(limit)
	if results == nil {
		results = []types.MeasurementResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

// handleFrame handles /frame.png?width=N: the latest frame downscaled
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	width, ok := queryInt(w, r, "width", DefaultPreviewWidth)
	if !ok {
		return
	}

	frame, found := s.src.LatestFrame()
	if !found {
		http.Error(w, "no frame available", http.StatusNotFound)
		return
	}
	if err := frame.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	img := frame.Image()
	if width > 0 && width < frame.Width {
		img = imaging.Resize(img, width, 0, imaging.Box)
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	if err := imaging.Encode(w, img, imaging.PNG); err != nil {
		slog.Warn("health: failed to encode preview", "error", err)
	}
}

func queryInt(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		http.Error(w, fmt.Sprintf("invalid %s %q", key, raw), http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode response", "error", err)
	}
}
