package session

import (
	"encoding/json"
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/health"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// HealthCheck returns the current health status of the service.
//
// Unhealthy: camera stopped, no session, or every worker lost.
// Degraded: some workers lost, or MQTT configured but disconnected.
func (m *Manager) HealthCheck() health.HealthStatus {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()

	cs := m.camera.Stats()
	status := health.HealthStatus{
		Status:        health.StatusHealthy,
		CameraRunning: cs.IsRunning,
		FramesGrabbed: cs.FrameCount,
		CameraFPS:     cs.FPSReal,
		Measured:      m.stage.Stats().Measured,
	}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if m.emitter != nil {
		status.MQTTConnected = m.emitter.Stats().Connected
	}

	s, active := m.snapshot()
	status.SessionActive = active
	degraded := false
	if active {
		ps := s.pool.Stats()
		status.WorkersUp = ps.WorkersAlive
		status.WorkersTotal = ps.NumberProc
		status.WorkerFailures = ps.Failures
		status.FramesDropped = s.router.Stats().Dropped
		degraded = ps.Degraded()
	}

	switch {
	case !status.CameraRunning || !active || status.WorkersUp == 0:
		status.Status = health.StatusUnhealthy
	case degraded || (m.emitter != nil && !status.MQTTConnected):
		status.Status = health.StatusDegraded
	}
	return status
}

func healthPayload(h health.HealthStatus) ([]byte, error) {
	return json.Marshal(struct {
		health.HealthStatus
		Timestamp string `json:"timestamp"`
	}{h, time.Now().UTC().Format(time.RFC3339)})
}

// Metrics implements health.Source
func (m *Manager) Metrics() []health.Metric {
	cs := m.camera.Stats()
	st := m.stage.Stats()

	metrics := []health.Metric{
		{Name: "gauge_frames_total", Help: "Frames grabbed by the camera", Value: float64(cs.FrameCount)},
		{Name: "gauge_trigger_timeouts_total", Help: "Camera trigger timeouts", Value: float64(cs.TriggerTimeouts)},
		{Name: "gauge_retrieve_errors_total", Help: "Camera retrieve errors", Value: float64(cs.RetrieveErrors)},
		{Name: "gauge_camera_fps", Help: "Measured acquisition rate", Value: cs.FPSReal},
		{Name: "gauge_display_fps", Help: "Display refresh rate", Value: m.display.FPS()},
		{Name: "gauge_measured_total", Help: "Objects measured", Value: float64(st.Measured)},
		{Name: "gauge_measure_failed_total", Help: "Failed measurements", Value: float64(st.Failed)},
		{Name: "gauge_measure_pending", Help: "Candidates waiting for measurement", Value: float64(st.Pending)},
		{Name: "gauge_sessions_total", Help: "Sessions started", Value: float64(m.sessionCount())},
	}

	s, active := m.snapshot()
	metrics = append(metrics, health.Metric{Name: "gauge_session_active", Help: "1 while a session runs", Value: boolGauge(active)})
	if s != nil {
		rs := s.router.Stats()
		ps := s.pool.Stats()
		metrics = append(metrics,
			health.Metric{Name: "gauge_frames_submitted_total", Help: "Frames handed to the worker pool", Value: float64(rs.Submitted)},
			health.Metric{Name: "gauge_frames_dropped_total", Help: "Frames dropped on a full pool", Value: float64(rs.Dropped)},
			health.Metric{Name: "gauge_candidates_forwarded_total", Help: "Candidates forwarded to measurement", Value: float64(rs.Forwarded)},
			health.Metric{Name: "gauge_candidates_suppressed_total", Help: "Candidates suppressed by debounce", Value: float64(rs.Suppressed)},
			health.Metric{Name: "gauge_workers_alive", Help: "Live preprocessing workers", Value: float64(ps.WorkersAlive)},
			health.Metric{Name: "gauge_worker_failures_total", Help: "Workers lost to failures", Value: float64(ps.Failures)},
		)
	}

	if m.emitter != nil {
		metrics = append(metrics, health.Metric{Name: "gauge_mqtt_connected", Value: boolGauge(m.emitter.Stats().Connected)})
	}
	if m.recorder != nil {
		rec := m.recorder.Stats()
		metrics = append(metrics,
			health.Metric{Name: "gauge_recorder_crops_total", Help: "Crops written", Value: float64(rec.Crops)},
			health.Metric{Name: "gauge_recorder_errors_total", Value: float64(rec.Errors)},
		)
	}
	return metrics
}

// Results returns the newest limit results, oldest first (0 = all)
func (m *Manager) Results(limit int) []types.MeasurementResult {
	results := m.stage.Results()
	if limit > 0 && len(results) > limit {
		results = results[len(results)-limit:]
	}
	return results
}

// LatestFrame implements health.Source
func (m *Manager) LatestFrame() (types.Frame, bool) {
	return m.display.Latest()
}

// Status aggregates component statistics for the get_status command
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	running := m.isRunning
	started := m.started
	m.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id": m.cfg.InstanceID,
		"running":     running,
		"camera":      m.camera.Stats(),
		"measure":     m.stage.Stats(),
		"display":     m.display.Snapshot(),
		"config": map[string]interface{}{
			"number_proc":    m.cfg.Session.NumberProc,
			"input_capacity": m.cfg.Session.InputCapacity,
			"time_delay":     m.cfg.Session.TimeDelay.String(),
			"device":         m.cfg.Camera.Device,
		},
	}
	if running {
		status["uptime_s"] = time.Since(started).Seconds()
	}

	s, active := m.snapshot()
	sess := map[string]interface{}{"active": active}
	if s != nil {
		sess["id"] = s.id
		sess["started_at"] = s.started
		if !active {
			sess["stopped_at"] = s.stopped
		}
		sess["router"] = s.router.Stats()
		sess["pool"] = s.pool.Stats()
	}
	status["session"] = sess

	if m.emitter != nil {
		status["mqtt"] = m.emitter.Stats()
	}
	if m.recorder != nil {
		status["recorder"] = m.recorder.Stats()
	}
	return status
}

func (m *Manager) sessionCount() int {
	m.smu.Lock()
	defer m.smu.Unlock()
	return m.count
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
