package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tbazina/dimension-visual-inspection/internal/filter"
	"github.com/tbazina/dimension-visual-inspection/internal/pool"
	"github.com/tbazina/dimension-visual-inspection/internal/router"
	"github.com/tbazina/dimension-visual-inspection/internal/types"
)

// StartSession builds a fresh pool and router and registers the router on
// the camera, which starts the workers. Session parameters are read from
// config once, here.
func (m *Manager) StartSession(ctx context.Context) error {
	m.smu.Lock()
	defer m.smu.Unlock()

	if m.current != nil {
		return ErrSessionActive
	}

	sc := m.cfg.Session
	wp, err := pool.New[types.Frame, *types.CandidateRegion](pool.Config{
		Name:          "preprocess",
		NumberProc:    sc.NumberProc,
		InputCapacity: sc.InputCapacity,
	})
	if err != nil {
		return err
	}

	rt, err := router.New(router.Config{
		TimeDelay:  sc.TimeDelay,
		Preprocess: filter.Func(m.filter),
		Clock:      m.clock,
	}, wp, m.display, m.stage)
	if err != nil {
		return err
	}

	// Workers must not inherit the caller's deadline
	if err := m.camera.Register(context.WithoutCancel(ctx), rt); err != nil {
		return err
	}

	m.count++
	m.current = &session{
		id:      uuid.NewString(),
		pool:    wp,
		router:  rt,
		started: time.Now(),
	}

	slog.Info("session started",
		"session_id", m.current.id,
		"number_proc", sc.NumberProc,
		"input_capacity", sc.InputCapacity,
		"time_delay", sc.TimeDelay,
	)
	return nil
}

// StopSession deregisters the router: the pool receives one shutdown
// marker per worker and every worker is joined before it returns. ctx
// bounds the join.
func (m *Manager) StopSession(ctx context.Context) error {
	m.smu.Lock()
	defer m.smu.Unlock()

	s := m.current
	if s == nil {
		return ErrNoSession
	}

	err := m.camera.Deregister(ctx)

	// The camera no longer references the router, even when the join failed
	s.stopped = time.Now()
	m.current = nil
	m.last = s

	rs := s.router.Stats()
	slog.Info("session stopped",
		"session_id", s.id,
		"duration", s.stopped.Sub(s.started),
		"frames", rs.Frames,
		"forwarded", rs.Forwarded,
		"suppressed", rs.Suppressed,
	)

	if err != nil {
		return fmt.Errorf("stop session %s: %w", s.id, err)
	}
	return nil
}

// SessionActive reports whether a session is running
func (m *Manager) SessionActive() bool {
	m.smu.Lock()
	defer m.smu.Unlock()
	return m.current != nil
}

// snapshot returns the active session, else the last stopped one
func (m *Manager) snapshot() (s *session, active bool) {
	m.smu.Lock()
	defer m.smu.Unlock()
	if m.current != nil {
		return m.current, true
	}
	return m.last, false
}
