package pool

import (
	"time"

	"github.com/tbazina/dimension-visual-inspection/internal/dispatch"
)

// WorkerStats contains per-worker state
type WorkerStats struct {
	ID         int       `json:"id"`
	Alive      bool      `json:"alive"`
	Processed  uint64    `json:"processed"`
	LastSeenAt time.Time `json:"last_seen_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// Stats is a snapshot of the pool
type Stats struct {
	Name         string         `json:"name"`
	NumberProc   int            `json:"number_proc"`
	WorkersAlive int            `json:"workers_alive"`
	Processed    uint64         `json:"processed"`
	Failures     uint64         `json:"failures"`
	Started      bool           `json:"started"`
	Stopped      bool           `json:"stopped"`
	Queue        dispatch.Stats `json:"queue"`
	Workers      []WorkerStats  `json:"workers"`
}

// Degraded reports a running pool that has lost workers to failures
func (s Stats) Degraded() bool {
	return s.Started && !s.Stopped && s.WorkersAlive < s.NumberProc
}

// Stats returns a snapshot of pool and queue counters
func (p *Pool[A, R]) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Name:       p.cfg.Name,
		NumberProc: p.cfg.NumberProc,
		Started:    p.started,
		Stopped:    p.stopped,
	}
	workers := p.workers
	p.mu.Unlock()

	s.WorkersAlive = int(p.alive.Load())
	s.Processed = p.processed.Load()
	s.Failures = p.failures.Load()
	s.Queue = p.queue.Stats()

	s.Workers = make([]WorkerStats, 0, len(workers))
	for _, w := range workers {
		w.mu.Lock()
		lastErr := w.lastErr
		w.mu.Unlock()

		s.Workers = append(s.Workers, WorkerStats{
			ID:         w.id,
			Alive:      w.alive.Load(),
			Processed:  w.processed.Load(),
			LastSeenAt: time.Unix(0, w.lastSeen.Load()),
			LastError:  lastErr,
		})
	}
	return s
}
