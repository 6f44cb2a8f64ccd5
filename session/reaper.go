package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// IdleReaper periodically disposes sessions that sat unreferenced beyond
// the pool's idle timeout, bounding resident decode memory even when the
// pool never exceeded capacity.
type IdleReaper struct {
	pool     *Pool
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewIdleReaper creates a reaper sweeping the pool every interval. A zero
// interval falls back to the pool's idle timeout.
func NewIdleReaper(pool *Pool, interval time.Duration, logger *slog.Logger) *IdleReaper {
	if interval <= 0 {
		interval = pool.config.IdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdleReaper{pool: pool, interval: interval, logger: logger}
}

// Start begins the background sweep loop. Calling Start on a running reaper
// is a no-op.
func (r *IdleReaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.running = true
	go r.loop(r.stopCh, r.doneCh)
}

// Stop halts the background loop and waits for it to exit.
func (r *IdleReaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.running = false
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (r *IdleReaper) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReapNow(context.Background())
		case <-stopCh:
			return
		}
	}
}

// ReapNow runs a single sweep and returns the number of sessions disposed.
func (r *IdleReaper) ReapNow(ctx context.Context) int {
	start := time.Now()
	reaped := r.pool.ReapIdle(ctx)
	telemetry.RecordReaperCycle(ctx, "idle_sessions", reaped, time.Since(start))

	if reaped > 0 {
		r.logger.Info("reaped idle sessions", "reaped", reaped)
	}
	return reaped
}
