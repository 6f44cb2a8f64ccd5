package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// ReaperConfig configures the stale asset reaper.
type ReaperConfig struct {
	// Interval between reap passes.
	Interval time.Duration

	// BatchSize caps how many expired assets are removed per pass.
	BatchSize int

	Logger *slog.Logger
}

// DefaultReaperConfig returns the default reaper configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:  5 * time.Minute,
		BatchSize: 100,
		Logger:    slog.Default(),
	}
}

// Reaper periodically removes assets whose validity window has elapsed,
// reclaiming disk space for entries that were never accessed again.
type Reaper struct {
	store  *Store
	config ReaperConfig

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewReaper creates a reaper over the given store.
func NewReaper(store *Store, config ReaperConfig) *Reaper {
	if config.Interval <= 0 {
		config.Interval = DefaultReaperConfig().Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultReaperConfig().BatchSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Reaper{store: store, config: config}
}

// Start begins the background reap loop. Calling Start on a running reaper
// is a no-op.
func (r *Reaper) Start() {
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
func (r *Reaper) Stop() {
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

func (r *Reaper) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.config.Interval)
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

// ReapNow runs a single reap pass and returns the number of assets removed.
func (r *Reaper) ReapNow(ctx context.Context) int {
	start := time.Now()

	keys, err := r.store.ExpiredKeys(ctx, r.config.BatchSize)
	if err != nil {
		r.config.Logger.Error("listing expired assets", "error", err)
		return 0
	}

	deleted := 0
	for _, k := range keys {
		if err := r.store.Evict(ctx, mediacache.Key(k), "expired"); err != nil {
			r.config.Logger.Error("reaping expired asset", "key", k, "error", err)
			continue
		}
		deleted++
	}

	telemetry.RecordReaperCycle(ctx, "stale_assets", deleted, time.Since(start))

	if deleted > 0 {
		r.config.Logger.Info("reaped expired assets", "deleted", deleted)
	}
	return deleted
}
