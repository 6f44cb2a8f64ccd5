// Package diskguard monitors free space on the cache volume and evicts
// low-priority assets when it drops below a threshold fraction.
package diskguard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/priority"
	"github.com/wolfeidau/media-cache/store"
	"github.com/wolfeidau/media-cache/telemetry"
)

// StatfsFunc reports free and total bytes for the volume holding path.
type StatfsFunc func(path string) (free, total uint64, err error)

// Config holds guardian settings.
type Config struct {
	// Interval between checks.
	Interval time.Duration

	// MinFreeRatio is the free-space fraction below which low-priority
	// eviction triggers.
	MinFreeRatio float64

	// Path is a location on the cache volume to stat.
	Path string

	Logger *slog.Logger
}

// DefaultConfig returns the default guardian configuration for the given
// cache path.
func DefaultConfig(path string) Config {
	return Config{
		Interval:     5 * time.Minute,
		MinFreeRatio: 0.10,
		Path:         path,
		Logger:       slog.Default(),
	}
}

// Guardian periodically checks free disk space and sheds every low-priority
// asset when the volume runs short. Stat failures are logged and treated as
// no action.
type Guardian struct {
	store  *store.Store
	ledger *priority.Ledger
	config Config
	statfs StatfsFunc

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// Option configures a Guardian.
type Option func(*Guardian)

// WithStatfs overrides the disk statistics source, for testing.
func WithStatfs(fn StatfsFunc) Option {
	return func(g *Guardian) {
		g.statfs = fn
	}
}

// New creates a guardian over the given store and ledger.
func New(s *store.Store, ledger *priority.Ledger, config Config, opts ...Option) *Guardian {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.MinFreeRatio <= 0 {
		config.MinFreeRatio = 0.10
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	g := &Guardian{
		store:  s,
		ledger: ledger,
		config: config,
		statfs: statfs,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start begins the background check loop. Calling Start on a running
// guardian is a no-op.
func (g *Guardian) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	g.running = true
	go g.loop(g.stopCh, g.doneCh)
}

// Stop halts the background loop and waits for it to exit.
func (g *Guardian) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	stopCh, doneCh := g.stopCh, g.doneCh
	g.running = false
	g.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (g *Guardian) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = g.CheckNow(context.Background())
		case <-stopCh:
			return
		}
	}
}

// CheckNow runs a single disk-space check, evicting low-priority assets if
// the free ratio is below the threshold. It never returns an error for stat
// failures; a background timer must not crash on a flaky disk.
func (g *Guardian) CheckNow(ctx context.Context) error {
	free, total, err := g.statfs(g.config.Path)
	if err != nil || total == 0 {
		g.config.Logger.Error("reading disk stats", "path", g.config.Path, "error", err)
		telemetry.RecordGuardianRun(ctx, "stat_error", 0)
		return nil
	}

	freeRatio := float64(free) / float64(total)
	if freeRatio >= g.config.MinFreeRatio {
		telemetry.RecordGuardianRun(ctx, "ok", freeRatio)
		return nil
	}

	evicted := g.evictLowPriority(ctx)
	telemetry.RecordGuardianRun(ctx, "evicted", freeRatio)

	g.config.Logger.Warn("disk pressure eviction",
		"free_ratio", freeRatio, "threshold", g.config.MinFreeRatio, "evicted", evicted)
	return nil
}

// evictLowPriority removes every asset the ledger marks low priority.
func (g *Guardian) evictLowPriority(ctx context.Context) int {
	evicted := 0
	for _, key := range g.ledger.CandidatesAtOrBelow(mediacache.PriorityLow) {
		if err := g.store.Evict(ctx, key, "disk_pressure"); err != nil {
			g.config.Logger.Error("evicting asset", "key", key.ShortString(), "error", err)
			continue
		}
		g.ledger.Remove(key)
		evicted++
	}
	return evicted
}
