// Package manager wires the media resource manager together: asset store,
// priority ledger, downloader, session pool, disk guardian, and the two
// background reapers, all sharing one analytics sink.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/diskguard"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/priority"
	"github.com/wolfeidau/media-cache/session"
	"github.com/wolfeidau/media-cache/store"
	"github.com/wolfeidau/media-cache/store/metadb"
)

// Config holds manager configuration.
type Config struct {
	// StoragePath is the root path for cached asset bytes.
	StoragePath string

	// MetaDBPath is the bbolt metadata database path.
	// Default: <StoragePath>/meta.db
	MetaDBPath string

	// CacheTTL is the validity window for freshly fetched assets.
	// Default 24h; zero keeps the default, use -1 to disable.
	CacheTTL time.Duration

	// WarmBatchSize bounds in-flight fetches per warm batch.
	WarmBatchSize int

	// Pool configures the session pool.
	Pool session.Config

	// GuardianInterval is how often free disk space is checked.
	GuardianInterval time.Duration

	// MinFreeRatio is the free-space fraction below which low-priority
	// assets are shed.
	MinFreeRatio float64

	// AssetReapInterval is how often expired assets are swept from disk.
	AssetReapInterval time.Duration

	// IdleReapInterval is how often idle sessions are swept.
	IdleReapInterval time.Duration

	// Logger for the manager and its components.
	Logger *slog.Logger
}

// DefaultConfig returns the default manager configuration for a storage
// root.
func DefaultConfig(storagePath string) Config {
	return Config{
		StoragePath:       storagePath,
		CacheTTL:          24 * time.Hour,
		WarmBatchSize:     4,
		Pool:              session.DefaultConfig(),
		GuardianInterval:  5 * time.Minute,
		MinFreeRatio:      0.10,
		AssetReapInterval: 5 * time.Minute,
		IdleReapInterval:  30 * time.Minute,
	}
}

// Manager is the top-level facade over the media resource manager.
type Manager struct {
	config Config
	logger *slog.Logger

	analytics *mediacache.Analytics
	meta      metadb.MetaDB
	store     *store.Store
	ledger    *priority.Ledger
	download  *download.Downloader
	pool      *session.Pool

	guardian    *diskguard.Guardian
	assetReaper *store.Reaper
	idleReaper  *session.IdleReaper
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	fetcher  download.Fetcher
	listener session.Listener
	now      func() time.Time
}

// WithFetcher overrides the upstream fetcher. The default fetches over HTTP.
func WithFetcher(f download.Fetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithSessionListener sets the session lifecycle event listener.
func WithSessionListener(l session.Listener) Option {
	return func(o *options) {
		o.listener = l
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// New creates a manager and opens its persistent state. The caller provides
// the decoder factory; everything else is wired here.
func New(cfg Config, factory session.Factory, opts ...Option) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./media-cache"
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = filepath.Join(cfg.StoragePath, "meta.db")
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.WarmBatchSize <= 0 {
		cfg.WarmBatchSize = 4
	}

	o := &options{
		fetcher: download.NewHTTPFetcher(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	fsBackend, err := backend.NewFilesystem(filepath.Join(cfg.StoragePath, "assets"))
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}
	instrumented := backend.NewInstrumentedBackend(fsBackend, "filesystem")

	meta := metadb.NewBoltDB(
		metadb.WithLogger(cfg.Logger.With("component", "metadb")),
		metadb.WithNow(o.now),
	)
	if err := meta.Open(cfg.MetaDBPath); err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	analytics := mediacache.NewAnalytics()
	ledger := priority.NewLedger()

	assetStore := store.New(instrumented, meta,
		store.WithLogger(cfg.Logger.With("component", "store")),
		store.WithAnalytics(analytics),
		store.WithNow(o.now),
	)

	m := &Manager{
		config:    cfg,
		logger:    cfg.Logger,
		analytics: analytics,
		meta:      meta,
		store:     assetStore,
		ledger:    ledger,
	}

	guardianCfg := diskguard.DefaultConfig(cfg.StoragePath)
	guardianCfg.Interval = cfg.GuardianInterval
	guardianCfg.MinFreeRatio = cfg.MinFreeRatio
	guardianCfg.Logger = cfg.Logger.With("component", "diskguard")
	m.guardian = diskguard.New(assetStore, ledger, guardianCfg)

	ttl := cfg.CacheTTL
	if ttl < 0 {
		ttl = 0
	}
	m.download = download.New(assetStore, ledger, o.fetcher,
		download.WithLogger(cfg.Logger.With("component", "download")),
		download.WithConfig(download.Config{TTL: ttl, BatchSize: cfg.WarmBatchSize}),
		download.WithDiskChecker(m.guardian),
		download.WithAnalytics(analytics),
	)

	poolOpts := []session.Option{
		session.WithLogger(cfg.Logger.With("component", "session")),
		session.WithConfig(cfg.Pool),
		session.WithWarmer(m.download),
		session.WithAnalytics(analytics),
		session.WithNow(o.now),
	}
	if o.listener != nil {
		poolOpts = append(poolOpts, session.WithListener(o.listener))
	}
	m.pool = session.NewPool(factory, poolOpts...)

	reaperCfg := store.DefaultReaperConfig()
	reaperCfg.Interval = cfg.AssetReapInterval
	reaperCfg.Logger = cfg.Logger.With("component", "asset-reaper")
	m.assetReaper = store.NewReaper(assetStore, reaperCfg)

	m.idleReaper = session.NewIdleReaper(m.pool, cfg.IdleReapInterval,
		cfg.Logger.With("component", "idle-reaper"))

	return m, nil
}

// Start launches the background timers: disk guardian, stale asset reaper,
// and idle session reaper.
func (m *Manager) Start() {
	m.logger.Info("starting media resource manager",
		"storage", m.config.StoragePath,
		"cache_ttl", m.config.CacheTTL,
		"pool_capacity", m.config.Pool.Capacity,
	)
	m.guardian.Start()
	m.assetReaper.Start()
	m.idleReaper.Start()
}

// Stop halts background timers, disposes every session, and closes the
// metadata database.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping media resource manager")

	m.guardian.Stop()
	m.assetReaper.Stop()
	m.idleReaper.Stop()
	m.pool.Clear(ctx)

	return m.meta.Close()
}

// AcquireSession returns a ready playback session for the asset URL,
// initializing one when no live session exists, and asynchronously warms
// the warmNext URLs at one priority level below prio. The caller must
// balance a successful acquire with exactly one ReleaseSession.
func (m *Manager) AcquireSession(ctx context.Context, url string, prio mediacache.Priority, warmNext []string) (*session.Handle, error) {
	key := mediacache.Key(url)
	if err := key.Validate(); err != nil {
		return nil, err
	}
	m.ledger.Set(key, prio)
	return m.pool.Acquire(ctx, key, prio, toKeys(warmNext))
}

// ReleaseSession returns one reference for the asset URL's session.
func (m *Manager) ReleaseSession(url string) {
	m.pool.Release(mediacache.Key(url))
}

// SwitchQuality swaps the session for url over to the variant at newURL,
// carrying playback state, under the same handle identity.
func (m *Manager) SwitchQuality(ctx context.Context, url, newURL string) (*session.Handle, error) {
	return m.pool.SwitchQuality(ctx, mediacache.Key(url), mediacache.Key(newURL))
}

// Warm prefetches URLs into the asset store without creating sessions.
// Warming is best-effort; per-URL failures are logged and swallowed.
func (m *Manager) Warm(ctx context.Context, urls []string, prio mediacache.Priority) {
	m.download.WarmBatch(ctx, toKeys(urls), prio, 0)
}

// WarmBatch prefetches URLs in groups of batchSize.
func (m *Manager) WarmBatch(ctx context.Context, urls []string, prio mediacache.Priority, batchSize int) {
	m.download.WarmBatch(ctx, toKeys(urls), prio, batchSize)
}

// Stats assembles a read-only analytics snapshot.
func (m *Manager) Stats(ctx context.Context) (mediacache.Snapshot, error) {
	totalSize, err := m.store.TotalSize(ctx)
	if err != nil {
		return mediacache.Snapshot{}, fmt.Errorf("reading store size: %w", err)
	}
	itemCount, err := m.store.ItemCount(ctx)
	if err != nil {
		return mediacache.Snapshot{}, fmt.Errorf("reading store count: %w", err)
	}

	return mediacache.Snapshot{
		HitCount:             m.analytics.Hits(),
		MissCount:            m.analytics.Misses(),
		EvictionCount:        m.analytics.Evictions(),
		HitRate:              m.analytics.HitRate(),
		TotalSize:            totalSize,
		ItemCount:            itemCount,
		ActiveSessions:       m.pool.Len(),
		PriorityDistribution: m.ledger.Distribution(),
	}, nil
}

// ClearAll resets everything: sessions, cached bytes, metadata, and
// priority assignments. Used on logout or storage-pressure emergencies.
func (m *Manager) ClearAll(ctx context.Context) error {
	m.pool.Clear(ctx)
	err := m.store.Clear(ctx)
	m.ledger.Clear()
	if err != nil {
		return fmt.Errorf("clearing asset store: %w", err)
	}
	return nil
}

// CheckDisk runs a disk-space check immediately.
func (m *Manager) CheckDisk(ctx context.Context) error {
	return m.guardian.CheckNow(ctx)
}

// ReapIdleSessions runs an idle session sweep immediately and returns the
// number disposed.
func (m *Manager) ReapIdleSessions(ctx context.Context) int {
	return m.idleReaper.ReapNow(ctx)
}

// ReapStaleAssets runs an expired asset sweep immediately and returns the
// number removed.
func (m *Manager) ReapStaleAssets(ctx context.Context) int {
	return m.assetReaper.ReapNow(ctx)
}

// Analytics returns the shared analytics counters.
func (m *Manager) Analytics() *mediacache.Analytics {
	return m.analytics
}

// HasSession reports whether a live session exists for the asset URL.
func (m *Manager) HasSession(url string) bool {
	return m.pool.Contains(mediacache.Key(url))
}

// Cached reports whether a valid asset is cached for the URL. Storage
// errors degrade to false.
func (m *Manager) Cached(ctx context.Context, url string) bool {
	_, err := m.store.Entry(ctx, mediacache.Key(url))
	return err == nil
}

func toKeys(urls []string) []mediacache.Key {
	keys := make([]mediacache.Key, len(urls))
	for i, u := range urls {
		keys[i] = mediacache.Key(u)
	}
	return keys
}
