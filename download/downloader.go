package download

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/priority"
	"github.com/wolfeidau/media-cache/store"
	"github.com/wolfeidau/media-cache/telemetry"
)

// DiskChecker is the cooperative disk-space hook invoked before a warm batch
// starts. The disk guardian implements it.
type DiskChecker interface {
	CheckNow(ctx context.Context) error
}

// Config holds downloader settings.
type Config struct {
	// TTL is the validity window written for freshly fetched assets.
	TTL time.Duration

	// BatchSize bounds in-flight fetches per warm batch when the caller does
	// not pass an explicit size.
	BatchSize int
}

// DefaultConfig returns the default downloader configuration.
func DefaultConfig() Config {
	return Config{
		TTL:       24 * time.Hour,
		BatchSize: 4,
	}
}

// Downloader warms assets into the store. Concurrent warms of the same key
// share a single fetch via singleflight, each waiter honoring its own
// context deadline.
type Downloader struct {
	store     *store.Store
	ledger    *priority.Ledger
	fetcher   Fetcher
	analytics *mediacache.Analytics
	config    Config
	disk      DiskChecker
	logger    *slog.Logger

	group singleflight.Group
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithConfig sets the downloader configuration.
func WithConfig(config Config) Option {
	return func(d *Downloader) {
		d.config = config
	}
}

// WithDiskChecker sets the disk-space hook run before warm batches.
func WithDiskChecker(disk DiskChecker) Option {
	return func(d *Downloader) {
		d.disk = disk
	}
}

// WithAnalytics sets the analytics counters hits and misses are recorded to.
func WithAnalytics(a *mediacache.Analytics) Option {
	return func(d *Downloader) {
		d.analytics = a
	}
}

// New creates a downloader over the given store, ledger, and fetcher.
func New(s *store.Store, ledger *priority.Ledger, fetcher Fetcher, opts ...Option) *Downloader {
	d := &Downloader{
		store:     s,
		ledger:    ledger,
		fetcher:   fetcher,
		analytics: mediacache.NewAnalytics(),
		config:    DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.config.TTL <= 0 {
		d.config.TTL = DefaultConfig().TTL
	}
	if d.config.BatchSize <= 0 {
		d.config.BatchSize = DefaultConfig().BatchSize
	}
	return d
}

// Warm ensures the asset for key is cached and records its priority. A key
// already cached and valid is a hit and costs no network. Concurrent warms
// for the same key share one fetch. An invalid key fails without touching
// the ledger.
func (d *Downloader) Warm(ctx context.Context, key mediacache.Key, prio mediacache.Priority) error {
	if err := key.Validate(); err != nil {
		telemetry.RecordWarm(ctx, "error")
		return err
	}

	// Priority assignments are last write wins across callers, recorded even
	// when the fetch itself is shared.
	d.ledger.Set(key, prio)

	ch := d.group.DoChan(key.String(), func() (any, error) {
		// Detached context so one caller timing out does not cancel the
		// fetch for other waiters.
		return nil, d.warmOnce(context.WithoutCancel(ctx), key)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Downloader) warmOnce(ctx context.Context, key mediacache.Key) error {
	if _, err := d.store.Entry(ctx, key); err == nil {
		d.analytics.RecordHit()
		telemetry.RecordWarm(ctx, "hit")
		return nil
	}

	d.analytics.RecordMiss()

	start := time.Now()
	result, err := d.fetcher.Fetch(ctx, key)
	if err != nil {
		telemetry.RecordUpstreamFetch(ctx, time.Since(start), 0, "error")
		telemetry.RecordWarm(ctx, "error")
		d.group.Forget(key.String())
		return err
	}
	defer func() {
		_ = result.Body.Close()
	}()

	record, err := d.store.Put(ctx, key, result.Body, result.ContentLength, result.ContentType, d.config.TTL)
	if err != nil {
		telemetry.RecordUpstreamFetch(ctx, time.Since(start), 0, "error")
		telemetry.RecordWarm(ctx, "error")
		d.group.Forget(key.String())
		return err
	}

	telemetry.RecordUpstreamFetch(ctx, time.Since(start), record.Size, "success")
	telemetry.RecordWarm(ctx, "fetched")

	d.logger.Debug("warmed asset", "key", key.ShortString(), "size", record.Size)
	return nil
}

// WarmBatch warms keys in fixed-size groups run one after another, bounding
// in-flight fetches by batchSize (the configured default when batchSize is
// not positive). A failure on one key never cancels its siblings; per-key
// errors are logged and the batch carries on.
func (d *Downloader) WarmBatch(ctx context.Context, keys []mediacache.Key, prio mediacache.Priority, batchSize int) {
	if len(keys) == 0 {
		return
	}
	if batchSize <= 0 {
		batchSize = d.config.BatchSize
	}

	if d.disk != nil {
		if err := d.disk.CheckNow(ctx); err != nil {
			d.logger.Warn("disk check before warm batch", "error", err)
		}
	}

	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))

		var wg sync.WaitGroup
		for _, key := range keys[start:end] {
			wg.Add(1)
			go func(key mediacache.Key) {
				defer wg.Done()
				if err := d.Warm(ctx, key, prio); err != nil {
					d.logger.Warn("warming asset", "key", key.ShortString(), "error", err)
				}
			}(key)
		}
		wg.Wait()
	}
}
