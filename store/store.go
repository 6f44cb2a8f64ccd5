// Package store implements the persistent asset store: framed asset files on
// a storage backend with bbolt-backed metadata, TTL validity windows, and
// purge-on-access of expired entries.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// ErrNotFound is returned when a key has no valid cached asset.
var ErrNotFound = errors.New("store: asset not found")

// Store persists cached media assets. Bytes live in the backend as framed
// asset files addressed by the BLAKE3 hash of the key; metadata lives in the
// metadb. All methods are safe for concurrent use.
type Store struct {
	backend   backend.WriterBackend
	meta      metadb.MetaDB
	analytics *mediacache.Analytics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithAnalytics sets the analytics counters eviction events are recorded to.
func WithAnalytics(a *mediacache.Analytics) Option {
	return func(s *Store) {
		s.analytics = a
	}
}

// New creates a store over the given backend and metadata database.
func New(b backend.WriterBackend, meta metadb.MetaDB, opts ...Option) *Store {
	s := &Store{
		backend:   b,
		meta:      meta,
		analytics: mediacache.NewAnalytics(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// assetPath derives the backend key for an asset from its key hash.
func assetPath(h mediacache.Hash) string {
	return h.Dir() + "/" + h.String()
}

// Put streams an asset into the store and records its metadata. A ttl of
// zero stores the asset without a validity window. size is a length hint
// from the upstream response and may be -1 when unknown; the recorded size
// is always the number of bytes actually written.
func (s *Store) Put(ctx context.Context, key mediacache.Key, r io.Reader, size int64, contentType string, ttl time.Duration) (*metadb.AssetRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	path := assetPath(key.Hash())

	w, err := s.backend.Writer(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("opening asset writer: %w", err)
	}

	header := &backend.AssetHeader{
		SourceURL:     key.String(),
		ContentType:   contentType,
		ContentLength: size,
		CachedAt:      now.UTC().Format(time.RFC3339),
	}

	hasher := mediacache.NewHasher()
	written, err := backend.WriteFramed(w, header, io.TeeReader(r, hasher))
	if err != nil {
		abortWriter(w)
		return nil, fmt.Errorf("writing asset body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("committing asset: %w", err)
	}

	record := &metadb.AssetRecord{
		Key:         key.String(),
		Hash:        hasher.Sum().String(),
		Size:        written,
		ContentType: contentType,
		CachedAt:    now,
		LastAccess:  now,
	}
	if ttl > 0 {
		record.ExpiresAt = now.Add(ttl)
	}

	replaced := false
	if _, err := s.meta.GetAsset(ctx, key.String()); err == nil {
		replaced = true
	}

	if err := s.meta.PutAsset(ctx, record); err != nil {
		// Orphaned bytes are cleaned up rather than left unaccounted.
		_ = s.backend.Delete(ctx, path)
		return nil, fmt.Errorf("recording asset metadata: %w", err)
	}

	if replaced {
		telemetry.RecordStoreEviction(ctx, "replaced", 1)
	}
	s.publishState(ctx)

	s.logger.Debug("cached asset",
		"key", key.ShortString(), "size", written, "ttl", ttl)

	return record, nil
}

// Entry returns the metadata record for a key without opening the bytes.
// An expired entry is purged on access and reported as ErrNotFound. The
// last access time is refreshed on a valid hit.
func (s *Store) Entry(ctx context.Context, key mediacache.Key) (*metadb.AssetRecord, error) {
	record, err := s.meta.GetAsset(ctx, key.String())
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.Error("reading asset metadata", "key", key.ShortString(), "error", err)
		return nil, ErrNotFound
	}

	if record.Expired(s.now()) {
		s.purge(ctx, key, "expired")
		return nil, ErrNotFound
	}

	if err := s.meta.TouchAsset(ctx, key.String()); err != nil {
		s.logger.Warn("touching asset", "key", key.ShortString(), "error", err)
	}
	return record, nil
}

// Open returns the asset header and a reader over the cached bytes. The
// caller must close the returned ReadCloser. Missing or unreadable bytes
// purge the entry and report ErrNotFound.
func (s *Store) Open(ctx context.Context, key mediacache.Key) (*backend.AssetHeader, io.ReadCloser, error) {
	if _, err := s.Entry(ctx, key); err != nil {
		return nil, nil, err
	}

	rc, err := s.backend.Read(ctx, assetPath(key.Hash()))
	if err != nil {
		s.logger.Error("reading asset bytes", "key", key.ShortString(), "error", err)
		s.purge(ctx, key, "expired")
		return nil, nil, ErrNotFound
	}

	header, body, err := backend.ReadFramed(rc)
	if err != nil {
		_ = rc.Close()
		s.logger.Error("decoding asset frame", "key", key.ShortString(), "error", err)
		s.purge(ctx, key, "expired")
		return nil, nil, ErrNotFound
	}

	return header, &framedReadCloser{Reader: body, closer: rc}, nil
}

// Remove deletes an asset's bytes and metadata. Removing an absent key is a
// no-op.
func (s *Store) Remove(ctx context.Context, key mediacache.Key) error {
	if err := s.backend.Delete(ctx, assetPath(key.Hash())); err != nil {
		return fmt.Errorf("deleting asset bytes: %w", err)
	}
	if err := s.meta.DeleteAsset(ctx, key.String()); err != nil {
		return fmt.Errorf("deleting asset metadata: %w", err)
	}
	s.publishState(ctx)
	return nil
}

// Evict removes an asset and counts it as an eviction with the given reason.
func (s *Store) Evict(ctx context.Context, key mediacache.Key, reason string) error {
	if err := s.Remove(ctx, key); err != nil {
		return err
	}
	s.analytics.RecordEviction(1)
	telemetry.RecordStoreEviction(ctx, reason, 1)
	return nil
}

// Clear removes every cached asset. Counters in the shared analytics are not
// reset; clearing is not an eviction.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return fmt.Errorf("listing assets: %w", err)
	}
	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			return fmt.Errorf("deleting asset %s: %w", k, err)
		}
	}
	if err := s.meta.Clear(ctx); err != nil {
		return fmt.Errorf("clearing metadata: %w", err)
	}
	telemetry.RecordStoreEviction(ctx, "clear", len(keys))
	s.publishState(ctx)
	return nil
}

// TotalSize returns the sum of all cached asset sizes in bytes.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	return s.meta.TotalSize(ctx)
}

// ItemCount returns the number of cached assets.
func (s *Store) ItemCount(ctx context.Context) (int, error) {
	return s.meta.Count(ctx)
}

// Entries returns the metadata for every cached asset, expired ones included.
func (s *Store) Entries(ctx context.Context) ([]*metadb.AssetRecord, error) {
	return s.meta.ListAssets(ctx)
}

// ExpiredKeys returns up to limit keys whose validity window has elapsed.
func (s *Store) ExpiredKeys(ctx context.Context, limit int) ([]string, error) {
	return s.meta.ExpiredAssets(ctx, s.now(), limit)
}

func (s *Store) purge(ctx context.Context, key mediacache.Key, reason string) {
	if err := s.Evict(ctx, key, reason); err != nil {
		s.logger.Error("purging asset", "key", key.ShortString(), "error", err)
	}
}

func (s *Store) publishState(ctx context.Context) {
	total, err := s.meta.TotalSize(ctx)
	if err != nil {
		return
	}
	count, err := s.meta.Count(ctx)
	if err != nil {
		return
	}
	telemetry.UpdateStoreState(ctx, total, count)
}

type aborter interface {
	Abort() error
}

func abortWriter(w io.WriteCloser) {
	if a, ok := w.(aborter); ok {
		_ = a.Abort()
		return
	}
	_ = w.Close()
}

type framedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (f *framedReadCloser) Close() error {
	return f.closer.Close()
}
