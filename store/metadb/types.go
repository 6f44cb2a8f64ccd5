// Package metadb provides bbolt-backed metadata storage for cached assets.
package metadb

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an asset record does not exist.
var ErrNotFound = errors.New("metadb: not found")

// AssetRecord contains metadata about a cached asset.
type AssetRecord struct {
	Key         string    `json:"key"`
	Hash        string    `json:"hash,omitempty"` // BLAKE3 of the cached bytes
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	CachedAt    time.Time `json:"cached_at"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"` // zero means no validity window
	LastAccess  time.Time `json:"last_access"`
}

// Expired reports whether the record's validity window has elapsed at t.
func (r *AssetRecord) Expired(t time.Time) bool {
	return !r.ExpiresAt.IsZero() && t.After(r.ExpiresAt)
}

// MetaDB provides metadata storage for the asset store.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Asset records
	PutAsset(ctx context.Context, record *AssetRecord) error
	GetAsset(ctx context.Context, key string) (*AssetRecord, error)
	DeleteAsset(ctx context.Context, key string) error
	// TouchAsset updates the last access time for a key.
	TouchAsset(ctx context.Context, key string) error
	ListAssets(ctx context.Context) ([]*AssetRecord, error)

	// Accounting
	TotalSize(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int, error)

	// Eviction queries
	ExpiredAssets(ctx context.Context, before time.Time, limit int) ([]string, error)

	// Clear removes every record.
	Clear(ctx context.Context) error
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}
