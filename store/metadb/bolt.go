package metadb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketAssets         = []byte("assets")
	bucketAssetsByExpiry = []byte("assets_by_expiry")
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *recordCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := newRecordCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating record codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAssets, bucketAssetsByExpiry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// PutAsset stores a record, replacing any prior record for the same key and
// keeping the expiry index in sync.
func (b *BoltDB) PutAsset(ctx context.Context, record *AssetRecord) error {
	value, err := b.codec.Encode(record)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		assets := tx.Bucket(bucketAssets)
		expiry := tx.Bucket(bucketAssetsByExpiry)
		key := []byte(record.Key)

		// Remove a superseded expiry index entry before overwriting.
		if prior := assets.Get(key); prior != nil {
			old, err := b.codec.Decode(prior)
			if err == nil && !old.ExpiresAt.IsZero() {
				if err := expiry.Delete(expiryKey(old.ExpiresAt, old.Key)); err != nil {
					return fmt.Errorf("deleting stale expiry index: %w", err)
				}
			}
		}

		if err := assets.Put(key, value); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}

		if !record.ExpiresAt.IsZero() {
			if err := expiry.Put(expiryKey(record.ExpiresAt, record.Key), key); err != nil {
				return fmt.Errorf("writing expiry index: %w", err)
			}
		}
		return nil
	})
}

// GetAsset retrieves a record by key.
func (b *BoltDB) GetAsset(ctx context.Context, key string) (*AssetRecord, error) {
	var record *AssetRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(bucketAssets).Get([]byte(key))
		if value == nil {
			return ErrNotFound
		}
		var err error
		record, err = b.codec.Decode(value)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteAsset removes a record and its expiry index entry (idempotent).
func (b *BoltDB) DeleteAsset(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		assets := tx.Bucket(bucketAssets)
		k := []byte(key)

		value := assets.Get(k)
		if value == nil {
			return nil
		}

		record, err := b.codec.Decode(value)
		if err == nil && !record.ExpiresAt.IsZero() {
			if err := tx.Bucket(bucketAssetsByExpiry).Delete(expiryKey(record.ExpiresAt, record.Key)); err != nil {
				return fmt.Errorf("deleting expiry index: %w", err)
			}
		}

		return assets.Delete(k)
	})
}

// TouchAsset updates the last access time for a key.
func (b *BoltDB) TouchAsset(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		assets := tx.Bucket(bucketAssets)
		k := []byte(key)

		value := assets.Get(k)
		if value == nil {
			return ErrNotFound
		}

		record, err := b.codec.Decode(value)
		if err != nil {
			return err
		}

		record.LastAccess = b.now()
		updated, err := b.codec.Encode(record)
		if err != nil {
			return err
		}
		return assets.Put(k, updated)
	})
}

// ListAssets returns every stored record.
func (b *BoltDB) ListAssets(ctx context.Context) ([]*AssetRecord, error) {
	var records []*AssetRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAssets).ForEach(func(_, value []byte) error {
			record, err := b.codec.Decode(value)
			if err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// TotalSize returns the sum of all recorded asset sizes.
func (b *BoltDB) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAssets).ForEach(func(_, value []byte) error {
			record, err := b.codec.Decode(value)
			if err != nil {
				return err
			}
			total += record.Size
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Count returns the number of stored records.
func (b *BoltDB) Count(ctx context.Context) (int, error) {
	var count int
	err := b.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketAssets).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ExpiredAssets returns up to limit keys whose validity window elapsed
// before the given time, in expiry order.
func (b *BoltDB) ExpiredAssets(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAssetsByExpiry).Cursor()
		max := expiryPrefix(before)

		for k, v := c.First(); k != nil; k, v = c.Next() {
			if bytes.Compare(k[:8], max) > 0 {
				break
			}
			keys = append(keys, string(v))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Clear removes every record and index entry.
func (b *BoltDB) Clear(ctx context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketAssets, bucketAssetsByExpiry} {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// expiryKey builds an index key ordered by expiry time, then by asset key to
// keep entries unique when timestamps collide.
func expiryKey(expiresAt time.Time, key string) []byte {
	k := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(k[:8], uint64(expiresAt.UnixNano())) //nolint:gosec // cache expiries are post-1970
	copy(k[8:], key)
	return k
}

func expiryPrefix(t time.Time) []byte {
	p := make([]byte, 8)
	binary.BigEndian.PutUint64(p, uint64(t.UnixNano())) //nolint:gosec // cache expiries are post-1970
	return p
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
