package metadb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum encoded size before compression is
	// considered. zstd overhead is not worth it for smaller records.
	compressionThreshold = 2048

	// maxDecodedSize is the hard cap during decompression to prevent
	// compression bombs in a corrupted database file.
	maxDecodedSize = 10 * 1024 * 1024 // 10MB
)

// Value encodings, stored as a single prefix byte ahead of the payload.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrCorrupted is returned when a stored value cannot be decoded.
	ErrCorrupted = errors.New("metadb: corrupted record")
)

// recordCodec encodes asset records as JSON with optional zstd compression.
// Encoder and decoder are goroutine-safe and reused across all operations.
type recordCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// newRecordCodec creates a codec with pooled zstd encoder/decoder.
func newRecordCodec() (*recordCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &recordCodec{encoder: enc, decoder: dec}, nil
}

// Close releases encoder/decoder resources.
func (c *recordCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serializes a record, compressing it when that saves space.
func (c *recordCodec) Encode(record *AssetRecord) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}

	if len(data) < compressionThreshold {
		return append([]byte{encodingIdentity}, data...), nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return append([]byte{encodingIdentity}, data...), nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return append([]byte{encodingIdentity}, data...), nil
	}

	return append([]byte{encodingZstd}, compressed...), nil
}

// Decode deserializes a stored value.
func (c *recordCodec) Decode(value []byte) (*AssetRecord, error) {
	if len(value) < 1 {
		return nil, ErrCorrupted
	}

	encoding, payload := value[0], value[1:]

	switch encoding {
	case encodingIdentity:
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("metadb: codec closed")
		}
		decoded, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		payload = decoded
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrCorrupted, encoding)
	}

	var record AssetRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &record, nil
}
