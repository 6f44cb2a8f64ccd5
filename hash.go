package mediacache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash is a BLAKE3 256-bit digest. Asset keys are hashed to produce the
// on-disk names of their cached bytes, and stored content is hashed during
// download for integrity checks.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Dir returns the first two hex characters of the hash, used for sharding
// cached assets into subdirectories.
func (h Hash) Dir() string {
	return hex.EncodeToString(h[:1])
}

// IsZero reports whether the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return blake3.Sum256(data)
}

// Hasher incrementally computes a BLAKE3 hash while data streams through it.
type Hasher struct {
	h *blake3.Hasher
	n int64
}

// NewHasher creates a new streaming hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New()}
}

// Write implements io.Writer.
func (s *Hasher) Write(p []byte) (int, error) {
	n, err := s.h.Write(p)
	s.n += int64(n)
	return n, err
}

// Sum returns the hash of all bytes written so far.
func (s *Hasher) Sum() Hash {
	var h Hash
	copy(h[:], s.h.Sum(nil))
	return h
}

// Size returns the number of bytes written.
func (s *Hasher) Size() int64 {
	return s.n
}

var _ io.Writer = (*Hasher)(nil)
