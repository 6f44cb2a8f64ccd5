package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// MagicBytes is the 4-byte prefix for framed asset files.
	MagicBytes = []byte("MCA1")

	// ErrInvalidMagic is returned when a file doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected MCA1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
const MaxHeaderSize = 64 * 1024

// AssetHeader describes a cached media asset. It is written ahead of the
// asset bytes so that a cache file is self-describing even if the metadata
// database is lost.
type AssetHeader struct {
	SourceURL     string `json:"source_url"`
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int64  `json:"content_length"` // upstream hint, -1 when unknown
	CachedAt      string `json:"cached_at"`
}

// WriteFramed writes a framed asset to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header *AssetHeader, body io.Reader) (int64, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return 0, ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return 0, fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return 0, fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return 0, fmt.Errorf("writing header: %w", err)
	}

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("writing body: %w", err)
	}

	return n, nil
}

// ReadFramed reads a framed asset from the reader.
// Returns the parsed header and a reader positioned at the body.
func ReadFramed(r io.Reader) (*AssetHeader, io.Reader, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header AssetHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	return &header, r, nil
}
