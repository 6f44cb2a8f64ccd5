package metadb

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodecSmallRecordIdentity(t *testing.T) {
	codec, err := newRecordCodec()
	require.NoError(t, err)
	defer codec.Close()

	record := &AssetRecord{
		Key:         "https://cdn.example.com/v/1.mp4",
		Size:        1024,
		ContentType: "video/mp4",
		CachedAt:    time.Now().UTC(),
	}

	encoded, err := codec.Encode(record)
	require.NoError(t, err)
	require.Equal(t, encodingIdentity, encoded[0])

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, record.Key, decoded.Key)
	require.Equal(t, record.Size, decoded.Size)
}

func TestCodecLargeRecordCompressed(t *testing.T) {
	codec, err := newRecordCodec()
	require.NoError(t, err)
	defer codec.Close()

	record := &AssetRecord{
		Key:         "https://cdn.example.com/v/" + strings.Repeat("segment/", 512) + "big.mp4",
		Size:        1 << 30,
		ContentType: "video/mp4",
		CachedAt:    time.Now().UTC(),
	}

	encoded, err := codec.Encode(record)
	require.NoError(t, err)
	require.Equal(t, encodingZstd, encoded[0])

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, record.Key, decoded.Key)
	require.Equal(t, record.Size, decoded.Size)
}

func TestCodecDecodeCorrupted(t *testing.T) {
	codec, err := newRecordCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, err = codec.Decode(nil)
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = codec.Decode([]byte{encodingIdentity, '{', 'x'})
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = codec.Decode([]byte{encodingZstd, 0x00, 0x01, 0x02})
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = codec.Decode([]byte{0x7F, 'a'})
	require.ErrorIs(t, err, ErrCorrupted)
}
