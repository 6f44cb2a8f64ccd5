package mediacache

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     Key
		wantErr bool
	}{
		{name: "https", key: "https://cdn.example.com/v/123.mp4"},
		{name: "http", key: "http://cdn.example.com/v/123.mp4"},
		{name: "with query", key: "https://cdn.example.com/v/123.mp4?token=abc"},
		{name: "empty", key: "", wantErr: true},
		{name: "relative", key: "/v/123.mp4", wantErr: true},
		{name: "no scheme", key: "cdn.example.com/v/123.mp4", wantErr: true},
		{name: "file scheme", key: "file:///etc/passwd", wantErr: true},
		{name: "ftp scheme", key: "ftp://cdn.example.com/v/123.mp4", wantErr: true},
		{name: "scheme only", key: "https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidReference))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestKeyHashStable(t *testing.T) {
	k := Key("https://cdn.example.com/v/123.mp4")
	h1 := k.Hash()
	h2 := k.Hash()
	require.Equal(t, h1, h2)
	require.False(t, h1.IsZero())

	other := Key("https://cdn.example.com/v/124.mp4")
	require.NotEqual(t, h1, other.Hash())
}

func TestKeyShortString(t *testing.T) {
	short := Key("https://a.example.com/x")
	require.Equal(t, string(short), short.ShortString())

	long := Key("https://cdn.example.com/" + string(make([]byte, 100)))
	require.Len(t, long.ShortString(), 67)
}

func TestHashDirSharding(t *testing.T) {
	h := HashBytes([]byte("some content"))
	require.Len(t, h.Dir(), 2)
	require.Equal(t, h.String()[:2], h.Dir())
}

func TestParseHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("round trip"))
	parsed, err := ParseHash(h.String())
	require.NoError(t, err)
	require.Equal(t, h, parsed)

	_, err = ParseHash("zz")
	require.Error(t, err)
}

func TestHasherMatchesHashBytes(t *testing.T) {
	data := []byte("streaming hash input")

	s := NewHasher()
	_, err := s.Write(data[:5])
	require.NoError(t, err)
	_, err = s.Write(data[5:])
	require.NoError(t, err)

	require.Equal(t, HashBytes(data), s.Sum())
	require.Equal(t, int64(len(data)), s.Size())
}
