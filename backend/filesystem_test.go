package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(filepath.Join(t.TempDir(), "assets"))
	require.NoError(t, err)
	return fs
}

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "assets")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	key := "a1/a1b2c3.bin"
	data := []byte("fake video payload")

	require.NoError(t, fs.Write(ctx, key, bytes.NewReader(data)))

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFilesystemWriteOverwrites(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	key := "a1/clip.bin"
	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("first"))))
	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("second"))))

	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "missing/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	key := "b2/clip.bin"
	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("bytes"))))

	require.NoError(t, fs.Delete(ctx, key))

	_, err := fs.Read(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is idempotent.
	require.NoError(t, fs.Delete(ctx, key))
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "c3/clip.bin")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, "c3/clip.bin", bytes.NewReader([]byte("x"))))

	exists, err = fs.Exists(ctx, "c3/clip.bin")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	keys := []string{"aa/one.bin", "aa/two.bin", "bb/three.bin"}
	for _, key := range keys {
		require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte(key))))
	}

	got, err := fs.List(ctx, "aa")
	require.NoError(t, err)
	sort.Strings(got)
	require.Equal(t, []string{"aa/one.bin", "aa/two.bin"}, got)

	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)

	none, err := fs.List(ctx, "zz")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestFilesystemSize(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	data := []byte("sized payload")
	require.NoError(t, fs.Write(ctx, "dd/clip.bin", bytes.NewReader(data)))

	size, err := fs.Size(ctx, "dd/clip.bin")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	_, err = fs.Size(ctx, "dd/other.bin")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemWriterCommitOnClose(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	w, err := fs.Writer(ctx, "ee/clip.bin")
	require.NoError(t, err)

	_, err = w.Write([]byte("streamed"))
	require.NoError(t, err)

	// Not visible until Close commits the rename.
	_, err = fs.Read(ctx, "ee/clip.bin")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())

	rc, err := fs.Read(ctx, "ee/clip.bin")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("streamed"), got)
}

func TestFilesystemWriterAbort(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	w, err := fs.Writer(ctx, "ff/clip.bin")
	require.NoError(t, err)

	_, err = w.Write([]byte("doomed"))
	require.NoError(t, err)

	aw, ok := w.(*atomicWriter)
	require.True(t, ok)
	require.NoError(t, aw.Abort())

	_, err = fs.Read(ctx, "ff/clip.bin")
	require.ErrorIs(t, err, ErrNotFound)

	// No temp files left behind and aborted writes don't show up in List.
	keys, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, keys)
}
