package backend

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func readAll(t *testing.T, b Backend, key string) []byte {
	t.Helper()
	rc, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	return got
}

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")

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

	require.NoError(t, fs.Write(ctx, "images/ab/abcdef", bytes.NewReader([]byte("elf"))))
	require.Equal(t, []byte("elf"), readAll(t, fs, "images/ab/abcdef"))

	// overwrite
	require.NoError(t, fs.Write(ctx, "images/ab/abcdef", bytes.NewReader([]byte("elf2"))))
	require.Equal(t, []byte("elf2"), readAll(t, fs, "images/ab/abcdef"))
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)
	_, err := fs.Read(context.Background(), "missing/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExistsSizeDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	ok, err := fs.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = fs.Size(ctx, "a/b")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fs.Write(ctx, "a/b", bytes.NewReader([]byte("12345"))))

	ok, err = fs.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.True(t, ok)

	size, err := fs.Size(ctx, "a/b")
	require.NoError(t, err)
	require.EqualValues(t, 5, size)

	// directories are not values
	ok, err = fs.Exists(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, fs.Delete(ctx, "a/b"))
	require.NoError(t, fs.Delete(ctx, "a/b"))
	ok, err = fs.Exists(ctx, "a/b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, k := range []string{"blobs/aa/1", "blobs/bb/2", "other/3"} {
		require.NoError(t, fs.Write(ctx, k, bytes.NewReader([]byte(k))))
	}
	// leftover temp file from a crashed write
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), "blobs", "aa", ".tmp-123"), nil, 0o600))

	keys, err := fs.List(ctx, "blobs")
	require.NoError(t, err)
	sort.Strings(keys)
	require.Equal(t, []string{"blobs/aa/1", "blobs/bb/2"}, keys)

	keys, err = fs.List(ctx, "nothing")
	require.NoError(t, err)
	require.Empty(t, keys)

	keys, err = fs.List(ctx, "other/3")
	require.NoError(t, err)
	require.Equal(t, []string{"other/3"}, keys)
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	for _, key := range []string{"", "../x", "a/../../x", "/etc/passwd"} {
		err := fs.Write(ctx, key, bytes.NewReader(nil))
		require.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

type failingReader struct{ after int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.after <= 0 {
		return 0, errors.New("boom")
	}
	n := min(len(p), f.after)
	f.after -= n
	return n, nil
}

func TestFilesystemFailedWriteLeavesNothing(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	err := fs.Write(ctx, "x/y", &failingReader{after: 10})
	require.Error(t, err)

	ok, err := fs.Exists(ctx, "x/y")
	require.NoError(t, err)
	require.False(t, ok)

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "x"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFilesystemWriteCanceled(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fs.Write(ctx, "x/y", bytes.NewReader([]byte("data")))
	require.ErrorIs(t, err, context.Canceled)
}
