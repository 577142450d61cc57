package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrameHeader(&buf, &FrameHeader{Encoding: EncodingZstd, WrittenAt: "2024-01-01T00:00:00Z"}))
	buf.WriteString("body")

	h, err := ReadFrameHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, EncodingZstd, h.Encoding)
	require.Equal(t, "body", buf.String())
}

func TestReadFrameHeaderInvalidMagic(t *testing.T) {
	_, err := ReadFrameHeader(strings.NewReader("NOPE...."))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestReadFrameHeaderTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicBytes)
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrameHeader(&buf)
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestCompressedRoundTrip(t *testing.T) {
	fs := newTestFilesystem(t)
	c := NewCompressed(fs)
	ctx := context.Background()

	data := bytes.Repeat([]byte("receipt-segment "), 4096)
	require.NoError(t, c.Write(ctx, "receipts/r1", bytes.NewReader(data)))
	require.Equal(t, data, readAll(t, c, "receipts/r1"))

	// stored form is framed and smaller than the input
	raw := readAll(t, fs, "receipts/r1")
	require.True(t, bytes.HasPrefix(raw, MagicBytes))
	require.Less(t, len(raw), len(data))
}

func TestCompressedIncompressibleAndEmpty(t *testing.T) {
	c := NewCompressed(newTestFilesystem(t))
	ctx := context.Background()

	random := make([]byte, 64*1024)
	_, err := rand.Read(random)
	require.NoError(t, err)

	require.NoError(t, c.Write(ctx, "inputs/rand", bytes.NewReader(random)))
	require.Equal(t, random, readAll(t, c, "inputs/rand"))

	require.NoError(t, c.Write(ctx, "inputs/empty", bytes.NewReader(nil)))
	require.Empty(t, readAll(t, c, "inputs/empty"))
}

func TestCompressedReadsUnframedValues(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	require.NoError(t, fs.Write(ctx, "legacy", strings.NewReader("plain bytes")))
	require.NoError(t, fs.Write(ctx, "tiny", strings.NewReader("ab")))

	c := NewCompressed(fs)
	require.Equal(t, "plain bytes", string(readAll(t, c, "legacy")))
	require.Equal(t, "ab", string(readAll(t, c, "tiny")))
}

func TestCompressedWriteFailureIsAtomic(t *testing.T) {
	fs := newTestFilesystem(t)
	c := NewCompressed(fs)
	ctx := context.Background()

	err := c.Write(ctx, "inputs/bad", &failingReader{after: 100})
	require.Error(t, err)

	ok, err := c.Exists(ctx, "inputs/bad")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompressedNotFound(t *testing.T) {
	c := NewCompressed(newTestFilesystem(t))
	_, err := c.Read(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
