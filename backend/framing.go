package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

var (
	// MagicBytes is the 4-byte prefix for framed values.
	MagicBytes = []byte("BLZ1")

	// ErrInvalidMagic is returned when a value doesn't start with MagicBytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected BLZ1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")
)

// MaxHeaderSize bounds the JSON header.
const MaxHeaderSize = 4 * 1024

// Encoding names how a framed body is stored.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

// FrameHeader describes a framed value.
type FrameHeader struct {
	Encoding  Encoding `json:"encoding"`
	WrittenAt string   `json:"written_at"`
}

// WriteFrameHeader writes MAGIC | HDRLEN (uint32 big-endian) | HDR (JSON).
func WriteFrameHeader(w io.Writer, header *FrameHeader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	var buf bytes.Buffer
	buf.Write(MagicBytes)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(headerBytes))) //nolint:gosec // bounds-checked above
	buf.Write(headerBytes)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	return nil
}

// ReadFrameHeader consumes and parses a frame header from r.
func ReadFrameHeader(r io.Reader) (*FrameHeader, error) {
	magic := make([]byte, len(MagicBytes))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > MaxHeaderSize {
		return nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	var header FrameHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	return &header, nil
}

// Compressed stores every value zstd compressed inside a frame. Values
// written before compression was enabled (no magic prefix) are read back
// unchanged.
type Compressed struct {
	Backend
	level zstd.EncoderLevel
	now   func() time.Time
}

// CompressedOption configures a Compressed backend.
type CompressedOption func(*Compressed)

// WithEncoderLevel sets the zstd level. Default is zstd.SpeedDefault.
func WithEncoderLevel(level zstd.EncoderLevel) CompressedOption {
	return func(c *Compressed) {
		c.level = level
	}
}

// NewCompressed wraps b.
func NewCompressed(b Backend, opts ...CompressedOption) *Compressed {
	c := &Compressed{
		Backend: b,
		level:   zstd.SpeedDefault,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Write compresses r into a frame while streaming it to the wrapped backend.
func (c *Compressed) Write(ctx context.Context, key string, r io.Reader) error {
	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(c.encode(pw, r))
	}()

	err := c.Backend.Write(ctx, key, pr)
	// Unblocks the encoder if the backend stopped reading early.
	_ = pr.CloseWithError(io.ErrClosedPipe)
	return err
}

func (c *Compressed) encode(w io.Writer, r io.Reader) error {
	header := &FrameHeader{
		Encoding:  EncodingZstd,
		WrittenAt: c.now().UTC().Format(time.RFC3339),
	}
	if err := WriteFrameHeader(w, header); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level), zstd.WithZeroFrames(true))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return fmt.Errorf("compressing: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flushing zstd encoder: %w", err)
	}
	return nil
}

// Read returns the decoded value.
func (c *Compressed) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.Backend.Read(ctx, key)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(rc)
	magic, err := br.Peek(len(MagicBytes))
	if err != nil || !bytes.Equal(magic, MagicBytes) {
		// Short or unframed values pass through.
		return &readCloser{Reader: br, close: rc.Close}, nil
	}

	header, err := ReadFrameHeader(br)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("reading frame for %s: %w", key, err)
	}

	switch header.Encoding {
	case EncodingIdentity:
		return &readCloser{Reader: br, close: rc.Close}, nil
	case EncodingZstd:
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return &readCloser{Reader: dec, close: func() error {
			dec.Close()
			return rc.Close()
		}}, nil
	default:
		_ = rc.Close()
		return nil, fmt.Errorf("unsupported encoding %q for %s", header.Encoding, key)
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error {
	return r.close()
}

var _ Backend = (*Compressed)(nil)
