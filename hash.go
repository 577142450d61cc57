// Package bonsai holds the types shared by every part of the local proving
// service: content hashes, the error taxonomy and session statistics.
package bonsai

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// digestPrefix is the algorithm tag used in the printable digest form.
const digestPrefix = "blake3:"

// Hash is the BLAKE3-256 digest identifying a blob's content.
type Hash [HashSize]byte

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex form for logs.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Digest returns the tagged form "blake3:<hex>" handed to clients.
func (h Hash) Digest() string {
	return digestPrefix + h.String()
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses either a plain hex hash or a "blake3:<hex>" digest.
func ParseHash(s string) (Hash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if alg, rest, ok := strings.Cut(s, ":"); ok {
		if alg+":" != digestPrefix {
			return Hash{}, fmt.Errorf("unsupported digest algorithm %q", alg)
		}
		s = rest
	}
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashingReader computes the hash of everything read through it.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

// NewHashingReader wraps r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: blake3.New()}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of the data read so far.
func (hr *HashingReader) Sum() Hash {
	var hash Hash
	hr.h.Sum(hash[:0])
	return hash
}

// BytesRead returns the number of bytes read so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}

// KeyBuilder derives a stable identity key from an ordered list of fields.
// Each field is length prefixed so ("ab","c") and ("a","bc") never collide.
type KeyBuilder struct {
	h *blake3.Hasher
}

// NewKeyBuilder starts a key in the given domain, e.g. "session".
func NewKeyBuilder(domain string) *KeyBuilder {
	kb := &KeyBuilder{h: blake3.New()}
	kb.String(domain)
	return kb
}

// Hash appends a content hash.
func (kb *KeyBuilder) Hash(h Hash) *KeyBuilder {
	return kb.Bytes(h[:])
}

// String appends a string field.
func (kb *KeyBuilder) String(s string) *KeyBuilder {
	return kb.Bytes([]byte(s))
}

// Bytes appends a raw field.
func (kb *KeyBuilder) Bytes(b []byte) *KeyBuilder {
	var prefix [8]byte
	n := uint64(len(b))
	for i := range prefix {
		prefix[i] = byte(n >> (8 * i))
	}
	_, _ = kb.h.Write(prefix[:])
	_, _ = kb.h.Write(b)
	return kb
}

// Sum returns the identity key.
func (kb *KeyBuilder) Sum() Hash {
	var hash Hash
	kb.h.Sum(hash[:0])
	return hash
}
