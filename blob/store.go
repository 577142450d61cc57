// Package blob stores images, inputs and receipts by content hash, with a
// bbolt index mapping client-facing names to hashes.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	bonsai "github.com/wolfeidau/bonsai-local"
	"github.com/wolfeidau/bonsai-local/backend"
	"github.com/wolfeidau/bonsai-local/telemetry"
)

const contentPrefix = "blobs"

// Namespace partitions blob names.
type Namespace string

const (
	Images   Namespace = "images"
	Inputs   Namespace = "inputs"
	Receipts Namespace = "receipts"
)

// Namespaces lists every namespace.
var Namespaces = []Namespace{Images, Inputs, Receipts}

// Entry is a named blob.
type Entry struct {
	Namespace Namespace
	Name      string
	Hash      bonsai.Hash
	Size      int64
	CreatedAt time.Time
}

// PutResult describes a Put.
type PutResult struct {
	Entry
	// Stored is false when the content was already present.
	Stored bool
}

// Config configures a Store.
type Config struct {
	// Backend holds the content bytes.
	Backend backend.Backend

	// IndexPath is the bbolt file for the name index.
	IndexPath string

	// TempDir is where uploads are spooled while hashing. Default os.TempDir().
	TempDir string

	// NoSync disables fsync on index commits. Tests only.
	NoSync bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Store is a content-addressed blob store. Content is written once per hash
// no matter how many names point at it.
type Store struct {
	backend backend.Backend
	index   *index
	tempDir string
	logger  *slog.Logger
	now     func() time.Time

	// Puts hold the read side; content is only deleted under the write side,
	// so a Put never loses content between writing it and indexing it.
	mu sync.RWMutex

	orphanMu sync.Mutex
	orphans  map[bonsai.Hash]struct{}
}

// Open opens or creates a store.
func Open(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("blob: backend is required")
	}
	if cfg.IndexPath == "" {
		return nil, errors.New("blob: index path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger.With("component", "blob")

	ix, err := openIndex(cfg.IndexPath, cfg.NoSync, logger)
	if err != nil {
		return nil, err
	}
	return &Store{
		backend: cfg.Backend,
		index:   ix,
		tempDir: cfg.TempDir,
		logger:  logger,
		now:     cfg.Now,
		orphans: make(map[bonsai.Hash]struct{}),
	}, nil
}

// Close closes the index.
func (s *Store) Close() error {
	return s.index.close()
}

// Put stores r under ns/name. An existing name is repointed.
func (s *Store) Put(ctx context.Context, ns Namespace, name string, r io.Reader) (*PutResult, error) {
	if name == "" {
		return nil, errors.New("blob: empty name")
	}

	tmp, err := os.CreateTemp(s.tempDir, "blob-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	defer func() { _ = tmp.Close() }()

	hr := bonsai.NewHashingReader(r)
	if _, err := io.Copy(tmp, hr); err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}

	res := &PutResult{Entry: Entry{
		Namespace: ns,
		Name:      name,
		Hash:      hr.Sum(),
		Size:      hr.BytesRead(),
		CreatedAt: s.now().UTC(),
	}}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key := contentKey(res.Hash)
	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("checking content: %w", err)
	}
	if !exists {
		if err := s.backend.Write(ctx, key, tmp); err != nil {
			return nil, fmt.Errorf("writing content: %w", err)
		}
		res.Stored = true
	}

	orphan, err := s.index.put(&res.Entry)
	if err != nil {
		return nil, fmt.Errorf("indexing %s/%s: %w", ns, name, err)
	}
	if orphan != nil {
		s.orphanMu.Lock()
		s.orphans[*orphan] = struct{}{}
		s.orphanMu.Unlock()
	}

	telemetry.RecordBlobWrite(ctx, string(ns), res.Size, res.Stored)
	s.logger.Debug("blob stored", "namespace", ns, "name", name, "hash", res.Hash.ShortString(), "size", res.Size, "new", res.Stored)
	return res, nil
}

// PutBytes stores data under ns/name.
func (s *Store) PutBytes(ctx context.Context, ns Namespace, name string, data []byte) (*PutResult, error) {
	return s.Put(ctx, ns, name, bytes.NewReader(data))
}

// Stat returns the entry for ns/name, or bonsai.ErrNotFound.
func (s *Store) Stat(_ context.Context, ns Namespace, name string) (*Entry, error) {
	e, err := s.index.get(ns, name)
	if err != nil {
		if errors.Is(err, bonsai.ErrNotFound) {
			return nil, fmt.Errorf("%s %q: %w", ns, name, bonsai.ErrNotFound)
		}
		return nil, fmt.Errorf("reading index: %w", err)
	}
	return e, nil
}

// Has reports whether ns/name exists.
func (s *Store) Has(ctx context.Context, ns Namespace, name string) (bool, error) {
	_, err := s.Stat(ctx, ns, name)
	if errors.Is(err, bonsai.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get opens the content of ns/name. The caller closes it.
func (s *Store) Get(ctx context.Context, ns Namespace, name string) (io.ReadCloser, *Entry, error) {
	e, err := s.Stat(ctx, ns, name)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.GetContent(ctx, e.Hash)
	if err != nil {
		return nil, nil, err
	}
	return rc, e, nil
}

// GetBytes reads the content of ns/name into memory.
func (s *Store) GetBytes(ctx context.Context, ns Namespace, name string) ([]byte, error) {
	rc, _, err := s.Get(ctx, ns, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", ns, name, err)
	}
	return data, nil
}

// GetContent opens content by hash.
func (s *Store) GetContent(ctx context.Context, h bonsai.Hash) (io.ReadCloser, error) {
	rc, err := s.backend.Read(ctx, contentKey(h))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("content %s: %w", h.ShortString(), bonsai.ErrNotFound)
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rc, nil
}

// Delete removes ns/name, and its content when nothing else refers to it.
func (s *Store) Delete(ctx context.Context, ns Namespace, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, dropped, err := s.index.remove(ns, name)
	if err != nil {
		return fmt.Errorf("removing %s/%s: %w", ns, name, err)
	}
	if e != nil && dropped {
		s.deleteContent(ctx, e.Hash)
	}
	return nil
}

// Count returns the number of names in ns.
func (s *Store) Count(ns Namespace) (int, error) {
	n := 0
	err := s.index.each(ns, func(*Entry) error {
		n++
		return nil
	})
	return n, err
}

// Reclaim removes names created before cutoff for which keep returns false,
// then deletes content left without references, including content orphaned
// by repointed names. It returns the number of names removed.
func (s *Store) Reclaim(ctx context.Context, cutoff time.Time, keep func(*Entry) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*Entry
	for _, ns := range Namespaces {
		err := s.index.each(ns, func(e *Entry) error {
			if e.CreatedAt.Before(cutoff) && (keep == nil || !keep(e)) {
				stale = append(stale, e)
			}
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("scanning %s: %w", ns, err)
		}
	}

	removed := 0
	for _, e := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		_, dropped, err := s.index.remove(e.Namespace, e.Name)
		if err != nil {
			return removed, fmt.Errorf("removing %s/%s: %w", e.Namespace, e.Name, err)
		}
		removed++
		if dropped {
			s.deleteContent(ctx, e.Hash)
		}
	}

	s.orphanMu.Lock()
	orphans := s.orphans
	s.orphans = make(map[bonsai.Hash]struct{})
	s.orphanMu.Unlock()
	for h := range orphans {
		if n, err := s.index.refs(h); err == nil && n == 0 {
			s.deleteContent(ctx, h)
		}
	}

	if removed > 0 {
		s.logger.Info("reclaimed blobs", "names", removed)
	}
	return removed, nil
}

// deleteContent removes unreferenced content. Failures only leak bytes.
func (s *Store) deleteContent(ctx context.Context, h bonsai.Hash) {
	if err := s.backend.Delete(ctx, contentKey(h)); err != nil {
		s.logger.Warn("deleting content failed", "hash", h.ShortString(), "error", err)
	}
}

// contentKey is blobs/{first-byte-hex}/{full-hash-hex}.
func contentKey(h bonsai.Hash) string {
	hex := h.String()
	return fmt.Sprintf("%s/%s/%s", contentPrefix, hex[:2], hex)
}
