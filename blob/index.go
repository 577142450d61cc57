package blob

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bonsai "github.com/wolfeidau/bonsai-local"
	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// bucketRefs maps a content hash to the number of names pointing at it.
	bucketRefs = []byte("refs")

	errCorruptEntry = errors.New("corrupt index entry")
)

// index field numbers
const (
	fieldHash      protowire.Number = 1
	fieldSize      protowire.Number = 2
	fieldCreatedAt protowire.Number = 3
)

func nsBucket(ns Namespace) []byte {
	return []byte("ns:" + string(ns))
}

// index is the bbolt name index: namespace -> name -> entry, plus content
// reference counts.
type index struct {
	db     *bbolt.DB
	logger *slog.Logger
}

func openIndex(path string, noSync bool, logger *slog.Logger) (*index, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
		NoSync:  noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range append([][]byte{bucketRefs}, allBuckets()...) {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("opened blob index", "path", path, "noSync", noSync)
	return &index{db: db, logger: logger}, nil
}

func allBuckets() [][]byte {
	out := make([][]byte, 0, len(Namespaces))
	for _, ns := range Namespaces {
		out = append(out, nsBucket(ns))
	}
	return out
}

func (ix *index) close() error {
	return ix.db.Close()
}

func (ix *index) get(ns Namespace, name string) (*Entry, error) {
	var e *Entry
	err := ix.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(nsBucket(ns)).Get([]byte(name))
		if val == nil {
			return bonsai.ErrNotFound
		}
		var err error
		e, err = decodeEntry(ns, name, val)
		return err
	})
	return e, err
}

// put points name at e.Hash. It returns the hash whose last reference was
// dropped by the replacement, if any.
func (ix *index) put(e *Entry) (orphan *bonsai.Hash, err error) {
	err = ix.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nsBucket(e.Namespace))
		refs := tx.Bucket(bucketRefs)

		if old := b.Get([]byte(e.Name)); old != nil {
			prev, err := decodeEntry(e.Namespace, e.Name, old)
			if err != nil {
				return err
			}
			if prev.Hash == e.Hash {
				// Same content re-uploaded: refresh the timestamp only.
				return b.Put([]byte(e.Name), encodeEntry(e))
			}
			dropped, err := decRef(refs, prev.Hash)
			if err != nil {
				return err
			}
			if dropped {
				h := prev.Hash
				orphan = &h
			}
		}

		if err := incRef(refs, e.Hash); err != nil {
			return err
		}
		return b.Put([]byte(e.Name), encodeEntry(e))
	})
	return orphan, err
}

// remove deletes name and reports whether its content lost its last reference.
func (ix *index) remove(ns Namespace, name string) (*Entry, bool, error) {
	var (
		removed *Entry
		dropped bool
	)
	err := ix.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(nsBucket(ns))
		val := b.Get([]byte(name))
		if val == nil {
			return nil
		}
		e, err := decodeEntry(ns, name, val)
		if err != nil {
			return err
		}
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		removed = e
		dropped, err = decRef(tx.Bucket(bucketRefs), e.Hash)
		return err
	})
	return removed, dropped, err
}

// refs returns the reference count of h.
func (ix *index) refs(h bonsai.Hash) (uint64, error) {
	var n uint64
	err := ix.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketRefs).Get(h[:]); len(v) == 8 {
			n = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return n, err
}

// each calls fn for every entry in ns. fn must not modify the index.
func (ix *index) each(ns Namespace, fn func(*Entry) error) error {
	return ix.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(nsBucket(ns)).ForEach(func(k, v []byte) error {
			e, err := decodeEntry(ns, string(k), v)
			if err != nil {
				return err
			}
			return fn(e)
		})
	})
}

func incRef(refs *bbolt.Bucket, h bonsai.Hash) error {
	var n uint64
	if v := refs.Get(h[:]); len(v) == 8 {
		n = binary.BigEndian.Uint64(v)
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n+1)
	return refs.Put(h[:], buf)
}

func decRef(refs *bbolt.Bucket, h bonsai.Hash) (bool, error) {
	v := refs.Get(h[:])
	if len(v) != 8 {
		return true, refs.Delete(h[:])
	}
	n := binary.BigEndian.Uint64(v)
	if n <= 1 {
		return true, refs.Delete(h[:])
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n-1)
	return false, refs.Put(h[:], buf)
}

func encodeEntry(e *Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldHash, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Hash[:])
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Size)) //nolint:gosec // sizes are non-negative
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.CreatedAt.UnixNano())) //nolint:gosec // post-1970 timestamps
	return b
}

func decodeEntry(ns Namespace, name string, b []byte) (*Entry, error) {
	e := &Entry{Namespace: ns, Name: name}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %s/%s: %w", errCorruptEntry, ns, name, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 || len(v) != bonsai.HashSize {
				return nil, fmt.Errorf("%w: %s/%s: bad hash", errCorruptEntry, ns, name)
			}
			copy(e.Hash[:], v)
			b = b[n:]
		case num == fieldSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %s/%s: bad size", errCorruptEntry, ns, name)
			}
			e.Size = int64(v) //nolint:gosec // written from a non-negative int64
			b = b[n:]
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %s/%s: bad timestamp", errCorruptEntry, ns, name)
			}
			e.CreatedAt = time.Unix(0, int64(v)).UTC() //nolint:gosec // written from UnixNano
			b = b[n:]
		default:
			// Unknown fields from newer writers are skipped.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %s/%s: %w", errCorruptEntry, ns, name, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}
