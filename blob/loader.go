package blob

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/singleflight"
)

// Loader reads whole blobs for workers. Concurrent loads of the same content
// share one backend read.
type Loader struct {
	store *Store
	group singleflight.Group
}

// NewLoader creates a loader over s.
func NewLoader(s *Store) *Loader {
	return &Loader{store: s}
}

// Load returns the content of ns/name. The returned slice may be shared with
// other callers and must not be modified.
//
// If ctx ends first Load returns its error, but the read continues for
// other waiters.
func (l *Loader) Load(ctx context.Context, ns Namespace, name string) ([]byte, *Entry, error) {
	e, err := l.store.Stat(ctx, ns, name)
	if err != nil {
		return nil, nil, err
	}

	ch := l.group.DoChan(e.Hash.String(), func() (any, error) {
		rc, err := l.store.GetContent(context.WithoutCancel(ctx), e.Hash)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rc.Close() }()

		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("reading %s/%s: %w", ns, name, err)
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		return res.Val.([]byte), e, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
