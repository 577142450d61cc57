package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/bonsai-local/telemetry"
)

// Instrumented records an operation metric for every call on the wrapped
// backend.
type Instrumented struct {
	backend Backend
	name    string
	now     func() time.Time
}

// NewInstrumented wraps b; name labels its metrics.
func NewInstrumented(b Backend, name string) *Instrumented {
	return &Instrumented{backend: b, name: name, now: time.Now}
}

func (ib *Instrumented) record(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), ib.now().Sub(start), n)
}

func (ib *Instrumented) Write(ctx context.Context, key string, r io.Reader) error {
	start := ib.now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.record(ctx, "write", start, err, cr.n)
	return err
}

// Read records the time to open; bytes are recorded when the reader closes.
func (ib *Instrumented) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := ib.now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		ib.record(ctx, "read", start, err, 0)
		return nil, err
	}
	return &countingReadCloser{
		countingReader: countingReader{r: rc},
		closer:         rc,
		done: func(n int64) {
			ib.record(ctx, "read", start, nil, n)
		},
	}, nil
}

func (ib *Instrumented) Delete(ctx context.Context, key string) error {
	start := ib.now()
	err := ib.backend.Delete(ctx, key)
	ib.record(ctx, "delete", start, err, 0)
	return err
}

func (ib *Instrumented) Exists(ctx context.Context, key string) (bool, error) {
	start := ib.now()
	ok, err := ib.backend.Exists(ctx, key)
	ib.record(ctx, "exists", start, err, 0)
	return ok, err
}

func (ib *Instrumented) List(ctx context.Context, prefix string) ([]string, error) {
	start := ib.now()
	keys, err := ib.backend.List(ctx, prefix)
	ib.record(ctx, "list", start, err, 0)
	return keys, err
}

// Unwrap returns the underlying backend.
func (ib *Instrumented) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	countingReader
	closer io.Closer
	done   func(n int64)
	closed bool
}

func (c *countingReadCloser) Close() error {
	if !c.closed {
		c.closed = true
		c.done(c.n)
	}
	return c.closer.Close()
}

var _ Backend = (*Instrumented)(nil)
