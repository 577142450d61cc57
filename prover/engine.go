// Package prover runs proving jobs from the prove queue on a fixed pool of
// workers.
package prover

import (
	"context"

	bonsai "github.com/wolfeidau/bonsai-local"
)

// Request is everything an engine needs for one proving run. The byte
// slices may be shared and must not be modified.
type Request struct {
	SessionID   string
	Image       []byte
	Input       []byte
	Assumptions [][]byte
	ExecuteOnly bool
	// CycleLimit is the executor cycle limit; zero means none.
	CycleLimit uint64
}

// Result is a successful run. Receipt is empty for execute-only runs.
type Result struct {
	Receipt []byte
	Stats   bonsai.Stats
}

// Engine produces receipts. Implementations must be safe for concurrent use
// by every worker.
type Engine interface {
	Prove(ctx context.Context, req *Request) (*Result, error)
	Version(ctx context.Context) (string, error)
}
