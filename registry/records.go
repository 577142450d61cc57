package registry

import (
	"slices"
	"time"

	bonsai "github.com/wolfeidau/bonsai-local"
)

// Session is one proving request and its outcome.
type Session struct {
	Lifecycle

	ImageID       string
	InputID       string
	AssumptionIDs []string
	ExecuteOnly   bool
	CycleLimit    uint64

	// Receipt is the digest of the stored receipt. Set only when Succeeded
	// and the run produced one (execute-only runs do not).
	Receipt bonsai.Hash
	// Stats is set only when Succeeded.
	Stats *bonsai.Stats
}

// NewSession builds a Queued session.
func NewSession(id string, now time.Time) *Session {
	return &Session{Lifecycle: newLifecycle(id, now)}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.AssumptionIDs = slices.Clone(s.AssumptionIDs)
	c.Err = cloneErr(s.Err)
	if s.Stats != nil {
		stats := *s.Stats
		c.Stats = &stats
	}
	return &c
}

// HasReceipt reports whether a receipt is available for download or
// conversion.
func (s *Session) HasReceipt() bool {
	return s.State == Succeeded && !s.Receipt.IsZero()
}

// SnarkSession is one STARK to SNARK conversion of a succeeded session.
type SnarkSession struct {
	Lifecycle

	ParentID string
	// Proof is the digest of the stored SNARK proof, set only when Succeeded.
	Proof bonsai.Hash
}

// NewSnarkSession builds a Queued snark session for parent.
func NewSnarkSession(id, parentID string, now time.Time) *SnarkSession {
	return &SnarkSession{Lifecycle: newLifecycle(id, now), ParentID: parentID}
}

// Clone returns a deep copy.
func (s *SnarkSession) Clone() *SnarkSession {
	c := *s
	c.Err = cloneErr(s.Err)
	return &c
}

func newLifecycle(id string, now time.Time) Lifecycle {
	return Lifecycle{ID: id, State: Queued, CreatedAt: now, LastTouchedAt: now}
}

func cloneErr(e *bonsai.JobError) *bonsai.JobError {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
