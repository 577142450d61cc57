package registry

import (
	"fmt"
	"time"

	bonsai "github.com/wolfeidau/bonsai-local"
)

// State is a session's position in the lifecycle
// Queued -> Running -> Succeeded | Failed.
type State int

const (
	Queued State = iota
	Running
	Succeeded
	Failed
)

// String returns the lower case state name.
func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is Succeeded or Failed.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// CanTransition reports whether from -> to is a legal edge.
// Queued -> Failed is allowed for jobs that never reach a worker, such as
// those rejected by a full queue.
func CanTransition(from, to State) bool {
	switch from {
	case Queued:
		return to == Running || to == Failed
	case Running:
		return to == Succeeded || to == Failed
	default:
		return false
	}
}

// Lifecycle is the state shared by sessions and snark sessions.
type Lifecycle struct {
	ID            string
	State         State
	Err           *bonsai.JobError
	CreatedAt     time.Time
	LastTouchedAt time.Time
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Life returns the lifecycle so generic code can reach it through any record.
func (l *Lifecycle) Life() *Lifecycle {
	return l
}

// Transition moves the record to state to at time now.
func (l *Lifecycle) Transition(to State, now time.Time) error {
	if !CanTransition(l.State, to) {
		return fmt.Errorf("%s: %s -> %s: %w", l.ID, l.State, to, bonsai.ErrConflict)
	}
	l.State = to
	l.LastTouchedAt = now
	switch {
	case to == Running:
		l.StartedAt = now
	case to.Terminal():
		l.FinishedAt = now
	}
	return nil
}

// Fail moves the record to Failed with a classified error.
func (l *Lifecycle) Fail(kind error, err error, now time.Time) error {
	if err := l.Transition(Failed, now); err != nil {
		return err
	}
	l.Err = bonsai.NewJobError(kind, err)
	return nil
}

// Elapsed returns how long the job has run, or ran if finished.
func (l *Lifecycle) Elapsed(now time.Time) time.Duration {
	switch {
	case l.StartedAt.IsZero():
		return 0
	case l.FinishedAt.IsZero():
		return now.Sub(l.StartedAt)
	default:
		return l.FinishedAt.Sub(l.StartedAt)
	}
}
