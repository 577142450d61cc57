// Package registry is the single owned mapping from session id to session
// state. It enforces the session state machine on every update and expires
// terminal entries after a TTL.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"strings"
	"sync"
	"time"

	bonsai "github.com/wolfeidau/bonsai-local"
)

// shardCount spreads entries over independent locks.
const shardCount = 16

// Policy selects how an entry's expiry is computed.
type Policy int

const (
	// Absolute fixes expiry at CreatedAt + TTL.
	Absolute Policy = iota
	// Sliding recomputes expiry as LastTouchedAt + TTL on every read and
	// update.
	Sliding
)

// String returns the policy name.
func (p Policy) String() string {
	if p == Sliding {
		return "sliding"
	}
	return "absolute"
}

// ParsePolicy parses "absolute" or "sliding".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "absolute":
		return Absolute, nil
	case "sliding":
		return Sliding, nil
	default:
		return Absolute, fmt.Errorf("unknown ttl policy %q", s)
	}
}

// Record is implemented by *Session and *SnarkSession.
type Record[T any] interface {
	Life() *Lifecycle
	Clone() T
}

// Config configures a Registry.
type Config struct {
	// TTL is how long a terminal entry stays retrievable.
	// Zero disables expiry.
	TTL time.Duration

	// Policy selects absolute or sliding expiry.
	Policy Policy

	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry[T any] struct {
	rec       T
	expiresAt time.Time
}

type shard[T any] struct {
	mu      sync.Mutex
	entries map[string]*entry[T]
}

// Registry maps ids to records. Callers only ever see clones; all mutation
// goes through Update so each entry changes atomically.
type Registry[T Record[T]] struct {
	ttl    time.Duration
	policy Policy
	now    func() time.Time
	seed   maphash.Seed
	shards [shardCount]shard[T]
}

// New creates an empty registry.
func New[T Record[T]](cfg Config) *Registry[T] {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Registry[T]{
		ttl:    cfg.TTL,
		policy: cfg.Policy,
		now:    cfg.Now,
		seed:   maphash.MakeSeed(),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry[T])
	}
	return r
}

func (r *Registry[T]) shardFor(id string) *shard[T] {
	return &r.shards[maphash.String(r.seed, id)%shardCount]
}

// CreateOrGet returns the live entry for id, or stores the record built by
// create and reports isNew. A caller seeing isNew owns enqueueing the job.
//
// An entry that failed because a queue was full is replaced rather than
// returned, so clients can resubmit once load drops.
func (r *Registry[T]) CreateOrGet(id string, create func(now time.Time) T) (rec T, isNew bool) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	if e, ok := s.entries[id]; ok && !r.expired(e, now) && !retryable(e.rec.Life()) {
		r.touch(e, now)
		return e.rec.Clone(), false
	}

	rec = create(now)
	life := rec.Life()
	life.ID = id
	life.State = Queued
	s.entries[id] = &entry[T]{rec: rec, expiresAt: r.expiry(life, now)}
	return rec.Clone(), true
}

// Get returns the entry for id, or bonsai.ErrNotFound when it is absent or
// expired.
func (r *Registry[T]) Get(id string) (T, error) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	now := r.now()
	e, ok := s.entries[id]
	if !ok {
		return zero, fmt.Errorf("%s: %w", id, bonsai.ErrNotFound)
	}
	if r.expired(e, now) {
		delete(s.entries, id)
		return zero, fmt.Errorf("%s: expired: %w", id, bonsai.ErrNotFound)
	}
	r.touch(e, now)
	return e.rec.Clone(), nil
}

// Update applies mutate to a copy of the entry and stores the result.
// It fails with bonsai.ErrConflict when the entry no longer exists, is
// already terminal, or mutate made an illegal state transition. An error
// returned by mutate leaves the entry unchanged.
func (r *Registry[T]) Update(id string, mutate func(rec T) error) (T, error) {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	e, ok := s.entries[id]
	if !ok {
		return zero, fmt.Errorf("%s: evicted: %w", id, bonsai.ErrConflict)
	}
	from := e.rec.Life().State
	if from.Terminal() {
		return zero, fmt.Errorf("%s: already %s: %w", id, from, bonsai.ErrConflict)
	}

	next := e.rec.Clone()
	if err := mutate(next); err != nil {
		return zero, err
	}

	now := r.now()
	life := next.Life()
	life.ID = id
	if life.State != from && !CanTransition(from, life.State) {
		return zero, fmt.Errorf("%s: %s -> %s: %w", id, from, life.State, bonsai.ErrConflict)
	}
	life.LastTouchedAt = now

	e.rec = next
	e.expiresAt = r.expiry(life, now)
	return next.Clone(), nil
}

// EvictExpired removes expired terminal entries and returns how many were
// removed. Queued and Running entries are never evicted.
func (r *Registry[T]) EvictExpired() int {
	now := r.now()
	evicted := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			if r.expired(e, now) {
				delete(s.entries, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Sweep adapts EvictExpired to a sweeper target.
func (r *Registry[T]) Sweep(context.Context) (int, error) {
	return r.EvictExpired(), nil
}

// Len returns the number of stored entries, expired or not.
func (r *Registry[T]) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Snapshot returns clones of every live entry.
func (r *Registry[T]) Snapshot() []T {
	now := r.now()
	var out []T
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, e := range s.entries {
			if !r.expired(e, now) {
				out = append(out, e.rec.Clone())
			}
		}
		s.mu.Unlock()
	}
	return out
}

// CountByState returns the number of live entries in each state.
func (r *Registry[T]) CountByState() map[State]int {
	counts := make(map[State]int)
	for _, rec := range r.Snapshot() {
		counts[rec.Life().State]++
	}
	return counts
}

func (r *Registry[T]) expired(e *entry[T], now time.Time) bool {
	if r.ttl <= 0 || !e.rec.Life().State.Terminal() {
		return false
	}
	return now.After(e.expiresAt)
}

func (r *Registry[T]) expiry(life *Lifecycle, now time.Time) time.Time {
	if r.policy == Sliding {
		return now.Add(r.ttl)
	}
	// Absolute expiry counts from completion so long jobs stay retrievable.
	if life.State.Terminal() && !life.FinishedAt.IsZero() {
		return life.FinishedAt.Add(r.ttl)
	}
	return life.CreatedAt.Add(r.ttl)
}

// touch refreshes a sliding entry on read.
func (r *Registry[T]) touch(e *entry[T], now time.Time) {
	if r.policy != Sliding {
		return
	}
	e.rec.Life().LastTouchedAt = now
	e.expiresAt = now.Add(r.ttl)
}

func retryable(life *Lifecycle) bool {
	return life.State == Failed && life.Err != nil && errors.Is(life.Err, bonsai.ErrOverloaded)
}
