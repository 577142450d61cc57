// Package scheduler admits proving and conversion requests and wires the
// registries, queues and workers that carry them to completion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	bonsai "github.com/wolfeidau/bonsai-local"
	"github.com/wolfeidau/bonsai-local/blob"
	"github.com/wolfeidau/bonsai-local/prover"
	"github.com/wolfeidau/bonsai-local/queue"
	"github.com/wolfeidau/bonsai-local/registry"
	"github.com/wolfeidau/bonsai-local/snark"
	"github.com/wolfeidau/bonsai-local/telemetry"
	"github.com/wolfeidau/bonsai-local/version"
)

const (
	stageProve = "prove"
	stageSnark = "snark"

	// DefaultQueueSize is the default capacity of each stage queue.
	DefaultQueueSize = 8
)

// namespace scopes the name based session uuids.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/wolfeidau/bonsai-local/sessions"))

// Config configures a Scheduler.
type Config struct {
	Blobs      *blob.Store
	Engine     prover.Engine
	Converter  snark.Converter
	Gatekeeper *version.Gatekeeper

	// Workers is the number of proving workers. Default 1.
	Workers int

	// QueueSize bounds in-flight proving jobs. Default DefaultQueueSize.
	QueueSize int

	// SnarkQueueSize bounds in-flight conversions. Default DefaultQueueSize.
	SnarkQueueSize int

	// SnarkTimeout bounds each conversion. Default snark.DefaultTimeout.
	SnarkTimeout time.Duration

	// TTL is how long finished sessions stay retrievable. Zero keeps them
	// for the process lifetime.
	TTL    time.Duration
	Policy registry.Policy

	// SweepInterval overrides registry.IntervalFor(TTL).
	SweepInterval time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Scheduler is the admission point for sessions and snark sessions.
type Scheduler struct {
	blobs      *blob.Store
	gatekeeper *version.Gatekeeper
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time

	sessions *registry.Registry[*registry.Session]
	snarks   *registry.Registry[*registry.SnarkSession]

	proveQueue *queue.Queue
	snarkQueue *queue.Queue

	pool    *prover.Pool
	orch    *snark.Orchestrator
	sweeper *registry.Sweeper

	stopOnce sync.Once

	// reclaimMu keeps blob reclaim out of the window between resolving a
	// request's blobs and registering its session.
	reclaimMu sync.RWMutex
	resolved  func() // test hook, runs inside that window
}

// New validates cfg and builds a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Blobs == nil || cfg.Engine == nil || cfg.Converter == nil || cfg.Gatekeeper == nil {
		return nil, errors.New("scheduler: blobs, engine, converter and gatekeeper are required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SnarkQueueSize <= 0 {
		cfg.SnarkQueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = registry.IntervalFor(cfg.TTL)
	}

	regCfg := registry.Config{TTL: cfg.TTL, Policy: cfg.Policy, Now: cfg.Now}
	s := &Scheduler{
		blobs:      cfg.Blobs,
		gatekeeper: cfg.Gatekeeper,
		ttl:        cfg.TTL,
		logger:     cfg.Logger.With("component", "scheduler"),
		now:        cfg.Now,
		sessions:   registry.New[*registry.Session](regCfg),
		snarks:     registry.New[*registry.SnarkSession](regCfg),
		proveQueue: queue.New(stageProve, cfg.QueueSize),
		snarkQueue: queue.New(stageSnark, cfg.SnarkQueueSize),
	}

	var err error
	s.pool, err = prover.NewPool(prover.Config{
		Workers:  cfg.Workers,
		Queue:    s.proveQueue,
		Sessions: s.sessions,
		Blobs:    cfg.Blobs,
		Engine:   cfg.Engine,
		Logger:   cfg.Logger,
		Now:      cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating prover pool: %w", err)
	}
	s.orch, err = snark.NewOrchestrator(snark.Config{
		Queue:     s.snarkQueue,
		Snarks:    s.snarks,
		Blobs:     cfg.Blobs,
		Converter: cfg.Converter,
		Timeout:   cfg.SnarkTimeout,
		Logger:    cfg.Logger,
		Now:       cfg.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("creating snark orchestrator: %w", err)
	}

	targets := []registry.Target{
		{Name: "sessions", Sweep: s.sessions.Sweep},
		{Name: "snarks", Sweep: s.snarks.Sweep},
	}
	if cfg.TTL > 0 {
		targets = append(targets, registry.Target{Name: "blobs", Sweep: s.reclaimBlobs})
	}
	s.sweeper = registry.NewSweeper(registry.SweeperConfig{
		Interval: cfg.SweepInterval,
		Logger:   cfg.Logger.With("component", "sweeper"),
	}, targets...)

	return s, nil
}

// Start launches the workers and the sweeper.
func (s *Scheduler) Start(ctx context.Context) {
	s.pool.Start(ctx)
	s.orch.Start(ctx)
	s.sweeper.Start(ctx)
	telemetry.UpdateQueueState(ctx, stageProve, 0, s.proveQueue.Cap())
	telemetry.UpdateQueueState(ctx, stageSnark, 0, s.snarkQueue.Cap())
	s.logger.Info("scheduler started",
		"workers", s.pool.Workers(),
		"queue_size", s.proveQueue.Cap(),
		"snark_queue_size", s.snarkQueue.Cap(),
		"ttl", s.ttl,
		"engine_version", s.gatekeeper.Installed().String())
}

// Stop closes both queues and waits for queued work to drain, or for ctx to
// end. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.proveQueue.Close()
		s.snarkQueue.Close()
		s.sweeper.Stop()
	})

	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		s.orch.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

// Now returns the scheduler's clock reading.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// Gatekeeper returns the version gatekeeper requests are checked against.
func (s *Scheduler) Gatekeeper() *version.Gatekeeper {
	return s.gatekeeper
}

// Sweep runs one eviction pass immediately.
func (s *Scheduler) Sweep(ctx context.Context) *registry.SweepResult {
	return s.sweeper.RunOnce(ctx)
}

// CreateRequest is a proving request.
type CreateRequest struct {
	ImageID       string
	InputID       string
	AssumptionIDs []string
	ExecuteOnly   bool
	CycleLimit    uint64

	// Version is the runtime version the client declared, possibly empty.
	Version string
}

// Admission is the outcome of a successful create call.
type Admission struct {
	ID string
	// Coalesced is set when the id refers to an existing session.
	Coalesced bool
}

// CreateSession admits a proving request. Identical requests share one
// session and one proving job for as long as that session is retrievable.
func (s *Scheduler) CreateSession(ctx context.Context, req CreateRequest) (*Admission, error) {
	if err := s.gatekeeper.Check(req.Version); err != nil {
		telemetry.RecordAdmission(ctx, stageProve, "version_mismatch")
		return nil, err
	}

	id, isNew, err := s.register(ctx, req)
	if err != nil {
		telemetry.RecordAdmission(ctx, stageProve, "not_found")
		return nil, err
	}
	if !isNew {
		telemetry.RecordAdmission(ctx, stageProve, "coalesced")
		s.logger.Debug("coalesced session", "session_id", id)
		return &Admission{ID: id, Coalesced: true}, nil
	}

	if err := s.enqueue(ctx, s.proveQueue, queue.KindProve, id, func(cause error) {
		_, _ = s.sessions.Update(id, func(sess *registry.Session) error {
			return sess.Fail(bonsai.ErrOverloaded, cause, s.now())
		})
	}); err != nil {
		return nil, err
	}

	s.logger.Info("session admitted", "session_id", id, "image_id", req.ImageID,
		"input_id", req.InputID, "assumptions", len(req.AssumptionIDs), "execute_only", req.ExecuteOnly)
	return &Admission{ID: id}, nil
}

// register resolves the request's blobs and creates or finds its session.
// Blob reclaim cannot run in between, so a resolved blob is still present
// once the session that refers to it is visible.
func (s *Scheduler) register(ctx context.Context, req CreateRequest) (string, bool, error) {
	s.reclaimMu.RLock()
	defer s.reclaimMu.RUnlock()

	id, err := s.sessionID(ctx, req)
	if err != nil {
		return "", false, err
	}
	if s.resolved != nil {
		s.resolved()
	}

	_, isNew := s.sessions.CreateOrGet(id, func(now time.Time) *registry.Session {
		sess := registry.NewSession(id, now)
		sess.ImageID = req.ImageID
		sess.InputID = req.InputID
		sess.AssumptionIDs = req.AssumptionIDs
		sess.ExecuteOnly = req.ExecuteOnly
		sess.CycleLimit = req.CycleLimit
		return sess
	})
	return id, isNew, nil
}

// Session returns the current state of a proving session.
func (s *Scheduler) Session(id string) (*registry.Session, error) {
	return s.sessions.Get(id)
}

// CreateSnark admits a conversion of a succeeded session's receipt. Each
// parent has at most one snark session.
func (s *Scheduler) CreateSnark(ctx context.Context, parentID string) (*Admission, error) {
	parent, err := s.sessions.Get(parentID)
	if err != nil {
		telemetry.RecordAdmission(ctx, stageSnark, "not_found")
		return nil, fmt.Errorf("session %w", err)
	}
	if !parent.HasReceipt() {
		telemetry.RecordAdmission(ctx, stageSnark, "invalid_state")
		if parent.State == registry.Succeeded {
			return nil, fmt.Errorf("session %s produced no receipt: %w", parentID, bonsai.ErrInvalidState)
		}
		return nil, fmt.Errorf("session %s is %s: %w", parentID, parent.State, bonsai.ErrInvalidState)
	}

	id := snarkID(parentID)
	_, isNew := s.snarks.CreateOrGet(id, func(now time.Time) *registry.SnarkSession {
		return registry.NewSnarkSession(id, parentID, now)
	})
	if !isNew {
		telemetry.RecordAdmission(ctx, stageSnark, "coalesced")
		return &Admission{ID: id, Coalesced: true}, nil
	}

	if err := s.enqueue(ctx, s.snarkQueue, queue.KindSnark, id, func(cause error) {
		_, _ = s.snarks.Update(id, func(k *registry.SnarkSession) error {
			return k.Fail(bonsai.ErrOverloaded, cause, s.now())
		})
	}); err != nil {
		return nil, err
	}

	s.logger.Info("snark admitted", "snark_id", id, "session_id", parentID)
	return &Admission{ID: id}, nil
}

// Snark returns the current state of a snark session.
func (s *Scheduler) Snark(id string) (*registry.SnarkSession, error) {
	return s.snarks.Get(id)
}

// enqueue admits a freshly created entry's job. On rejection reject marks
// the entry failed so a later identical request replaces it.
func (s *Scheduler) enqueue(ctx context.Context, q *queue.Queue, kind queue.Kind, id string, reject func(error)) error {
	err := q.TryEnqueue(queue.Job{SessionID: id, Kind: kind, EnqueuedAt: s.now()})
	if errors.Is(err, queue.ErrClosed) {
		err = fmt.Errorf("%w: %w", bonsai.ErrOverloaded, err)
	}
	if err != nil {
		reject(err)
		telemetry.RecordAdmission(ctx, q.Name(), "overloaded")
		s.logger.Warn("admission rejected", "stage", q.Name(), "id", id, "error", err)
		return err
	}
	telemetry.RecordAdmission(ctx, q.Name(), "accepted")
	telemetry.UpdateQueueState(ctx, q.Name(), q.InFlight(), q.Cap())
	return nil
}

// sessionID resolves every referenced blob and derives the session's
// identity from their content.
func (s *Scheduler) sessionID(ctx context.Context, req CreateRequest) (string, error) {
	image, err := s.blobs.Stat(ctx, blob.Images, req.ImageID)
	if err != nil {
		return "", err
	}
	input, err := s.blobs.Stat(ctx, blob.Inputs, req.InputID)
	if err != nil {
		return "", err
	}

	kb := bonsai.NewKeyBuilder("session").Hash(image.Hash).Hash(input.Hash)
	kb.String(strconv.Itoa(len(req.AssumptionIDs)))
	for _, id := range req.AssumptionIDs {
		e, err := s.blobs.Stat(ctx, blob.Receipts, id)
		if err != nil {
			return "", err
		}
		kb.Hash(e.Hash)
	}
	kb.String(strconv.FormatBool(req.ExecuteOnly)).String(strconv.FormatUint(req.CycleLimit, 10))

	key := kb.Sum()
	return uuid.NewSHA1(namespace, key[:]).String(), nil
}

func snarkID(parentID string) string {
	key := bonsai.NewKeyBuilder("snark").String(parentID).Sum()
	return uuid.NewSHA1(namespace, key[:]).String()
}

// reclaimBlobs drops blob names older than the TTL that no live session or
// snark session refers to.
func (s *Scheduler) reclaimBlobs(ctx context.Context) (int, error) {
	s.reclaimMu.Lock()
	defer s.reclaimMu.Unlock()

	live := make(map[blob.Namespace]map[string]struct{}, len(blob.Namespaces))
	for _, ns := range blob.Namespaces {
		live[ns] = make(map[string]struct{})
	}
	for _, sess := range s.sessions.Snapshot() {
		live[blob.Images][sess.ImageID] = struct{}{}
		live[blob.Inputs][sess.InputID] = struct{}{}
		live[blob.Receipts][sess.ID] = struct{}{}
		for _, id := range sess.AssumptionIDs {
			live[blob.Receipts][id] = struct{}{}
		}
	}
	for _, k := range s.snarks.Snapshot() {
		live[blob.Receipts][k.ID] = struct{}{}
		live[blob.Receipts][k.ParentID] = struct{}{}
	}

	return s.blobs.Reclaim(ctx, s.now().Add(-s.ttl), func(e *blob.Entry) bool {
		_, ok := live[e.Namespace][e.Name]
		return ok
	})
}
