package prover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	bonsai "github.com/wolfeidau/bonsai-local"
	"github.com/wolfeidau/bonsai-local/blob"
	"github.com/wolfeidau/bonsai-local/queue"
	"github.com/wolfeidau/bonsai-local/registry"
	"github.com/wolfeidau/bonsai-local/telemetry"
)

const stage = "prove"

// Config configures a Pool.
type Config struct {
	// Workers is the number of concurrent proving jobs. Default 1.
	Workers int

	Queue    *queue.Queue
	Sessions *registry.Registry[*registry.Session]
	Blobs    *blob.Store
	Engine   Engine

	Logger *slog.Logger
	Now    func() time.Time
}

// Pool consumes the prove queue. Every job moves its session from Queued to
// Running to a terminal state; a job whose session vanished mid-flight is
// discarded.
type Pool struct {
	workers  int
	queue    *queue.Queue
	sessions *registry.Registry[*registry.Session]
	blobs    *blob.Store
	loader   *blob.Loader
	engine   Engine
	logger   *slog.Logger
	now      func() time.Time

	busy    atomic.Int32
	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewPool validates cfg and creates a pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Queue == nil || cfg.Sessions == nil || cfg.Blobs == nil || cfg.Engine == nil {
		return nil, errors.New("prover: queue, sessions, blobs and engine are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{
		workers:  cfg.Workers,
		queue:    cfg.Queue,
		sessions: cfg.Sessions,
		blobs:    cfg.Blobs,
		loader:   blob.NewLoader(cfg.Blobs),
		engine:   cfg.Engine,
		logger:   cfg.Logger.With("component", "prover"),
		now:      cfg.Now,
	}, nil
}

// Start launches the workers. They run until the queue is closed and
// drained, or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx = telemetry.WithStage(ctx, stage)
	for i := range p.workers {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.logger.Info("prover pool started", "workers", p.workers, "queue_capacity", p.queue.Cap())
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int {
	return p.workers
}

// Busy returns the number of workers currently running a job.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", worker)

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue.Jobs():
			if !ok {
				return
			}
			p.busy.Add(1)
			release := sync.OnceFunc(p.queue.Done)
			p.process(ctx, logger, job, release)
			release()
			p.busy.Add(-1)
			telemetry.UpdateQueueState(ctx, stage, p.queue.InFlight(), p.queue.Cap())
		}
	}
}

// process runs one job. release frees the job's queue slot; it is called
// before the terminal state is published so a client that sees the session
// finish can submit again.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, job queue.Job, release func()) {
	logger = logger.With("session_id", job.SessionID)

	sess, err := p.sessions.Update(job.SessionID, func(s *registry.Session) error {
		return s.Transition(registry.Running, p.now())
	})
	if err != nil {
		logger.Warn("dropping job, session not runnable", "error", err)
		return
	}
	logger.Info("proving started", "queued_for", p.now().Sub(job.EnqueuedAt))

	result, runErr := p.prove(ctx, sess)

	var receipt bonsai.Hash
	if runErr == nil && len(result.Receipt) > 0 {
		res, err := p.blobs.PutBytes(ctx, blob.Receipts, sess.ID, result.Receipt)
		if err != nil {
			runErr = fmt.Errorf("storing receipt: %w", err)
		} else {
			receipt = res.Hash
		}
	}

	release()
	final, err := p.sessions.Update(sess.ID, func(s *registry.Session) error {
		now := p.now()
		if runErr != nil {
			return s.Fail(bonsai.ErrEngine, runErr, now)
		}
		s.Receipt = receipt
		stats := result.Stats
		s.Stats = &stats
		return s.Transition(registry.Succeeded, now)
	})
	if errors.Is(err, bonsai.ErrConflict) {
		logger.Warn("discarding result, session evicted during proving", "error", err)
		return
	}
	if err != nil {
		logger.Error("recording result failed", "error", err)
		return
	}

	elapsed := final.Elapsed(p.now())
	if runErr != nil {
		telemetry.RecordJob(ctx, stage, "failed", elapsed)
		logger.Error("proving failed", "error", runErr, "elapsed", elapsed)
		return
	}
	telemetry.RecordJob(ctx, stage, "succeeded", elapsed)
	logger.Info("proving succeeded", "elapsed", elapsed,
		"segments", result.Stats.Segments, "total_cycles", result.Stats.TotalCycles)
}

// prove loads the session's blobs and runs the engine, converting a panic
// into an error.
func (p *Pool) prove(ctx context.Context, sess *registry.Session) (result *Result, err error) {
	req := &Request{
		SessionID:   sess.ID,
		ExecuteOnly: sess.ExecuteOnly,
		CycleLimit:  sess.CycleLimit,
	}

	if req.Image, _, err = p.loader.Load(ctx, blob.Images, sess.ImageID); err != nil {
		return nil, fmt.Errorf("loading image %s: %w", sess.ImageID, err)
	}
	if req.Input, _, err = p.loader.Load(ctx, blob.Inputs, sess.InputID); err != nil {
		return nil, fmt.Errorf("loading input %s: %w", sess.InputID, err)
	}
	for _, id := range sess.AssumptionIDs {
		data, _, err := p.loader.Load(ctx, blob.Receipts, id)
		if err != nil {
			return nil, fmt.Errorf("loading assumption %s: %w", id, err)
		}
		// Empty receipts are placeholders some clients upload.
		if len(data) == 0 {
			continue
		}
		req.Assumptions = append(req.Assumptions, data)
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("engine panicked", "session_id", sess.ID, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("engine panic: %v", r)
		}
	}()

	result, err = p.engine.Prove(ctx, req)
	if err == nil && result == nil {
		err = errors.New("engine returned no result")
	}
	return result, err
}
