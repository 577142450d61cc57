package snark

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

const stage = "snark"

// DefaultTimeout bounds one conversion.
const DefaultTimeout = 10 * time.Minute

// Config configures an Orchestrator.
type Config struct {
	Queue     *queue.Queue
	Snarks    *registry.Registry[*registry.SnarkSession]
	Blobs     *blob.Store
	Converter Converter

	// Timeout bounds each conversion. Default DefaultTimeout.
	Timeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

// Orchestrator drains the snark queue with a single worker, so at most one
// conversion runs at a time and jobs run in admission order.
type Orchestrator struct {
	queue     *queue.Queue
	snarks    *registry.Registry[*registry.SnarkSession]
	blobs     *blob.Store
	converter Converter
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	active  atomic.Int32
	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewOrchestrator validates cfg and creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Queue == nil || cfg.Snarks == nil || cfg.Blobs == nil || cfg.Converter == nil {
		return nil, errors.New("snark: queue, snarks, blobs and converter are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		queue:     cfg.Queue,
		snarks:    cfg.Snarks,
		blobs:     cfg.Blobs,
		converter: cfg.Converter,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger.With("component", "snark"),
		now:       cfg.Now,
		done:      make(chan struct{}),
	}, nil
}

// Start launches the worker. It runs until the queue is closed and drained,
// or ctx ends.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true
	go o.run(telemetry.WithStage(ctx, stage))
	o.logger.Info("snark orchestrator started", "queue_capacity", o.queue.Cap(), "timeout", o.timeout)
}

// Wait blocks until the worker has exited. It returns at once if Start was
// never called.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if started {
		<-o.done
	}
}

// Active returns 1 while a conversion is running.
func (o *Orchestrator) Active() int {
	return int(o.active.Load())
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-o.queue.Jobs():
			if !ok {
				return
			}
			o.active.Add(1)
			release := sync.OnceFunc(o.queue.Done)
			o.process(ctx, job, release)
			release()
			o.active.Add(-1)
			telemetry.UpdateQueueState(ctx, stage, o.queue.InFlight(), o.queue.Cap())
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, job queue.Job, release func()) {
	logger := o.logger.With("snark_id", job.SessionID)

	snark, err := o.snarks.Update(job.SessionID, func(s *registry.SnarkSession) error {
		return s.Transition(registry.Running, o.now())
	})
	if err != nil {
		logger.Warn("dropping job, snark session not runnable", "error", err)
		return
	}
	logger = logger.With("session_id", snark.ParentID)
	logger.Info("conversion started", "queued_for", o.now().Sub(job.EnqueuedAt))

	proof, convErr := o.convert(ctx, snark)

	var digest bonsai.Hash
	if convErr == nil {
		res, err := o.blobs.PutBytes(ctx, blob.Receipts, snark.ID, proof)
		if err != nil {
			convErr = fmt.Errorf("storing proof: %w", err)
		} else {
			digest = res.Hash
		}
	}

	release()
	final, err := o.snarks.Update(snark.ID, func(s *registry.SnarkSession) error {
		now := o.now()
		if convErr != nil {
			return s.Fail(bonsai.ErrConversion, convErr, now)
		}
		s.Proof = digest
		return s.Transition(registry.Succeeded, now)
	})
	if errors.Is(err, bonsai.ErrConflict) {
		logger.Warn("discarding proof, snark session evicted during conversion", "error", err)
		return
	}
	if err != nil {
		logger.Error("recording conversion result failed", "error", err)
		return
	}

	elapsed := final.Elapsed(o.now())
	if convErr != nil {
		telemetry.RecordJob(ctx, stage, "failed", elapsed)
		logger.Error("conversion failed", "error", convErr, "elapsed", elapsed)
		return
	}
	telemetry.RecordJob(ctx, stage, "succeeded", elapsed)
	logger.Info("conversion succeeded", "elapsed", elapsed, "proof_size", len(proof))
}

func (o *Orchestrator) convert(ctx context.Context, snark *registry.SnarkSession) (proof []byte, err error) {
	receipt, err := o.blobs.GetBytes(ctx, blob.Receipts, snark.ParentID)
	if err != nil {
		return nil, fmt.Errorf("loading receipt for %s: %w", snark.ParentID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("converter panicked", "snark_id", snark.ID, "panic", r, "stack", string(debug.Stack()))
			proof, err = nil, fmt.Errorf("converter panic: %v", r)
		}
	}()

	proof, err = o.converter.Convert(ctx, receipt)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var convErr *ConversionError
		if !errors.As(err, &convErr) {
			err = &ConversionError{TimedOut: true, ExitCode: -1, Stderr: err.Error()}
		}
	}
	return proof, err
}
