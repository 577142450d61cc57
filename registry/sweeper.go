package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/bonsai-local/telemetry"
)

const (
	minSweepInterval = time.Second
	maxSweepInterval = time.Minute
)

// IntervalFor derives the sweep interval from a TTL: a quarter of the TTL,
// clamped to [1s, 1m]. A disabled TTL sweeps once a minute.
func IntervalFor(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return maxSweepInterval
	}
	return min(max(ttl/4, minSweepInterval), maxSweepInterval)
}

// Target is one thing the sweeper evicts from.
type Target struct {
	Name  string
	Sweep func(ctx context.Context) (int, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Interval between sweeps. Use IntervalFor to derive it from a TTL.
	Interval time.Duration

	// Logger for sweep events.
	Logger *slog.Logger
}

// SweepResult is the outcome of one pass over every target.
type SweepResult struct {
	Evicted  map[string]int
	Errors   int
	Duration time.Duration
}

// Sweeper periodically evicts expired entries, independently of the
// request and worker paths.
type Sweeper struct {
	config  SweeperConfig
	targets []Target
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper over targets.
func NewSweeper(cfg SweeperConfig, targets ...Target) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = maxSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		config:  cfg,
		targets: targets,
		logger:  cfg.Logger,
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background sweeps. Calling Start twice, or after Stop, is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop halts background sweeps and waits for an in-progress sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every target once.
func (s *Sweeper) RunOnce(ctx context.Context) *SweepResult {
	start := s.now()
	result := &SweepResult{Evicted: make(map[string]int, len(s.targets))}

	total := 0
	for _, t := range s.targets {
		targetStart := s.now()
		n, err := t.Sweep(ctx)
		if err != nil {
			s.logger.Warn("sweep failed", "target", t.Name, "error", err)
			result.Errors++
		}
		result.Evicted[t.Name] = n
		total += n
		telemetry.RecordSweep(ctx, t.Name, n, s.now().Sub(targetStart))
	}
	result.Duration = s.now().Sub(start)

	if total > 0 {
		s.logger.Info("sweep complete", "evicted", total, "duration", result.Duration)
	} else {
		s.logger.Debug("sweep complete, nothing expired")
	}
	return result
}
