package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("presence store is required")
	errInvalidInterval = errors.New("threshold and period must be positive")
)

// SweeperConfig describes the periodic demotion task.
type SweeperConfig struct {
	Store            *Service
	OfflineThreshold time.Duration
	SweepPeriod      time.Duration
	Logger           *zap.Logger
	Clock            func() time.Time
}

// Sweeper periodically demotes online records that have gone silent. Its
// lifecycle is owned by the surrounding service: Start spawns the loop and
// Stop blocks until it has exited.
type Sweeper struct {
	store     *Service
	threshold time.Duration
	period    time.Duration
	logger    *zap.Logger
	clock     func() time.Time

	mu   sync.Mutex
	stop context.CancelFunc
	done chan struct{}
}

// NewSweeper constructs a stopped sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opSweep, "missing_store", errMissingStore)
	}
	if cfg.OfflineThreshold <= 0 || cfg.SweepPeriod <= 0 {
		return nil, newServiceError(opSweep, "invalid_interval", errInvalidInterval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sweeper{
		store:     cfg.Store,
		threshold: cfg.OfflineThreshold,
		period:    cfg.SweepPeriod,
		logger:    logger,
		clock:     clock,
	}, nil
}

// Start launches the sweep loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.stop = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(loopCtx)
			}
		}
	}(s.done)
}

// Stop cancels the loop and waits for the in-flight sweep, if any, to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stop := s.stop
	done := s.done
	s.stop = nil
	s.done = nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

// RunOnce performs a single sweep. The cutoff is fixed before the scan; each
// candidate's demotion re-validates its own predicate at write time, so a
// heartbeat landing mid-sweep is never overridden. Storage errors are logged
// and dropped: the next tick self-corrects.
func (s *Sweeper) RunOnce(ctx context.Context) {
	cutoff := s.clock().Add(-s.threshold)
	demoted, err := s.store.SweepStale(ctx, cutoff)
	if err != nil {
		s.logger.Warn("presence sweep failed",
			zap.String("operation", opSweep),
			zap.Time("cutoff", cutoff),
			zap.Error(err))
		return
	}
	if demoted > 0 {
		s.logger.Info("presence sweep demoted stale records",
			zap.String("operation", opSweep),
			zap.Time("cutoff", cutoff),
			zap.Int("demoted", demoted))
	}
}
