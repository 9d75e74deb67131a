// Package sweeper periodically deletes expired cache rows.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Swept counts rows removed by expiry sweeps.
var Swept = promauto.NewCounter(prometheus.CounterOpts{
	Name: "insight_cache_swept_total",
	Help: "Total number of expired cache rows removed by the sweeper",
})

// Target is the store being swept.
type Target interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Locker elects a single sweeping instance when several processes share
// one database.
type Locker interface {
	// TryLock returns ok=false without error when another holder owns
	// the lock. release must be called when ok is true.
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// Sweeper runs SweepExpired on a fixed interval until closed.
type Sweeper struct {
	target   Target
	locker   Locker
	interval time.Duration
	logger   zerolog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLocker makes every run acquire l first.
func WithLocker(l Locker) Option {
	return func(s *Sweeper) { s.locker = l }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// New returns a stopped Sweeper. Call Start to begin the loop.
func New(target Target, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	s := &Sweeper{
		target:   target,
		interval: interval,
		logger:   zerolog.Nop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop, which sweeps once right away.
// Subsequent calls are no-ops.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Close stops the loop and waits for an in-flight run to finish.
func (s *Sweeper) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

// RunOnce sweeps now. It returns 0 without error when another instance
// holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx)
		if err != nil {
			return 0, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			s.logger.Debug().Msg("sweep skipped, lock held elsewhere")
			return 0, nil
		}
		defer release()
	}

	start := time.Now()
	n, err := s.target.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	Swept.Add(float64(n))
	if n > 0 {
		s.logger.Info().Int64("removed", n).Dur("duration", time.Since(start)).Msg("expired insights swept")
	}
	return n, nil
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	sweep := func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("sweep failed")
		}
	}

	// Rows left over from before a restart go on start, not a full interval later.
	sweep()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			sweep()
		}
	}
}
