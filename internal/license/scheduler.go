package license

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default heartbeat cadence: one beat a day plus random jitter so a fleet of
// terminals does not hit the authority in lockstep.
const (
	DefaultHeartbeatInterval = 24 * time.Hour
	DefaultHeartbeatJitter   = 4 * time.Hour
	heartbeatTickTimeout     = 30 * time.Second
)

// HeartbeatFunc performs one heartbeat cycle including liveness update and
// logging. The scheduler only drives timing.
type HeartbeatFunc func(ctx context.Context) error

// SchedulerConfig controls heartbeat timing.
type SchedulerConfig struct {
	Interval time.Duration
	Jitter   time.Duration
}

// Scheduler is the single background timer driving periodic revalidation.
// Exactly one timer loop runs per Scheduler; Start clears any prior loop so
// duplicate concurrent timers never accumulate.
type Scheduler struct {
	mu     sync.Mutex
	cfg    SchedulerConfig
	beat   HeartbeatFunc
	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}

	// jitterFn is used for jitter; overridden in tests.
	jitterFn func(max time.Duration) time.Duration
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg SchedulerConfig, beat HeartbeatFunc) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatInterval
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = DefaultHeartbeatJitter
	}
	return &Scheduler{
		cfg:    cfg,
		beat:   beat,
		logger: log.With().Str("component", "heartbeat-scheduler").Logger(),
		jitterFn: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Start launches the timer loop, stopping any previous one first.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(s.stopCh, s.doneCh)

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("jitter", s.cfg.Jitter).
		Msg("Heartbeat scheduler started")
}

// Stop halts the timer loop and waits for it to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.stopCh = nil
	s.doneCh = nil
}

// StopAsync signals the timer loop to exit without waiting for it. This is
// the only safe way to stop from inside the heartbeat callback itself, where
// Stop would wait on the calling goroutine and deadlock.
func (s *Scheduler) StopAsync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.doneCh = nil
}

// Running reports whether the timer loop is live.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

func (s *Scheduler) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		delay := s.cfg.Interval + s.jitterFn(s.cfg.Jitter)
		timer := time.NewTimer(delay)

		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), heartbeatTickTimeout)
		if err := s.beat(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("scheduled heartbeat failed")
		}
		cancel()
	}
}

// RetryNow performs one heartbeat cycle immediately without rescheduling the
// timer. Used for operator-triggered manual retries.
func (s *Scheduler) RetryNow(ctx context.Context) error {
	return s.beat(ctx)
}
