package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"playcode-backend/internal/clock"
	"playcode-backend/internal/metrics"
)

const (
	reaperLockKey       = "reaper_lock"
	DefaultReapInterval = 1 * time.Hour
)

type expiredSessionDeleter interface {
	DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// reaperLocker is satisfied by *redis.Client.
type reaperLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// SessionReaper periodically deletes sessions older than the configured
// lifetime. Their instances are kept.
type SessionReaper struct {
	store    expiredSessionDeleter
	locker   reaperLocker
	clock    clock.Clock
	lifetime time.Duration
	interval time.Duration
	metrics  *metrics.Allocator
	log      *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

// NewSessionReaper builds a reaper. A nil locker lets every replica reap.
func NewSessionReaper(
	store expiredSessionDeleter,
	locker reaperLocker,
	clk clock.Clock,
	lifetime, interval time.Duration,
	m *metrics.Allocator,
	log *zap.Logger,
) *SessionReaper {
	if lifetime <= 0 {
		lifetime = DefaultSessionLifetime
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &SessionReaper{
		store:    store,
		locker:   locker,
		clock:    clk,
		lifetime: lifetime,
		interval: interval,
		metrics:  m,
		log:      log.Named("reaper"),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. Only the first call has an effect, and a reaper
// that was already stopped never starts.
func (r *SessionReaper) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	select {
	case <-r.stopChan:
		close(r.done)
		return
	default:
	}
	if r.store == nil {
		close(r.done)
		return
	}

	go r.loop()

	r.log.Info("session reaper started",
		zap.Duration("lifetime", r.lifetime),
		zap.Duration("interval", r.interval),
	)
}

// Stop signals the loop and waits for an in-flight run to finish. It is safe
// to call more than once, and before Start.
func (r *SessionReaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	if r.started.Load() {
		<-r.done
	}
}

func (r *SessionReaper) loop() {
	defer close(r.done)

	// Run on startup as well as by interval.
	r.tick()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			r.log.Info("session reaper stopped")
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *SessionReaper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	if _, err := r.RunOnce(ctx); err != nil {
		r.log.Error("reaper run failed", zap.Error(err))
	}
}

// RunOnce deletes every session created before now minus the lifetime and
// returns how many were removed. When the lock is held elsewhere or cannot be
// taken the run is skipped and reports zero.
func (r *SessionReaper) RunOnce(ctx context.Context) (int64, error) {
	if r.locker != nil {
		acquired, err := r.locker.SetNX(ctx, reaperLockKey, "1", r.interval/2).Result()
		if err != nil {
			r.metrics.ReaperRun(metrics.ResultSkipped, 0)
			r.log.Warn("reaper lock unavailable, skipping tick", zap.Error(err))
			return 0, nil
		}
		if !acquired {
			r.metrics.ReaperRun(metrics.ResultSkipped, 0)
			r.log.Debug("reaper lock held elsewhere")
			return 0, nil
		}
	}

	cutoff := r.clock.Now().Add(-r.lifetime)
	reaped, err := r.store.DeleteSessionsOlderThan(ctx, cutoff)
	if err != nil {
		r.metrics.ReaperRun(metrics.ResultError, 0)
		return 0, err
	}

	r.metrics.ReaperRun(metrics.ResultOK, reaped)
	if reaped > 0 {
		r.log.Info("reaped expired sessions",
			zap.Int64("count", reaped),
			zap.Time("cutoff", cutoff),
		)
	}
	return reaped, nil
}
