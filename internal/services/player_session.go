package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"playcode-backend/internal/clock"
	"playcode-backend/internal/codehash"
	"playcode-backend/internal/metrics"
	"playcode-backend/internal/models"
	"playcode-backend/internal/repository"
)

const (
	DefaultSessionLifetime   = 14 * 24 * time.Hour
	DefaultMaxRehashAttempts = 10000
)

// codeSpaceExhausted never leaves this package; callers see *ExhaustedError.
type codeSpaceExhausted struct{ attempts int }

func (e *codeSpaceExhausted) Error() string {
	return fmt.Sprintf("code space exhausted after %d attempts", e.attempts)
}

type sessionStore interface {
	Begin(ctx context.Context) (repository.SessionTx, error)
	FindSessionByCode(ctx context.Context, code models.Code) (*models.Session, error)
	FindCodeByActivity(ctx context.Context, activityID uuid.UUID) (models.Code, error)
}

type PlayerSessionConfig struct {
	Lifetime            time.Duration
	MaxRehashAttempts   int
	ReclaimOnExhaustion bool
	ExhaustedRetryAfter time.Duration
}

// PlayerSessionService mints short codes for activities shared with a classroom,
// issues per-viewer instances under them and records completions.
type PlayerSessionService struct {
	store     sessionStore
	publisher PlayCountPublisher
	clock     clock.Clock
	metrics   *metrics.Allocator
	log       *zap.Logger
	cfg       PlayerSessionConfig
}

func NewPlayerSessionService(
	store sessionStore,
	publisher PlayCountPublisher,
	clk clock.Clock,
	m *metrics.Allocator,
	log *zap.Logger,
	cfg PlayerSessionConfig,
) *PlayerSessionService {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultSessionLifetime
	}
	if cfg.MaxRehashAttempts <= 0 {
		cfg.MaxRehashAttempts = DefaultMaxRehashAttempts
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &PlayerSessionService{
		store:     store,
		publisher: publisher,
		clock:     clk,
		metrics:   m,
		log:       log.Named("allocator"),
		cfg:       cfg,
	}
}

// CreateSession binds a fresh code to the activity. It fails with *ConflictError
// when the activity already has a live session, *NotFoundError when the activity
// is unknown and *ExhaustedError when no candidate code is free. Settings with an
// unknown direction are rejected with *ValidationError before the store is touched.
func (s *PlayerSessionService) CreateSession(ctx context.Context, activityID uuid.UUID, settings models.Settings) (models.Code, error) {
	log := s.log.With(zap.Stringer("activity_id", activityID))

	if !settings.Direction.Valid() {
		s.metrics.SessionCreate(metrics.ResultInvalid)
		return 0, &ValidationError{Fields: map[string]string{"direction": "must be ltr or rtl"}}
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.metrics.SessionCreate(metrics.ResultError)
		return 0, err
	}
	defer rollback(ctx, tx, log)

	// Fast path only: two callers can both get past this, the unique
	// constraint on activity_id settles the race inside allocate.
	if code, err := tx.FindCodeByActivity(ctx, activityID); err == nil {
		log.Debug("session already live", zap.Stringer("code", code))
		s.metrics.SessionCreate(metrics.ResultConflict)
		return 0, sessionConflict()
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.metrics.SessionCreate(metrics.ResultError)
		return 0, err
	}

	now := s.clock.Now()
	code, err := s.allocate(ctx, tx, activityID, settings, now)
	var exhausted *codeSpaceExhausted
	if errors.As(err, &exhausted) && s.cfg.ReclaimOnExhaustion {
		code, err = s.reclaimAndAllocate(ctx, tx, log, activityID, settings, now, exhausted)
	}
	if err != nil {
		return 0, s.createFailed(log, err)
	}

	if err := tx.Commit(ctx); err != nil {
		s.metrics.SessionCreate(metrics.ResultError)
		return 0, fmt.Errorf("commit session: %w", err)
	}

	s.metrics.SessionCreate(metrics.ResultOK)
	log.Info("session created", zap.Stringer("code", code))
	return code, nil
}

// allocate walks the candidate sequence Initial, Rehash(.., 0), Rehash(.., 1), ...
// until an insert succeeds or a terminal outcome is reached. The sequence is
// periodic, so the walk also ends once it comes back to a code it has tried.
func (s *PlayerSessionService) allocate(ctx context.Context, tx repository.SessionTx, activityID uuid.UUID, settings models.Settings, now time.Time) (models.Code, error) {
	code := codehash.Initial(activityID)
	tried := make(map[models.Code]struct{})

	for n := 0; n < s.cfg.MaxRehashAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if _, seen := tried[code]; seen {
			return 0, &codeSpaceExhausted{attempts: n}
		}
		tried[code] = struct{}{}

		err := tx.InsertSession(ctx, activityID, code, settings, now)
		switch {
		case err == nil:
			s.metrics.ObserveRehashes(n)
			return code, nil
		case errors.Is(err, repository.ErrSessionExists):
			return 0, sessionConflict()
		case errors.Is(err, repository.ErrNoSuchActivity):
			return 0, &NotFoundError{Message: "Activity not found"}
		case errors.Is(err, repository.ErrCodeTaken):
			code = codehash.Rehash(code, n)
		default:
			return 0, err
		}
	}

	return 0, &codeSpaceExhausted{attempts: s.cfg.MaxRehashAttempts}
}

// reclaimAndAllocate deletes expired sessions inside the open transaction and
// walks the candidate sequence once more. With nothing to reclaim the space
// stays exhausted.
func (s *PlayerSessionService) reclaimAndAllocate(ctx context.Context, tx repository.SessionTx, log *zap.Logger, activityID uuid.UUID, settings models.Settings, now time.Time, exhausted *codeSpaceExhausted) (models.Code, error) {
	reclaimed, err := tx.DeleteSessionsOlderThan(ctx, now.Add(-s.cfg.Lifetime))
	if err != nil {
		return 0, err
	}
	if reclaimed == 0 {
		return 0, exhausted
	}

	s.metrics.SessionsReclaimed(reclaimed)
	log.Info("reclaimed expired sessions", zap.Int64("count", reclaimed))
	return s.allocate(ctx, tx, activityID, settings, now)
}

func (s *PlayerSessionService) createFailed(log *zap.Logger, err error) error {
	var exhausted *codeSpaceExhausted
	var conflict *ConflictError
	var notFound *NotFoundError

	switch {
	case errors.As(err, &exhausted):
		s.metrics.SessionCreate(metrics.ResultExhausted)
		log.Warn("code space exhausted", zap.Int("attempts", exhausted.attempts))
		return &ExhaustedError{Attempts: exhausted.attempts, RetryAfter: s.cfg.ExhaustedRetryAfter}
	case errors.As(err, &conflict):
		s.metrics.SessionCreate(metrics.ResultConflict)
		log.Debug("session created concurrently")
		return err
	case errors.As(err, &notFound):
		s.metrics.SessionCreate(metrics.ResultNotFound)
		log.Debug("activity not found")
		return err
	default:
		s.metrics.SessionCreate(metrics.ResultError)
		return fmt.Errorf("create session: %w", err)
	}
}

// OpenInstance issues a viewer instance under a live code. Unknown codes and a
// missing ip or user agent are indistinguishable to the caller.
func (s *PlayerSessionService) OpenInstance(ctx context.Context, code models.Code, ip, userAgent string) (uuid.UUID, error) {
	log := s.log.With(zap.Stringer("code", code))

	if !code.Valid() {
		return uuid.Nil, s.openNotFound(log, "invalid_code")
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.metrics.InstanceOpen(metrics.ResultError)
		return uuid.Nil, err
	}
	defer rollback(ctx, tx, log)

	session, err := tx.FindSessionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return uuid.Nil, s.openNotFound(log, "unknown_code")
		}
		s.metrics.InstanceOpen(metrics.ResultError)
		return uuid.Nil, err
	}

	if ip == "" || userAgent == "" {
		return uuid.Nil, s.openNotFound(log, "missing_identity")
	}

	instanceID, err := tx.InsertInstance(ctx, code, session.ActivityID, ip, userAgent, s.clock.Now())
	if err != nil {
		if errors.Is(err, repository.ErrNoSuchSession) {
			return uuid.Nil, s.openNotFound(log, "session_gone")
		}
		s.metrics.InstanceOpen(metrics.ResultError)
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		s.metrics.InstanceOpen(metrics.ResultError)
		return uuid.Nil, fmt.Errorf("commit instance: %w", err)
	}

	s.metrics.InstanceOpen(metrics.ResultOK)
	log.Debug("instance opened",
		zap.Stringer("instance_id", instanceID),
		zap.Stringer("activity_id", session.ActivityID),
	)
	return instanceID, nil
}

func (s *PlayerSessionService) openNotFound(log *zap.Logger, reason string) error {
	s.metrics.InstanceOpen(metrics.ResultNotFound)
	log.Debug("instance not opened", zap.String("reason", reason))
	return &NotFoundError{Message: "Session not found"}
}

// CompleteInstance records a finished play. The instance must have been opened
// for activityID from the same ip and user agent, compared byte for byte.
// Each successful call increments the play count again.
func (s *PlayerSessionService) CompleteInstance(ctx context.Context, activityID, instanceID uuid.UUID, ip, userAgent string) error {
	log := s.log.With(
		zap.Stringer("activity_id", activityID),
		zap.Stringer("instance_id", instanceID),
	)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.metrics.InstanceComplete(metrics.ResultError)
		return err
	}
	defer rollback(ctx, tx, log)

	inst, err := tx.FindInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.completeNotFound(log, "unknown_instance")
		}
		s.metrics.InstanceComplete(metrics.ResultError)
		return err
	}

	switch {
	case inst.IP != ip:
		return s.completeNotFound(log, "ip_mismatch")
	case inst.UserAgent != userAgent:
		return s.completeNotFound(log, "user_agent_mismatch")
	case inst.ActivityID != activityID:
		return s.completeNotFound(log, "activity_mismatch")
	}

	playCount, err := tx.IncrementPlayCount(ctx, activityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return s.completeNotFound(log, "activity_gone")
		}
		s.metrics.InstanceComplete(metrics.ResultError)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		s.metrics.InstanceComplete(metrics.ResultError)
		return fmt.Errorf("commit completion: %w", err)
	}

	s.metrics.InstanceComplete(metrics.ResultOK)
	log.Debug("instance completed", zap.Int64("play_count", playCount))
	s.publishPlayCount(ctx, log, activityID, playCount)
	return nil
}

func (s *PlayerSessionService) completeNotFound(log *zap.Logger, reason string) error {
	s.metrics.InstanceComplete(metrics.ResultNotFound)
	log.Debug("instance not completed", zap.String("reason", reason))
	return &NotFoundError{Message: "Instance not found"}
}

func (s *PlayerSessionService) publishPlayCount(ctx context.Context, log *zap.Logger, activityID uuid.UUID, playCount int64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishPlayCount(context.WithoutCancel(ctx), activityID, playCount); err != nil {
		log.Warn("failed to publish play count", zap.Error(err))
	}
}

// LookupByCode returns the live session behind a code.
func (s *PlayerSessionService) LookupByCode(ctx context.Context, code models.Code) (*models.Session, error) {
	session, err := s.store.FindSessionByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{Message: "Session not found"}
		}
		return nil, err
	}
	return session, nil
}

// LookupCodeForActivity returns the code of the activity's live session.
func (s *PlayerSessionService) LookupCodeForActivity(ctx context.Context, activityID uuid.UUID) (models.Code, error) {
	code, err := s.store.FindCodeByActivity(ctx, activityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, &NotFoundError{Message: "Session not found"}
		}
		return 0, err
	}
	return code, nil
}

func sessionConflict() error {
	return &ConflictError{Message: "A session is already live for this activity"}
}

// rollback is deferred by every operation; it is a no-op once the transaction
// has committed and still runs when ctx has been cancelled.
func rollback(ctx context.Context, tx repository.SessionTx, log *zap.Logger) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		log.Warn("rollback failed", zap.Error(err))
	}
}
