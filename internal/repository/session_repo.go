package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"playcode-backend/internal/models"
)

// Constraint names declared in migrations/001_initial_schema.sql. The allocator's
// retry loop is driven by which of these an insert violates.
const (
	ConstraintSessionActivityKey  = "session_activity_id_key"
	ConstraintSessionPKey         = "session_pkey"
	ConstraintSessionActivityFKey = "session_activity_id_fkey"
)

var (
	// ErrSessionExists: the activity already has a live session.
	ErrSessionExists = errors.New("session already exists for activity")
	// ErrCodeTaken: another activity holds the candidate code.
	ErrCodeTaken = errors.New("session code already taken")
	// ErrNoSuchActivity: the activity id is unknown.
	ErrNoSuchActivity = errors.New("activity does not exist")
	// ErrNoSuchSession: no live session holds the code.
	ErrNoSuchSession = errors.New("session does not exist")
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
)

// SessionTx is one allocator transaction. Every method other than Commit and
// Rollback runs inside it; Rollback after Commit is a no-op.
type SessionTx interface {
	InsertSession(ctx context.Context, activityID uuid.UUID, code models.Code, settings models.Settings, createdAt time.Time) error
	InsertInstance(ctx context.Context, code models.Code, activityID uuid.UUID, ip, userAgent string, openedAt time.Time) (uuid.UUID, error)
	FindInstance(ctx context.Context, instanceID uuid.UUID) (*models.Instance, error)
	FindSessionByCode(ctx context.Context, code models.Code) (*models.Session, error)
	FindCodeByActivity(ctx context.Context, activityID uuid.UUID) (models.Code, error)
	IncrementPlayCount(ctx context.Context, activityID uuid.UUID) (int64, error)
	DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Begin(ctx context.Context) (SessionTx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin session transaction: %w", err)
	}
	return &sessionTx{tx: tx}, nil
}

func (r *SessionRepo) FindSessionByCode(ctx context.Context, code models.Code) (*models.Session, error) {
	return findSessionByCode(ctx, r.pool, code)
}

func (r *SessionRepo) FindCodeByActivity(ctx context.Context, activityID uuid.UUID) (models.Code, error) {
	return findCodeByActivity(ctx, r.pool, activityID)
}

func (r *SessionRepo) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return deleteSessionsOlderThan(ctx, r.pool, cutoff)
}

type sessionTx struct {
	tx pgx.Tx
}

// InsertSession runs inside a savepoint: a constraint violation rolls back to it
// and leaves the enclosing transaction usable for the next candidate code.
func (t *sessionTx) InsertSession(ctx context.Context, activityID uuid.UUID, code models.Code, settings models.Settings, createdAt time.Time) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("savepoint before session insert: %w", err)
	}

	_, err = sp.Exec(ctx, `
		INSERT INTO session (activity_id, code, direction, display_score, track_assessments, drag_assist, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, activityID, int16(code), int16(settings.Direction), settings.DisplayScore, settings.TrackAssessments, settings.DragAssist, createdAt)
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %w", errors.Join(err, rbErr))
		}
		return classifySessionInsert(err)
	}

	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// classifySessionInsert maps a failed session insert to the allocator's outcomes
// by the name of the violated constraint.
func classifySessionInsert(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.ConstraintName {
		case ConstraintSessionActivityKey:
			return ErrSessionExists
		case ConstraintSessionPKey:
			return ErrCodeTaken
		case ConstraintSessionActivityFKey:
			return ErrNoSuchActivity
		}
	}
	return fmt.Errorf("insert session: %w", err)
}

// InsertInstance copies the session's activity id onto the new instance. The
// session must still exist and belong to activityID when the insert runs.
func (t *sessionTx) InsertInstance(ctx context.Context, code models.Code, activityID uuid.UUID, ip, userAgent string, openedAt time.Time) (uuid.UUID, error) {
	instanceID := uuid.New()

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO instance (instance_id, code, activity_id, ip, user_agent, opened_at)
		SELECT $1::uuid, s.code, s.activity_id, $4::text, $5::text, $6::timestamptz
		FROM session s
		WHERE s.code = $2 AND s.activity_id = $3
	`, instanceID, int16(code), activityID, ip, userAgent, openedAt)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, ErrNoSuchSession
	}
	return instanceID, nil
}

func (t *sessionTx) FindInstance(ctx context.Context, instanceID uuid.UUID) (*models.Instance, error) {
	inst := &models.Instance{}
	var code int16

	err := t.tx.QueryRow(ctx, `
		SELECT instance_id, code, activity_id, ip, user_agent, opened_at
		FROM instance WHERE instance_id = $1
	`, instanceID).Scan(&inst.ID, &code, &inst.ActivityID, &inst.IP, &inst.UserAgent, &inst.OpenedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find instance: %w", err)
	}

	inst.Code = models.Code(code)
	return inst, nil
}

func (t *sessionTx) FindSessionByCode(ctx context.Context, code models.Code) (*models.Session, error) {
	return findSessionByCode(ctx, t.tx, code)
}

func (t *sessionTx) FindCodeByActivity(ctx context.Context, activityID uuid.UUID) (models.Code, error) {
	return findCodeByActivity(ctx, t.tx, activityID)
}

func (t *sessionTx) IncrementPlayCount(ctx context.Context, activityID uuid.UUID) (int64, error) {
	var playCount int64
	err := t.tx.QueryRow(ctx,
		"UPDATE activity SET play_count = play_count + 1 WHERE id = $1 RETURNING play_count",
		activityID,
	).Scan(&playCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment play count: %w", err)
	}
	return playCount, nil
}

func (t *sessionTx) DeleteSessionsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return deleteSessionsOlderThan(ctx, t.tx, cutoff)
}

func (t *sessionTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *sessionTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func findSessionByCode(ctx context.Context, q querier, code models.Code) (*models.Session, error) {
	if !code.Valid() {
		return nil, ErrNotFound
	}

	s := &models.Session{Code: code}
	var direction int16

	err := q.QueryRow(ctx, `
		SELECT activity_id, direction, display_score, track_assessments, drag_assist, created_at
		FROM session WHERE code = $1
	`, int16(code)).Scan(
		&s.ActivityID, &direction, &s.Settings.DisplayScore,
		&s.Settings.TrackAssessments, &s.Settings.DragAssist, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find session by code: %w", err)
	}

	s.Settings.Direction = models.Direction(direction)
	return s, nil
}

func findCodeByActivity(ctx context.Context, q querier, activityID uuid.UUID) (models.Code, error) {
	var code int16
	err := q.QueryRow(ctx, "SELECT code FROM session WHERE activity_id = $1", activityID).Scan(&code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("find code by activity: %w", err)
	}
	return models.Code(code), nil
}

// deleteSessionsOlderThan removes expired sessions only; their instances stay for audit.
func deleteSessionsOlderThan(ctx context.Context, q querier, cutoff time.Time) (int64, error) {
	tag, err := q.Exec(ctx, "DELETE FROM session WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
