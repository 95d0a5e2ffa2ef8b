package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ActivityRepo reads the slice of the activity table this service cares about.
// Activities themselves are authored elsewhere.
type ActivityRepo struct {
	pool *pgxpool.Pool
}

func NewActivityRepo(pool *pgxpool.Pool) *ActivityRepo {
	return &ActivityRepo{pool: pool}
}

func (r *ActivityRepo) GetPlayCount(ctx context.Context, id uuid.UUID) (int64, error) {
	var playCount int64
	err := r.pool.QueryRow(ctx, "SELECT play_count FROM activity WHERE id = $1", id).Scan(&playCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("get play count: %w", err)
	}
	return playCount, nil
}
