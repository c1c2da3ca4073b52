package store

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// RateLimitStore counts recent actions per actor in the shared database, so
// the limit holds across processes and restarts.
type RateLimitStore interface {
	// Allow records one action for the actor and reports whether it stayed
	// within limit actions per window. Rows older than the window are evicted
	// on every call.
	Allow(ctx context.Context, actorID string, limit int, window time.Duration, now time.Time) (bool, error)
}

type rateLimitStore struct {
	db *DB
}

func NewRateLimitStore(db *DB) RateLimitStore {
	return &rateLimitStore{db: db}
}

func (s *rateLimitStore) Allow(ctx context.Context, actorID string, limit int, window time.Duration, now time.Time) (bool, error) {
	now = now.UTC()
	cutoff := now.Add(-window)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM rate_limit_events WHERE actor_id=? AND created_at < ?`,
		actorID, cutoff); err != nil {
		tx.Rollback()
		return false, err
	}
	var count int
	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_events WHERE actor_id=? AND created_at >= ?`,
		actorID, cutoff)
	if err := row.Scan(&count); err != nil {
		tx.Rollback()
		return false, err
	}
	if count >= limit {
		// The refusal is not recorded: only admitted actions consume budget.
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rate_limit_events(id, actor_id, created_at) VALUES(?,?,?)`,
		uuid.Must(uuid.NewV4()).String(), actorID, now); err != nil {
		tx.Rollback()
		return false, err
	}
	return true, tx.Commit()
}
