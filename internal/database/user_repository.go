package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository persists users and their one-to-one profile.
type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db.pool}
}

func (r *UserRepository) Create(ctx context.Context, u *User) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO users (id, username, created_at) VALUES ($1,$2,$3)`,
		u.ID, u.Username, u.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO profiles (user_id, total_ratings, latest_ratings, avg_rating, penalty_expiration)
		 VALUES ($1, 0, '{}', 0, NULL)`,
		u.ID,
	); err != nil {
		return fmt.Errorf("failed to create profile for user %s: %w", u.ID, err)
	}

	return tx.Commit(ctx)
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := r.db.QueryRow(ctx, `SELECT id, username, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

// GetByUsername resolves a user by their username — used once at startup to
// look up the escrow identity; application code never re-queries by
// username afterward.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := r.db.QueryRow(ctx, `SELECT id, username, created_at FROM users WHERE username = $1`, username).
		Scan(&u.ID, &u.Username, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	return &u, nil
}

func (r *UserRepository) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := r.db.QueryRow(ctx,
		`SELECT user_id, total_ratings, latest_ratings, avg_rating, penalty_expiration FROM profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.TotalRatingsCount, &p.LatestRatings, &p.AvgRatingValue, &p.PenaltyExpiration)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get profile for user %s: %w", userID, err)
	}
	return &p, nil
}

// SaveProfile persists the rating/penalty fields of a profile after
// rating.AddRating or a penalty assignment has mutated it in memory.
func (r *UserRepository) SaveProfile(ctx context.Context, p *Profile) error {
	commandTag, err := r.db.Exec(ctx,
		`UPDATE profiles SET total_ratings = $2, latest_ratings = $3, avg_rating = $4, penalty_expiration = $5
		 WHERE user_id = $1`,
		p.UserID, p.TotalRatingsCount, p.LatestRatings, p.AvgRatingValue, p.PenaltyExpiration,
	)
	if err != nil {
		return fmt.Errorf("failed to save profile for user %s: %w", p.UserID, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetPenalty sets the user's penalty_expiration, used by cancel_order's
// phase-3 taker penalty.
func (r *UserRepository) SetPenalty(ctx context.Context, userID string, until time.Time) error {
	commandTag, err := r.db.Exec(ctx,
		`UPDATE profiles SET penalty_expiration = $2 WHERE user_id = $1`,
		userID, until,
	)
	if err != nil {
		return fmt.Errorf("failed to set penalty for user %s: %w", userID, err)
	}
	if commandTag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
