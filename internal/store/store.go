package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultUserID owns every entry until accounts exist.
const DefaultUserID = 1

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidRating    = errors.New("rating must be between 1 and 5")
	ErrInvalidIntensity = errors.New("intensity must be between 1 and 10")
	ErrEmptyMood        = errors.New("mood entry needs a detected or manual emotion")
)

// Store manages the PostgreSQL pool backing the mood journal.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return s, nil
}

// EnsureSchema creates missing tables, applies additive column migrations and
// seeds the default user. It is safe to run on every start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS users (
			id SERIAL PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS moods (
			id BIGSERIAL PRIMARY KEY,
			user_id INT NOT NULL DEFAULT 1 REFERENCES users(id),
			detected_emotion TEXT,
			confidence_score DOUBLE PRECISION,
			manual_mood TEXT,
			intensity INT CHECK (intensity BETWEEN 1 AND 10),
			notes TEXT,
			context TEXT,
			image_path TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS suggestions (
			id BIGSERIAL PRIMARY KEY,
			mood_id BIGINT NOT NULL REFERENCES moods(id) ON DELETE CASCADE,
			suggestion_type TEXT NOT NULL,
			content TEXT NOT NULL,
			used BOOLEAN NOT NULL DEFAULT FALSE,
			helpful_rating INT
		);

		ALTER TABLE moods ADD COLUMN IF NOT EXISTS source TEXT NOT NULL DEFAULT 'manual';

		CREATE INDEX IF NOT EXISTS moods_user_created_idx ON moods (user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS suggestions_mood_id_idx ON suggestions (mood_id);

		INSERT INTO users (id, username, email)
		VALUES (1, 'default_user', 'user@moodsync.local')
		ON CONFLICT (id) DO NOTHING;
		SELECT setval(pg_get_serial_sequence('users', 'id'), GREATEST((SELECT MAX(id) FROM users), 1));
	`
	_, err := s.pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Reset drops all application tables to clear the database state.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS suggestions CASCADE;
		DROP TABLE IF EXISTS moods CASCADE;
		DROP TABLE IF EXISTS users CASCADE;
	`)
	return err
}

// window is the day count for make_interval; days <= 0 means all history.
func window(days int) int {
	if days <= 0 {
		return 36500
	}
	return days
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rowsAffected(tag interface{ RowsAffected() int64 }) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
