package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Suggestion is content offered after a mood entry.
type Suggestion struct {
	ID      int64  `json:"id"`
	MoodID  int64  `json:"mood_id"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Used    bool   `json:"used"`
	Rating  *int   `json:"helpful_rating,omitempty"`
}

// NewSuggestion is a suggestion to store with LogMood.
type NewSuggestion struct {
	Type    string
	Content string
}

func insertSuggestions(ctx context.Context, tx pgx.Tx, moodID int64, items []NewSuggestion) ([]Suggestion, error) {
	saved := make([]Suggestion, 0, len(items))
	for _, item := range items {
		sg := Suggestion{MoodID: moodID, Type: item.Type, Content: item.Content}
		err := tx.QueryRow(ctx, `
			INSERT INTO suggestions (mood_id, suggestion_type, content)
			VALUES ($1, $2, $3)
			RETURNING id
		`, moodID, item.Type, item.Content).Scan(&sg.ID)
		if err != nil {
			return nil, err
		}
		saved = append(saved, sg)
	}
	return saved, nil
}

// SuggestionsForMood lists what was offered for one entry.
func (s *Store) SuggestionsForMood(ctx context.Context, moodID int64) ([]Suggestion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mood_id, suggestion_type, content, used, helpful_rating
		FROM suggestions WHERE mood_id = $1 ORDER BY id
	`, moodID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[Suggestion])
}

// RateSuggestion records how helpful a suggestion was and marks it used.
func (s *Store) RateSuggestion(ctx context.Context, id int64, rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE suggestions SET helpful_rating = $1, used = TRUE WHERE id = $2
	`, rating, id)
	if err != nil {
		return err
	}
	return rowsAffected(tag)
}

// SuggestionRating is the mean rating of one suggestion category.
type SuggestionRating struct {
	Type      string  `json:"suggestion_type"`
	AvgRating float64 `json:"avg_rating"`
	Count     int     `json:"count"`
}

// SuggestionEffectiveness ranks categories by their average rating.
func (s *Store) SuggestionEffectiveness(ctx context.Context, userID int) ([]SuggestionRating, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.suggestion_type, AVG(s.helpful_rating)::float8 AS avg_rating, COUNT(*)::int
		FROM suggestions s
		JOIN moods m ON s.mood_id = m.id
		WHERE m.user_id = $1 AND s.helpful_rating IS NOT NULL
		GROUP BY s.suggestion_type
		ORDER BY avg_rating DESC, s.suggestion_type
	`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[SuggestionRating])
}
