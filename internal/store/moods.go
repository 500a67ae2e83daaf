package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Where an entry came from.
const (
	SourceManual = "manual"
	SourceCamera = "camera"
	SourceVideo  = "video"
)

// Mood is one journal entry.
type Mood struct {
	ID              int64     `json:"id"`
	UserID          int       `json:"user_id"`
	DetectedEmotion string    `json:"detected_emotion,omitempty"`
	Confidence      *float64  `json:"confidence_score,omitempty"`
	ManualMood      string    `json:"manual_mood,omitempty"`
	Intensity       *int      `json:"intensity,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Context         string    `json:"context,omitempty"`
	ImagePath       string    `json:"image_path,omitempty"`
	Source          string    `json:"source"`
	CreatedAt       time.Time `json:"timestamp"`
}

// Emotion is the detected label, or the manual one when nothing was detected.
func (m Mood) Emotion() string {
	if m.DetectedEmotion != "" {
		return m.DetectedEmotion
	}
	return m.ManualMood
}

// NewMood is the input to LogMood. Zero values are stored as NULL.
type NewMood struct {
	UserID          int
	DetectedEmotion string
	Confidence      *float64
	ManualMood      string
	Intensity       *int
	Notes           string
	Context         string
	ImagePath       string
	Source          string
}

func (m NewMood) validate() error {
	if m.DetectedEmotion == "" && m.ManualMood == "" {
		return ErrEmptyMood
	}
	if m.Intensity != nil && (*m.Intensity < 1 || *m.Intensity > 10) {
		return ErrInvalidIntensity
	}
	return nil
}

// LogMood inserts an entry together with the suggestions offered for it in
// one transaction and returns the new mood ID. items may be empty.
func (s *Store) LogMood(ctx context.Context, m NewMood, items []NewSuggestion) (int64, []Suggestion, error) {
	if err := m.validate(); err != nil {
		return 0, nil, err
	}
	if m.UserID == 0 {
		m.UserID = DefaultUserID
	}
	if m.Source == "" {
		m.Source = SourceManual
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO moods (user_id, detected_emotion, confidence_score, manual_mood, intensity, notes, context, image_path, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, m.UserID, nullString(m.DetectedEmotion), m.Confidence, nullString(m.ManualMood), m.Intensity,
		nullString(m.Notes), nullString(m.Context), nullString(m.ImagePath), m.Source).Scan(&id)
	if err != nil {
		return 0, nil, err
	}
	saved, err := insertSuggestions(ctx, tx, id, items)
	if err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, nil, err
	}
	return id, saved, nil
}

// MoodHistory returns the newest entries from the last days days. limit <= 0
// returns every entry in the window.
func (s *Store) MoodHistory(ctx context.Context, userID, days, limit int) ([]Mood, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, COALESCE(detected_emotion, ''), confidence_score, COALESCE(manual_mood, ''),
			intensity, COALESCE(notes, ''), COALESCE(context, ''), COALESCE(image_path, ''), source, created_at
		FROM moods
		WHERE user_id = $1 AND created_at >= NOW() - make_interval(days => $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, userID, window(days), lim)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Mood, error) {
		var m Mood
		err := row.Scan(&m.ID, &m.UserID, &m.DetectedEmotion, &m.Confidence, &m.ManualMood,
			&m.Intensity, &m.Notes, &m.Context, &m.ImagePath, &m.Source, &m.CreatedAt)
		return m, err
	})
}

// GetMood fetches a single entry.
func (s *Store) GetMood(ctx context.Context, id int64) (Mood, error) {
	var m Mood
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(detected_emotion, ''), confidence_score, COALESCE(manual_mood, ''),
			intensity, COALESCE(notes, ''), COALESCE(context, ''), COALESCE(image_path, ''), source, created_at
		FROM moods WHERE id = $1
	`, id).Scan(&m.ID, &m.UserID, &m.DetectedEmotion, &m.Confidence, &m.ManualMood,
		&m.Intensity, &m.Notes, &m.Context, &m.ImagePath, &m.Source, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

// EmotionCount is the number of entries for one label.
type EmotionCount struct {
	Emotion string `json:"emotion"`
	Count   int    `json:"count"`
}

// DailyAverage is the mean intensity logged on one calendar day.
type DailyAverage struct {
	Date         time.Time `json:"date"`
	AvgIntensity float64   `json:"avg_intensity"`
}

// MoodStats summarizes a window of entries.
type MoodStats struct {
	EmotionCounts    []EmotionCount `json:"emotion_counts"`
	DailyAverages    []DailyAverage `json:"daily_averages"`
	TotalEntries     int            `json:"total_entries"`
	AverageIntensity float64        `json:"average_intensity"`
	DominantEmotion  string         `json:"dominant_emotion,omitempty"`
	// Streak counts consecutive days with at least one entry, ending today.
	Streak int `json:"streak"`
}

// MoodStats aggregates the last days days for a user.
func (s *Store) MoodStats(ctx context.Context, userID, days int) (MoodStats, error) {
	stats := MoodStats{EmotionCounts: []EmotionCount{}, DailyAverages: []DailyAverage{}}
	win := window(days)

	rows, err := s.pool.Query(ctx, `
		SELECT COALESCE(detected_emotion, manual_mood) AS emotion, COUNT(*) AS n
		FROM moods
		WHERE user_id = $1 AND created_at >= NOW() - make_interval(days => $2)
		GROUP BY 1
		ORDER BY n DESC, emotion
	`, userID, win)
	if err != nil {
		return stats, err
	}
	stats.EmotionCounts, err = pgx.CollectRows(rows, pgx.RowToStructByPos[EmotionCount])
	if err != nil {
		return stats, err
	}
	for _, c := range stats.EmotionCounts {
		stats.TotalEntries += c.Count
	}
	if len(stats.EmotionCounts) > 0 {
		stats.DominantEmotion = stats.EmotionCounts[0].Emotion
	}

	rows, err = s.pool.Query(ctx, `
		SELECT created_at::date AS day, AVG(intensity)::float8
		FROM moods
		WHERE user_id = $1 AND created_at >= NOW() - make_interval(days => $2) AND intensity IS NOT NULL
		GROUP BY day
		ORDER BY day
	`, userID, win)
	if err != nil {
		return stats, err
	}
	stats.DailyAverages, err = pgx.CollectRows(rows, pgx.RowToStructByPos[DailyAverage])
	if err != nil {
		return stats, err
	}

	var avg *float64
	err = s.pool.QueryRow(ctx, `
		SELECT AVG(intensity)::float8
		FROM moods
		WHERE user_id = $1 AND created_at >= NOW() - make_interval(days => $2) AND intensity IS NOT NULL
	`, userID, win).Scan(&avg)
	if err != nil {
		return stats, err
	}
	if avg != nil {
		stats.AverageIntensity = *avg
	}

	var today time.Time
	if err := s.pool.QueryRow(ctx, `SELECT CURRENT_DATE`).Scan(&today); err != nil {
		return stats, err
	}
	rows, err = s.pool.Query(ctx, `
		SELECT DISTINCT created_at::date
		FROM moods
		WHERE user_id = $1 AND created_at >= CURRENT_DATE - 365
	`, userID)
	if err != nil {
		return stats, err
	}
	logged, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return stats, err
	}
	stats.Streak = streak(logged, today)
	return stats, nil
}

// streak walks back from today while every day has an entry.
func streak(days []time.Time, today time.Time) int {
	seen := make(map[string]bool, len(days))
	for _, d := range days {
		seen[d.Format(time.DateOnly)] = true
	}
	n := 0
	for d := today; seen[d.Format(time.DateOnly)]; d = d.AddDate(0, 0, -1) {
		n++
	}
	return n
}

// ContextIntensity is the mean intensity of entries sharing a context tag.
type ContextIntensity struct {
	Context      string  `json:"context"`
	AvgIntensity float64 `json:"avg_intensity"`
}

// ContextAvgIntensity ranks context tags by average intensity.
func (s *Store) ContextAvgIntensity(ctx context.Context, userID, days int) ([]ContextIntensity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT context, AVG(intensity)::float8 AS avg_intensity
		FROM moods
		WHERE user_id = $1 AND created_at >= NOW() - make_interval(days => $2)
			AND intensity IS NOT NULL AND context IS NOT NULL AND context <> ''
		GROUP BY context
		ORDER BY avg_intensity DESC, context
	`, userID, window(days))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[ContextIntensity])
}
