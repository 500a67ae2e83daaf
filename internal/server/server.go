// Package server exposes the emotion pipeline and the mood journal over HTTP
// and a live WebSocket feed.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/andresmejia3/moodsync/internal/pipeline"
	"github.com/andresmejia3/moodsync/internal/store"
	"github.com/andresmejia3/moodsync/internal/suggest"
	"github.com/gorilla/websocket"
)

// Version is reported by the index endpoint.
const Version = "1.0.0"

// MoodStore is the journal persistence the handlers need. *store.Store
// implements it.
type MoodStore interface {
	LogMood(ctx context.Context, m store.NewMood, items []store.NewSuggestion) (int64, []store.Suggestion, error)
	GetMood(ctx context.Context, id int64) (store.Mood, error)
	SuggestionsForMood(ctx context.Context, moodID int64) ([]store.Suggestion, error)
	MoodHistory(ctx context.Context, userID, days, limit int) ([]store.Mood, error)
	MoodStats(ctx context.Context, userID, days int) (store.MoodStats, error)
	ContextAvgIntensity(ctx context.Context, userID, days int) ([]store.ContextIntensity, error)
	SuggestionEffectiveness(ctx context.Context, userID int) ([]store.SuggestionRating, error)
	RateSuggestion(ctx context.Context, id int64, rating int) error
	Ping(ctx context.Context) error
}

// Options are the server's tunables.
type Options struct {
	Addr               string
	LiveThreshold      float64
	APIThreshold       float64
	MaxUploadBytes     int64
	UploadDir          string
	SuggestionInterval time.Duration
	SessionIdle        time.Duration
	Logger             *slog.Logger
}

type Server struct {
	engine   *pipeline.Engine
	store    MoodStore
	journal  *suggest.Journal
	sessions *suggest.Sessions
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New builds a server. db may be nil, in which case the journal endpoints
// answer 503.
func New(engine *pipeline.Engine, db MoodStore, lib suggest.Library, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 16 << 20
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 30 * time.Minute
	}
	return &Server{
		engine:   engine,
		store:    db,
		journal:  suggest.NewJournal(lib, nil),
		sessions: suggest.NewSessions(lib, opts.SuggestionInterval),
		opts:     opts,
		log:      opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/emotions/list", s.handleEmotionList)
	mux.HandleFunc("POST /api/detect-emotion", s.handleDetect)

	mux.HandleFunc("POST /api/moods", s.handleLogDetectedMood)
	mux.HandleFunc("POST /api/moods/manual", s.handleLogManualMood)
	mux.HandleFunc("GET /api/moods", s.handleMoodHistory)
	mux.HandleFunc("GET /api/moods/{id}", s.handleGetMood)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /api/suggestions", s.handleSuggestions)
	mux.HandleFunc("POST /api/suggestions/rate", s.handleRateSuggestion)

	mux.HandleFunc("GET /ws/live", s.handleLive)

	return s.withLogging(withCORS(mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Hijacked WebSocket connections are not closed by Shutdown; deriving
		// request contexts from ctx lets live sessions end with the server.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go s.sweepSessions(ctx)

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	status := s.engine.Status()
	s.log.Info("starting HTTP server",
		"addr", s.opts.Addr,
		"model_loaded", status.ModelLoaded,
		"face_detection_ready", status.DetectorReady,
		"database", s.store != nil,
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sessions.Sweep(s.opts.SessionIdle); n > 0 {
				s.log.Debug("dropped idle live sessions", "count", n)
			}
		}
	}
}
