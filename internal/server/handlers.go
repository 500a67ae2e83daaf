package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andresmejia3/moodsync/internal/emotion"
	"github.com/andresmejia3/moodsync/internal/pipeline"
	"github.com/andresmejia3/moodsync/internal/store"
	"github.com/andresmejia3/moodsync/internal/suggest"
	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/andresmejia3/moodsync/internal/vision"
	"github.com/andresmejia3/moodsync/internal/worker"
	"github.com/google/uuid"
)

var errNoDatabase = errors.New("mood journal database is not configured")

type detectRequest struct {
	Image  string `json:"image"`
	Mirror bool   `json:"mirror"`
}

type detectResponse struct {
	Success         bool                      `json:"success"`
	Emotion         types.Emotion             `json:"emotion"`
	Confidence      float64                   `json:"confidence"`
	AllPredictions  map[types.Emotion]float64 `json:"all_predictions"`
	FaceCoordinates types.FaceBox             `json:"face_coordinates"`
}

type logMoodRequest struct {
	Image     string `json:"image"`
	Mirror    bool   `json:"mirror"`
	Emotion   string `json:"emotion"`
	Intensity *int   `json:"intensity"`
	Notes     string `json:"notes"`
	Context   string `json:"context"`
	SaveImage bool   `json:"save_image"`
}

type logMoodResponse struct {
	Success     bool               `json:"success"`
	MoodID      int64              `json:"mood_id"`
	Emotion     types.Emotion      `json:"emotion"`
	Confidence  *float64           `json:"confidence,omitempty"`
	ImagePath   string             `json:"image_path,omitempty"`
	Suggestions []store.Suggestion `json:"suggestions"`
	Quote       string             `json:"quote"`
}

type rateRequest struct {
	SuggestionID int64 `json:"suggestion_id"`
	Rating       int   `json:"rating"`
}

// writeJSON encodes before writing the header so an unencodable value turns
// into a 500 instead of a truncated success.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(types.ErrorResult{Error: "failed to encode response"})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResult{Error: msg})
}

// decodeBody reads a JSON body capped at MaxUploadBytes. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeAnalyzeError maps a pipeline failure onto the HTTP contract.
func (s *Server) writeAnalyzeError(w http.ResponseWriter, err error) {
	var low *emotion.LowConfidenceError
	switch {
	case errors.As(err, &low):
		conf := low.Prediction.Confidence
		writeJSON(w, http.StatusBadRequest, types.ErrorResult{Error: "Low confidence prediction", Confidence: &conf})
	case errors.Is(err, pipeline.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, "Invalid image data")
	case errors.Is(err, pipeline.ErrNoFace):
		writeError(w, http.StatusBadRequest, "No faces detected in the image")
	case errors.Is(err, pipeline.ErrModelUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Emotion detection model is not available. Please check model files.")
	case errors.Is(err, pipeline.ErrDetectorUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Face detection is not available. Please check cascade files.")
	case errors.Is(err, worker.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "Emotion detection timed out")
	default:
		s.log.Error("emotion detection failed", "err", err)
		writeError(w, http.StatusInternalServerError, "Detection error: "+err.Error())
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidRating), errors.Is(err, store.ErrInvalidIntensity), errors.Is(err, store.ErrEmptyMood):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("database error", "err", err)
		writeError(w, http.StatusInternalServerError, "database error")
	}
}

// requireStore answers 503 when the server runs without a database.
func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errNoDatabase.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "MoodSync API",
		"version": Version,
		"status":  s.engine.Status(),
		"endpoints": []string{
			"GET /api/health",
			"GET /api/emotions/list",
			"POST /api/detect-emotion",
			"POST /api/moods",
			"POST /api/moods/manual",
			"GET /api/moods",
			"GET /api/moods/{id}",
			"GET /api/stats",
			"GET /api/analytics",
			"GET /api/suggestions",
			"POST /api/suggestions/rate",
			"GET /ws/live",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	resp := map[string]any{
		"status":               "healthy",
		"model_loaded":         status.ModelLoaded,
		"face_detection_ready": status.DetectorReady,
		"database":             s.store != nil && s.store.Ping(r.Context()) == nil,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEmotionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"emotions": types.Labels})
}

// analyzeOne runs the single-face API path and returns the decoded image too
// so callers can keep it.
func (s *Server) analyzeOne(ctx context.Context, b64 string, mirror bool) (types.FaceResult, image.Image, error) {
	img, err := vision.DecodeBase64Image(b64)
	if err != nil {
		return types.FaceResult{}, nil, err
	}
	results, err := s.engine.Analyze(ctx, img, pipeline.Options{
		Mirror:    mirror,
		Threshold: s.opts.APIThreshold,
		MaxFaces:  1,
	})
	if err != nil {
		return types.FaceResult{}, nil, err
	}
	return results[0], img, nil
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "No image data provided")
		return
	}

	res, _, err := s.analyzeOne(r.Context(), req.Image, req.Mirror)
	if err != nil {
		s.writeAnalyzeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detectResponse{
		Success:         true,
		Emotion:         res.Emotion,
		Confidence:      res.Confidence,
		AllPredictions:  res.Probabilities.Map(),
		FaceCoordinates: res.Box,
	})
}

// saveUpload writes the analyzed frame under UploadDir with a random name.
func (s *Server) saveUpload(img image.Image) (string, error) {
	if err := os.MkdirAll(s.opts.UploadDir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(s.opts.UploadDir, uuid.NewString()+".jpg")
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", err
	}
	return path, nil
}

// logWithSuggestions draws the journal suggestions for the emotion and stores
// them with the entry.
func (s *Server) logWithSuggestions(ctx context.Context, m store.NewMood, e types.Emotion) (int64, []store.Suggestion, error) {
	drawn := s.journal.Suggestions(e)
	items := make([]store.NewSuggestion, 0, len(drawn))
	for _, d := range drawn {
		items = append(items, store.NewSuggestion{Type: d.Type, Content: d.Content})
	}
	return s.store.LogMood(ctx, m, items)
}

func (s *Server) handleLogDetectedMood(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req logMoodRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Image == "" {
		writeError(w, http.StatusBadRequest, "No image data provided")
		return
	}

	res, img, err := s.analyzeOne(r.Context(), req.Image, req.Mirror)
	if err != nil {
		s.writeAnalyzeError(w, err)
		return
	}

	var imagePath string
	if req.SaveImage {
		if imagePath, err = s.saveUpload(img); err != nil {
			s.log.Error("failed to save upload", "err", err)
			writeError(w, http.StatusInternalServerError, "failed to save image")
			return
		}
	}

	conf := res.Confidence
	id, saved, err := s.logWithSuggestions(r.Context(), store.NewMood{
		DetectedEmotion: string(res.Emotion),
		Confidence:      &conf,
		ManualMood:      strings.TrimSpace(req.Emotion),
		Intensity:       req.Intensity,
		Notes:           req.Notes,
		Context:         req.Context,
		ImagePath:       imagePath,
		Source:          store.SourceCamera,
	}, res.Emotion)
	if err != nil {
		if imagePath != "" {
			os.Remove(imagePath)
		}
		s.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, logMoodResponse{
		Success:     true,
		MoodID:      id,
		Emotion:     res.Emotion,
		Confidence:  &conf,
		ImagePath:   imagePath,
		Suggestions: saved,
		Quote:       s.journal.Quote(res.Emotion),
	})
}

func (s *Server) handleLogManualMood(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req logMoodRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	label := strings.TrimSpace(req.Emotion)
	if label == "" {
		writeError(w, http.StatusBadRequest, "emotion is required")
		return
	}
	// Free-form moods are kept verbatim; known labels are canonicalized so
	// stats group them with detected entries.
	e, ok := types.ParseEmotion(label)
	if ok {
		label = string(e)
	} else {
		e = types.Neutral
	}

	id, saved, err := s.logWithSuggestions(r.Context(), store.NewMood{
		ManualMood: label,
		Intensity:  req.Intensity,
		Notes:      req.Notes,
		Context:    req.Context,
		Source:     store.SourceManual,
	}, e)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, logMoodResponse{
		Success:     true,
		MoodID:      id,
		Emotion:     types.Emotion(label),
		Suggestions: saved,
		Quote:       s.journal.Quote(e),
	})
}

func (s *Server) handleMoodHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	days, err := queryInt(r, "days", 7)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	moods, err := s.store.MoodHistory(r.Context(), store.DefaultUserID, days, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if moods == nil {
		moods = []store.Mood{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"moods": moods, "count": len(moods)})
}

func (s *Server) handleGetMood(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid mood id")
		return
	}
	mood, err := s.store.GetMood(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	suggestions, err := s.store.SuggestionsForMood(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if suggestions == nil {
		suggestions = []store.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mood": mood, "suggestions": suggestions})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	days, err := queryInt(r, "days", 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := s.store.MoodStats(r.Context(), store.DefaultUserID, days)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	ctx := r.Context()
	resp := make(map[string]any)
	for name, days := range map[string]int{"week": 7, "month": 30, "year": 365} {
		stats, err := s.store.MoodStats(ctx, store.DefaultUserID, days)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		resp[name] = stats
	}

	contexts, err := s.store.ContextAvgIntensity(ctx, store.DefaultUserID, 30)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	effectiveness, err := s.store.SuggestionEffectiveness(ctx, store.DefaultUserID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp["contexts"] = contexts
	resp["suggestion_effectiveness"] = effectiveness
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	e, ok := types.ParseEmotion(r.URL.Query().Get("emotion"))
	if !ok {
		e = types.Neutral
	}
	suggestions := s.journal.Suggestions(e)
	if suggestions == nil {
		suggestions = []suggest.JournalSuggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"emotion":     e,
		"suggestions": suggestions,
		"quote":       s.journal.Quote(e),
	})
}

func (s *Server) handleRateSuggestion(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req rateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.store.RateSuggestion(r.Context(), req.SuggestionID, req.Rating); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
