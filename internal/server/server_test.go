package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/moodsync/internal/emotion"
	"github.com/andresmejia3/moodsync/internal/pipeline"
	"github.com/andresmejia3/moodsync/internal/store"
	"github.com/andresmejia3/moodsync/internal/suggest"
	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/andresmejia3/moodsync/internal/vision"
	"github.com/andresmejia3/moodsync/internal/worker"
	"github.com/gorilla/websocket"
)

type fixedCascade struct{ boxes []types.FaceBox }

func (c fixedCascade) Detect(*image.Gray, vision.DetectParams) []types.FaceBox { return c.boxes }

var testFace = types.FaceBox{X: 26, Y: 26, Width: 48, Height: 48}

func testEngine(classifier pipeline.Classifier, boxes ...types.FaceBox) *pipeline.Engine {
	loc := &vision.Locator{Tiers: []vision.Tier{{Name: "stub", Cascade: fixedCascade{boxes: boxes}}}}
	return pipeline.New(loc, classifier)
}

func constClassifier(p types.Probabilities) pipeline.Classifier {
	return worker.Func(func(context.Context, vision.Tensor) (types.Probabilities, error) { return p, nil })
}

var happy = types.Probabilities{0.05, 0.05, 0.05, 0.7, 0.05, 0.05, 0.05}

// testImage is a base64 PNG large enough to hold testFace.
func testImage(t *testing.T) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 100, 100))
	for i := range img.Pix {
		img.Pix[i] = 120
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// memStore is an in-memory MoodStore. Setting err makes every write and
// ping fail with it.
type memStore struct {
	mu          sync.Mutex
	moods       []store.NewMood
	suggestions []store.Suggestion
	err         error
}

func (m *memStore) LogMood(_ context.Context, nm store.NewMood, items []store.NewSuggestion) (int64, []store.Suggestion, error) {
	if nm.DetectedEmotion == "" && nm.ManualMood == "" {
		return 0, nil, store.ErrEmptyMood
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, nil, m.err
	}
	m.moods = append(m.moods, nm)
	id := int64(len(m.moods))
	var out []store.Suggestion
	for _, it := range items {
		s := store.Suggestion{ID: int64(len(m.suggestions) + 1), MoodID: id, Type: it.Type, Content: it.Content}
		m.suggestions = append(m.suggestions, s)
		out = append(out, s)
	}
	return id, out, nil
}

func (m *memStore) GetMood(_ context.Context, id int64) (store.Mood, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > int64(len(m.moods)) {
		return store.Mood{}, store.ErrNotFound
	}
	nm := m.moods[id-1]
	return store.Mood{ID: id, DetectedEmotion: nm.DetectedEmotion, ManualMood: nm.ManualMood, ImagePath: nm.ImagePath, Source: nm.Source}, nil
}

func (m *memStore) SuggestionsForMood(_ context.Context, moodID int64) ([]store.Suggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Suggestion
	for _, s := range m.suggestions {
		if s.MoodID == moodID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *memStore) MoodHistory(_ context.Context, _, _, limit int) ([]store.Mood, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Mood
	for i := len(m.moods) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, store.Mood{ID: int64(i + 1), DetectedEmotion: m.moods[i].DetectedEmotion, ManualMood: m.moods[i].ManualMood, Source: m.moods[i].Source})
	}
	return out, nil
}

func (m *memStore) MoodStats(_ context.Context, _, _ int) (store.MoodStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return store.MoodStats{TotalEntries: len(m.moods)}, nil
}

func (m *memStore) ContextAvgIntensity(context.Context, int, int) ([]store.ContextIntensity, error) {
	return nil, nil
}

func (m *memStore) SuggestionEffectiveness(context.Context, int) ([]store.SuggestionRating, error) {
	return nil, nil
}

func (m *memStore) RateSuggestion(_ context.Context, id int64, rating int) error {
	if rating < 1 || rating > 5 {
		return store.ErrInvalidRating
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > int64(len(m.suggestions)) {
		return store.ErrNotFound
	}
	m.suggestions[id-1].Rating = &rating
	return nil
}

func newTestServer(engine *pipeline.Engine, db MoodStore, opts Options) *Server {
	if opts.LiveThreshold == 0 {
		opts.LiveThreshold = emotion.LiveThreshold
	}
	if opts.APIThreshold == 0 {
		opts.APIThreshold = emotion.APIThreshold
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(engine, db, suggest.DefaultLibrary(), opts)
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: response is not JSON: %q", method, path, rec.Body.String())
		}
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(testEngine(nil, testFace), nil, Options{})
	rec, body := do(t, srv.Handler(), http.MethodGet, "/api/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["model_loaded"] != false || body["face_detection_ready"] != true || body["database"] != false {
		t.Errorf("unexpected health body: %v", body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}

	db := &memStore{}
	srv = newTestServer(testEngine(nil, testFace), db, Options{})
	if _, body := do(t, srv.Handler(), http.MethodGet, "/api/health", nil); body["database"] != true {
		t.Errorf("reachable database reported as %v", body["database"])
	}
	db.err = errors.New("connection refused")
	if _, body := do(t, srv.Handler(), http.MethodGet, "/api/health", nil); body["database"] != false {
		t.Errorf("unreachable database reported as %v", body["database"])
	}
}

func TestEmotionList(t *testing.T) {
	srv := newTestServer(testEngine(nil), nil, Options{})
	_, body := do(t, srv.Handler(), http.MethodGet, "/api/emotions/list", nil)

	list, _ := body["emotions"].([]any)
	if len(list) != types.NumEmotions || list[0] != "Angry" || list[6] != "Surprise" {
		t.Errorf("emotions = %v", body["emotions"])
	}
}

func TestDetectEmotion(t *testing.T) {
	img := testImage(t)
	lowish := types.Probabilities{0.15, 0.1, 0.1, 0.25, 0.2, 0.1, 0.1}

	tests := []struct {
		name       string
		engine     *pipeline.Engine
		body       any
		maxBytes   int64
		wantStatus int
		wantField  string
		wantValue  any
	}{
		{
			name:       "Success",
			engine:     testEngine(constClassifier(happy), testFace),
			body:       detectRequest{Image: img},
			wantStatus: http.StatusOK,
			wantField:  "emotion",
			wantValue:  "Happy",
		},
		{
			name:       "Data URL prefix",
			engine:     testEngine(constClassifier(happy), testFace),
			body:       detectRequest{Image: "data:image/png;base64," + img},
			wantStatus: http.StatusOK,
			wantField:  "success",
			wantValue:  true,
		},
		{
			name:       "No face",
			engine:     testEngine(constClassifier(happy)),
			body:       detectRequest{Image: img},
			wantStatus: http.StatusBadRequest,
			wantField:  "error",
			wantValue:  "No faces detected in the image",
		},
		{
			name:       "Low confidence",
			engine:     testEngine(constClassifier(lowish), testFace),
			body:       detectRequest{Image: img},
			wantStatus: http.StatusBadRequest,
			wantField:  "confidence",
			wantValue:  0.25,
		},
		{
			name:       "Malformed image",
			engine:     testEngine(constClassifier(happy), testFace),
			body:       detectRequest{Image: "not-an-image!!"},
			wantStatus: http.StatusBadRequest,
			wantField:  "error",
			wantValue:  "Invalid image data",
		},
		{
			name:       "Missing image",
			engine:     testEngine(constClassifier(happy), testFace),
			body:       detectRequest{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Invalid JSON",
			engine:     testEngine(constClassifier(happy), testFace),
			body:       "{",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Model unavailable",
			engine:     testEngine(nil, testFace),
			body:       detectRequest{Image: img},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "Detector unavailable",
			engine:     pipeline.New(nil, constClassifier(happy)),
			body:       detectRequest{Image: img},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "Body too large",
			engine:     testEngine(constClassifier(happy), testFace),
			body:       detectRequest{Image: img},
			maxBytes:   16,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(tt.engine, nil, Options{MaxUploadBytes: tt.maxBytes})
			rec, body := do(t, srv.Handler(), http.MethodPost, "/api/detect-emotion", tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", rec.Code, tt.wantStatus, body)
			}
			if tt.wantField == "" {
				return
			}
			got := body[tt.wantField]
			if f, ok := got.(float64); ok {
				if want := tt.wantValue.(float64); f < want-1e-6 || f > want+1e-6 {
					t.Errorf("%s = %v, want %v", tt.wantField, got, tt.wantValue)
				}
				return
			}
			if got != tt.wantValue {
				t.Errorf("%s = %v, want %v", tt.wantField, got, tt.wantValue)
			}
		})
	}
}

func TestDetectEmotionResponseShape(t *testing.T) {
	srv := newTestServer(testEngine(constClassifier(happy), testFace), nil, Options{})
	_, body := do(t, srv.Handler(), http.MethodPost, "/api/detect-emotion", detectRequest{Image: testImage(t)})

	preds, _ := body["all_predictions"].(map[string]any)
	if len(preds) != types.NumEmotions {
		t.Errorf("all_predictions has %d labels", len(preds))
	}
	box, _ := body["face_coordinates"].(map[string]any)
	if box["x"] != 26.0 || box["width"] != 48.0 {
		t.Errorf("face_coordinates = %v", box)
	}
}

func TestJournalEndpointsWithoutDatabase(t *testing.T) {
	srv := newTestServer(testEngine(constClassifier(happy), testFace), nil, Options{})
	h := srv.Handler()

	for _, path := range []string{"/api/moods", "/api/stats", "/api/analytics"} {
		if rec, _ := do(t, h, http.MethodGet, path, nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503", path, rec.Code)
		}
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/moods/manual", logMoodRequest{Emotion: "Sad"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("manual log = %d, want 503", rec.Code)
	}

	// Suggestions come from the content library and need no database
	if rec, _ := do(t, h, http.MethodGet, "/api/suggestions?emotion=sad", nil); rec.Code != http.StatusOK {
		t.Errorf("suggestions = %d, want 200", rec.Code)
	}
}

func TestLogDetectedMood(t *testing.T) {
	db := &memStore{}
	uploads := t.TempDir()
	srv := newTestServer(testEngine(constClassifier(happy), testFace), db, Options{UploadDir: uploads})

	intensity := 7
	rec, body := do(t, srv.Handler(), http.MethodPost, "/api/moods", logMoodRequest{
		Image:     testImage(t),
		Intensity: &intensity,
		Context:   "work",
		SaveImage: true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if body["emotion"] != "Happy" || body["mood_id"] != 1.0 {
		t.Errorf("unexpected body: %v", body)
	}
	if q, _ := body["quote"].(string); q == "" {
		t.Error("missing quote")
	}

	if len(db.moods) != 1 {
		t.Fatalf("stored %d moods", len(db.moods))
	}
	m := db.moods[0]
	if m.Source != store.SourceCamera || m.DetectedEmotion != "Happy" || m.Confidence == nil || *m.Intensity != 7 {
		t.Errorf("stored mood = %+v", m)
	}
	if !strings.HasPrefix(m.ImagePath, uploads) || !strings.HasSuffix(m.ImagePath, ".jpg") {
		t.Errorf("image path = %q", m.ImagePath)
	}
	sugs, _ := body["suggestions"].([]any)
	if len(sugs) == 0 || len(sugs) != len(db.suggestions) {
		t.Errorf("returned %d suggestions, stored %d", len(sugs), len(db.suggestions))
	}
}

func TestLogDetectedMoodDatabaseFailure(t *testing.T) {
	db := &memStore{err: errors.New("connection refused")}
	uploads := t.TempDir()
	srv := newTestServer(testEngine(constClassifier(happy), testFace), db, Options{UploadDir: uploads})

	rec, _ := do(t, srv.Handler(), http.MethodPost, "/api/moods", logMoodRequest{
		Image:     testImage(t),
		SaveImage: true,
	})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	entries, err := os.ReadDir(uploads)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("upload left behind after failed insert: %v", entries)
	}
}

func TestGetMood(t *testing.T) {
	db := &memStore{}
	srv := newTestServer(testEngine(nil), db, Options{})
	h := srv.Handler()

	if rec, _ := do(t, h, http.MethodPost, "/api/moods/manual", logMoodRequest{Emotion: "happy"}); rec.Code != http.StatusCreated {
		t.Fatalf("log = %d", rec.Code)
	}

	rec, body := do(t, h, http.MethodGet, "/api/moods/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	mood, _ := body["mood"].(map[string]any)
	if mood["manual_mood"] != "Happy" {
		t.Errorf("mood = %v", body["mood"])
	}
	if sugs, _ := body["suggestions"].([]any); len(sugs) == 0 || len(sugs) != len(db.suggestions) {
		t.Errorf("suggestions = %v", body["suggestions"])
	}

	if rec, _ := do(t, h, http.MethodGet, "/api/moods/99", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing mood = %d, want 404", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/moods/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", rec.Code)
	}
}

func TestWriteJSONUnencodable(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"confidence": math.NaN()})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	var body types.ErrorResult
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
		t.Errorf("body = %q (%v)", rec.Body.String(), err)
	}
}

func TestLogManualMood(t *testing.T) {
	db := &memStore{}
	srv := newTestServer(testEngine(nil), db, Options{})
	h := srv.Handler()

	rec, body := do(t, h, http.MethodPost, "/api/moods/manual", logMoodRequest{Emotion: " sad "})
	if rec.Code != http.StatusCreated || body["emotion"] != "Sad" {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if db.moods[0].ManualMood != "Sad" || db.moods[0].Source != store.SourceManual {
		t.Errorf("stored mood = %+v", db.moods[0])
	}

	if rec, _ := do(t, h, http.MethodPost, "/api/moods/manual", logMoodRequest{Emotion: "hopeful"}); rec.Code != http.StatusCreated {
		t.Errorf("free-form mood = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/moods/manual", logMoodRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty mood = %d, want 400", rec.Code)
	}

	rec, body = do(t, h, http.MethodGet, "/api/moods?limit=1", nil)
	if rec.Code != http.StatusOK || body["count"] != 1.0 {
		t.Errorf("history = %d %v", rec.Code, body)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/moods?days=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad days = %d, want 400", rec.Code)
	}
}

func TestRateSuggestion(t *testing.T) {
	db := &memStore{}
	srv := newTestServer(testEngine(nil), db, Options{})
	h := srv.Handler()
	do(t, h, http.MethodPost, "/api/moods/manual", logMoodRequest{Emotion: "Happy"})

	tests := []struct {
		name string
		req  rateRequest
		want int
	}{
		{"Valid", rateRequest{SuggestionID: 1, Rating: 5}, http.StatusOK},
		{"Rating too high", rateRequest{SuggestionID: 1, Rating: 6}, http.StatusBadRequest},
		{"Rating zero", rateRequest{SuggestionID: 1, Rating: 0}, http.StatusBadRequest},
		{"Unknown suggestion", rateRequest{SuggestionID: 999, Rating: 3}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec, _ := do(t, h, http.MethodPost, "/api/suggestions/rate", tt.req); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
	if r := db.suggestions[0].Rating; r == nil || *r != 5 {
		t.Errorf("rating not stored: %v", r)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(testEngine(nil), nil, Options{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/detect-emotion", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Error("POST not allowed by preflight")
	}
}

func TestLiveWebSocket(t *testing.T) {
	srv := newTestServer(testEngine(constClassifier(happy), testFace), nil, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/live", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() liveMessage {
		t.Helper()
		var msg liveMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	hello := read()
	if hello.Type != msgHello || hello.Session == "" || hello.Status == nil || !hello.Status.ModelLoaded {
		t.Fatalf("hello = %+v", hello)
	}

	img := testImage(t)
	conn.WriteJSON(liveRequest{Type: msgFrame, Image: img})
	first := read()
	if first.Type != msgResult || len(first.Faces) != 1 || first.Faces[0].Emotion != types.Happy {
		t.Fatalf("result = %+v", first)
	}
	if first.Suggestion == nil || first.Suggestion.Empty() || first.Suggestion.Emotion != types.Happy {
		t.Fatalf("suggestion = %+v", first.Suggestion)
	}

	// Debounced: the same emotion within the interval keeps the suggestion
	conn.WriteJSON(liveRequest{Type: msgFrame, Image: img})
	if again := read(); *again.Suggestion != *first.Suggestion {
		t.Errorf("suggestion changed within interval: %+v -> %+v", first.Suggestion, again.Suggestion)
	}

	// A bad frame is reported but the connection stays usable
	conn.WriteJSON(liveRequest{Type: msgFrame, Image: "%%%"})
	if msg := read(); msg.Type != msgError || msg.Error == "" {
		t.Errorf("bad frame reply = %+v", msg)
	}

	conn.WriteJSON(liveRequest{Type: msgRefresh})
	if msg := read(); msg.Type != msgRefreshed {
		t.Errorf("refresh reply = %+v", msg)
	}

	conn.WriteJSON(liveRequest{Type: "bogus"})
	if msg := read(); msg.Type != msgError {
		t.Errorf("unknown type reply = %+v", msg)
	}

	if n := srv.sessions.Len(); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestLiveLowConfidenceUsesLiveThreshold(t *testing.T) {
	// 0.35 clears the API threshold but not the live one
	p := types.Probabilities{0.1, 0.1, 0.1, 0.35, 0.15, 0.1, 0.1}
	srv := newTestServer(testEngine(constClassifier(p), testFace), nil, Options{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/live", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg liveMessage
	conn.ReadJSON(&msg) // hello
	conn.WriteJSON(liveRequest{Type: msgFrame, Image: testImage(t)})
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != msgLowConfidence || msg.Confidence == nil || *msg.Confidence < 0.34 || *msg.Confidence > 0.36 {
		t.Errorf("reply = %+v", msg)
	}

	if rec, _ := do(t, srv.Handler(), http.MethodPost, "/api/detect-emotion", detectRequest{Image: testImage(t)}); rec.Code != http.StatusOK {
		t.Errorf("API path rejected 0.35: %d", rec.Code)
	}
}
