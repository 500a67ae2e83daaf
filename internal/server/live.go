package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/moodsync/internal/emotion"
	"github.com/andresmejia3/moodsync/internal/pipeline"
	"github.com/andresmejia3/moodsync/internal/suggest"
	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	liveWriteWait = 10 * time.Second
	liveReadWait  = 60 * time.Second
)

// Client -> server message types.
const (
	msgFrame   = "frame"
	msgRefresh = "refresh"
)

// Server -> client message types.
const (
	msgHello         = "hello"
	msgResult        = "result"
	msgNoFace        = "no_face"
	msgLowConfidence = "low_confidence"
	msgRefreshed     = "refreshed"
	msgError         = "error"
)

type liveRequest struct {
	Type  string `json:"type"`
	Image string `json:"image"`
	// Mirror defaults to true for the live view.
	Mirror *bool `json:"mirror"`
}

type liveFace struct {
	FaceCoordinates types.FaceBox             `json:"face_coordinates"`
	Emotion         types.Emotion             `json:"emotion"`
	Confidence      float64                   `json:"confidence"`
	AllPredictions  map[types.Emotion]float64 `json:"all_predictions"`
}

type liveMessage struct {
	Type       string              `json:"type"`
	Session    string              `json:"session,omitempty"`
	Faces      []liveFace          `json:"faces,omitempty"`
	Suggestion *suggest.Suggestion `json:"suggestion,omitempty"`
	Confidence *float64            `json:"confidence,omitempty"`
	Error      string              `json:"error,omitempty"`
	Status     *pipeline.Status    `json:"status,omitempty"`
}

// liveConn serializes writes; gorilla connections allow one concurrent writer.
type liveConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *liveConn) send(msg liveMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *liveConn) close(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	c.conn.Close()
}

// handleLive streams per-frame results to one viewer. Each connection owns a
// suggestion session, so viewers never disturb each other's debounce.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	c := &liveConn{conn: ws}
	ws.SetReadLimit(s.opts.MaxUploadBytes)

	session := uuid.NewString()
	defer s.sessions.Drop(session)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		<-ctx.Done()
		c.close(websocket.CloseNormalClosure, "")
	}()

	status := s.engine.Status()
	if err := c.send(liveMessage{Type: msgHello, Session: session, Status: &status}); err != nil {
		return
	}
	s.log.Info("live session opened", "session", session)
	defer s.log.Info("live session closed", "session", session)

	for {
		ws.SetReadDeadline(time.Now().Add(liveReadWait))
		var req liveRequest
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				s.log.Debug("live read ended", "session", session, "err", err)
			}
			return
		}

		var reply liveMessage
		switch req.Type {
		case msgFrame:
			reply = s.liveFrame(ctx, session, req)
		case msgRefresh:
			s.sessions.ForceRefresh(session)
			reply = liveMessage{Type: msgRefreshed}
		default:
			reply = liveMessage{Type: msgError, Error: "unknown message type " + req.Type}
		}
		if err := c.send(reply); err != nil {
			return
		}
	}
}

// liveFrame analyzes one frame. Failures become error messages; the
// connection stays open.
func (s *Server) liveFrame(ctx context.Context, session string, req liveRequest) liveMessage {
	mirror := true
	if req.Mirror != nil {
		mirror = *req.Mirror
	}

	results, err := s.engine.AnalyzeBase64(ctx, req.Image, pipeline.Options{
		Mirror:    mirror,
		Threshold: s.opts.LiveThreshold,
	})
	if err != nil {
		var low *emotion.LowConfidenceError
		switch {
		case errors.As(err, &low):
			conf := low.Prediction.Confidence
			return liveMessage{Type: msgLowConfidence, Confidence: &conf}
		case errors.Is(err, pipeline.ErrNoFace):
			return liveMessage{Type: msgNoFace}
		default:
			return liveMessage{Type: msgError, Error: err.Error()}
		}
	}

	faces := make([]liveFace, 0, len(results))
	primary := results[0]
	for _, res := range results {
		faces = append(faces, liveFace{
			FaceCoordinates: res.Box,
			Emotion:         res.Emotion,
			Confidence:      res.Confidence,
			AllPredictions:  res.Probabilities.Map(),
		})
		if res.Box.Area() > primary.Box.Area() {
			primary = res
		}
	}

	// The suggestion follows the largest face, usually the viewer.
	sug := s.sessions.Next(session, primary.Emotion)
	return liveMessage{Type: msgResult, Faces: faces, Suggestion: &sug}
}
