package types

import (
	"image/color"
	"strings"
)

// Emotion is one of the seven categories the classifier was trained on.
type Emotion string

const (
	Angry    Emotion = "Angry"
	Disgust  Emotion = "Disgust"
	Fear     Emotion = "Fear"
	Happy    Emotion = "Happy"
	Neutral  Emotion = "Neutral"
	Sad      Emotion = "Sad"
	Surprise Emotion = "Surprise"
)

// NumEmotions is the length of the classifier output vector.
const NumEmotions = 7

// Labels is indexed by classifier output position. The order is fixed by the model.
var Labels = [NumEmotions]Emotion{Angry, Disgust, Fear, Happy, Neutral, Sad, Surprise}

var colors = map[Emotion]color.RGBA{
	Angry:    {R: 255, A: 255},
	Disgust:  {G: 128, A: 255},
	Fear:     {R: 128, B: 128, A: 255},
	Happy:    {R: 255, G: 255, A: 255},
	Neutral:  {R: 255, G: 255, B: 255, A: 255},
	Sad:      {B: 255, A: 255},
	Surprise: {R: 255, G: 165, A: 255},
}

// EmotionFromIndex maps a classifier output index to its label.
func EmotionFromIndex(i int) (Emotion, bool) {
	if i < 0 || i >= NumEmotions {
		return "", false
	}
	return Labels[i], true
}

// ParseEmotion matches a label case-insensitively.
func ParseEmotion(s string) (Emotion, bool) {
	s = strings.TrimSpace(s)
	for _, e := range Labels {
		if strings.EqualFold(string(e), s) {
			return e, true
		}
	}
	return "", false
}

// Index returns the classifier position of e, or -1.
func (e Emotion) Index() int {
	for i, l := range Labels {
		if l == e {
			return i
		}
	}
	return -1
}

// Color is the display colour used for boxes and panels. Unknown labels are white.
func (e Emotion) Color() color.RGBA {
	if c, ok := colors[e]; ok {
		return c
	}
	return colors[Neutral]
}

// Probabilities is the raw classifier output.
type Probabilities [NumEmotions]float32

// Map returns the per-label breakdown used in API responses.
func (p Probabilities) Map() map[Emotion]float64 {
	m := make(map[Emotion]float64, NumEmotions)
	for i, v := range p {
		m[Labels[i]] = float64(v)
	}
	return m
}

// FaceBox is an axis-aligned face region in frame coordinates.
type FaceBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns Width*Height, or 0 for degenerate boxes.
func (b FaceBox) Area() int {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// FrameTask represents a single frame sent to a worker for processing
type FrameTask struct {
	Index int
	Data  []byte
}

// FaceResult is one accepted prediction for one detected face.
type FaceResult struct {
	Box           FaceBox       `json:"face_coordinates"`
	Emotion       Emotion       `json:"emotion"`
	Confidence    float64       `json:"confidence"`
	Probabilities Probabilities `json:"-"`
}

// ErrorResult captures the error object returned to API clients
type ErrorResult struct {
	Success    bool     `json:"success"`
	Error      string   `json:"error"`
	Confidence *float64 `json:"confidence,omitempty"`
}
