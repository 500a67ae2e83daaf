// Package emotion turns classifier output into a labeled, thresholded prediction.
package emotion

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/moodsync/internal/types"
)

// Per-call-site confidence thresholds. The live view tolerates less noise in
// its on-screen feedback than programmatic API consumers do.
const (
	LiveThreshold = 0.4
	APIThreshold  = 0.3
)

// ErrBelowThreshold marks a prediction rejected for low confidence.
var ErrBelowThreshold = errors.New("low confidence prediction")

// Prediction is an interpreted classifier output.
type Prediction struct {
	Emotion       types.Emotion
	Confidence    float64
	Probabilities types.Probabilities
}

// LowConfidenceError carries the rejected prediction. It matches ErrBelowThreshold.
type LowConfidenceError struct {
	Prediction Prediction
	Threshold  float64
}

func (e *LowConfidenceError) Error() string {
	return fmt.Sprintf("%v: %s at %.2f (threshold %.2f)", ErrBelowThreshold, e.Prediction.Emotion, e.Prediction.Confidence, e.Threshold)
}

func (e *LowConfidenceError) Is(target error) bool { return target == ErrBelowThreshold }

// Argmax returns the index of the largest value. Ties go to the lowest index.
func Argmax(p types.Probabilities) int {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return best
}

// Interpret picks the most likely label. Confidence equal to the threshold is
// accepted; anything strictly below returns a *LowConfidenceError.
func Interpret(p types.Probabilities, threshold float64) (Prediction, error) {
	idx := Argmax(p)
	label, _ := types.EmotionFromIndex(idx)
	pred := Prediction{
		Emotion:       label,
		Confidence:    float64(p[idx]),
		Probabilities: p,
	}
	// Compare at the classifier's precision so a float32 0.3 equals a 0.3 threshold.
	if p[idx] < float32(threshold) {
		return pred, &LowConfidenceError{Prediction: pred, Threshold: threshold}
	}
	return pred, nil
}
