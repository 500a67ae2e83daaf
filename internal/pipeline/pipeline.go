// Package pipeline ties detection, normalization, classification and
// thresholding into one call. An Engine is built once at startup and shared by
// every command and request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/moodsync/internal/emotion"
	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/andresmejia3/moodsync/internal/vision"
	"github.com/andresmejia3/moodsync/internal/worker"
)

// Outcomes callers branch on with errors.Is.
var (
	ErrDetectorUnavailable = errors.New("face detection unavailable")
	ErrNoFace              = errors.New("no faces detected in the image")
	ErrModelUnavailable    = worker.ErrModelUnavailable
	ErrBelowThreshold      = emotion.ErrBelowThreshold
	ErrMalformedInput      = vision.ErrMalformedInput
)

// Classifier maps a normalized face to class probabilities.
type Classifier interface {
	Classify(ctx context.Context, t vision.Tensor) (types.Probabilities, error)
}

// Options are the per-call-site knobs.
type Options struct {
	// Mirror flips the frame horizontally before detection. The live view
	// mirrors so the user sees themselves; uploaded images are used as-is.
	Mirror    bool
	Threshold float64
	// MaxFaces caps how many detections are classified. 0 means all.
	MaxFaces int
}

// Status reports which parts of the pipeline are usable.
type Status struct {
	ModelLoaded   bool `json:"model_loaded"`
	DetectorReady bool `json:"face_detection_ready"`
}

type Engine struct {
	Locator    *vision.Locator
	Classifier Classifier
	Padding    int
}

// New returns an Engine. Either argument may be nil, in which case the engine
// runs degraded and reports it through Status and the returned errors.
func New(locator *vision.Locator, classifier Classifier) *Engine {
	return &Engine{Locator: locator, Classifier: classifier, Padding: vision.Padding}
}

func (e *Engine) Status() Status {
	return Status{
		ModelLoaded:   e.Classifier != nil,
		DetectorReady: e.Locator.Available(),
	}
}

// Detect locates faces without classifying them. It works without a model.
func (e *Engine) Detect(img image.Image, mirror bool) ([]types.FaceBox, error) {
	if !e.Locator.Available() {
		return nil, ErrDetectorUnavailable
	}
	faces, _ := e.Locator.Locate(vision.PrepareFrame(img, mirror))
	return faces, nil
}

// Analyze returns one result per face that clears opts.Threshold. When faces
// are found but none is confident enough, the error is a
// *emotion.LowConfidenceError for the most confident one.
func (e *Engine) Analyze(ctx context.Context, img image.Image, opts Options) ([]types.FaceResult, error) {
	if !e.Locator.Available() {
		return nil, ErrDetectorUnavailable
	}
	gray := vision.PrepareFrame(img, opts.Mirror)
	boxes, _ := e.Locator.Locate(gray)
	if len(boxes) == 0 {
		return nil, ErrNoFace
	}
	if e.Classifier == nil {
		return nil, ErrModelUnavailable
	}
	if opts.MaxFaces > 0 && len(boxes) > opts.MaxFaces {
		boxes = boxes[:opts.MaxFaces]
	}

	var (
		results []types.FaceResult
		best    *emotion.LowConfidenceError
	)
	for _, box := range boxes {
		tensor, ok := vision.NormalizePadded(gray, box, e.Padding)
		if !ok {
			continue
		}
		probs, err := e.Classifier.Classify(ctx, tensor)
		if err != nil {
			return nil, fmt.Errorf("classifying face at (%d,%d): %w", box.X, box.Y, err)
		}
		pred, err := emotion.Interpret(probs, opts.Threshold)
		if err != nil {
			var low *emotion.LowConfidenceError
			if errors.As(err, &low) && (best == nil || low.Prediction.Confidence > best.Prediction.Confidence) {
				best = low
			}
			continue
		}
		results = append(results, types.FaceResult{
			Box:           box,
			Emotion:       pred.Emotion,
			Confidence:    pred.Confidence,
			Probabilities: pred.Probabilities,
		})
	}

	if len(results) == 0 {
		if best != nil {
			return nil, best
		}
		// Every region clipped to nothing
		return nil, ErrNoFace
	}
	return results, nil
}

// AnalyzeBase64 decodes a base64 image, with or without a data: URL prefix,
// and analyzes it.
func (e *Engine) AnalyzeBase64(ctx context.Context, s string, opts Options) ([]types.FaceResult, error) {
	img, err := vision.DecodeBase64Image(s)
	if err != nil {
		return nil, err
	}
	return e.Analyze(ctx, img, opts)
}
