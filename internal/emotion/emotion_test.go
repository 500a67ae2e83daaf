package emotion

import (
	"errors"
	"testing"

	"github.com/andresmejia3/moodsync/internal/types"
)

func TestArgmaxTieBreak(t *testing.T) {
	p := types.Probabilities{0.2, 0.2, 0.1, 0.1, 0.1, 0.15, 0.15}
	if got := Argmax(p); got != 0 {
		t.Errorf("Argmax() = %d, want 0", got)
	}

	pred, err := Interpret(p, 0)
	if err != nil {
		t.Fatal(err)
	}
	if pred.Emotion != types.Angry {
		t.Errorf("tie resolved to %s, want Angry", pred.Emotion)
	}

	late := types.Probabilities{0, 0, 0, 0, 0, 0.5, 0.5}
	if got := Argmax(late); got != 5 {
		t.Errorf("Argmax() = %d, want 5", got)
	}
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		name      string
		probs     types.Probabilities
		threshold float64
		want      types.Emotion
		wantErr   bool
	}{
		{
			name:      "Confident happy",
			probs:     types.Probabilities{0.05, 0, 0.05, 0.8, 0.05, 0.05, 0},
			threshold: APIThreshold,
			want:      types.Happy,
		},
		{
			name:      "API threshold boundary is accepted",
			probs:     types.Probabilities{0.1, 0.1, 0.1, 0.1, 0.3, 0.2, 0.1},
			threshold: APIThreshold,
			want:      types.Neutral,
		},
		{
			name:      "Just under API threshold is rejected",
			probs:     types.Probabilities{0.1, 0.1, 0.1, 0.11, 0.29, 0.2, 0.1},
			threshold: APIThreshold,
			want:      types.Neutral,
			wantErr:   true,
		},
		{
			name:      "Live threshold boundary is accepted",
			probs:     types.Probabilities{0.1, 0.1, 0.1, 0.1, 0.1, 0.4, 0.1},
			threshold: LiveThreshold,
			want:      types.Sad,
		},
		{
			name:      "Just under live threshold is rejected",
			probs:     types.Probabilities{0.1, 0.1, 0.1, 0.1, 0.11, 0.39, 0.09},
			threshold: LiveThreshold,
			want:      types.Sad,
			wantErr:   true,
		},
		{
			name:      "Accepted by API but not by live view",
			probs:     types.Probabilities{0.35, 0.1, 0.1, 0.1, 0.15, 0.1, 0.1},
			threshold: LiveThreshold,
			want:      types.Angry,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := Interpret(tt.probs, tt.threshold)
			if pred.Emotion != tt.want {
				t.Errorf("Emotion = %s, want %s", pred.Emotion, tt.want)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrBelowThreshold) {
					t.Fatalf("expected ErrBelowThreshold, got %v", err)
				}
				var low *LowConfidenceError
				if !errors.As(err, &low) || low.Prediction.Emotion != tt.want {
					t.Errorf("LowConfidenceError should carry the rejected prediction, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("Interpret() error = %v", err)
			}
		})
	}
}
