package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/moodsync/internal/emotion"
	"github.com/andresmejia3/moodsync/internal/pipeline"
	"github.com/andresmejia3/moodsync/internal/store"
	"github.com/andresmejia3/moodsync/internal/suggest"
	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/andresmejia3/moodsync/internal/utils"
	"github.com/andresmejia3/moodsync/internal/vision"
	"github.com/andresmejia3/moodsync/internal/worker"
	"github.com/spf13/cobra"
)

type analyzeOptions struct {
	Threshold float64
	Mirror    bool
	Log       bool
	Intensity int
	Notes     string
	Context   string
}

var analyzeOpts analyzeOptions

var analyzeCmd = &cobra.Command{
	Use:         "analyze <image_path>",
	Short:       "Detect faces in an image and classify their emotions",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !cmd.Flags().Changed("threshold") {
			analyzeOpts.Threshold = cfg.APIThreshold
		}
		return runAnalyze(cmd.Context(), args[0], analyzeOpts)
	},
}

func init() {
	analyzeCmd.Flags().Float64VarP(&analyzeOpts.Threshold, "threshold", "t", emotion.APIThreshold, "Minimum confidence to accept a prediction")
	analyzeCmd.Flags().BoolVarP(&analyzeOpts.Mirror, "mirror", "m", false, "Flip the image horizontally before detection")
	analyzeCmd.Flags().BoolVarP(&analyzeOpts.Log, "log", "l", false, "Save the most prominent face's emotion to the mood journal")
	analyzeCmd.Flags().IntVar(&analyzeOpts.Intensity, "intensity", 0, "Mood intensity 1-10 to store with --log")
	analyzeCmd.Flags().StringVar(&analyzeOpts.Notes, "notes", "", "Notes to store with --log")
	analyzeCmd.Flags().StringVar(&analyzeOpts.Context, "context", "", "Context (work, home, ...) to store with --log")
	rootCmd.AddCommand(analyzeCmd)
}

func validateAnalyzeFlags(opts analyzeOptions) error {
	if opts.Threshold < 0 || opts.Threshold > 1.0 {
		return fmt.Errorf("threshold must be between 0.0 and 1.0, got %f", opts.Threshold)
	}
	if opts.Intensity != 0 && (opts.Intensity < 1 || opts.Intensity > 10) {
		return store.ErrInvalidIntensity
	}
	return nil
}

func runAnalyze(ctx context.Context, imagePath string, opts analyzeOptions) error {
	if err := validateAnalyzeFlags(opts); err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}
	if opts.Log && DB == nil {
		err := errors.New("--log needs a database connection")
		utils.ShowError("Cannot save to journal", err, nil)
		return err
	}

	f, err := os.Open(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}
	img, err := vision.DecodeImage(f)
	f.Close()
	if err != nil {
		utils.ShowError("Failed to decode image", err, nil)
		return err
	}

	engine, release, err := newEngine(ctx, 1, true)
	if err != nil {
		utils.ShowError("Failed to start emotion engine", err, nil)
		return err
	}
	defer release()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	results, err := engine.Analyze(ctx, img, pipeline.Options{Mirror: opts.Mirror, Threshold: opts.Threshold})
	var low *emotion.LowConfidenceError
	switch {
	case errors.Is(err, pipeline.ErrNoFace):
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	case errors.Is(err, pipeline.ErrModelUnavailable):
		boxes, _ := engine.Detect(img, opts.Mirror)
		fmt.Printf("⚠️  Emotion model not available. Found %d face(s):\n", len(boxes))
		for i, b := range boxes {
			fmt.Printf("   Face %d at (%d,%d %dx%d)\n", i+1, b.X, b.Y, b.Width, b.Height)
		}
		return err
	case errors.Is(err, pipeline.ErrDetectorUnavailable):
		utils.ShowError("Face detection not available", err, nil)
		return err
	case errors.As(err, &low):
		fmt.Printf("🤔 Faces found but no prediction reached %.2f (best: %s at %.2f).\n",
			opts.Threshold, low.Prediction.Emotion, low.Prediction.Confidence)
		printProbabilities(os.Stdout, low.Prediction.Probabilities)
		return nil
	case err != nil:
		utils.ShowError("Emotion analysis failed", err, worker.Logs(err))
		return err
	}

	for i, res := range results {
		b := res.Box
		fmt.Printf("\n😀 Face %d at (%d,%d %dx%d): %s (%.1f%%)\n", i+1, b.X, b.Y, b.Width, b.Height, res.Emotion, res.Confidence*100)
		printProbabilities(os.Stdout, res.Probabilities)
	}

	if !opts.Log {
		return nil
	}
	primary := largestFace(results)
	id, err := logDetected(ctx, primary, opts.Intensity, opts.Notes, opts.Context, store.SourceCamera)
	if err != nil {
		utils.ShowError("Failed to save mood", err, nil)
		return err
	}
	fmt.Printf("\n✅ Logged %s as mood #%d\n", primary.Emotion, id)
	return nil
}

// printProbabilities writes one row per label, most likely first.
func printProbabilities(out io.Writer, p types.Probabilities) {
	order := make([]int, 0, types.NumEmotions)
	for i := range p {
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool { return p[order[a]] > p[order[b]] })

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EMOTION\tPROBABILITY\t")
	fmt.Fprintln(w, "-------\t-----------\t")
	for _, i := range order {
		bar := strings.Repeat("█", int(p[i]*20+0.5))
		fmt.Fprintf(w, "%s\t%.3f\t%s\n", types.Labels[i], p[i], bar)
	}
	w.Flush()
}

// largestFace picks the face with the biggest box, the first on ties.
func largestFace(results []types.FaceResult) types.FaceResult {
	best := results[0]
	for _, r := range results[1:] {
		if r.Box.Area() > best.Box.Area() {
			best = r
		}
	}
	return best
}

// logDetected stores a detected mood together with its journal suggestions.
func logDetected(ctx context.Context, res types.FaceResult, intensity int, notes, moodContext, source string) (int64, error) {
	conf := res.Confidence
	m := store.NewMood{
		DetectedEmotion: string(res.Emotion),
		Confidence:      &conf,
		Notes:           notes,
		Context:         moodContext,
		Source:          source,
	}
	if intensity > 0 {
		m.Intensity = &intensity
	}
	return logMood(ctx, DB, m, res.Emotion)
}

// logMood stores m and the journal suggestions drawn for e, then prints them.
func logMood(ctx context.Context, db *store.Store, m store.NewMood, e types.Emotion) (int64, error) {
	journal := suggest.NewJournal(suggest.DefaultLibrary(), nil)
	var items []store.NewSuggestion
	for _, s := range journal.Suggestions(e) {
		items = append(items, store.NewSuggestion{Type: s.Type, Content: s.Content})
	}
	id, saved, err := db.LogMood(ctx, m, items)
	if err != nil {
		return 0, err
	}
	for _, s := range saved {
		fmt.Printf("   💡 [%s] %s (rate with: moodsync rate %d <1-5>)\n", s.Type, s.Content, s.ID)
	}
	if q := journal.Quote(e); q != "" {
		fmt.Printf("   📜 %s\n", q)
	}
	return id, nil
}
