package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/andresmejia3/moodsync/internal/store"
	"github.com/andresmejia3/moodsync/internal/types"
	"github.com/andresmejia3/moodsync/internal/utils"
	"github.com/spf13/cobra"
)

var (
	logIntensity int
	logNotes     string
	logContext   string
)

var logCmd = &cobra.Command{
	Use:   "log <emotion>",
	Short: "Record a mood manually",
	Long:  "Records a mood in the journal. Known emotions (happy, sad, ...) are matched case-insensitively; anything else is stored as written.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runLog(cmd.Context(), args[0])
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate <suggestion_id> <rating>",
	Short: "Rate how helpful a suggestion was (1-5)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			utils.Die("Invalid suggestion ID", err, nil)
		}
		rating, err := strconv.Atoi(args[1])
		if err != nil {
			utils.Die("Invalid rating", err, nil)
		}
		runRate(cmd.Context(), id, rating)
	},
}

func init() {
	logCmd.Flags().IntVarP(&logIntensity, "intensity", "i", 0, "Intensity from 1 to 10")
	logCmd.Flags().StringVarP(&logNotes, "notes", "n", "", "Free-form notes")
	logCmd.Flags().StringVarP(&logContext, "context", "c", "", "Where or what (work, home, exercise, ...)")
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(rateCmd)
}

// manualMood canonicalizes a known label and reports which emotion's
// suggestions apply. Free-form moods draw Neutral suggestions.
func manualMood(label string) (string, types.Emotion) {
	label = strings.TrimSpace(label)
	if e, ok := types.ParseEmotion(label); ok {
		return string(e), e
	}
	return label, types.Neutral
}

func runLog(ctx context.Context, label string) {
	label, e := manualMood(label)
	m := store.NewMood{
		ManualMood: label,
		Notes:      logNotes,
		Context:    logContext,
		Source:     store.SourceManual,
	}
	if logIntensity != 0 {
		m.Intensity = &logIntensity
	}

	id, err := logMood(ctx, DB, m, e)
	if err != nil {
		utils.Die("Failed to log mood", err, nil)
	}
	fmt.Printf("✅ Mood #%d logged as '%s'\n", id, label)
}

func runRate(ctx context.Context, id int64, rating int) {
	if err := DB.RateSuggestion(ctx, id, rating); err != nil {
		utils.Die("Failed to rate suggestion", err, nil)
	}
	fmt.Printf("✅ Suggestion %d rated %d/5\n", id, rating)
}
