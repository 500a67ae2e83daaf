package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/moodsync/internal/store"
	"github.com/andresmejia3/moodsync/internal/utils"
	"github.com/spf13/cobra"
)

var (
	historyDays  int
	historyLimit int
	statsDays    int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent journal entries",
	Run: func(cmd *cobra.Command, args []string) {
		moods, err := DB.MoodHistory(cmd.Context(), store.DefaultUserID, historyDays, historyLimit)
		if err != nil {
			utils.Die("Failed to load mood history", err, nil)
		}
		printHistory(os.Stdout, moods)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize moods over a window of days",
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := DB.MoodStats(cmd.Context(), store.DefaultUserID, statsDays)
		if err != nil {
			utils.Die("Failed to compute mood stats", err, nil)
		}
		printStats(os.Stdout, stats, statsDays)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyDays, "days", "d", 7, "How many days back to list (0 for all)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 0, "Maximum number of entries (0 for no limit)")
	statsCmd.Flags().IntVarP(&statsDays, "days", "d", 30, "Window in days (0 for all time)")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
}

func printHistory(out io.Writer, moods []store.Mood) {
	if len(moods) == 0 {
		fmt.Fprintln(out, "No moods recorded in this window.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tEMOTION\tCONFIDENCE\tINTENSITY\tSOURCE\tCONTEXT\tNOTES")
	fmt.Fprintln(w, "--\t----\t-------\t----------\t---------\t------\t-------\t-----")

	for _, m := range moods {
		conf, intensity := "-", "-"
		if m.Confidence != nil {
			conf = fmt.Sprintf("%.0f%%", *m.Confidence*100)
		}
		if m.Intensity != nil {
			intensity = fmt.Sprintf("%d/10", *m.Intensity)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID,
			m.CreatedAt.Local().Format("2006-01-02 15:04"),
			m.Emotion(),
			conf,
			intensity,
			m.Source,
			orDash(m.Context),
			truncate(m.Notes, 40),
		)
	}
	w.Flush()
}

func printStats(out io.Writer, s store.MoodStats, days int) {
	window := fmt.Sprintf("last %d days", days)
	if days <= 0 {
		window = "all time"
	}
	fmt.Fprintf(out, "📊 MOOD STATS (%s)\n", window)
	fmt.Fprintf(out, "   Entries:           %d\n", s.TotalEntries)
	if s.TotalEntries == 0 {
		return
	}
	fmt.Fprintf(out, "   Dominant emotion:  %s\n", orDash(s.DominantEmotion))
	if s.AverageIntensity > 0 {
		fmt.Fprintf(out, "   Average intensity: %.1f/10\n", s.AverageIntensity)
	}
	fmt.Fprintf(out, "   Streak:            %d day(s)\n\n", s.Streak)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EMOTION\tCOUNT\tSHARE\t")
	for _, c := range s.EmotionCounts {
		share := float64(c.Count) / float64(s.TotalEntries)
		fmt.Fprintf(w, "%s\t%d\t%.0f%%\t%s\n", c.Emotion, c.Count, share*100, strings.Repeat("█", int(share*20+0.5)))
	}
	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return orDash(s)
	}
	return string(r[:n-1]) + "…"
}
