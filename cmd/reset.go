package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/moodsync/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB          bool
	resetUploads     bool
	resetScreenshots bool
	resetYes         bool
)

var errResetNoDB = errors.New("--db requires a reachable database")

// journal is the part of the store that reset needs.
type journal interface {
	Reset(ctx context.Context) error
	EnsureSchema(ctx context.Context) error
}

type resetTargets struct {
	db, uploads, screenshots bool
	// explicitDB is set when the user asked for --db by name.
	explicitDB bool
}

var resetCmd = &cobra.Command{
	Use:         "reset",
	Short:       "Reset system state (Journal Database, Uploads, Screenshots)",
	Long:        "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Annotations: map[string]string{dbAnnotation: dbOptional},
	Run: func(cmd *cobra.Command, args []string) {
		t := resetTargets{db: resetDB, uploads: resetUploads, screenshots: resetScreenshots, explicitDB: resetDB}
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetUploads && !resetScreenshots {
			t.db, t.uploads, t.screenshots = true, true, true
		}

		var db journal
		if DB != nil {
			db = DB
		}
		if err := runReset(cmd.Context(), db, t, bufio.NewReader(os.Stdin), os.Stdout); err != nil {
			utils.Die("Reset failed", err, nil)
		}
		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the journal database")
	resetCmd.Flags().BoolVar(&resetUploads, "uploads", false, "Clear saved upload images")
	resetCmd.Flags().BoolVar(&resetScreenshots, "screenshots", false, "Clear live view screenshots")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

// runReset clears the selected targets. A missing database is skipped unless
// it was asked for explicitly.
func runReset(ctx context.Context, db journal, t resetTargets, r *bufio.Reader, out io.Writer) error {
	if t.db {
		switch {
		case db == nil && t.explicitDB:
			return errResetNoDB
		case db == nil:
			fmt.Fprintln(out, "⏭️  No database connection, skipping journal tables")
		case confirm(r, out, "⚠️  Are you sure you want to DROP all journal tables?"):
			fmt.Fprintln(out, "🗑️  Clearing Database...")
			if err := db.Reset(ctx); err != nil {
				return fmt.Errorf("reset database: %w", err)
			}
			// Leave a usable, empty schema behind
			if err := db.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("recreate schema: %w", err)
			}
		}
	}

	if t.uploads {
		if confirm(r, out, fmt.Sprintf("⚠️  Are you sure you want to delete all uploaded images in %s?", cfg.UploadDir)) {
			fmt.Fprintln(out, "🗑️  Clearing Uploads...")
			removeDir(cfg.UploadDir)
		}
	}

	if t.screenshots {
		if confirm(r, out, fmt.Sprintf("⚠️  Are you sure you want to delete all screenshots in %s?", cfg.ScreenshotDir)) {
			fmt.Fprintln(out, "🗑️  Clearing Screenshots...")
			removeDir(cfg.ScreenshotDir)
		}
	}
	return nil
}

func confirm(r *bufio.Reader, out io.Writer, prompt string) bool {
	if resetYes {
		return true
	}
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" || path == "/" {
		fmt.Fprintf(os.Stderr, "⚠️  Refusing to remove %q\n", path)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
