package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/andresmejia3/moodsync/internal/server"
	"github.com/andresmejia3/moodsync/internal/suggest"
	"github.com/spf13/cobra"
)

var (
	serveAddr    string
	serveEngines int
	serveVerbose bool
)

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the HTTP API and live WebSocket feed",
	Annotations: map[string]string{dbAnnotation: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "Listen address (default: $MOODSYNC_ADDR or :5000)")
	serveCmd.Flags().IntVarP(&serveEngines, "engines", "e", 0, "Number of classifier processes (default: $MOODSYNC_WORKERS or 1)")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Log at debug level")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if cmd.Flags().Changed("addr") {
		cfg.Addr = serveAddr
	}
	if serveEngines > 0 {
		cfg.Workers = serveEngines
	}

	level := slog.LevelInfo
	if serveVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// The server keeps answering health checks when the model or cascade is
	// missing, so both degrade instead of aborting.
	engine, release, err := newEngine(ctx, cfg.Workers, true)
	if err != nil {
		return err
	}
	defer release()

	// A nil *store.Store must not become a non-nil interface
	var db server.MoodStore
	if DB != nil {
		db = DB
	}

	srv := server.New(engine, db, suggest.DefaultLibrary(), server.Options{
		Addr:               cfg.Addr,
		LiveThreshold:      cfg.LiveThreshold,
		APIThreshold:       cfg.APIThreshold,
		MaxUploadBytes:     cfg.MaxUploadBytes,
		UploadDir:          cfg.UploadDir,
		SuggestionInterval: cfg.SuggestionInterval,
		SessionIdle:        cfg.SessionIdle,
		Logger:             logger,
	})

	fmt.Fprintf(os.Stderr, "🌐 MoodSync listening on %s\n", cfg.Addr)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	fmt.Fprintln(os.Stderr, "👋 Server stopped.")
	return nil
}
