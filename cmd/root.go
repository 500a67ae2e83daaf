package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/moodsync/internal/config"
	"github.com/andresmejia3/moodsync/internal/pipeline"
	"github.com/andresmejia3/moodsync/internal/store"
	"github.com/andresmejia3/moodsync/internal/utils"
	"github.com/andresmejia3/moodsync/internal/vision"
	"github.com/andresmejia3/moodsync/internal/worker"
	"github.com/spf13/cobra"
)

// dbAnnotation on a command controls the database connection made in
// PersistentPreRunE. Without it the database is required.
const (
	dbAnnotation = "moodsync/db"
	dbOptional   = "optional" // connect if possible, continue without it
	dbNone       = "none"     // never connect
)

var (
	// DB is the shared journal store. It is nil for commands that run without one.
	DB *store.Store
	// cfg is the resolved configuration: defaults, then environment, then flags.
	cfg config.Config

	flagDB               string
	flagModel            string
	flagWeights          string
	flagCascade          string
	flagProfileCascade   string
	flagPython           string
	flagInferenceTimeout time.Duration
)

// Version is the application version.
const Version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:     "moodsync",
	Short:   "Facial emotion detection and mood journal",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}

		mode := cmd.Annotations[dbAnnotation]
		if mode == dbNone {
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		var err error
		DB, err = store.New(cmd.Context(), cfg.DSN)
		if err != nil {
			if mode == dbOptional {
				fmt.Fprintf(os.Stderr, "⚠️  Database unavailable, journal features disabled: %v\n", err)
				DB = nil
				return nil
			}
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDB, "db", "", "PostgreSQL connection string (default: $DATABASE_URL, POSTGRES_* or postgres://localhost:5432/moodsync)")
	pf.StringVar(&flagModel, "model", "", "Path to the Keras model structure (JSON)")
	pf.StringVar(&flagWeights, "weights", "", "Path to the Keras model weights (H5)")
	pf.StringVar(&flagCascade, "cascade", "", "Path to the frontal face cascade")
	pf.StringVar(&flagProfileCascade, "profile-cascade", "", "Path to an optional profile face cascade")
	pf.StringVar(&flagPython, "python", "", "Python interpreter used for the classifier worker")
	pf.DurationVar(&flagInferenceTimeout, "inference-timeout", 0, "Maximum time for one classification (0 keeps the configured value)")
}

// loadConfig resolves cfg from .env files, the environment and then any
// flags the user set explicitly.
func loadConfig(cmd *cobra.Command) error {
	if _, err := config.LoadDotEnv(); err != nil {
		return err
	}
	c, err := config.FromEnv(os.Getenv)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	flags := cmd.Flags()
	override := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	override("db", &c.DSN, flagDB)
	override("model", &c.ModelJSON, flagModel)
	override("weights", &c.ModelWeights, flagWeights)
	override("cascade", &c.FrontalCascade, flagCascade)
	override("profile-cascade", &c.ProfileCascade, flagProfileCascade)
	override("python", &c.Python, flagPython)
	if flags.Changed("inference-timeout") {
		c.InferenceTimeout = flagInferenceTimeout
	}

	cfg = c
	return cfg.Validate()
}

// loadLocator builds the detector chain from the configured cascades. It
// returns nil when no cascade could be loaded.
func loadLocator() *vision.Locator {
	var frontal, profile vision.Cascade
	if c, err := vision.LoadPigoCascade(cfg.FrontalCascade); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Frontal cascade unavailable: %v\n", err)
	} else {
		frontal = c
	}
	if cfg.ProfileCascade != "" {
		if c, err := vision.LoadPigoCascade(cfg.ProfileCascade); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Profile cascade unavailable: %v\n", err)
		} else {
			profile = c
		}
	}
	if frontal == nil && profile == nil {
		return nil
	}
	return vision.NewLocator(frontal, profile)
}

func workerConfig() worker.Config {
	return worker.Config{
		Python:       cfg.Python,
		Script:       cfg.WorkerScript,
		ModelJSON:    cfg.ModelJSON,
		ModelWeights: cfg.ModelWeights,
	}
}

// newEngine loads the detector and starts engines classifier processes.
// With degrade set, a missing model or detector is reported and the engine
// runs without it; otherwise it is an error. The returned func releases the
// worker processes.
func newEngine(ctx context.Context, engines int, degrade bool) (*pipeline.Engine, func(), error) {
	locator := loadLocator()
	if locator == nil && !degrade {
		return nil, nil, pipeline.ErrDetectorUnavailable
	}

	fmt.Fprintf(os.Stderr, "🚀 Starting %d emotion engine(s)...\n", engines)
	pool, err := worker.NewPool(ctx, workerConfig(), engines, cfg.InferenceTimeout)
	if err != nil {
		if !degrade {
			return nil, nil, err
		}
		utils.ShowError("Emotion model unavailable, running detection only", err, worker.Logs(err))
		return pipeline.New(locator, nil), func() {}, nil
	}
	fmt.Fprintf(os.Stderr, "✅ %d emotion engine(s) ready\n", pool.Size())
	return pipeline.New(locator, pool), pool.Close, nil
}
