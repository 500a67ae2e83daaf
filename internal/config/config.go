// Package config resolves runtime settings from the environment and optional
// .env files. Command-line flags are applied on top by the cmd package.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting shared by the commands.
type Config struct {
	DSN  string
	Addr string

	ModelJSON    string
	ModelWeights string
	Python       string
	WorkerScript string
	Workers      int
	// InferenceTimeout bounds one classifier call. 0 disables it.
	InferenceTimeout time.Duration

	FrontalCascade string
	ProfileCascade string

	LiveThreshold float64
	APIThreshold  float64

	UploadDir      string
	ScreenshotDir  string
	MaxUploadBytes int64

	SuggestionInterval time.Duration
	SessionIdle        time.Duration
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Config {
	return Config{
		DSN:                "postgres://localhost:5432/moodsync",
		Addr:               ":5000",
		ModelJSON:          "models/facialemotionmodel.json",
		ModelWeights:       "models/facialemotionmodel.h5",
		Python:             "python3",
		WorkerScript:       "python/worker.py",
		Workers:            1,
		InferenceTimeout:   5 * time.Second,
		FrontalCascade:     "cascade/facefinder",
		ProfileCascade:     "",
		LiveThreshold:      0.4,
		APIThreshold:       0.3,
		UploadDir:          "data/uploads",
		ScreenshotDir:      "data/screenshots",
		MaxUploadBytes:     16 << 20,
		SuggestionInterval: 30 * time.Second,
		SessionIdle:        30 * time.Minute,
	}
}

// LoadDotEnv loads .env.local then .env from the working directory. Variables
// already set win. MOODSYNC_DOTENV=off skips it.
func LoadDotEnv() ([]string, error) {
	if Disabled(os.Getenv("MOODSYNC_DOTENV")) {
		return nil, nil
	}
	var loaded []string
	for _, p := range []string{".env.local", ".env"} {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("failed to load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

// Disabled reports whether a switch variable is set to an off value.
func Disabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "off", "no":
		return true
	}
	return false
}

// FromEnv overlays environment variables on Defaults. getenv is usually
// os.Getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	c := Defaults()
	var errs []error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	if dsn := dsnFromEnv(getenv); dsn != "" {
		c.DSN = dsn
	}
	str("MOODSYNC_ADDR", &c.Addr)
	str("MOODSYNC_MODEL_JSON", &c.ModelJSON)
	str("MOODSYNC_MODEL_WEIGHTS", &c.ModelWeights)
	str("MOODSYNC_PYTHON", &c.Python)
	str("MOODSYNC_WORKER_SCRIPT", &c.WorkerScript)
	num("MOODSYNC_WORKERS", &c.Workers)
	dur("MOODSYNC_INFERENCE_TIMEOUT", &c.InferenceTimeout)
	str("MOODSYNC_FRONTAL_CASCADE", &c.FrontalCascade)
	str("MOODSYNC_PROFILE_CASCADE", &c.ProfileCascade)
	float("MOODSYNC_LIVE_THRESHOLD", &c.LiveThreshold)
	float("MOODSYNC_API_THRESHOLD", &c.APIThreshold)
	str("MOODSYNC_UPLOAD_DIR", &c.UploadDir)
	str("MOODSYNC_SCREENSHOT_DIR", &c.ScreenshotDir)
	dur("MOODSYNC_SUGGESTION_INTERVAL", &c.SuggestionInterval)
	dur("MOODSYNC_SESSION_IDLE", &c.SessionIdle)
	var maxUpload int
	num("MOODSYNC_MAX_UPLOAD_BYTES", &maxUpload)
	if maxUpload != 0 {
		c.MaxUploadBytes = int64(maxUpload)
	}

	if err := errors.Join(errs...); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// dsnFromEnv prefers DATABASE_URL, then assembles one from POSTGRES_* parts.
func dsnFromEnv(getenv func(string) string) string {
	if url := getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := getenv("POSTGRES_USER")
	pass := getenv("POSTGRES_PASSWORD")
	name := getenv("POSTGRES_DB")
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// Validate checks ranges before anything heavy starts.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.InferenceTimeout < 0 {
		return fmt.Errorf("inference timeout must not be negative, got %s", c.InferenceTimeout)
	}
	for name, v := range map[string]float64{"live threshold": c.LiveThreshold, "API threshold": c.APIThreshold} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0.0 and 1.0, got %f", name, v)
		}
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload size must be positive, got %d", c.MaxUploadBytes)
	}
	if c.SuggestionInterval <= 0 {
		return fmt.Errorf("suggestion interval must be positive, got %s", c.SuggestionInterval)
	}
	return nil
}
