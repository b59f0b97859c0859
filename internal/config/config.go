// Package config holds the typed service configuration. Unknown
// options are a compile-time error; there is no dynamic settings map.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"papermill/internal/publish"
)

// Config is the full set of options the core recognizes.
type Config struct {
	// Server
	Host string
	Port int

	// Layout
	DataDir    string // holds tasks.db and logs
	UploadDir  string // <upload_dir>/<task_id>/<sanitized_filename>
	ResultsDir string // <results_dir>/<task_id>/<stem>_<ext>_result.zip

	// Queue
	NumWorkers         int
	PollInterval       time.Duration
	StaleTimeout       time.Duration
	StaleCheckInterval time.Duration

	// Conversion
	OfficeConcurrency int64
	ConverterTimeout  time.Duration
	MarkerBin         string
	OfficeBin         string

	// Limits & retention
	MaxFileSize int64
	CleanupDays int

	// Publishing (optional)
	S3 publish.Options
}

// Default returns the documented defaults rooted at baseDir.
func Default(baseDir string) Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8000,
		DataDir:            filepath.Join(baseDir, "data"),
		UploadDir:          filepath.Join(baseDir, "temp", "uploads"),
		ResultsDir:         filepath.Join(baseDir, "temp", "results"),
		NumWorkers:         3,
		PollInterval:       time.Second,
		StaleTimeout:       300 * time.Second,
		StaleCheckInterval: 60 * time.Second,
		OfficeConcurrency:  2,
		ConverterTimeout:   300 * time.Second,
		MaxFileSize:        50 << 20,
		CleanupDays:        7,
	}
}

// FromEnv layers environment overrides on top of Default.
func FromEnv(baseDir string) Config {
	cfg := Default(baseDir)

	cfg.Host = envString("PAPERMILL_HOST", cfg.Host)
	cfg.Port = envInt("PAPERMILL_PORT", cfg.Port)
	cfg.NumWorkers = envInt("PAPERMILL_NUM_WORKERS", cfg.NumWorkers)
	cfg.PollInterval = envSeconds("PAPERMILL_POLL_INTERVAL", cfg.PollInterval)
	cfg.StaleTimeout = envSeconds("PAPERMILL_STALE_TIMEOUT", cfg.StaleTimeout)
	cfg.StaleCheckInterval = envSeconds("PAPERMILL_STALE_CHECK_INTERVAL", cfg.StaleCheckInterval)
	cfg.OfficeConcurrency = int64(envInt("PAPERMILL_OFFICE_CONCURRENCY", int(cfg.OfficeConcurrency)))
	cfg.ConverterTimeout = envSeconds("PAPERMILL_CONVERTER_TIMEOUT", cfg.ConverterTimeout)
	cfg.CleanupDays = envInt("PAPERMILL_CLEANUP_DAYS", cfg.CleanupDays)
	cfg.MarkerBin = envString("PAPERMILL_MARKER_BIN", cfg.MarkerBin)
	cfg.OfficeBin = envString("PAPERMILL_OFFICE_BIN", cfg.OfficeBin)

	if mb := envInt("PAPERMILL_MAX_FILE_SIZE_MB", 0); mb > 0 {
		cfg.MaxFileSize = int64(mb) << 20
	}

	cfg.S3 = publish.Options{
		Bucket:    os.Getenv("AWS_STORAGE_BUCKET_NAME"),
		Region:    os.Getenv("AWS_S3_REGION_NAME"),
		Endpoint:  os.Getenv("AWS_S3_ENDPOINT_URL"),
		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Prefix:    os.Getenv("PAPERMILL_S3_PREFIX"),
	}

	return cfg
}

// DBPath returns the location of the single-file task database.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "tasks.db")
}

// LogDir returns where the JSON log file lives.
func (c Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// EnsureDirs creates the directory layout.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.UploadDir, c.ResultsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}
