package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Logger is global since we will need it everywhere
var Logger *slog.Logger

// ViewerConfig contains all of the viewer and server settings
type ViewerConfig struct {
	ListenAddrIP   string
	ListenAddrPort string

	// ScratchDir holds temporary copies of remote and provider-backed documents
	ScratchDir string

	// RenderBackend selects the rasterizer: "pdfium" (pure Go) or "fitz" (CGo MuPDF)
	RenderBackend string

	// Display geometry in device pixels, used when a slot has not been measured yet
	DisplayWidthPx  int
	DisplayHeightPx int

	PoolSize    int
	AsyncRender bool

	DownloadTimeout time.Duration
	DownloadRetries uint

	SweepInterval time.Duration
	ScratchMaxAge time.Duration
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intVal
}

// Defaults returns the configuration used when no environment is set
func Defaults() ViewerConfig {
	return ViewerConfig{
		ListenAddrPort:  "8000",
		ScratchDir:      filepath.Join(os.TempDir(), "pdfpager"),
		RenderBackend:   "pdfium",
		DisplayWidthPx:  1080,
		DisplayHeightPx: 1920,
		PoolSize:        5,
		DownloadTimeout: 120 * time.Second,
		DownloadRetries: 3,
		SweepInterval:   30 * time.Minute,
		ScratchMaxAge:   24 * time.Hour,
	}
}

// SetupViewer loads configuration and returns ViewerConfig and Logger
func SetupViewer() (ViewerConfig, *slog.Logger) {
	// Load .env file (silently ignore if doesn't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("config.env")

	logger := setupLogging()
	Logger = logger

	cfg := Load()

	if err := checkScratchDir(cfg.ScratchDir, logger); err != nil {
		logger.Warn("Scratch directory unusable, falling back to system temp dir", "path", cfg.ScratchDir, "error", err)
		cfg.ScratchDir = os.TempDir()
	}

	logger.Info("Viewer configuration loaded",
		"backend", cfg.RenderBackend,
		"poolSize", cfg.PoolSize,
		"display", fmt.Sprintf("%dx%d", cfg.DisplayWidthPx, cfg.DisplayHeightPx),
		"asyncRender", cfg.AsyncRender,
		"scratchDir", cfg.ScratchDir)

	return cfg, logger
}

// Load reads the configuration from environment variables with defaults
func Load() ViewerConfig {
	cfg := Defaults()

	// Server configuration
	cfg.ListenAddrPort = getEnv("SERVER_PORT", cfg.ListenAddrPort)
	cfg.ListenAddrIP = getEnv("SERVER_ADDR", "")

	scratchDir, err := filepath.Abs(filepath.ToSlash(getEnv("SCRATCH_DIR", cfg.ScratchDir)))
	if err == nil {
		cfg.ScratchDir = scratchDir
	}

	cfg.RenderBackend = getEnv("RENDER_BACKEND", cfg.RenderBackend)
	cfg.DisplayWidthPx = getEnvInt("DISPLAY_WIDTH_PX", cfg.DisplayWidthPx)
	cfg.DisplayHeightPx = getEnvInt("DISPLAY_HEIGHT_PX", cfg.DisplayHeightPx)

	cfg.PoolSize = getEnvInt("POOL_SIZE", cfg.PoolSize)
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	cfg.AsyncRender = getEnvBool("ASYNC_RENDER", false)

	cfg.DownloadTimeout = time.Duration(getEnvInt("DOWNLOAD_TIMEOUT_SECONDS", int(cfg.DownloadTimeout/time.Second))) * time.Second
	retries := getEnvInt("DOWNLOAD_RETRIES", int(cfg.DownloadRetries))
	if retries < 1 {
		retries = 1
	}
	cfg.DownloadRetries = uint(retries)

	cfg.SweepInterval = time.Duration(getEnvInt("SWEEP_INTERVAL_MINUTES", int(cfg.SweepInterval/time.Minute))) * time.Minute
	cfg.ScratchMaxAge = time.Duration(getEnvInt("SCRATCH_MAX_AGE_MINUTES", int(cfg.ScratchMaxAge/time.Minute))) * time.Minute

	return cfg
}

// ViewportHeight returns the height left for the viewer once the host's top
// offset has been taken off the display
func (c ViewerConfig) ViewportHeight(topOffsetPx int) int {
	h := c.DisplayHeightPx - topOffsetPx
	if h < 1 {
		return 1
	}
	return h
}

// setupLogging configures the application logger
func setupLogging() *slog.Logger {
	logLevel := getEnv("LOG_LEVEL", "info")
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOptions := &slog.HandlerOptions{Level: level}

	logOutput := getEnv("LOG_OUTPUT", "stdout")
	var logWriter io.Writer

	if logOutput == "stdout" {
		logWriter = os.Stdout
	} else {
		logPath, err := filepath.Abs(filepath.ToSlash(getEnv("LOG_FILE", "pdfpager.log")))
		if err != nil {
			fmt.Printf("Error creating log file path: %v\n", err)
			logWriter = os.Stdout
		} else {
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				fmt.Printf("Failed to open log file: %v\n", err)
				logWriter = os.Stdout
			} else {
				logWriter = logFile
				fmt.Println("Logging to file: ", logPath)
			}
		}
	}

	handler := slog.NewTextHandler(logWriter, handlerOptions)
	return slog.New(handler)
}

// checkScratchDir makes sure the scratch directory exists and is a directory
func checkScratchDir(path string, logger *slog.Logger) error {
	info, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Error("Error checking scratch directory", "path", path, "error", err)
			return err
		}
		logger.Info("Creating scratch directory", "path", path)
		if err := os.MkdirAll(path, 0755); err != nil {
			logger.Error("Failed to create scratch directory", "path", path, "error", err)
			return err
		}
		return nil
	}
	if !info.IsDir() {
		logger.Error("Scratch path exists but is not a directory", "path", path)
		return fmt.Errorf("scratch path is not a directory: %s", path)
	}
	logger.Debug("Scratch directory exists", "path", path)
	return nil
}
