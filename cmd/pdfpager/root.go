package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/drummonds/pdfpager/config"
	"github.com/drummonds/pdfpager/engine"
	"github.com/drummonds/pdfpager/source"
)

var (
	backendName string
	scratchDir  string
	widthPx     int
	heightPx    int
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "pdfpager",
	Short: "Page through PDF documents from the command line",
	Long: `pdfpager opens a local, remote or provider-backed PDF and renders its pages
the same way the viewer server does.

Examples:
  pdfpager info https://example.com/book.pdf      # Page count and sizes
  pdfpager render book.pdf --page 3 -o page3.png  # Render one page
  pdfpager render book.pdf --zoom 2 --top 120     # Zoomed, below a 120px header`,
	Version:      engine.Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&backendName, "backend", "", "render backend: pdfium or fitz (default: RENDER_BACKEND or pdfium)",
	)
	rootCmd.PersistentFlags().StringVar(
		&scratchDir, "scratch", "", "directory for temporary copies (default: SCRATCH_DIR)",
	)
	rootCmd.PersistentFlags().IntVar(&widthPx, "width", 0, "display width in pixels (default: DISPLAY_WIDTH_PX)")
	rootCmd.PersistentFlags().IntVar(&heightPx, "height", 0, "display height in pixels (default: DISPLAY_HEIGHT_PX)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")

	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the environment and applies command line overrides
func loadConfig() config.ViewerConfig {
	_ = godotenv.Load(".env")
	cfg := config.Load()
	if backendName != "" {
		cfg.RenderBackend = backendName
	}
	if scratchDir != "" {
		cfg.ScratchDir = scratchDir
	}
	if widthPx > 0 {
		cfg.DisplayWidthPx = widthPx
	}
	if heightPx > 0 {
		cfg.DisplayHeightPx = heightPx
	}
	return cfg
}

// newLogger keeps stdout free for command output
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newResolver(cfg config.ViewerConfig, logger *slog.Logger) *source.Resolver {
	return source.NewResolver(source.ResolverConfig{
		ScratchDir: cfg.ScratchDir,
		Timeout:    cfg.DownloadTimeout,
		Attempts:   cfg.DownloadRetries,
		Logger:     logger,
	})
}
