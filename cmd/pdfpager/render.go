package main

import (
	"context"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/drummonds/pdfpager/config"
	"github.com/drummonds/pdfpager/document"
	"github.com/drummonds/pdfpager/engine"
	"github.com/drummonds/pdfpager/viewport"
)

type renderOptions struct {
	Page  int
	Top   int
	Zoom  float64
	Raw   bool
	Title string
}

var (
	renderOpts renderOptions
	outPath    string
)

var renderCmd = &cobra.Command{
	Use:   "render <source>",
	Short: "Render one page to a PNG",
	Long: `Render opens the source in a viewer session, binds the requested page
(1-based) to a slot, lays it out at the display size and writes what the
slot shows as a PNG. With --raw the bare page raster is written instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := newLogger()

		backend, err := document.NewBackend(cfg.RenderBackend)
		if err != nil {
			return err
		}
		defer backend.Close()

		out := cmd.OutOrStdout()
		if outPath != "" && outPath != "-" {
			f, err := os.Create(outPath)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return renderPage(cmd.Context(), cfg, backend, logger, args[0], renderOpts, out)
	},
}

func init() {
	renderCmd.Flags().IntVarP(&renderOpts.Page, "page", "p", 1, "page number, starting at 1")
	renderCmd.Flags().IntVar(&renderOpts.Top, "top", 0, "pixels taken off the top of the display by the host")
	renderCmd.Flags().Float64Var(&renderOpts.Zoom, "zoom", 1, "zoom factor about the viewport centre")
	renderCmd.Flags().BoolVar(&renderOpts.Raw, "raw", false, "write the page raster without the viewport")
	renderCmd.Flags().StringVarP(&outPath, "output", "o", "-", "output file, - for stdout")
}

// renderPage runs a single-slot session over ref and encodes slot 0
func renderPage(ctx context.Context, cfg config.ViewerConfig, backend document.Backend, logger *slog.Logger, ref string, opts renderOptions, w io.Writer) error {
	if opts.Page < 1 {
		return fmt.Errorf("page must be at least 1, got %d", opts.Page)
	}
	cfg.PoolSize = 1
	cfg.AsyncRender = false

	manager := engine.NewManager(cfg, newResolver(cfg, logger), backend, logger)
	defer manager.Close()

	top := opts.Top
	session, err := manager.Open(ctx, engine.OpenRequest{Source: ref, Title: opts.Title, TopOffsetPx: &top})
	if err != nil {
		return err
	}
	state, err := session.Await(ctx)
	if err != nil {
		return err
	}
	if state != engine.Ready {
		_, reason := session.State()
		return fmt.Errorf("document did not open (%s): %v", state, reason)
	}

	index := opts.Page - 1
	if err := session.SetActive(index); err != nil {
		return err
	}
	if _, err := session.Bind(0, index); err != nil {
		return fmt.Errorf("page %d: %w", opts.Page, err)
	}
	if _, _, err := session.Layout(0, viewport.Layout{}); err != nil {
		return err
	}
	if opts.Zoom > 0 && opts.Zoom != 1 {
		status := session.Status()
		g := engine.Gesture{
			Kind:   "zoom",
			Factor: opts.Zoom,
			X:      status.ViewportWidth / 2,
			Y:      status.ViewportHeight / 2,
		}
		if _, err := session.Gesture(0, g); err != nil {
			return err
		}
	}

	img, err := session.Compose(0, opts.Raw)
	if err != nil {
		return err
	}
	logger.Debug("Rendered page", "page", opts.Page, "bounds", img.Bounds().String())
	return png.Encode(w, img)
}
