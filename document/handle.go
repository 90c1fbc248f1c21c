// Package document owns an open PDF and renders its pages to raster images
// at a requested pixel width.
package document

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"

	"github.com/disintegration/imaging"
)

var (
	// ErrOpen means the document could not be parsed or opened. It is fatal
	// for the viewing session and is not retried.
	ErrOpen = errors.New("document could not be opened")

	// ErrIndexOutOfRange means a page outside [0, PageCount()) was requested.
	ErrIndexOutOfRange = errors.New("page index out of range")

	// ErrRender means a single page failed to rasterize.
	ErrRender = errors.New("page render failed")
)

// Handle is an open document with a fixed page count.
type Handle struct {
	backend   string
	logger    *slog.Logger
	pageCount int

	mu     sync.Mutex
	doc    Document
	closed bool
}

// Open opens path with backend. Failures are reported as ErrOpen.
func Open(backend Backend, path string, logger *slog.Logger) (*Handle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := backend.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	count := doc.PageCount()
	if count < 0 {
		doc.Close()
		return nil, fmt.Errorf("%w: backend reported %d pages", ErrOpen, count)
	}

	logger.Info("Document opened", "backend", backend.Name(), "path", path, "pages", count)
	return &Handle{
		backend:   backend.Name(),
		logger:    logger,
		pageCount: count,
		doc:       doc,
	}, nil
}

// PageCount is constant for the handle's lifetime.
func (h *Handle) PageCount() int {
	return h.pageCount
}

// PageSize returns the native size of a page in points.
func (h *Handle) PageSize(index int) (PageSize, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkIndex(index); err != nil {
		return PageSize{}, err
	}
	w, ht, err := h.doc.PageSize(index)
	if err != nil {
		return PageSize{}, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return PageSize{Width: w, Height: ht}, nil
}

// TargetHeight keeps the page's aspect ratio at the given pixel width.
func TargetHeight(size PageSize, widthPx int) int {
	if size.Width <= 0 {
		return 0
	}
	return int(math.Round(float64(widthPx) * size.Height / size.Width))
}

// RenderPage rasterizes page index at widthPx wide and the height that
// preserves its aspect ratio. Callers substitute the display width when
// no measured width is available; a width of zero is an error.
func (h *Handle) RenderPage(index, widthPx int) (image.Image, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkIndex(index); err != nil {
		return nil, err
	}
	if widthPx <= 0 {
		return nil, fmt.Errorf("%w: page %d: target width %d", ErrRender, index, widthPx)
	}

	pw, ph, err := h.doc.PageSize(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	heightPx := TargetHeight(PageSize{Width: pw, Height: ph}, widthPx)
	if heightPx <= 0 {
		return nil, fmt.Errorf("%w: page %d has degenerate size %.1fx%.1f", ErrRender, index, pw, ph)
	}

	img, err := h.doc.Render(index, widthPx, heightPx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}

	b := img.Bounds()
	if b.Dx() != widthPx || b.Dy() != heightPx {
		img = imaging.Resize(img, widthPx, heightPx, imaging.Lanczos)
	}

	h.logger.Debug("Rendered page", "index", index, "width", widthPx, "height", heightPx)
	return img, nil
}

// Close releases the backend document. It is idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.doc.Close()
	h.doc = nil
	if err != nil {
		h.logger.Warn("Error closing document", "backend", h.backend, "error", err)
		return err
	}
	h.logger.Debug("Document closed", "backend", h.backend)
	return nil
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) checkIndex(index int) error {
	if h.closed {
		return fmt.Errorf("%w: handle is closed", ErrRender)
	}
	if index < 0 || index >= h.pageCount {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, h.pageCount)
	}
	return nil
}
