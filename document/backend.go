package document

import (
	"fmt"
	"image"
)

// Backend opens documents for rasterization
type Backend interface {
	// Open opens the document at path. The file must stay on disk until the
	// returned Document is closed.
	Open(path string) (Document, error)

	// Name identifies the backend in logs
	Name() string

	// Close cleans up any resources used by the backend
	Close() error
}

// Document is one open document inside a backend. Calls are never issued
// concurrently against the same Document.
type Document interface {
	PageCount() int

	// PageSize returns the page's native size in points
	PageSize(index int) (width, height float64, err error)

	// Render rasterizes a page into a widthPx x heightPx image tuned for
	// on-screen display
	Render(index, widthPx, heightPx int) (image.Image, error)

	Close() error
}

// PageSize is a page's native size in points
type PageSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewBackend creates the backend configured by name: "pdfium" (pure Go,
// the default) or "fitz" (requires CGo and MuPDF)
func NewBackend(name string) (Backend, error) {
	switch name {
	case "", "pdfium":
		return NewPDFiumBackend()
	case "fitz", "mupdf":
		return NewFitzBackend()
	}
	return nil, fmt.Errorf("unknown render backend %q", name)
}
