package document

import (
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// FitzBackend renders with go-fitz (requires CGo and MuPDF)
type FitzBackend struct {
}

// NewFitzBackend creates a new Fitz-based backend
func NewFitzBackend() (*FitzBackend, error) {
	return &FitzBackend{}, nil
}

// Name returns "fitz"
func (b *FitzBackend) Name() string {
	return "fitz"
}

// Open opens the document with MuPDF
func (b *FitzBackend) Open(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open PDF document: %w", err)
	}
	return &fitzDocument{doc: doc}, nil
}

// Close is a no-op; each document owns its MuPDF context
func (b *FitzBackend) Close() error {
	return nil
}

type fitzDocument struct {
	doc *fitz.Document
}

func (d *fitzDocument) PageCount() int {
	return d.doc.NumPage()
}

// PageSize uses the page bound at 72 DPI, which is the size in points
func (d *fitzDocument) PageSize(index int) (float64, float64, error) {
	rect, err := d.doc.Bound(index)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to get bounds of page %d: %w", index, err)
	}
	return float64(rect.Dx()), float64(rect.Dy()), nil
}

// Render picks the DPI that makes the page widthPx wide; the handle
// normalizes any off-by-one height from MuPDF's rounding
func (d *fitzDocument) Render(index, widthPx, heightPx int) (image.Image, error) {
	w, _, err := d.PageSize(index)
	if err != nil {
		return nil, err
	}
	if w <= 0 {
		return nil, fmt.Errorf("page %d has no width", index)
	}
	dpi := 72 * float64(widthPx) / w
	img, err := d.doc.ImageDPI(index, dpi)
	if err != nil {
		return nil, fmt.Errorf("unable to render page %d: %w", index, err)
	}
	return img, nil
}

func (d *fitzDocument) Close() error {
	return d.doc.Close()
}
