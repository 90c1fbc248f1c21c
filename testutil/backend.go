package testutil

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"sync"

	"github.com/drummonds/pdfpager/document"
)

// RenderCall records one Render request made against a FakeBackend.
type RenderCall struct {
	Index, Width, Height int
}

// FakeBackend is an in-memory document.Backend. Open only checks that the
// path exists; page geometry comes from Pages.
type FakeBackend struct {
	Pages []document.PageSize

	// OpenErr makes Open fail.
	OpenErr error
	// RenderErr makes Render fail for the given page indices.
	RenderErr map[int]error
	// OpenGate, when set, blocks Open until it is closed.
	OpenGate chan struct{}
	// OpenStarted, when set, is closed as soon as Open is entered.
	OpenStarted chan struct{}

	startOnce sync.Once

	mu      sync.Mutex
	opened  int
	closed  int
	renders []RenderCall
}

// NewFakeBackend returns a backend whose documents have the given page sizes.
func NewFakeBackend(sizes ...document.PageSize) *FakeBackend {
	return &FakeBackend{Pages: sizes, RenderErr: map[int]error{}}
}

func (b *FakeBackend) Name() string { return "fake" }

func (b *FakeBackend) Close() error { return nil }

func (b *FakeBackend) Open(path string) (document.Document, error) {
	if b.OpenStarted != nil {
		b.startOnce.Do(func() { close(b.OpenStarted) })
	}
	if b.OpenGate != nil {
		<-b.OpenGate
	}
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()
	return &fakeDocument{backend: b}, nil
}

// OpenDocuments is the number of documents opened and not yet closed.
func (b *FakeBackend) OpenDocuments() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened - b.closed
}

// Renders returns a copy of the recorded render calls.
func (b *FakeBackend) Renders() []RenderCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]RenderCall, len(b.renders))
	copy(out, b.renders)
	return out
}

type fakeDocument struct {
	backend *FakeBackend
	closed  bool
}

func (d *fakeDocument) PageCount() int { return len(d.backend.Pages) }

func (d *fakeDocument) PageSize(index int) (float64, float64, error) {
	if index < 0 || index >= len(d.backend.Pages) {
		return 0, 0, fmt.Errorf("no page %d", index)
	}
	p := d.backend.Pages[index]
	return p.Width, p.Height, nil
}

func (d *fakeDocument) Render(index, widthPx, heightPx int) (image.Image, error) {
	b := d.backend
	b.mu.Lock()
	b.renders = append(b.renders, RenderCall{Index: index, Width: widthPx, Height: heightPx})
	err := b.RenderErr[index]
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, widthPx, heightPx))
	shade := uint8(40 * (index%5 + 1))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: shade, G: shade, B: 255, A: 255}}, image.Point{}, draw.Src)
	return img, nil
}

func (d *fakeDocument) Close() error {
	if d.closed {
		return errors.New("document closed twice")
	}
	d.closed = true
	d.backend.mu.Lock()
	d.backend.closed++
	d.backend.mu.Unlock()
	return nil
}
