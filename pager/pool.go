package pager

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/drummonds/pdfpager/document"
	"github.com/drummonds/pdfpager/viewport"
)

// ErrClosed is returned by operations on a pool that has been closed.
var ErrClosed = errors.New("page pool is closed")

// Renderer is the part of a document handle the pool needs.
type Renderer interface {
	PageCount() int
	RenderPage(index, widthPx int) (image.Image, error)
}

// Config configures a Pool.
type Config struct {
	// Size is the configured number of slots; the pool never holds more
	// slots than the document has pages.
	Size int
	// DisplayWidthPx substitutes for a slot's measured width before its
	// first layout.
	DisplayWidthPx int
	// Async renders on Render instead of inline and posts results back
	// with Post.
	Async bool
	// Post runs fn on the foreground loop.
	Post func(fn func())
	// Render runs fn on the render loop. Required when Async is set.
	Render func(fn func())
	Logger *slog.Logger
}

// Stats counts pool activity.
type Stats struct {
	Binds          int `json:"binds"`
	Renders        int `json:"renders"`
	RenderFailures int `json:"renderFailures"`
	Discarded      int `json:"discarded"`
	StaleLayouts   int `json:"staleLayouts"`
}

// Pool owns a fixed set of slots for one open document. Like the slots
// themselves it must only be used from the foreground loop.
type Pool struct {
	doc    Renderer
	sync   *viewport.Synchronizer
	cfg    Config
	slots  []*Slot
	closed bool
	stats  Stats
	logger *slog.Logger
}

// NewPool creates min(cfg.Size, PageCount()) slots and registers them with
// the synchronizer.
func NewPool(doc Renderer, sync *viewport.Synchronizer, cfg Config) (*Pool, error) {
	if cfg.Async && (cfg.Render == nil || cfg.Post == nil) {
		return nil, errors.New("async rendering needs both a render and a post function")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	size := cfg.Size
	if size < 1 {
		size = 1
	}
	if n := doc.PageCount(); n < size {
		size = n
	}

	p := &Pool{
		doc:    doc,
		sync:   sync,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "pager"),
	}
	for i := 0; i < size; i++ {
		s := newSlot(i, p.changed)
		p.slots = append(p.slots, s)
		sync.Register(s)
	}
	p.logger.Debug("Page pool created", "slots", size, "pages", doc.PageCount(), "async", cfg.Async)
	return p, nil
}

func (p *Pool) changed(s *Slot, m viewport.Transform) {
	p.sync.Capture(s, m)
}

// Slots returns the pool's slots in ID order.
func (p *Pool) Slots() []*Slot {
	return p.slots
}

// Slot looks up a slot by ID.
func (p *Pool) Slot(id int) (*Slot, bool) {
	if id < 0 || id >= len(p.slots) {
		return nil, false
	}
	return p.slots[id], true
}

// Synchronizer returns the synchronizer the slots are registered with.
func (p *Pool) Synchronizer() *viewport.Synchronizer {
	return p.sync
}

func (p *Pool) Stats() Stats {
	return p.stats
}

func (p *Pool) Closed() bool {
	return p.closed
}

// Bind points s at page index. The slot drops out of transform updates
// immediately and any continuation or render still owed to its previous
// binding is invalidated. An out-of-range index leaves the slot unbound
// and blank, and the wrapped document.ErrIndexOutOfRange is returned only
// so hosts can report the bad request; the pool stays usable. A render
// failure leaves the slot bound but blank and returns nil. Neither affects
// the rest of the session.
func (p *Pool) Bind(s *Slot, index int) error {
	if p.closed {
		return ErrClosed
	}
	s.ready = false
	s.generation++
	s.pending = 0
	s.raster = nil
	p.stats.Binds++
	gen := s.generation

	if index < 0 || index >= p.doc.PageCount() {
		s.clear()
		p.logger.Warn("Bind to invalid page ignored", "slot", s.id, "index", index, "pages", p.doc.PageCount())
		return fmt.Errorf("%w: %d", document.ErrIndexOutOfRange, index)
	}
	s.boundIndex = index

	width := s.measuredWidth
	if width <= 0 {
		width = p.cfg.DisplayWidthPx
	}
	if width <= 0 {
		p.logger.Warn("No width to render at, slot left blank", "slot", s.id, "index", index)
		return nil
	}

	if !p.cfg.Async {
		img, err := p.doc.RenderPage(index, width)
		p.deliver(s, gen, index, img, err)
		return nil
	}

	p.cfg.Render(func() {
		img, err := p.doc.RenderPage(index, width)
		p.cfg.Post(func() {
			p.deliver(s, gen, index, img, err)
		})
	})
	return nil
}

// deliver installs a finished render if the slot still wants it.
func (p *Pool) deliver(s *Slot, gen uint64, index int, img image.Image, err error) {
	if p.closed || s.generation != gen || s.boundIndex != index {
		p.stats.Discarded++
		p.logger.Debug("Discarding stale render", "slot", s.id, "index", index, "generation", gen, "current", s.generation)
		return
	}
	if err != nil {
		p.stats.RenderFailures++
		p.logger.Warn("Page render failed, slot left blank", "slot", s.id, "index", index, "error", err)
		return
	}

	p.stats.Renders++
	s.raster = img
	// Reset without notifying; the continuation applies the shared value.
	s.transform = viewport.Identity()
	s.pending = gen
}

// ReportLayout is the host telling the pool that s has been laid out. If
// the slot's current binding is still waiting for its continuation, the
// continuation runs now: the synchronizer settles the slot and only then
// is it marked ready. Layouts for superseded bindings are ignored. It
// reports whether a continuation ran.
func (p *Pool) ReportLayout(s *Slot, layout viewport.Layout) bool {
	if p.closed {
		return false
	}
	if layout.ViewportWidth > 0 {
		s.measuredWidth = int(math.Round(layout.ViewportWidth))
	}
	if layout.DisplayedWidth <= 0 && s.raster != nil {
		b := s.raster.Bounds()
		layout.DisplayedWidth, _ = viewport.FitCenter(float64(b.Dx()), float64(b.Dy()), layout.ViewportWidth, layout.ViewportHeight)
	}
	s.layout = layout

	if s.pending == 0 || s.pending != s.generation {
		p.stats.StaleLayouts++
		return false
	}
	s.pending = 0
	p.sync.Settle(s, layout)
	s.ready = true
	p.logger.Debug("Slot ready", "slot", s.id, "index", s.boundIndex, "scale", viewport.ScaleOf(s.transform))
	return true
}

// FitLayout is the layout a headless host would measure for s in a
// viewport of the given size.
func FitLayout(s *Slot, viewportW, viewportH float64) viewport.Layout {
	l := viewport.Layout{ViewportWidth: viewportW, ViewportHeight: viewportH}
	if s.raster != nil {
		b := s.raster.Bounds()
		l.DisplayedWidth, _ = viewport.FitCenter(float64(b.Dx()), float64(b.Dy()), viewportW, viewportH)
	}
	return l
}

// Gesture applies a user transform change on s. It reports whether the
// synchronizer accepted it as the new shared transform.
func (p *Pool) Gesture(s *Slot, m viewport.Transform) bool {
	if p.closed {
		return false
	}
	s.transform = m
	return p.sync.Capture(s, m)
}

// Zoom is a pinch gesture of factor around (fx, fy).
func (p *Pool) Zoom(s *Slot, factor, fx, fy float64) bool {
	return p.Gesture(s, viewport.ZoomAbout(s.transform, factor, fx, fy))
}

// Pan is a drag gesture by (dx, dy).
func (p *Pool) Pan(s *Slot, dx, dy float64) bool {
	return p.Gesture(s, viewport.Pan(s.transform, dx, dy))
}

// SetActive records the most visible page.
func (p *Pool) SetActive(index int) {
	p.sync.SetActive(index)
}

// Status snapshots every slot.
func (p *Pool) Status() []SlotStatus {
	out := make([]SlotStatus, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s.Status())
	}
	return out
}

// Close unbinds and releases every slot. Renders still in flight are
// discarded when they arrive. Close is idempotent.
func (p *Pool) Close() {
	if p.closed {
		return
	}
	p.closed = true
	for _, s := range p.slots {
		s.ready = false
		s.generation++
		s.clear()
		p.sync.Unregister(s)
	}
	p.logger.Debug("Page pool closed", "slots", len(p.slots))
}
