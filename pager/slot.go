// Package pager binds a small, reused set of display slots to arbitrary
// pages of an open document.
package pager

import (
	"errors"
	"image"
	"math"

	"github.com/gogpu/gg"

	"github.com/drummonds/pdfpager/viewport"
)

// Unbound is the bound index of a slot that shows no page.
const Unbound = -1

// ErrBlank is returned when composing a slot that has no raster.
var ErrBlank = errors.New("slot has no raster")

// Slot is one reusable display surface. Slots are only touched from the
// session's foreground loop.
type Slot struct {
	id         int
	boundIndex int
	ready      bool
	generation uint64

	raster        image.Image
	transform     viewport.Transform
	layout        viewport.Layout
	measuredWidth int

	// pending is the generation whose post-layout continuation is still
	// owed, or 0 when none is scheduled.
	pending uint64

	onChange func(*Slot, viewport.Transform)
}

func newSlot(id int, onChange func(*Slot, viewport.Transform)) *Slot {
	return &Slot{
		id:         id,
		boundIndex: Unbound,
		transform:  viewport.Identity(),
		onChange:   onChange,
	}
}

func (s *Slot) ID() int         { return s.id }
func (s *Slot) BoundIndex() int { return s.boundIndex }

// Ready reports whether the slot takes part in transform updates. It is
// false from the moment of a (re)bind until that bind's layout continuation
// has run.
func (s *Slot) Ready() bool { return s.ready }

func (s *Slot) Generation() uint64            { return s.generation }
func (s *Slot) Raster() image.Image           { return s.raster }
func (s *Slot) Transform() viewport.Transform { return s.transform }
func (s *Slot) Layout() viewport.Layout       { return s.layout }
func (s *Slot) MeasuredWidth() int            { return s.measuredWidth }
func (s *Slot) AwaitingLayout() bool          { return s.pending != 0 && s.pending == s.generation }

// SetTransform replaces the display transform and notifies the change
// listener, the same path a user gesture takes.
func (s *Slot) SetTransform(m viewport.Transform) {
	s.transform = m
	if s.onChange != nil {
		s.onChange(s, m)
	}
}

func (s *Slot) clear() {
	s.boundIndex = Unbound
	s.raster = nil
	s.pending = 0
	s.transform = viewport.Identity()
}

// SlotStatus is a read-only view of a slot.
type SlotStatus struct {
	ID           int     `json:"id"`
	Index        int     `json:"index"`
	Ready        bool    `json:"ready"`
	Generation   uint64  `json:"generation"`
	RasterWidth  int     `json:"rasterWidth"`
	RasterHeight int     `json:"rasterHeight"`
	Scale        float64 `json:"scale"`
	TranslateX   float64 `json:"translateX"`
	TranslateY   float64 `json:"translateY"`
}

// Status snapshots the slot.
func (s *Slot) Status() SlotStatus {
	st := SlotStatus{
		ID:         s.id,
		Index:      s.boundIndex,
		Ready:      s.ready,
		Generation: s.generation,
		Scale:      viewport.ScaleOf(s.transform),
		TranslateX: s.transform.C,
		TranslateY: s.transform.F,
	}
	if s.raster != nil {
		b := s.raster.Bounds()
		st.RasterWidth, st.RasterHeight = b.Dx(), b.Dy()
	}
	return st
}

// Compose draws the raster fit-centered into the slot's viewport and then
// through the current transform, producing what the slot would display.
// Without a reported layout the raster's own size is used as the viewport.
func (s *Slot) Compose() (image.Image, error) {
	if s.raster == nil {
		return nil, ErrBlank
	}
	b := s.raster.Bounds()
	vw, vh := s.layout.ViewportWidth, s.layout.ViewportHeight
	if vw < 1 || vh < 1 {
		vw, vh = float64(b.Dx()), float64(b.Dy())
	}
	w, h := viewport.FitCenter(float64(b.Dx()), float64(b.Dy()), vw, vh)

	dc := gg.NewContext(int(math.Round(vw)), int(math.Round(vh)))
	defer dc.Close()
	dc.ClearWithColor(gg.White)
	dc.SetTransform(s.transform)
	dc.DrawImageEx(gg.ImageBufFromImage(s.raster), gg.DrawImageOptions{
		X:             (vw - w) / 2,
		Y:             (vh - h) / 2,
		DstWidth:      w,
		DstHeight:     h,
		Interpolation: gg.InterpBilinear,
	})
	return dc.Image(), nil
}
