// Package viewport keeps one zoom/pan transform shared by every page slot,
// so a recycled list of pages behaves like a single continuous canvas.
package viewport

import (
	"math"

	"github.com/gogpu/gg"
)

// Transform is a 2D affine transform (scale + translation in practice).
type Transform = gg.Matrix

// Identity returns the transform that leaves a page at its fitted size.
func Identity() Transform {
	return gg.Identity()
}

// Layout is the geometry a slot reports after its layout pass.
type Layout struct {
	ViewportWidth  float64 `json:"viewportWidth"`
	ViewportHeight float64 `json:"viewportHeight"`
	// DisplayedWidth is the natural on-screen width of the page image
	// before any zoom is applied.
	DisplayedWidth float64 `json:"displayedWidth"`
}

// FitCenter returns the on-screen size of an imgW x imgH image scaled to
// fit entirely inside the viewport, keeping its aspect ratio.
func FitCenter(imgW, imgH, viewportW, viewportH float64) (w, h float64) {
	if imgW <= 0 || imgH <= 0 || viewportW <= 0 || viewportH <= 0 {
		return 0, 0
	}
	s := math.Min(viewportW/imgW, viewportH/imgH)
	return imgW * s, imgH * s
}

// ZoomAbout scales m by factor around the focus point (fx, fy).
func ZoomAbout(m Transform, factor, fx, fy float64) Transform {
	return gg.Translate(fx, fy).
		Multiply(gg.Scale(factor, factor)).
		Multiply(gg.Translate(-fx, -fy)).
		Multiply(m)
}

// Pan translates m by (dx, dy) in screen space.
func Pan(m Transform, dx, dy float64) Transform {
	return gg.Translate(dx, dy).Multiply(m)
}

// ScaleOf returns the uniform scale factor of m.
func ScaleOf(m Transform) float64 {
	return math.Hypot(m.A, m.D)
}
