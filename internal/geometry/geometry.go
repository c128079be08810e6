package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ContentOffsetPx is the fixed inset, in pixels, between a placement's visual
// bounding box and the signature image inside it (frame padding plus border).
// The same inset must be applied on every pixel->normalized conversion and
// removed on every normalized->pixel conversion, on both axes, or repeated
// edits drift.
const ContentOffsetPx = 5.0

// MinSizePx is the smallest bounding box edge a resize gesture may produce.
const MinSizePx = 40.0

var (
	// ErrInvalidParentSize indicates that a parent dimension is not positive.
	ErrInvalidParentSize = errors.New("geometry: invalid parent size")
)

// PixelBox is a placement's bounding box in display pixels, relative to the
// top-left corner of the rendered page.
type PixelBox struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// NormalizedBox is a placement's inner-image geometry in document-relative
// coordinates, each component in [0,1] against the page dimensions.
type NormalizedBox struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// ParentSize carries the rendered page dimensions in pixels.
type ParentSize struct {
	Width  float64
	Height float64
}

// Validate reports whether the parent dimensions can anchor a conversion.
func (p ParentSize) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("%w: %.2fx%.2f", ErrInvalidParentSize, p.Width, p.Height)
	}
	return nil
}

// ToNormalized converts a pixel bounding box to normalized inner-image
// coordinates under the fixed content offset convention.
func ToNormalized(box PixelBox, parent ParentSize) (NormalizedBox, error) {
	if err := parent.Validate(); err != nil {
		return NormalizedBox{}, err
	}
	return NormalizedBox{
		X:      (box.X + ContentOffsetPx) / parent.Width,
		Y:      (box.Y + ContentOffsetPx) / parent.Height,
		Width:  (box.Width - 2*ContentOffsetPx) / parent.Width,
		Height: (box.Height - 2*ContentOffsetPx) / parent.Height,
	}, nil
}

// ToPixel converts normalized inner-image coordinates back to the pixel
// bounding box. It is the exact inverse of ToNormalized for a given parent.
func ToPixel(box NormalizedBox, parent ParentSize) (PixelBox, error) {
	if err := parent.Validate(); err != nil {
		return PixelBox{}, err
	}
	return PixelBox{
		X:      box.X*parent.Width - ContentOffsetPx,
		Y:      box.Y*parent.Height - ContentOffsetPx,
		Width:  box.Width*parent.Width + 2*ContentOffsetPx,
		Height: box.Height*parent.Height + 2*ContentOffsetPx,
	}, nil
}

// Translate returns the box shifted by the given pixel deltas.
func (b PixelBox) Translate(dx, dy float64) PixelBox {
	return PixelBox{X: b.X + dx, Y: b.Y + dy, Width: b.Width, Height: b.Height}
}

// Intersects reports whether two axis-aligned pixel boxes overlap.
func (b PixelBox) Intersects(other PixelBox) bool {
	if b.X+b.Width <= other.X || other.X+other.Width <= b.X {
		return false
	}
	if b.Y+b.Height <= other.Y || other.Y+other.Height <= b.Y {
		return false
	}
	return true
}

// ResizeEdge identifies which edge or corner a resize gesture grabbed. The
// opposite edge stays fixed while the grabbed edge follows the pointer.
type ResizeEdge int

const (
	EdgeRight ResizeEdge = iota
	EdgeLeft
	EdgeBottom
	EdgeTop
	EdgeBottomRight
	EdgeBottomLeft
	EdgeTopRight
	EdgeTopLeft
)

func (e ResizeEdge) movesLeft() bool {
	return e == EdgeLeft || e == EdgeBottomLeft || e == EdgeTopLeft
}

func (e ResizeEdge) movesTop() bool {
	return e == EdgeTop || e == EdgeTopRight || e == EdgeTopLeft
}

func (e ResizeEdge) horizontal() bool {
	return e != EdgeTop && e != EdgeBottom
}

func (e ResizeEdge) vertical() bool {
	return e != EdgeLeft && e != EdgeRight
}

// Resize applies pointer deltas to the box for the grabbed edge, keeping the
// opposite edge anchored, enforcing the minimum size floor and, when
// aspectRatio is positive, preserving the width/height ratio.
func Resize(box PixelBox, edge ResizeEdge, dx, dy float64, aspectRatio float64) PixelBox {
	result := box

	if edge.horizontal() {
		width := box.Width
		if edge.movesLeft() {
			width = box.Width - dx
		} else {
			width = box.Width + dx
		}
		width = math.Max(width, MinSizePx)
		if edge.movesLeft() {
			result.X = box.X + (box.Width - width)
		}
		result.Width = width
	}

	if edge.vertical() {
		height := box.Height
		if edge.movesTop() {
			height = box.Height - dy
		} else {
			height = box.Height + dy
		}
		height = math.Max(height, MinSizePx)
		if edge.movesTop() {
			result.Y = box.Y + (box.Height - height)
		}
		result.Height = height
	}

	if aspectRatio > 0 {
		result = lockAspect(result, box, edge, aspectRatio)
	}

	return result
}

// lockAspect re-derives the non-dominant axis from the dominant one so the
// box keeps the given width/height ratio. The anchored edges stay put.
func lockAspect(result, original PixelBox, edge ResizeEdge, ratio float64) PixelBox {
	locked := result
	if edge.horizontal() {
		height := math.Max(result.Width/ratio, MinSizePx)
		if edge.movesTop() {
			locked.Y = original.Y + (original.Height - height)
		}
		locked.Height = height
	} else {
		width := math.Max(result.Height*ratio, MinSizePx)
		if edge.movesLeft() {
			locked.X = original.X + (original.Width - width)
		}
		locked.Width = width
	}
	return locked
}
