package facematch

// NormalizedRect is a rectangle expressed as fractions of the image size.
type NormalizedRect struct {
	Top    float64
	Left   float64
	Right  float64
	Bottom float64
}

// Valid reports whether the rectangle is non-empty and inside [0,1].
func (r NormalizedRect) Valid() bool {
	return r.Left >= 0 && r.Top >= 0 && r.Right <= 1 && r.Bottom <= 1 &&
		r.Left < r.Right && r.Top < r.Bottom
}

// Center returns the rectangle's center point.
func (r NormalizedRect) Center() (float64, float64) {
	return (r.Left + r.Right) / 2, (r.Top + r.Bottom) / 2
}

// Contains reports whether the point lies inside the rectangle, edges included.
func (r NormalizedRect) Contains(x, y float64) bool {
	return x >= r.Left && x <= r.Right && y >= r.Top && y <= r.Bottom
}

// RectFromMarker converts a PhotoPrism marker (X, Y, W, H) to a NormalizedRect.
func RectFromMarker(x, y, w, h float64) NormalizedRect {
	return NormalizedRect{
		Top:    y,
		Left:   x,
		Right:  x + w,
		Bottom: y + h,
	}
}

// ConvertPixelBBoxToDisplayRelative converts a pixel bounding box to relative
// coordinates in display space.
//
// PhotoPrism reports raw file dimensions which must be swapped for orientations 5-8
// (90° rotations). The embedding service auto-rotates images based on EXIF orientation
// before face detection, so bbox coordinates are already in display space and only
// need dividing by the display dimensions.
func ConvertPixelBBoxToDisplayRelative(x1, y1, x2, y2 float64, fileWidth, fileHeight, orientation int) (NormalizedRect, bool) {
	if fileWidth <= 0 || fileHeight <= 0 {
		return NormalizedRect{}, false
	}

	displayWidth, displayHeight := fileWidth, fileHeight
	if orientation >= 5 && orientation <= 8 {
		displayWidth, displayHeight = fileHeight, fileWidth
	}

	rect := NormalizedRect{
		Top:    clamp01(y1 / float64(displayHeight)),
		Left:   clamp01(x1 / float64(displayWidth)),
		Right:  clamp01(x2 / float64(displayWidth)),
		Bottom: clamp01(y2 / float64(displayHeight)),
	}
	return rect, rect.Valid()
}

// Relative returns the box in normalized display coordinates.
func (b Box) Relative() (NormalizedRect, bool) {
	return ConvertPixelBBoxToDisplayRelative(b.X1, b.Y1, b.X2, b.Y2, b.ImageWidth, b.ImageHeight, b.Orientation)
}

// clamp01 pulls detections that spill slightly past the frame back inside it.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
