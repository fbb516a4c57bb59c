package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Downscale shrinks an image so that its longest side is at most maxSize and re-encodes it
// as JPEG. It returns the factor that maps pixel coordinates of the result back to the
// original. Images that already fit, and a maxSize of 0, are returned unchanged with a
// factor of 1.
func Downscale(imageData []byte, maxSize int) ([]byte, float64, error) {
	if maxSize <= 0 {
		return imageData, 1, nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(imageData))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode image header: %w", err)
	}
	longest := max(cfg.Width, cfg.Height)
	if longest <= maxSize {
		return imageData, 1, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = max(1, height*maxSize/width)
	} else {
		newHeight = maxSize
		newWidth = max(1, width*maxSize/height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 92}); err != nil {
		return nil, 0, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), float64(width) / float64(newWidth), nil
}

// ScaleBBox maps a [x1, y1, x2, y2] box by factor.
func ScaleBBox(bbox []float64, factor float64) []float64 {
	out := make([]float64, len(bbox))
	for i, v := range bbox {
		out[i] = v * factor
	}
	return out
}
