// Package inference wraps the external detection capability. The model
// itself runs elsewhere; this package decodes images, bounds concurrency
// and classifies failures.
package inference

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

var (
	ErrDecode             = fmt.Errorf("%w: image could not be decoded", types.ErrInput)
	ErrNoDetections       = fmt.Errorf("%w: no faces detected", types.ErrInput)
	ErrBackendUnreachable = fmt.Errorf("%w: inference backend unreachable", types.ErrUpstreamUnavailable)
)

// Engine runs detection on a decoded image
type Engine interface {
	Infer(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// EngineFunc adapts a function to Engine
type EngineFunc func(ctx context.Context, img image.Image) ([]types.Detection, error)

func (f EngineFunc) Infer(ctx context.Context, img image.Image) ([]types.Detection, error) {
	return f(ctx, img)
}

// Decode parses image bytes, applying EXIF orientation
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Prepare shrinks img so its longer side is at most maxSide. It returns
// the factor that maps prepared coordinates back to the original.
func Prepare(img image.Image, maxSide int) (image.Image, float64) {
	b := img.Bounds()
	longest := b.Dx()
	if b.Dy() > longest {
		longest = b.Dy()
	}
	if maxSide <= 0 || longest <= maxSide {
		return img, 1
	}
	resized := imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)
	return resized, float64(longest) / float64(maxSide)
}

// Run decodes data, runs engine and returns detections in the original
// image's coordinates. Zero detections is an error.
func Run(ctx context.Context, engine Engine, data []byte, maxSide int) ([]types.Detection, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	prepared, scale := Prepare(img, maxSide)

	detections, err := engine.Infer(ctx, prepared)
	if err != nil {
		return nil, err
	}
	if len(detections) == 0 {
		return nil, ErrNoDetections
	}
	if scale != 1 {
		for i := range detections {
			rescale(&detections[i], scale)
		}
	}
	return detections, nil
}

func rescale(d *types.Detection, s float64) {
	for i := range d.BBox {
		d.BBox[i] *= s
	}
	for i := range d.Landmark2D106 {
		d.Landmark2D106[i].X *= s
		d.Landmark2D106[i].Y *= s
	}
	for i := range d.Landmark3D68 {
		d.Landmark3D68[i].X *= s
		d.Landmark3D68[i].Y *= s
		d.Landmark3D68[i].Z *= s
	}
}
