package cam

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// maxAlpha caps overlay opacity at a visible but not overpowering level.
const maxAlpha = 192.0

// OverlayDataURI renders the heatmap over the original image and returns a
// base64 PNG data URI. The heatmap is bilinearly upsampled to the image
// size and composited as a red layer whose alpha follows the heat.
func OverlayDataURI(h *Heatmap, original image.Image) (string, error) {
	encoded, err := Overlay(h, original)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(encoded), nil
}

// Overlay returns PNG bytes of the heatmap composited over the original.
func Overlay(h *Heatmap, original image.Image) ([]byte, error) {
	if h == nil || h.H == 0 || h.W == 0 {
		return nil, fmt.Errorf("cam: empty heatmap")
	}
	bounds := original.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("cam: empty base image")
	}

	// Heatmap as an 8-bit gray image at feature-map resolution.
	hm := image.NewGray(image.Rect(0, 0, h.W, h.H))
	for i, v := range h.Data {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		hm.Pix[i] = uint8(v*255 + 0.5)
	}

	// Bilinear upsample to the display size.
	scaled := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.BiLinear.Scale(scaled, scaled.Bounds(), hm, hm.Bounds(), xdraw.Src, nil)

	// Base in RGBA, then a red layer with heat-proportional alpha on top.
	base := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	stddraw.Draw(base, base.Bounds(), original, bounds.Min, stddraw.Src)

	heat := image.NewNRGBA(base.Bounds())
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			a := uint8(float64(scaled.GrayAt(x, y).Y) * (maxAlpha / 255.0))
			heat.SetNRGBA(x, y, color.NRGBA{R: 255, A: a})
		}
	}
	stddraw.Draw(base, base.Bounds(), heat, image.Point{}, stddraw.Over)

	var buf bytes.Buffer
	if err := png.Encode(&buf, base); err != nil {
		return nil, fmt.Errorf("cam: encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}
