package imaging

import (
	"image"

	"github.com/nfnt/resize"

	"github.com/radassist/chexray-api/internal/nn"
)

// Input geometry and normalization constants the network was trained with.
// The mean/std pairs are the standard ImageNet pretraining values.
const (
	InputSize     = 224
	resizeShortTo = 256
)

var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess converts a decoded grayscale image into the model input:
// shortest side resized to 256 (Lanczos), center-cropped to 224x224,
// replicated to 3 channels, scaled to [0,1] and normalized per channel.
// The result always has shape (3, 224, 224); it is a pure function of the
// input pixels.
func Preprocess(img *image.Gray) (*nn.Tensor, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, &ShapeError{Got: []int{1, h, w}}
	}

	var newW, newH int
	if w <= h {
		newW = resizeShortTo
		newH = scaleDim(h, w)
	} else {
		newH = resizeShortTo
		newW = scaleDim(w, h)
	}
	resized := resize.Resize(uint(newW), uint(newH), img, resize.Lanczos3)

	cropX := (newW - InputSize) / 2
	cropY := (newH - InputSize) / 2

	t := nn.NewTensor(3, InputSize, InputSize)
	plane := InputSize * InputSize
	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			r, _, _, _ := resized.At(cropX+x, cropY+y).RGBA()
			v := float32(r>>8) / 255.0
			idx := y*InputSize + x
			for c := 0; c < 3; c++ {
				t.Data[c*plane+idx] = (v - channelMean[c]) / channelStd[c]
			}
		}
	}

	if !t.ShapeEquals(3, InputSize, InputSize) {
		return nil, &ShapeError{Got: t.Shape}
	}
	return t, nil
}

// scaleDim scales the long side to keep aspect ratio when the short side
// becomes resizeShortTo, rounding to nearest.
func scaleDim(long, short int) int {
	d := (long*resizeShortTo + short/2) / short
	if d < resizeShortTo {
		d = resizeShortTo
	}
	return d
}
