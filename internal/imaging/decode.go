// Package imaging turns uploaded bytes (DICOM or ordinary photographic
// formats) into an 8-bit grayscale image and that image into the normalized
// input tensor the classifier expects.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/floats"
)

// DecodeError marks malformed or unsupported image bytes. Decoding is
// deterministic, so these are client errors and never retried.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Msg, e.Err)
	}
	return "decode: " + e.Msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(msg string, err error) error {
	return &DecodeError{Msg: msg, Err: err}
}

// ShapeError marks a preprocessed tensor that violates the fixed input
// contract. It indicates a pipeline bug, fatal to the request only.
type ShapeError struct {
	Got []int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("preprocess: tensor shape %v, want (3, %d, %d)", e.Got, InputSize, InputSize)
}

// IsDICOM reports whether an upload should take the DICOM decode path,
// judged by filename extension, declared content type, or the DICM preamble
// magic at offset 128.
func IsDICOM(filename, contentType string, data []byte) bool {
	if strings.HasSuffix(strings.ToLower(filename), ".dcm") {
		return true
	}
	if strings.Contains(strings.ToLower(contentType), "dicom") {
		return true
	}
	return len(data) >= 132 && string(data[128:132]) == "DICM"
}

// Decode converts uploaded bytes into an 8-bit grayscale image. Filename
// and content type only select the decode path; the bytes decide everything
// else.
func Decode(data []byte, filename, contentType string) (*image.Gray, error) {
	if len(data) == 0 {
		return nil, decodeErr("empty file", nil)
	}
	if IsDICOM(filename, contentType, data) {
		return decodeDICOM(data)
	}
	return decodePhoto(data)
}

func decodeDICOM(data []byte) (*image.Gray, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, decodeErr("invalid DICOM", err)
	}

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, decodeErr("DICOM has no pixel data", err)
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, decodeErr("unexpected DICOM pixel data value", nil)
	}
	if info.IsEncapsulated {
		return nil, decodeErr("compressed DICOM transfer syntaxes are not supported", nil)
	}
	if len(info.Frames) == 0 {
		return nil, decodeErr("DICOM contains no frames", nil)
	}

	// Multi-frame studies use the first frame as the representative slice.
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return nil, decodeErr("DICOM native frame", err)
	}
	rows, cols := native.Rows, native.Cols
	if rows <= 0 || cols <= 0 || len(native.Data) < rows*cols {
		return nil, decodeErr("DICOM frame geometry is inconsistent", nil)
	}

	samples := make([]float64, rows*cols)
	for i := range samples {
		// Color DICOM is reduced to its first sample per pixel.
		samples[i] = float64(native.Data[i][0])
	}

	pixels := scaleToUint8(samples)
	if isMonochrome1(ds) {
		for i, v := range pixels {
			pixels[i] = 255 - v
		}
	}

	img := image.NewGray(image.Rect(0, 0, cols, rows))
	copy(img.Pix, pixels)
	return img, nil
}

// isMonochrome1 reports whether PhotometricInterpretation is MONOCHROME1,
// where low stored values render white and the display range is inverted.
func isMonochrome1(ds dicom.Dataset) bool {
	el, err := ds.FindElementByTag(tag.PhotometricInterpretation)
	if err != nil {
		return false
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(vals[0]), "MONOCHROME1")
}

// scaleToUint8 linearly rescales arbitrary sample values into 0..255.
// Non-finite samples map to zero; a flat range yields all zeros.
func scaleToUint8(samples []float64) []uint8 {
	out := make([]uint8, len(samples))
	if len(samples) == 0 {
		return out
	}

	finite := make([]float64, 0, len(samples))
	for _, v := range samples {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		return out
	}

	min, max := floats.Min(finite), floats.Max(finite)
	span := max - min
	if span <= 0 {
		return out
	}
	for i, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		scaled := (v - min) / span
		if scaled < 0 {
			scaled = 0
		} else if scaled > 1 {
			scaled = 1
		}
		out[i] = uint8(scaled*255 + 0.5)
	}
	return out
}

func decodePhoto(data []byte) (*image.Gray, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, decodeErr("unsupported image format (expected JPEG, PNG or DICOM)", err)
	}
	return ToGray(src), nil
}

// ToGray converts any decoded image to 8-bit grayscale using the standard
// 0.299/0.587/0.114 luminance weights.
func ToGray(src image.Image) *image.Gray {
	b := src.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			lum := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8)
			if lum > 255 {
				lum = 255
			}
			out.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: uint8(lum + 0.5)})
		}
	}
	return out
}
