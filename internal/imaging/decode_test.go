package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestIsDICOM(t *testing.T) {
	magic := make([]byte, 132)
	copy(magic[128:], "DICM")

	assert.True(t, IsDICOM("scan.dcm", "", nil))
	assert.True(t, IsDICOM("scan.DCM", "", nil))
	assert.True(t, IsDICOM("scan", "application/dicom", nil))
	assert.True(t, IsDICOM("scan.bin", "application/octet-stream", magic))
	assert.False(t, IsDICOM("photo.jpg", "image/jpeg", []byte("\xff\xd8\xff")))
	assert.False(t, IsDICOM("", "", nil))
}

func TestDecodeEmpty(t *testing.T) {
	_, err := Decode(nil, "x.png", "image/png")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("not an image"), "x.png", "image/png")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestDecodeGarbageDICOM(t *testing.T) {
	_, err := Decode([]byte("definitely not dicom"), "x.dcm", "")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}

func TestDecodeUniformPNG(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 256, 256))
	for i := range src.Pix {
		src.Pix[i] = 128
	}

	img, err := Decode(pngBytes(t, src), "gray.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 256, img.Bounds().Dy())
	for _, v := range img.Pix {
		assert.Equal(t, uint8(128), v)
	}
}

func TestDecodeColorUsesLuminance(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			src.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	img, err := Decode(pngBytes(t, src), "red.png", "image/png")
	require.NoError(t, err)
	// 0.299 * 255 ~ 76
	assert.InDelta(t, 76, float64(img.Pix[0]), 1.0)
}

func TestScaleToUint8(t *testing.T) {
	out := scaleToUint8([]float64{0, 5, 10})
	assert.Equal(t, []uint8{0, 128, 255}, out)
}

func TestScaleToUint8FlatRange(t *testing.T) {
	out := scaleToUint8([]float64{7, 7, 7})
	assert.Equal(t, []uint8{0, 0, 0}, out)
}

func TestScaleToUint8Empty(t *testing.T) {
	assert.Empty(t, scaleToUint8(nil))
}

func TestScaleToUint8SixteenBitRange(t *testing.T) {
	// 16-bit radiological range compresses linearly into 8 bits.
	out := scaleToUint8([]float64{0, 32767.5, 65535})
	assert.Equal(t, []uint8{0, 128, 255}, out)
}
