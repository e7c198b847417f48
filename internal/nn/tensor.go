// Package nn implements the minimal neural-network runtime used by the
// classifier: a flat float32 tensor type, the layer kinds DenseNet needs,
// the DenseNet-121 topology itself and its weight-file handling.
//
// Everything here operates on single samples (no batch dimension) and is
// strictly deterministic: same parameters and same input produce the same
// bytes on every call.
package nn

import "fmt"

// Tensor is a dense float32 array with an explicit shape. Data is laid out
// row-major, e.g. a (C, H, W) tensor indexes as c*H*W + y*W + x.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zero-filled tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// NumElements returns the total element count.
func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Clone returns an independent deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	copy(out.Data, t.Data)
	return out
}

// ShapeEquals reports whether the tensor has exactly the given shape.
func (t *Tensor) ShapeEquals(shape ...int) bool {
	if len(t.Shape) != len(shape) {
		return false
	}
	for i, d := range shape {
		if t.Shape[i] != d {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// ConcatChannels concatenates two (C, H, W) tensors along the channel axis.
// Spatial dimensions must match; this is the dense-block feature reuse
// primitive.
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 3 || len(b.Shape) != 3 {
		return nil, fmt.Errorf("nn: concat expects rank-3 tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[1] || a.Shape[2] != b.Shape[2] {
		return nil, fmt.Errorf("nn: concat spatial mismatch: %v vs %v", a.Shape, b.Shape)
	}
	out := NewTensor(a.Shape[0]+b.Shape[0], a.Shape[1], a.Shape[2])
	copy(out.Data, a.Data)
	copy(out.Data[len(a.Data):], b.Data)
	return out, nil
}
