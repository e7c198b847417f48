package nn

import "math"

// Conv2d is a 2D convolution without bias (DenseNet convolutions carry no
// bias term; the following batch norm absorbs it).
type Conv2d struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int

	// Weight has shape (OutChannels, InChannels, Kernel, Kernel).
	Weight *Tensor
}

// NewConv2d allocates a convolution with zeroed weights.
func NewConv2d(in, out, kernel, stride, padding int) *Conv2d {
	return &Conv2d{
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      NewTensor(out, in, kernel, kernel),
	}
}

// Forward applies the convolution to a (C, H, W) input, zero-padded.
func (c *Conv2d) Forward(x *Tensor) *Tensor {
	h, w := x.Shape[1], x.Shape[2]
	outH := (h+2*c.Padding-c.Kernel)/c.Stride + 1
	outW := (w+2*c.Padding-c.Kernel)/c.Stride + 1
	out := NewTensor(c.OutChannels, outH, outW)

	k := c.Kernel
	for oc := 0; oc < c.OutChannels; oc++ {
		wBase := oc * c.InChannels * k * k
		for oy := 0; oy < outH; oy++ {
			iy0 := oy*c.Stride - c.Padding
			for ox := 0; ox < outW; ox++ {
				ix0 := ox*c.Stride - c.Padding
				var sum float64
				for ic := 0; ic < c.InChannels; ic++ {
					xBase := ic * h * w
					wc := wBase + ic*k*k
					for ky := 0; ky < k; ky++ {
						iy := iy0 + ky
						if iy < 0 || iy >= h {
							continue
						}
						xRow := xBase + iy*w
						wRow := wc + ky*k
						for kx := 0; kx < k; kx++ {
							ix := ix0 + kx
							if ix < 0 || ix >= w {
								continue
							}
							sum += float64(x.Data[xRow+ix]) * float64(c.Weight.Data[wRow+kx])
						}
					}
				}
				out.Data[oc*outH*outW+oy*outW+ox] = float32(sum)
			}
		}
	}
	return out
}

// BatchNorm2d normalizes each channel with its running statistics. There is
// no training path; Forward always behaves like eval mode.
type BatchNorm2d struct {
	Channels int
	Eps      float64

	Weight      *Tensor // gamma, shape (C)
	Bias        *Tensor // beta, shape (C)
	RunningMean *Tensor // shape (C)
	RunningVar  *Tensor // shape (C)
}

// NewBatchNorm2d allocates a batch norm initialized to the identity
// transform (gamma 1, beta 0, mean 0, var 1).
func NewBatchNorm2d(channels int) *BatchNorm2d {
	bn := &BatchNorm2d{
		Channels:    channels,
		Eps:         1e-5,
		Weight:      NewTensor(channels),
		Bias:        NewTensor(channels),
		RunningMean: NewTensor(channels),
		RunningVar:  NewTensor(channels),
	}
	for i := 0; i < channels; i++ {
		bn.Weight.Data[i] = 1
		bn.RunningVar.Data[i] = 1
	}
	return bn
}

// Forward returns a new tensor; the input is left untouched so concatenated
// block features can be shared across layers safely.
func (b *BatchNorm2d) Forward(x *Tensor) *Tensor {
	h, w := x.Shape[1], x.Shape[2]
	out := NewTensor(x.Shape...)
	plane := h * w
	for c := 0; c < b.Channels; c++ {
		invStd := 1.0 / math.Sqrt(float64(b.RunningVar.Data[c])+b.Eps)
		scale := float64(b.Weight.Data[c]) * invStd
		shift := float64(b.Bias.Data[c]) - float64(b.RunningMean.Data[c])*scale
		base := c * plane
		for i := 0; i < plane; i++ {
			out.Data[base+i] = float32(float64(x.Data[base+i])*scale + shift)
		}
	}
	return out
}

// ReLUInPlace clamps negatives to zero in place.
func ReLUInPlace(t *Tensor) {
	for i, v := range t.Data {
		if v < 0 {
			t.Data[i] = 0
		}
	}
}

// MaxPool2d is a max pooling layer with zero padding.
type MaxPool2d struct {
	Kernel  int
	Stride  int
	Padding int
}

// Forward applies max pooling over each channel of a (C, H, W) input.
// Padded positions never win: the max starts from the first in-bounds value.
func (p *MaxPool2d) Forward(x *Tensor) *Tensor {
	ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	outH := (h+2*p.Padding-p.Kernel)/p.Stride + 1
	outW := (w+2*p.Padding-p.Kernel)/p.Stride + 1
	out := NewTensor(ch, outH, outW)

	for c := 0; c < ch; c++ {
		base := c * h * w
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := float32(math.Inf(-1))
				seen := false
				for ky := 0; ky < p.Kernel; ky++ {
					iy := oy*p.Stride - p.Padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < p.Kernel; kx++ {
						ix := ox*p.Stride - p.Padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						v := x.Data[base+iy*w+ix]
						if !seen || v > best {
							best = v
							seen = true
						}
					}
				}
				if !seen {
					best = 0
				}
				out.Data[c*outH*outW+oy*outW+ox] = best
			}
		}
	}
	return out
}

// AvgPool2d is an average pooling layer without padding, as used by the
// dense-block transitions.
type AvgPool2d struct {
	Kernel int
	Stride int
}

// Forward applies average pooling over each channel of a (C, H, W) input.
func (p *AvgPool2d) Forward(x *Tensor) *Tensor {
	ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	outH := (h-p.Kernel)/p.Stride + 1
	outW := (w-p.Kernel)/p.Stride + 1
	out := NewTensor(ch, outH, outW)
	norm := 1.0 / float64(p.Kernel*p.Kernel)

	for c := 0; c < ch; c++ {
		base := c * h * w
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				var sum float64
				for ky := 0; ky < p.Kernel; ky++ {
					row := base + (oy*p.Stride+ky)*w + ox*p.Stride
					for kx := 0; kx < p.Kernel; kx++ {
						sum += float64(x.Data[row+kx])
					}
				}
				out.Data[c*outH*outW+oy*outW+ox] = float32(sum * norm)
			}
		}
	}
	return out
}

// GlobalAvgPool collapses a (C, H, W) tensor to a length-C vector.
func GlobalAvgPool(x *Tensor) []float32 {
	ch, plane := x.Shape[0], x.Shape[1]*x.Shape[2]
	out := make([]float32, ch)
	for c := 0; c < ch; c++ {
		var sum float64
		base := c * plane
		for i := 0; i < plane; i++ {
			sum += float64(x.Data[base+i])
		}
		out[c] = float32(sum / float64(plane))
	}
	return out
}

// Linear is a fully connected layer with bias.
type Linear struct {
	InFeatures  int
	OutFeatures int

	Weight *Tensor // shape (OutFeatures, InFeatures)
	Bias   *Tensor // shape (OutFeatures)
}

// NewLinear allocates a linear layer with zeroed parameters.
func NewLinear(in, out int) *Linear {
	return &Linear{
		InFeatures:  in,
		OutFeatures: out,
		Weight:      NewTensor(out, in),
		Bias:        NewTensor(out),
	}
}

// Forward computes Wx + b for a length-InFeatures vector.
func (l *Linear) Forward(x []float32) []float32 {
	out := make([]float32, l.OutFeatures)
	for o := 0; o < l.OutFeatures; o++ {
		sum := float64(l.Bias.Data[o])
		row := o * l.InFeatures
		for i := 0; i < l.InFeatures; i++ {
			sum += float64(l.Weight.Data[row+i]) * float64(x[i])
		}
		out[o] = float32(sum)
	}
	return out
}
