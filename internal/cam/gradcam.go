// Package cam computes gradient-weighted class activation maps for the
// DenseNet classifier and renders them as red-tinted overlays on the
// original image. Everything here is best-effort from the caller's point of
// view: a failed explanation never blocks classification.
package cam

import (
	"fmt"
	"math"

	"github.com/radassist/chexray-api/internal/nn"
)

// Heatmap is a class-discriminative attribution map at feature-map
// resolution, normalized into [0,1]. An all-zero map is a valid outcome:
// no region contributed positively to the target class.
type Heatmap struct {
	H, W int
	Data []float32
}

// IsZero reports whether no salient region was found.
func (h *Heatmap) IsZero() bool {
	for _, v := range h.Data {
		if v != 0 {
			return false
		}
	}
	return true
}

// Compute derives a Grad-CAM heatmap for the target label from the retained
// final feature activation (pre-relu, shape C x H x W) and the classifier
// head weight (numClasses x C).
//
// The gradient of the target logit with respect to the activation is
// back-propagated analytically through the head: linear layer, global
// average pool, and the relu applied to the activation. Channel importance
// weights are the spatial mean of that gradient; the map is the rectified
// weighted sum of the activation channels, normalized by its maximum.
func Compute(features *nn.Tensor, headWeight *nn.Tensor, target int) (*Heatmap, error) {
	if features == nil {
		return nil, fmt.Errorf("cam: no retained activation (forward pass was not trackable)")
	}
	if len(features.Shape) != 3 {
		return nil, fmt.Errorf("cam: activation rank %d, want 3", len(features.Shape))
	}
	if len(headWeight.Shape) != 2 || headWeight.Shape[1] != features.Shape[0] {
		return nil, fmt.Errorf("cam: head weight %v does not match activation %v",
			headWeight.Shape, features.Shape)
	}
	if target < 0 || target >= headWeight.Shape[0] {
		return nil, fmt.Errorf("cam: target %d out of range [0, %d]", target, headWeight.Shape[0]-1)
	}

	ch, h, w := features.Shape[0], features.Shape[1], features.Shape[2]
	plane := h * w
	poolScale := 1.0 / float64(plane)

	// Per-channel importance: spatial mean of dlogit/dA. The relu between
	// the activation and the pool masks positions with non-positive
	// activation out of the gradient.
	alpha := make([]float64, ch)
	for c := 0; c < ch; c++ {
		wtc := float64(headWeight.Data[target*ch+c])
		base := c * plane
		var sum float64
		for i := 0; i < plane; i++ {
			if features.Data[base+i] > 0 {
				sum += wtc * poolScale
			}
		}
		alpha[c] = sum * poolScale
	}

	// Rectified weighted sum of the activation channels.
	raw := make([]float64, plane)
	for c := 0; c < ch; c++ {
		base := c * plane
		for i := 0; i < plane; i++ {
			raw[i] += alpha[c] * float64(features.Data[base+i])
		}
	}

	hm := &Heatmap{H: h, W: w, Data: make([]float32, plane)}
	maxVal := 0.0
	finite := true
	for i, v := range raw {
		if v < 0 {
			v = 0
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			finite = false
			break
		}
		raw[i] = v
		if v > maxVal {
			maxVal = v
		}
	}

	// Degenerate maps are valid "nothing salient" results, not errors.
	if !finite || maxVal <= 0 {
		return hm, nil
	}
	for i, v := range raw {
		hm.Data[i] = float32(v / maxVal)
	}
	return hm, nil
}
