package nn

import (
	"fmt"
	"math"
	"math/rand"
)

// DenseNet-121 structure constants. These must not drift: the parameter
// shapes they imply are what external weight files are checked against.
const (
	growthRate     = 32
	bottleneckSize = 4
	initChannels   = 64
	numFeatures    = 1024 // channels entering the classifier
)

// blockLayers is the layer count per dense block in DenseNet-121.
var blockLayers = [4]int{6, 12, 24, 16}

// DenseLayer is one bottleneck layer inside a dense block:
// norm1 -> relu -> conv1 (1x1) -> norm2 -> relu -> conv2 (3x3).
// Its output is the growthRate new channels appended to the block features.
type DenseLayer struct {
	Norm1 *BatchNorm2d
	Conv1 *Conv2d
	Norm2 *BatchNorm2d
	Conv2 *Conv2d
}

func newDenseLayer(inChannels int) *DenseLayer {
	mid := bottleneckSize * growthRate
	return &DenseLayer{
		Norm1: NewBatchNorm2d(inChannels),
		Conv1: NewConv2d(inChannels, mid, 1, 1, 0),
		Norm2: NewBatchNorm2d(mid),
		Conv2: NewConv2d(mid, growthRate, 3, 1, 1),
	}
}

// Forward produces the layer's new channels from the running concatenation
// of all previous outputs in the block.
func (l *DenseLayer) Forward(features *Tensor) *Tensor {
	y := l.Norm1.Forward(features)
	ReLUInPlace(y)
	y = l.Conv1.Forward(y)
	y = l.Norm2.Forward(y)
	ReLUInPlace(y)
	return l.Conv2.Forward(y)
}

// DenseBlock owns an ordered list of dense layers. Layer j receives the
// concatenated outputs of the block input and layers 0..j-1.
type DenseBlock struct {
	Layers []*DenseLayer
}

func newDenseBlock(inChannels, numLayers int) *DenseBlock {
	b := &DenseBlock{Layers: make([]*DenseLayer, numLayers)}
	for i := range b.Layers {
		b.Layers[i] = newDenseLayer(inChannels + i*growthRate)
	}
	return b
}

// OutChannels returns the channel count leaving the block given its input
// channel count.
func (b *DenseBlock) OutChannels(in int) int {
	return in + len(b.Layers)*growthRate
}

// Forward runs the block, explicitly concatenating each layer's output onto
// the growing feature tensor.
func (b *DenseBlock) Forward(x *Tensor) (*Tensor, error) {
	features := x
	for _, layer := range b.Layers {
		fresh := layer.Forward(features)
		var err error
		features, err = ConcatChannels(features, fresh)
		if err != nil {
			return nil, err
		}
	}
	return features, nil
}

// Transition halves spatial resolution and compresses channels between
// dense blocks: norm -> relu -> conv (1x1) -> avgpool (2x2/2).
type Transition struct {
	Norm *BatchNorm2d
	Conv *Conv2d
	Pool *AvgPool2d
}

func newTransition(in, out int) *Transition {
	return &Transition{
		Norm: NewBatchNorm2d(in),
		Conv: NewConv2d(in, out, 1, 1, 0),
		Pool: &AvgPool2d{Kernel: 2, Stride: 2},
	}
}

func (t *Transition) Forward(x *Tensor) *Tensor {
	y := t.Norm.Forward(x)
	ReLUInPlace(y)
	y = t.Conv.Forward(y)
	return t.Pool.Forward(y)
}

// Mode selects how Forward executes. ModeInference discards intermediate
// state; ModeTrackable additionally retains the final feature activation so
// the saliency explainer can back-propagate through the head.
type Mode int

const (
	ModeInference Mode = iota
	ModeTrackable
)

// Output carries the raw class scores and, in ModeTrackable, the retained
// norm5 activation (pre-relu, shape numFeatures x 7 x 7 for 224x224 input).
type Output struct {
	Logits   []float32
	Features *Tensor
}

// DenseNet is a DenseNet-121 with a multi-label classification head.
// Construct once, load or initialize weights once, then treat as immutable:
// Forward allocates all intermediate buffers per call and is safe for
// concurrent use.
type DenseNet struct {
	Conv0 *Conv2d
	Norm0 *BatchNorm2d
	Pool0 *MaxPool2d

	Blocks      [4]*DenseBlock
	Transitions [3]*Transition

	Norm5      *BatchNorm2d
	Classifier *Linear

	NumClasses int
}

// NewDenseNet121 builds the full topology with identity batch norms and
// zeroed convolution/linear weights. Callers must follow up with
// InitDeterministic or LoadStateFile before running inference.
func NewDenseNet121(numClasses int) *DenseNet {
	n := &DenseNet{
		Conv0:      NewConv2d(3, initChannels, 7, 2, 3),
		Norm0:      NewBatchNorm2d(initChannels),
		Pool0:      &MaxPool2d{Kernel: 3, Stride: 2, Padding: 1},
		NumClasses: numClasses,
	}

	channels := initChannels
	for i := 0; i < 4; i++ {
		n.Blocks[i] = newDenseBlock(channels, blockLayers[i])
		channels = n.Blocks[i].OutChannels(channels)
		if i < 3 {
			out := channels / 2 // 0.5 compression
			n.Transitions[i] = newTransition(channels, out)
			channels = out
		}
	}
	n.Norm5 = NewBatchNorm2d(channels)
	n.Classifier = NewLinear(channels, numClasses)
	return n
}

// Forward evaluates the network on a single (3, H, W) input.
func (n *DenseNet) Forward(x *Tensor, mode Mode) (*Output, error) {
	if len(x.Shape) != 3 || x.Shape[0] != 3 {
		return nil, fmt.Errorf("nn: expected (3, H, W) input, got %v", x.Shape)
	}

	out := n.Conv0.Forward(x)
	out = n.Norm0.Forward(out)
	ReLUInPlace(out)
	out = n.Pool0.Forward(out)

	var err error
	for i := 0; i < 4; i++ {
		if out, err = n.Blocks[i].Forward(out); err != nil {
			return nil, err
		}
		if i < 3 {
			out = n.Transitions[i].Forward(out)
		}
	}

	out = n.Norm5.Forward(out)
	var features *Tensor
	if mode == ModeTrackable {
		features = out.Clone()
	}
	ReLUInPlace(out)
	pooled := GlobalAvgPool(out)
	logits := n.Classifier.Forward(pooled)

	return &Output{Logits: logits, Features: features}, nil
}

// namedParam pairs a parameter tensor with its exported state-file name.
// Names follow the torchvision DenseNet convention so checkpoints exported
// from it load without translation.
type namedParam struct {
	Name   string
	Tensor *Tensor
}

func (n *DenseNet) namedParams() []namedParam {
	var params []namedParam
	add := func(name string, t *Tensor) {
		params = append(params, namedParam{Name: name, Tensor: t})
	}
	addBN := func(prefix string, bn *BatchNorm2d) {
		add(prefix+".weight", bn.Weight)
		add(prefix+".bias", bn.Bias)
		add(prefix+".running_mean", bn.RunningMean)
		add(prefix+".running_var", bn.RunningVar)
	}

	add("features.conv0.weight", n.Conv0.Weight)
	addBN("features.norm0", n.Norm0)
	for bi, block := range n.Blocks {
		for li, layer := range block.Layers {
			prefix := fmt.Sprintf("features.denseblock%d.denselayer%d", bi+1, li+1)
			addBN(prefix+".norm1", layer.Norm1)
			add(prefix+".conv1.weight", layer.Conv1.Weight)
			addBN(prefix+".norm2", layer.Norm2)
			add(prefix+".conv2.weight", layer.Conv2.Weight)
		}
		if bi < 3 {
			prefix := fmt.Sprintf("features.transition%d", bi+1)
			addBN(prefix, n.Transitions[bi].Norm)
			add(prefix+".conv.weight", n.Transitions[bi].Conv.Weight)
		}
	}
	addBN("features.norm5", n.Norm5)
	add("classifier.weight", n.Classifier.Weight)
	add("classifier.bias", n.Classifier.Bias)
	return params
}

// ParamTensors returns the parameter map keyed by exported names.
func (n *DenseNet) ParamTensors() map[string]*Tensor {
	params := n.namedParams()
	out := make(map[string]*Tensor, len(params))
	for _, p := range params {
		out[p.Name] = p.Tensor
	}
	return out
}

// InitDeterministic fills all parameters from a seeded source: He-normal
// convolutions, identity batch norms and a He-normal classifier head with
// zero bias. The fixed seed makes fallback-mode predictions reproducible
// across restarts, which the regression tests rely on.
func (n *DenseNet) InitDeterministic(seed int64) {
	rng := rand.New(rand.NewSource(seed))

	initConv := func(c *Conv2d) {
		fanIn := c.InChannels * c.Kernel * c.Kernel
		std := math.Sqrt(2.0 / float64(fanIn))
		for i := range c.Weight.Data {
			c.Weight.Data[i] = float32(rng.NormFloat64() * std)
		}
	}
	initBN := func(bn *BatchNorm2d) {
		for i := 0; i < bn.Channels; i++ {
			bn.Weight.Data[i] = 1
			bn.Bias.Data[i] = 0
			bn.RunningMean.Data[i] = 0
			bn.RunningVar.Data[i] = 1
		}
	}

	initConv(n.Conv0)
	initBN(n.Norm0)
	for bi, block := range n.Blocks {
		for _, layer := range block.Layers {
			initBN(layer.Norm1)
			initConv(layer.Conv1)
			initBN(layer.Norm2)
			initConv(layer.Conv2)
		}
		if bi < 3 {
			initBN(n.Transitions[bi].Norm)
			initConv(n.Transitions[bi].Conv)
		}
	}
	initBN(n.Norm5)

	// Linear gain for the head, matching a kaiming-normal init with zero bias.
	std := math.Sqrt(1.0 / float64(n.Classifier.InFeatures))
	for i := range n.Classifier.Weight.Data {
		n.Classifier.Weight.Data[i] = float32(rng.NormFloat64() * std)
	}
	for i := range n.Classifier.Bias.Data {
		n.Classifier.Bias.Data[i] = 0
	}
}
