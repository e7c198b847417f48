package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenseNet121Topology(t *testing.T) {
	n := NewDenseNet121(14)
	params := n.ParamTensors()

	// conv0 + 2 convs per dense layer (6+12+24+16) + 3 transition convs,
	// 121 batch norms at 4 tensors each, plus the linear head.
	assert.Len(t, params, 606)

	cases := map[string][]int{
		"features.conv0.weight":                            {64, 3, 7, 7},
		"features.norm0.running_var":                       {64},
		"features.denseblock1.denselayer1.norm1.weight":    {64},
		"features.denseblock1.denselayer1.conv1.weight":    {128, 64, 1, 1},
		"features.denseblock1.denselayer1.conv2.weight":    {32, 128, 3, 3},
		"features.denseblock1.denselayer6.norm1.weight":    {224},
		"features.transition1.conv.weight":                 {128, 256, 1, 1},
		"features.denseblock4.denselayer16.norm1.weight":   {992},
		"features.denseblock4.denselayer16.conv2.weight":   {32, 128, 3, 3},
		"features.norm5.weight":                            {1024},
		"classifier.weight":                                {14, 1024},
		"classifier.bias":                                  {14},
	}
	for name, shape := range cases {
		p, ok := params[name]
		require.True(t, ok, "missing parameter %s", name)
		assert.Equal(t, shape, p.Shape, name)
	}
}

func TestInitDeterministicReproducible(t *testing.T) {
	a := NewDenseNet121(14)
	b := NewDenseNet121(14)
	a.InitDeterministic(7)
	b.InitDeterministic(7)
	assert.Equal(t, a.Conv0.Weight.Data, b.Conv0.Weight.Data)
	assert.Equal(t, a.Classifier.Weight.Data, b.Classifier.Weight.Data)

	c := NewDenseNet121(14)
	c.InitDeterministic(8)
	assert.NotEqual(t, a.Conv0.Weight.Data, c.Conv0.Weight.Data)
}

func TestForwardRejectsBadShape(t *testing.T) {
	n := NewDenseNet121(14)
	_, err := n.Forward(NewTensor(1, 64, 64), ModeInference)
	assert.Error(t, err)
}

func TestForwardSmallInputDeterministic(t *testing.T) {
	// A 64x64 input exercises the whole stack cheaply: the final feature
	// map comes out at 2x2.
	n := NewDenseNet121(14)
	n.InitDeterministic(3)

	x := NewTensor(3, 64, 64)
	for i := range x.Data {
		x.Data[i] = float32(i%17)/17.0 - 0.5
	}

	first, err := n.Forward(x, ModeInference)
	require.NoError(t, err)
	require.Len(t, first.Logits, 14)
	assert.Nil(t, first.Features)

	second, err := n.Forward(x, ModeTrackable)
	require.NoError(t, err)
	assert.Equal(t, first.Logits, second.Logits)
	require.NotNil(t, second.Features)
	assert.Equal(t, []int{1024, 2, 2}, second.Features.Shape)
}

func TestForwardFullResolution(t *testing.T) {
	if testing.Short() {
		t.Skip("full 224x224 forward is slow")
	}
	n := NewDenseNet121(14)
	n.InitDeterministic(3)

	x := NewTensor(3, 224, 224)
	a, err := n.Forward(x, ModeTrackable)
	require.NoError(t, err)
	require.NotNil(t, a.Features)
	assert.Equal(t, []int{1024, 7, 7}, a.Features.Shape)

	b, err := n.Forward(x, ModeInference)
	require.NoError(t, err)
	assert.Equal(t, a.Logits, b.Logits, "inference must be bit-identical across calls")
}
