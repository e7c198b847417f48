package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTensorZeroFilled(t *testing.T) {
	tt := NewTensor(2, 3, 4)
	assert.Equal(t, []int{2, 3, 4}, tt.Shape)
	assert.Len(t, tt.Data, 24)
	assert.Equal(t, 24, tt.NumElements())
	for _, v := range tt.Data {
		assert.Zero(t, v)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := NewTensor(2, 2)
	a.Data[0] = 1
	b := a.Clone()
	b.Data[0] = 5
	assert.Equal(t, float32(1), a.Data[0])
	assert.Equal(t, float32(5), b.Data[0])
}

func TestShapeEquals(t *testing.T) {
	tt := NewTensor(3, 224, 224)
	assert.True(t, tt.ShapeEquals(3, 224, 224))
	assert.False(t, tt.ShapeEquals(3, 224))
	assert.False(t, tt.ShapeEquals(3, 224, 225))
}

func TestConcatChannels(t *testing.T) {
	a := NewTensor(1, 2, 2)
	b := NewTensor(2, 2, 2)
	for i := range a.Data {
		a.Data[i] = 1
	}
	for i := range b.Data {
		b.Data[i] = 2
	}

	out, err := ConcatChannels(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2}, out.Shape)
	assert.Equal(t, float32(1), out.Data[0])
	assert.Equal(t, float32(2), out.Data[4])
	assert.Equal(t, float32(2), out.Data[11])
}

func TestConcatChannelsSpatialMismatch(t *testing.T) {
	_, err := ConcatChannels(NewTensor(1, 2, 2), NewTensor(1, 3, 3))
	assert.Error(t, err)
}
