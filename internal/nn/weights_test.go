package nn

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"module.classifier.weight":                        "classifier.weight",
		"features.conv0.weight":                           "features.conv0.weight",
		"features.denseblock1.denselayer1.norm.1.weight":  "features.denseblock1.denselayer1.norm1.weight",
		"features.denseblock4.denselayer16.conv.2.weight": "features.denseblock4.denselayer16.conv2.weight",
		"features.denseblock2.denselayer3.norm.2.running_mean": "features.denseblock2.denselayer3.norm2.running_mean",
		// Transition layers never carried the versioned segment.
		"features.transition1.conv.weight": "features.transition1.conv.weight",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeKey(in), in)
	}
}

func TestFloat32RoundTrip(t *testing.T) {
	in := []float32{0, 1, -2.5, 3.14159, -1e-7}
	out, err := decodeFloat32s(encodeFloat32s(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func writeStateFile(t *testing.T, state map[string]TensorRecord, wrap string) string {
	t.Helper()
	var payload any = state
	if wrap != "" {
		payload = map[string]any{wrap: state}
	}
	buf, err := json.Marshal(payload)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func record(shape []int, fill float32) TensorRecord {
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = fill
	}
	return TensorRecord{Shape: shape, DType: "float32", Data: encodeFloat32s(data)}
}

func TestLoadStateFilePartial(t *testing.T) {
	net := NewDenseNet121(14)
	path := writeStateFile(t, map[string]TensorRecord{
		"module.classifier.weight":                       record([]int{14, 1024}, 0.25),
		"classifier.bias":                                record([]int{14}, -1),
		"features.denseblock1.denselayer1.norm.1.weight": record([]int{64}, 2),
		"features.norm0.num_batches_tracked":             record([]int{1}, 0),
		"optimizer.momentum":                             record([]int{3}, 0),
	}, "")

	report, err := LoadStateFile(net, path)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Loaded)
	assert.Equal(t, []string{"optimizer.momentum"}, report.Unexpected)
	assert.NotEmpty(t, report.Missing)
	assert.NotContains(t, report.Missing, "classifier.bias")

	assert.Equal(t, float32(0.25), net.Classifier.Weight.Data[0])
	assert.Equal(t, float32(-1), net.Classifier.Bias.Data[13])
	assert.Equal(t, float32(2), net.Blocks[0].Layers[0].Norm1.Weight.Data[0])
}

func TestLoadStateFileContainerKey(t *testing.T) {
	net := NewDenseNet121(14)
	path := writeStateFile(t, map[string]TensorRecord{
		"classifier.bias": record([]int{14}, 0.5),
	}, "state_dict")

	report, err := LoadStateFile(net, path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Loaded)
	assert.Equal(t, float32(0.5), net.Classifier.Bias.Data[0])
}

func TestLoadStateFileShapeMismatchLeavesModelUntouched(t *testing.T) {
	net := NewDenseNet121(14)
	net.Classifier.Bias.Data[0] = 9

	path := writeStateFile(t, map[string]TensorRecord{
		"classifier.bias":   record([]int{13}, 1),
		"classifier.weight": record([]int{14, 1024}, 1),
	}, "")

	_, err := LoadStateFile(net, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classifier.bias")
	// Nothing was assigned, not even the tensor whose shape matched.
	assert.Equal(t, float32(9), net.Classifier.Bias.Data[0])
	assert.Equal(t, float32(0), net.Classifier.Weight.Data[0])
}

func TestLoadStateFileMissingFile(t *testing.T) {
	net := NewDenseNet121(14)
	_, err := LoadStateFile(net, filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("round-tripping the full parameter set is slow")
	}
	src := NewDenseNet121(14)
	src.InitDeterministic(42)

	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, SaveStateFile(src, path))

	dst := NewDenseNet121(14)
	report, err := LoadStateFile(dst, path)
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Unexpected)

	assert.Equal(t, src.Conv0.Weight.Data, dst.Conv0.Weight.Data)
	assert.Equal(t, src.Norm5.RunningVar.Data, dst.Norm5.RunningVar.Data)
	assert.Equal(t, src.Classifier.Weight.Data, dst.Classifier.Weight.Data)
}
