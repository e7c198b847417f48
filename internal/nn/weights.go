package nn

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Weight files are JSON maps of parameter name to tensor record, with the
// raw float32 payload base64-encoded little-endian. Training tooling may
// wrap the map in a container object under one of stateContainerKeys.

// TensorRecord is one serialized parameter.
type TensorRecord struct {
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
	Data  string `json:"data"`
}

var stateContainerKeys = []string{"state_dict", "model_state_dict", "model", "weights", "params"}

// Older exporters emitted the layer-version digit as its own path segment
// ("denselayer1.norm.1.weight"); current naming folds it into the preceding
// identifier ("denselayer1.norm1.weight").
var legacyKeyPattern = regexp.MustCompile(
	`^(.*denselayer\d+\.(?:norm|relu|conv))\.((?:[12])\.(?:weight|bias|running_mean|running_var))$`)

// normalizeKey strips a DataParallel "module." prefix and folds legacy
// version-digit segments back into their identifier.
func normalizeKey(k string) string {
	k = strings.TrimPrefix(k, "module.")
	return legacyKeyPattern.ReplaceAllString(k, "${1}${2}")
}

// LoadReport describes a successful (strict=false style) load.
type LoadReport struct {
	Loaded     int
	Missing    []string // model parameters the file did not provide
	Unexpected []string // file entries no model parameter matched
}

func encodeFloat32s(data []float32) string {
	buf := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeFloat32s(encoded string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of 4", len(buf))
	}
	data := make([]float32, len(buf)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return data, nil
}

// extractState finds the name->record map in a decoded weight file,
// unwrapping a container object if one of the known keys is present.
func extractState(raw map[string]json.RawMessage) (map[string]TensorRecord, error) {
	for _, key := range stateContainerKeys {
		inner, ok := raw[key]
		if !ok {
			continue
		}
		var state map[string]TensorRecord
		if err := json.Unmarshal(inner, &state); err != nil {
			return nil, fmt.Errorf("container key %q: %w", key, err)
		}
		return state, nil
	}

	state := make(map[string]TensorRecord, len(raw))
	for k, v := range raw {
		var rec TensorRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("entry %q: %w", k, err)
		}
		state[k] = rec
	}
	return state, nil
}

// LoadStateFile reads a weight file and assigns every matching parameter,
// after name normalization and a full shape-compatibility check. A shape
// mismatch on any overlapping tensor fails the whole load, before anything
// is assigned, so the model is never left half-updated. Entries with no
// matching model parameter are reported, not fatal; batch-counter entries
// are skipped silently.
func LoadStateFile(net *DenseNet, path string) (*LoadReport, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nn: read weights: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, fmt.Errorf("nn: parse weights: %w", err)
	}
	state, err := extractState(raw)
	if err != nil {
		return nil, fmt.Errorf("nn: parse weights: %w", err)
	}

	params := net.ParamTensors()

	normalized := make(map[string]TensorRecord, len(state))
	for k, rec := range state {
		if strings.HasSuffix(k, ".num_batches_tracked") {
			continue
		}
		normalized[normalizeKey(k)] = rec
	}

	// Validate every overlapping shape before assigning anything.
	var mismatches []string
	for name, rec := range normalized {
		target, ok := params[name]
		if !ok {
			continue
		}
		if !target.ShapeEquals(rec.Shape...) {
			mismatches = append(mismatches,
				fmt.Sprintf("%s: expected %v, found %v", name, target.Shape, rec.Shape))
		}
	}
	if len(mismatches) > 0 {
		sort.Strings(mismatches)
		return nil, fmt.Errorf("nn: weight shape mismatches: %s", strings.Join(mismatches, "; "))
	}

	report := &LoadReport{}
	for name, rec := range normalized {
		target, ok := params[name]
		if !ok {
			report.Unexpected = append(report.Unexpected, name)
			continue
		}
		data, err := decodeFloat32s(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("nn: decode %q: %w", name, err)
		}
		if len(data) != target.NumElements() {
			return nil, fmt.Errorf("nn: %q payload holds %d values, shape %v needs %d",
				name, len(data), target.Shape, target.NumElements())
		}
		copy(target.Data, data)
		report.Loaded++
	}
	for name := range params {
		if _, ok := normalized[name]; !ok {
			report.Missing = append(report.Missing, name)
		}
	}
	sort.Strings(report.Missing)
	sort.Strings(report.Unexpected)
	return report, nil
}

// SaveStateFile writes the network parameters in the native weight-file
// format, so externally trained checkpoints can be converted once and
// served from then on.
func SaveStateFile(net *DenseNet, path string) error {
	params := net.namedParams()
	state := make(map[string]TensorRecord, len(params))
	for _, p := range params {
		state[p.Name] = TensorRecord{
			Shape: p.Tensor.Shape,
			DType: "float32",
			Data:  encodeFloat32s(p.Tensor.Data),
		}
	}
	buf, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("nn: encode weights: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("nn: write weights: %w", err)
	}
	return nil
}
