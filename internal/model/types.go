package model

import "fmt"

// ChestXRayLabels is the fixed 14-entry NIH ChestX-ray14 label ordering.
// It is the single source of truth shared by the classifier head and the
// response encoder; it must only ever change together with the weights it
// was trained against.
var ChestXRayLabels = []string{
	"Atelectasis",
	"Cardiomegaly",
	"Effusion",
	"Infiltration",
	"Mass",
	"Nodule",
	"Pneumonia",
	"Pneumothorax",
	"Consolidation",
	"Edema",
	"Emphysema",
	"Fibrosis",
	"Pleural_Thickening",
	"Hernia",
}

// Prediction is one label's independent sigmoid probability.
type Prediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

// Result is a full classification outcome. Predictions are sorted by
// descending probability; Probs keeps the label-index ordering for callers
// that need it (the explainer's default target, for one).
type Result struct {
	Predictions []Prediction
	Probs       []float32
}

// TopIndex returns the label index with the highest probability.
func (r *Result) TopIndex() int {
	best := 0
	for i, p := range r.Probs {
		if p > r.Probs[best] {
			best = i
		}
	}
	return best
}

// InvalidTargetError marks an explanation request for a label index outside
// the valid range.
type InvalidTargetError struct {
	Target    int
	NumLabels int
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("target class %d out of range [0, %d]", e.Target, e.NumLabels-1)
}

// WeightMode distinguishes a fully loaded model from the degraded fallback.
type WeightMode string

const (
	// ModeTrained means external weights loaded and shape-checked cleanly.
	ModeTrained WeightMode = "trained"
	// ModeFallback means the network runs on its generic deterministic
	// initialization. Predictions are well formed but not clinically
	// meaningful; callers must surface this.
	ModeFallback WeightMode = "fallback"
)

// WeightStatus records how the process obtained its parameters.
type WeightStatus struct {
	Mode    WeightMode `json:"mode"`
	Path    string     `json:"path,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Loaded  int        `json:"loaded_tensors,omitempty"`
	Missing int        `json:"missing_tensors,omitempty"`
}

// Degraded reports whether predictions come from fallback weights.
func (s WeightStatus) Degraded() bool { return s.Mode == ModeFallback }
