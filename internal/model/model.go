// Package model owns the process-wide classifier: the DenseNet-121
// topology, its weights, and the label ordering. A Model is constructed
// once at startup, is immutable afterwards, and is passed explicitly to
// every request handler; concurrent Predict calls share only read-only
// parameter tensors.
package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/radassist/chexray-api/internal/imaging"
	"github.com/radassist/chexray-api/internal/nn"
)

// fallbackSeed fixes the generic initialization so fallback-mode output is
// reproducible across restarts.
const fallbackSeed = 20240314

// Model wraps the network with the label set and weight provenance.
type Model struct {
	net    *nn.DenseNet
	labels []string
	status WeightStatus
}

// Load builds the classifier and tries to read external weights from path.
// It never fails: an absent, unreadable or shape-incompatible weight file
// degrades to the deterministic generic initialization, recorded in the
// returned status and logged. Only the host process decides what to do with
// a degraded model; here it keeps serving.
func Load(path string, log zerolog.Logger) *Model {
	net := nn.NewDenseNet121(len(ChestXRayLabels))
	net.InitDeterministic(fallbackSeed)

	m := &Model{net: net, labels: ChestXRayLabels}

	if path == "" {
		m.status = WeightStatus{Mode: ModeFallback, Reason: "no weights path configured"}
		log.Warn().Msg("model: no weights configured; serving fallback predictions")
		return m
	}

	report, err := nn.LoadStateFile(net, path)
	if err != nil {
		// Re-init: a failed load must not leave partial state behind.
		net.InitDeterministic(fallbackSeed)
		m.status = WeightStatus{Mode: ModeFallback, Path: path, Reason: err.Error()}
		log.Warn().Err(err).Str("path", path).
			Msg("model: weight load failed; serving fallback predictions")
		return m
	}

	m.status = WeightStatus{
		Mode:    ModeTrained,
		Path:    path,
		Loaded:  report.Loaded,
		Missing: len(report.Missing),
	}
	ev := log.Info().Str("path", path).Int("tensors", report.Loaded)
	if len(report.Missing) > 0 {
		ev = ev.Int("missing", len(report.Missing))
	}
	if len(report.Unexpected) > 0 {
		ev = ev.Strs("unexpected", report.Unexpected)
	}
	ev.Msg("model: weights loaded")
	return m
}

// Labels returns the fixed label ordering.
func (m *Model) Labels() []string { return m.labels }

// Status reports weight provenance for health checks and response flags.
func (m *Model) Status() WeightStatus { return m.status }

// ValidateTarget checks an explanation target index against the label set.
func (m *Model) ValidateTarget(target int) error {
	if target < 0 || target >= len(m.labels) {
		return &InvalidTargetError{Target: target, NumLabels: len(m.labels)}
	}
	return nil
}

// ClassifierWeights exposes the head weight matrix (numLabels x 1024) for
// the saliency explainer's back-propagation.
func (m *Model) ClassifierWeights() *nn.Tensor {
	return m.net.Classifier.Weight
}

// Predict runs plain inference on a preprocessed (3, 224, 224) tensor.
func (m *Model) Predict(x *nn.Tensor) (*Result, error) {
	out, err := m.forward(x, nn.ModeInference)
	if err != nil {
		return nil, err
	}
	return m.result(out.Logits), nil
}

// PredictTracked runs inference in trackable mode, additionally returning
// the retained final feature activation for Grad-CAM.
func (m *Model) PredictTracked(x *nn.Tensor) (*Result, *nn.Tensor, error) {
	out, err := m.forward(x, nn.ModeTrackable)
	if err != nil {
		return nil, nil, err
	}
	return m.result(out.Logits), out.Features, nil
}

func (m *Model) forward(x *nn.Tensor, mode nn.Mode) (*nn.Output, error) {
	if !x.ShapeEquals(3, imaging.InputSize, imaging.InputSize) {
		return nil, &imaging.ShapeError{Got: x.Shape}
	}
	out, err := m.net.Forward(x, mode)
	if err != nil {
		return nil, err
	}
	if len(out.Logits) != len(m.labels) {
		return nil, fmt.Errorf("model: %d logits for %d labels", len(out.Logits), len(m.labels))
	}
	return out, nil
}

// result applies the per-label sigmoid and sorts descending. Ties keep
// label order, so output is stable.
func (m *Model) result(logits []float32) *Result {
	probs := make([]float32, len(logits))
	preds := make([]Prediction, len(logits))
	for i, l := range logits {
		p := 1.0 / (1.0 + math.Exp(-float64(l)))
		probs[i] = float32(p)
		preds[i] = Prediction{Label: m.labels[i], Probability: p}
	}
	sort.SliceStable(preds, func(a, b int) bool {
		return preds[a].Probability > preds[b].Probability
	})
	return &Result{Predictions: preds, Probs: probs}
}
