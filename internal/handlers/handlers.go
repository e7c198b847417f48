// Package handlers exposes the inference pipeline over HTTP: health,
// classification, and classification with a Grad-CAM overlay.
package handlers

import (
	"encoding/json"
	"errors"
	"image"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/radassist/chexray-api/internal/cam"
	"github.com/radassist/chexray-api/internal/imaging"
	"github.com/radassist/chexray-api/internal/model"
	"github.com/radassist/chexray-api/internal/nn"
)

// maxUploadBytes bounds multipart parsing memory.
const maxUploadBytes = 32 << 20

// Classifier is what the handlers need from the model. Tests substitute a
// deterministic dummy.
type Classifier interface {
	Labels() []string
	Status() model.WeightStatus
	ValidateTarget(target int) error
	ClassifierWeights() *nn.Tensor
	Predict(x *nn.Tensor) (*model.Result, error)
	PredictTracked(x *nn.Tensor) (*model.Result, *nn.Tensor, error)
}

// Handler serves the inference endpoints.
type Handler struct {
	cls Classifier
	log zerolog.Logger
}

// NewHandler builds a Handler around a classifier.
func NewHandler(cls Classifier, log zerolog.Logger) *Handler {
	return &Handler{cls: cls, log: log}
}

type predictResponse struct {
	Predictions []model.Prediction `json:"predictions"`
	Degraded    bool               `json:"degraded,omitempty"`
}

type predictCAMResponse struct {
	Predictions []model.Prediction `json:"predictions"`
	CAM         *string            `json:"cam"`
	Degraded    bool               `json:"degraded,omitempty"`
}

// Health reports liveness and the weight mode.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.cls.Status()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"model":  status,
	})
}

// Predict handles multipart uploads on the classification-only path.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	img, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	x, err := imaging.Preprocess(img)
	if err != nil {
		h.respondError(w, err)
		return
	}
	result, err := h.cls.Predict(x)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, predictResponse{
		Predictions: result.Predictions,
		Degraded:    h.cls.Status().Degraded(),
	})
}

// PredictCAM handles the explain variant: classification plus a best-effort
// Grad-CAM overlay for the requested (or top-scoring) label.
func (h *Handler) PredictCAM(w http.ResponseWriter, r *http.Request) {
	img, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	target, hasTarget, err := parseTarget(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if hasTarget {
		if err := h.cls.ValidateTarget(target); err != nil {
			h.respondError(w, err)
			return
		}
	}

	x, err := imaging.Preprocess(img)
	if err != nil {
		h.respondError(w, err)
		return
	}
	result, features, err := h.cls.PredictTracked(x)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !hasTarget {
		target = result.TopIndex()
	}

	resp := predictCAMResponse{
		Predictions: result.Predictions,
		Degraded:    h.cls.Status().Degraded(),
	}
	if uri, ok := h.explain(features, target, img); ok {
		resp.CAM = &uri
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// explain computes the saliency overlay. Failures are logged and reported
// as absence; classification output is never held hostage to the explainer.
func (h *Handler) explain(features *nn.Tensor, target int, img image.Image) (string, bool) {
	heatmap, err := cam.Compute(features, h.cls.ClassifierWeights(), target)
	if err != nil {
		h.log.Warn().Err(err).Int("target", target).Msg("grad-cam computation failed")
		return "", false
	}
	uri, err := cam.OverlayDataURI(heatmap, img)
	if err != nil {
		h.log.Warn().Err(err).Msg("grad-cam overlay failed")
		return "", false
	}
	return uri, true
}

// readUpload parses the multipart form and decodes the "file" field. On
// failure it writes the error response itself and returns ok=false.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*image.Gray, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorBody("could not parse multipart form"))
		return nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorBody("missing 'file' form field"))
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.respondJSON(w, http.StatusBadRequest, errorBody("could not read upload"))
		return nil, false
	}

	img, err := imaging.Decode(data, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		h.respondError(w, err)
		return nil, false
	}
	h.log.Debug().Str("filename", header.Filename).Int("bytes", len(data)).
		Int("width", img.Bounds().Dx()).Int("height", img.Bounds().Dy()).
		Msg("upload decoded")
	return img, true
}

// parseTarget reads the optional target_class form value.
func parseTarget(r *http.Request) (int, bool, error) {
	raw := strings.TrimSpace(r.FormValue("target_class"))
	if raw == "" {
		return 0, false, nil
	}
	target, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, &model.InvalidTargetError{Target: -1, NumLabels: len(model.ChestXRayLabels)}
	}
	return target, true, nil
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("response encode failed")
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var decodeErr *imaging.DecodeError
	var targetErr *model.InvalidTargetError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &decodeErr), errors.As(err, &targetErr):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.respondJSON(w, status, errorBody(err.Error()))
}

func errorBody(detail string) map[string]string {
	return map[string]string{"detail": detail}
}
