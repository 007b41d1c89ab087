package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"entity-extractor/internal/entity"
	"entity-extractor/internal/logging"
	"entity-extractor/internal/objectstore"
	"entity-extractor/internal/queue"
	"entity-extractor/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MaxUploadSize caps an uploaded document.
	MaxUploadSize = 10 << 20
	// MaxPredictBody caps a prediction request.
	MaxPredictBody = 1 << 20
)

var predictSchema = jsonschema.MustCompileString("predict.schema.json", `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["hypothesis"],
	"additionalProperties": false,
	"properties": {
		"hypothesis": {"$ref": "#/$defs/array"}
	},
	"$defs": {
		"array": {
			"type": "array",
			"minItems": 1,
			"items": {"anyOf": [{"type": "number"}, {"$ref": "#/$defs/array"}]}
		}
	}
}`)

// JobStore is what the API needs from the job table. FailJob closes out a
// job that was created but could not be queued.
type JobStore interface {
	storage.JobCreator
	storage.JobReader
	FailJob(ctx context.Context, jobID uuid.UUID, message string) error
}

// Predictor is the loaded entity model.
type Predictor interface {
	Predict(ctx context.Context, hypothesis entity.Tensor) (entity.Tensor, error)
	Classes(out entity.Tensor) ([]entity.Class, error)
	Input() entity.TensorInfo
	Output() entity.TensorInfo
	Labels() []string
}

type APIHandler struct {
	job      JobStore
	queue    queue.JobQueuer
	uploader objectstore.FileStorer
	s3Bucket string
	model    Predictor
	logger   *slog.Logger
}

// NewAPIHandler wires the handlers. model may be nil, in which case
// /predict answers 503.
func NewAPIHandler(db JobStore, queue queue.JobQueuer, store objectstore.FileStorer, s3Bucket string, model Predictor, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		job:      db,
		queue:    queue,
		uploader: store,
		s3Bucket: s3Bucket,
		model:    model,
		logger:   logging.OrDefault(logger),
	}
}

type uploadResponse struct {
	JobID string `json:"jobId"`
}

type predictRequest struct {
	Hypothesis json.RawMessage `json:"hypothesis"`
}

type predictResponse struct {
	Shape   []int64        `json:"shape"`
	Scores  [][]float64    `json:"scores"`
	Classes []entity.Class `json:"classes,omitempty"`
}

type healthResponse struct {
	OK     bool               `json:"ok"`
	Model  bool               `json:"model"`
	Input  *entity.TensorInfo `json:"input,omitempty"`
	Output *entity.TensorInfo `json:"output,omitempty"`
	Labels []string           `json:"labels,omitempty"`
}

func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{OK: true, Model: h.model != nil}
	if h.model != nil {
		in, out := h.model.Input(), h.model.Output()
		resp.Input, resp.Output = &in, &out
		resp.Labels = h.model.Labels()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// UploadDocument stores a PDF and queues a text extraction job for it.
func (h *APIHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	defer r.Body.Close()

	file, _, err := r.FormFile("document")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "document exceeds the 10 MiB limit")
			return
		}
		h.writeError(w, http.StatusBadRequest, "missing multipart field \"document\"")
		return
	}
	defer file.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "unable to read document")
		return
	}
	if http.DetectContentType(head[:n]) != "application/pdf" {
		h.writeError(w, http.StatusUnsupportedMediaType, "document must be a PDF")
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.writeError(w, http.StatusInternalServerError, "unable to read document")
		return
	}

	newJobID, err := uuid.NewV7()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "unable to create job id")
		return
	}
	key := newJobID.String() + ".pdf"
	ctx := r.Context()

	if _, err := h.uploader.Upload(ctx, file, h.s3Bucket, key, "application/pdf"); err != nil {
		h.logger.Error("failed to upload document", "jobId", newJobID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to upload document")
		return
	}

	if err := h.job.Create(ctx, newJobID, key); err != nil {
		h.logger.Error("failed to create job", "jobId", newJobID, "error", err)
		if err := h.uploader.Delete(context.WithoutCancel(ctx), h.s3Bucket, key); err != nil {
			h.logger.Warn("failed to remove orphaned document", "key", key, "error", err)
		}
		h.writeError(w, http.StatusInternalServerError, "an error occurred while processing your document")
		return
	}

	if err := h.queue.InsertJob(ctx, newJobID.String()); err != nil {
		h.logger.Error("failed to queue job", "jobId", newJobID, "error", err)
		cleanupCtx := context.WithoutCancel(ctx)
		if err := h.job.FailJob(cleanupCtx, newJobID, "failed to queue job: "+err.Error()); err != nil {
			h.logger.Warn("failed to mark unqueued job as failed", "jobId", newJobID, "error", err)
		}
		if err := h.uploader.Delete(cleanupCtx, h.s3Bucket, key); err != nil {
			h.logger.Warn("failed to remove orphaned document", "key", key, "error", err)
		}
		h.writeError(w, http.StatusInternalServerError, "an error occurred while processing your document")
		return
	}

	h.logger.Info("job queued", "jobId", newJobID, "key", key)
	h.writeJSON(w, http.StatusAccepted, uploadResponse{JobID: newJobID.String()})
}

func (h *APIHandler) ViewResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid job id format")
		return
	}

	job, err := h.job.Get(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("error retrieving job", "jobId", jobID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// Predict runs the entity model over a nested numeric hypothesis array.
func (h *APIHandler) Predict(w http.ResponseWriter, r *http.Request) {
	if h.model == nil {
		h.writeError(w, http.StatusServiceUnavailable, "no entity model loaded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPredictBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		h.writeError(w, http.StatusBadRequest, "request body must be JSON")
		return
	}
	if err := predictSchema.Validate(raw); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req predictRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "request body must be JSON")
		return
	}
	hypothesis, err := entity.ParseJSON(req.Hypothesis)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.model.Predict(r.Context(), hypothesis)
	switch {
	case errors.Is(err, entity.ErrShape):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, entity.ErrClosed):
		h.writeError(w, http.StatusServiceUnavailable, "entity model is closed")
		return
	case err != nil:
		h.logger.Error("prediction failed", "shape", hypothesis.Shape, "error", err)
		h.writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}

	resp := predictResponse{Shape: out.Shape, Scores: out.RowSlices()}
	if classes, err := h.model.Classes(out); err == nil {
		resp.Classes = classes
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
