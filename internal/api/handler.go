package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/memorygame/internal/models"
	"github.com/memorygame/internal/service"
	"github.com/memorygame/internal/sequence"
	"github.com/memorygame/internal/storage"
	"github.com/memorygame/pkg/logger"
)

// Handler holds all HTTP handlers
type Handler struct {
	experiment *service.ExperimentService
	logger     *logger.Logger
}

// NewHandler creates a new handler
func NewHandler(experiment *service.ExperimentService, logger *logger.Logger) *Handler {
	return &Handler{
		experiment: experiment,
		logger:     logger,
	}
}

// Routes sets up all routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", h.Health)
	r.Get("/dashboard", h.Dashboard)

	r.Get("/initializerun", h.InitializeRun)
	r.Get("/initializepreview", h.InitializePreview)
	r.Post("/finalizerun", h.FinalizeRun)
	r.Post("/submitruns", h.SubmitRuns)

	return r
}

// Health handles health check requests
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// InitializeRun hands a worker their next run
func (h *Handler) InitializeRun(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workerID := q.Get("workerId")
	requestID := GetRequestID(r.Context())

	h.logger.Info("Initializing run",
		logger.F("worker_id", workerID),
		logger.F("medium", q.Get("medium")),
		logger.F("request_id", requestID))

	info, err := h.experiment.InitializeRun(r.Context(), workerID, parseFlag(q.Get("trialFeedback")))
	if err != nil {
		h.logger.Error("Failed to initialize run", logger.Err(err), logger.F("request_id", requestID))
		h.respondServiceError(w, err, "failed to initialize run")
		return
	}

	h.respondJSON(w, http.StatusOK, info)
}

// InitializePreview returns the preview run
func (h *Handler) InitializePreview(w http.ResponseWriter, r *http.Request) {
	info, err := h.experiment.InitializePreview(r.Context(), parseFlag(r.URL.Query().Get("trialFeedback")))
	if err != nil {
		h.logger.Error("Failed to initialize preview", logger.Err(err), logger.F("request_id", GetRequestID(r.Context())))
		h.respondServiceError(w, err, "failed to initialize preview")
		return
	}

	h.respondJSON(w, http.StatusOK, info)
}

// FinalizeRun stores a finished run and returns the worker's scores
func (h *Handler) FinalizeRun(w http.ResponseWriter, r *http.Request) {
	var payload models.RunPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	requestID := GetRequestID(r.Context())
	h.logger.Info("Finalizing run",
		logger.F("worker_id", payload.WorkerID),
		logger.F("index_to_run", fmt.Sprintf("%d", payload.IndexToRun)),
		logger.F("request_id", requestID))

	result, err := h.experiment.FinalizeRun(r.Context(), payload)
	if err != nil {
		h.logger.Error("Failed to finalize run", logger.Err(err), logger.F("request_id", requestID))
		h.respondServiceError(w, err, "failed to finalize run")
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// SubmitRuns records a submission from outside mTurk
func (h *Handler) SubmitRuns(w http.ResponseWriter, r *http.Request) {
	var sub models.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := h.experiment.SubmitRuns(r.Context(), sub); err != nil {
		h.logger.Error("Failed to submit runs", logger.Err(err), logger.F("request_id", GetRequestID(r.Context())))
		h.respondServiceError(w, err, "failed to submit runs")
		return
	}

	h.respondJSON(w, http.StatusOK, service.SubmissionAck)
}

// Dashboard returns the block counters
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.experiment.Dashboard(r.Context())
	if err != nil {
		h.logger.Error("Failed to get dashboard", logger.Err(err), logger.F("request_id", GetRequestID(r.Context())))
		h.respondServiceError(w, err, "failed to get dashboard")
		return
	}
	h.respondJSON(w, http.StatusOK, d)
}

// parseFlag reads a boolean query flag; anything unparseable is false
func parseFlag(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrWorkerIDRequired), errors.Is(err, service.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoSequencesAvailable), errors.Is(err, storage.ErrSequenceTaken):
		return http.StatusServiceUnavailable
	case errors.Is(err, sequence.ErrBlockOutOfRange):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondServiceError maps err to a status. Details of server-side failures
// stay in the log.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error, errorMsg string) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	h.respondError(w, status, errorMsg, message)
}

// respondJSON sends a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func (h *Handler) respondError(w http.ResponseWriter, status int, errorMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error:   errorMsg,
		Message: message,
	})
}
