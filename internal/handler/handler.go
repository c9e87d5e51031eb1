package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scenerunr/api/internal/config"
	"github.com/scenerunr/api/internal/engine"
	"github.com/scenerunr/api/internal/job"
	"github.com/scenerunr/api/internal/registry"
	"github.com/scenerunr/api/internal/types"
	"github.com/scenerunr/api/internal/validator"
)

// Handler contains the dependencies for HTTP handlers
type Handler struct {
	config   *config.Config
	jobs     *job.Manager
	registry registry.Registry
	mirror   registry.Mirror
	logger   *logrus.Logger
}

// NewHandler creates a new handler instance
func NewHandler(cfg *config.Config, jobs *job.Manager, reg registry.Registry, mirror registry.Mirror, logger *logrus.Logger) *Handler {
	if mirror == nil {
		mirror = registry.NoopMirror{}
	}
	return &Handler{
		config:   cfg,
		jobs:     jobs,
		registry: reg,
		mirror:   mirror,
		logger:   logger,
	}
}

// GetVersion returns the API version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"message": "SceneRunr v1.0.0-go",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

// GetHealth reports service liveness
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.sendJSON(w, map[string]string{
		"status":  "healthy",
		"service": "scenerunr",
	}, http.StatusOK)
}

// SubmitRender accepts a render job and schedules it for background
// execution. Nothing is persisted when validation rejects the request.
func (h *Handler) SubmitRender(w http.ResponseWriter, r *http.Request) {
	var request types.RenderRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&request); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.sendError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.sendError(w, "Invalid JSON request", http.StatusBadRequest)
		return
	}

	// Validate request shape
	if err := h.validateRenderRequest(&request); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Screen the submitted scene code
	if err := validator.Validate(request.Code); err != nil {
		h.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sceneName := request.SceneName
	if sceneName == "" {
		names := validator.ExtractSceneNames(request.Code)
		if len(names) == 0 {
			h.sendError(w, "No Scene class found in the code. Please provide a scene_name or ensure your code contains a class that inherits from Scene.", http.StatusBadRequest)
			return
		}
		sceneName = names[0]
	}

	quality := request.Quality
	if quality == "" {
		quality = engine.QualityMedium
	}

	format := request.Format
	if format == "" {
		format = engine.FormatMP4
	}

	timeout := h.config.RenderTimeout
	if request.Timeout != nil {
		timeout = time.Duration(*request.Timeout) * time.Second
	}

	jobID := uuid.New().String()
	if _, err := h.registry.Create(jobID, request.Metadata); err != nil {
		h.logger.WithError(err).Error("Failed to create job record")
		h.sendError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.jobs.Schedule(job.Params{
		JobID:     jobID,
		Code:      request.Code,
		SceneName: sceneName,
		Quality:   quality,
		Format:    format,
		Timeout:   timeout,
	})

	h.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"scene":  sceneName,
	}).Info("Render job accepted")

	h.sendJSON(w, types.RenderResponse{
		JobID:   jobID,
		Message: "Rendering job submitted successfully",
	}, http.StatusAccepted)
}

// GetJob returns the current snapshot of a job
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	snapshot, ok := h.lookup(r.Context(), jobID)
	if !ok {
		h.sendError(w, "Job not found", http.StatusNotFound)
		return
	}

	h.sendJSON(w, snapshot, http.StatusOK)
}

// CancelJob requests cancellation of a queued or running job
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	outcome, err := h.registry.RequestCancel(jobID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		h.sendError(w, "Job not found", http.StatusNotFound)
		return
	case errors.Is(err, registry.ErrAlreadyTerminal):
		h.sendError(w, "Job already finished", http.StatusConflict)
		return
	case err != nil:
		h.logger.WithError(err).Error("Cancel request failed")
		h.sendError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"job_id":    jobID,
		"signalled": outcome == registry.CancelSignalled,
	}).Info("Cancellation accepted")

	h.sendJSON(w, map[string]string{"message": "Job cancelled successfully"}, http.StatusOK)
}

// lookup reads a job snapshot, falling back to the mirror for jobs this
// instance has already evicted.
func (h *Handler) lookup(ctx context.Context, jobID string) (types.RenderJob, bool) {
	if snapshot, ok := h.registry.Get(jobID); ok {
		return snapshot, true
	}

	snapshot, ok, err := h.mirror.Get(ctx, jobID)
	if err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Warn("Mirror lookup failed")
		return types.RenderJob{}, false
	}
	return snapshot, ok
}

// validateRenderRequest validates the incoming render request
func (h *Handler) validateRenderRequest(request *types.RenderRequest) error {
	if request.Code == "" {
		return fmt.Errorf("code is required as a string")
	}

	if request.Quality != "" && !engine.ValidQuality(request.Quality) {
		return fmt.Errorf("quality must be one of low_quality, medium_quality, high_quality")
	}

	if request.Format != "" && !engine.ValidFormat(request.Format) {
		return fmt.Errorf("format must be one of mp4, gif")
	}

	if request.Timeout != nil {
		if *request.Timeout <= 0 {
			return fmt.Errorf("timeout must be a positive number of seconds")
		}
		limit := int(h.config.MaxRenderTimeout.Seconds())
		if *request.Timeout > limit {
			return fmt.Errorf("timeout cannot exceed the configured limit of %d seconds", limit)
		}
	}

	return nil
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, message string, statusCode int) {
	response := types.ErrorResponse{
		Message: message,
		Code:    statusCode,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// sendJSON sends a JSON response
func (h *Handler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
