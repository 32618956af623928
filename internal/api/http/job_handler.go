// internal/api/http/job_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"minutes-relay/internal/domain"
	"minutes-relay/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTaskListLimit = 50
	maxTaskListLimit     = 500
)

// JobHandler serves jobs, task status and mapping management.
type JobHandler struct {
	service  *usecase.JobService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(service *usecase.JobService, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		service:  service,
		logger:   logger.With("component", "job-handler"),
		validate: newValidator(),
		tracer:   otel.Tracer("minutes-relay-api"),
	}
}

// RegisterRoutes registers job, task and mapping routes to the http.ServeMux.
func (h *JobHandler) RegisterRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"POST /jobs":                 h.handleStartJob,
		"GET /tasks/":                h.handleListTasks,
		"GET /tasks/{task_id}":       h.handleGetTask,
		"GET /mappings/":             h.handleListMappings,
		"POST /mappings/":            h.handleSaveMapping,
		"GET /mappings/{work_id}":    h.handleGetMapping,
		"DELETE /mappings/{work_id}": h.handleDeleteMapping,
	}
	for pattern, fn := range routes {
		mux.Handle(pattern, instrument(pattern, fn))
	}
}

// handleStartJob handles POST /jobs. 202 with a task id when started, 200 when skipped.
func (h *JobHandler) handleStartJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.StartJob")
	defer span.End()

	var req StartJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		writeValidationError(w, err)
		return
	}
	span.SetAttributes(attribute.String("work.id", req.WorkID))

	res, err := h.service.StartJob(ctx, req.WorkID, req.DestinationID)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to start job in service")
		span.RecordError(err)
		h.logger.Error("error starting job", "work_id", req.WorkID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	if res.Skipped {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *JobHandler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetTask")
	defer span.End()

	taskID := r.PathValue("task_id")
	span.SetAttributes(attribute.String("task.id", taskID))

	rec, err := h.service.GetStatus(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		span.SetStatus(codes.Error, "Failed to get task")
		span.RecordError(err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListTasks handles GET /tasks/?limit=N, newest first.
func (h *JobHandler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListTasks")
	defer span.End()

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > maxTaskListLimit {
		limit = defaultTaskListLimit
	}
	tasks := h.service.ListTasks(ctx, limit)
	if tasks == nil {
		tasks = []domain.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *JobHandler) handleSaveMapping(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.SaveMapping")
	defer span.End()

	var req SaveMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		writeValidationError(w, err)
		return
	}
	span.SetAttributes(attribute.String("work.id", req.WorkID))

	saved, err := h.service.SaveMapping(ctx, req.ToDomainMapping())
	if err != nil {
		span.SetStatus(codes.Error, "Failed to save mapping in service")
		span.RecordError(err)
		h.logger.Error("error saving mapping", "work_id", req.WorkID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (h *JobHandler) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.GetMapping")
	defer span.End()

	workID := r.PathValue("work_id")
	span.SetAttributes(attribute.String("work.id", workID))

	m, err := h.service.GetMapping(ctx, workID)
	if err != nil {
		if errors.Is(err, domain.ErrMappingNotFound) {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		span.SetStatus(codes.Error, "Failed to get mapping from service")
		span.RecordError(err)
		h.logger.Error("error getting mapping", "work_id", workID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *JobHandler) handleListMappings(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.ListMappings")
	defer span.End()

	ms, err := h.service.ListMappings(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to list mappings from service")
		span.RecordError(err)
		h.logger.Error("error listing mappings", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if ms == nil {
		ms = []*domain.WorkMapping{}
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *JobHandler) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.DeleteMapping")
	defer span.End()

	workID := r.PathValue("work_id")
	span.SetAttributes(attribute.String("work.id", workID))

	if err := h.service.DeleteMapping(ctx, workID); err != nil {
		span.SetStatus(codes.Error, "Failed to delete mapping in service")
		span.RecordError(err)
		h.logger.Error("error deleting mapping", "work_id", workID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
