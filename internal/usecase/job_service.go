package usecase

import (
	"context"
	"log/slog"

	"minutes-relay/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// JobService is what the HTTP API talks to: starting jobs, polling tasks and managing mappings.
type JobService struct {
	dispatcher *DispatchService
	registry   domain.TaskRegistry
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewJobService creates a new JobService instance.
func NewJobService(dispatcher *DispatchService, registry domain.TaskRegistry, logger *slog.Logger) *JobService {
	return &JobService{
		dispatcher: dispatcher,
		registry:   registry,
		logger:     logger.With("component", "job-service"),
		tracer:     otel.Tracer("minutes-relay-usecase"),
	}
}

// StartJob admits workID for processing on behalf of an API caller.
func (s *JobService) StartJob(ctx context.Context, workID, destinationID string) (domain.AdmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.StartJob")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID), attribute.String("destination.id", destinationID))

	res, err := s.dispatcher.Admit(WithSource(ctx, "api"), workID, destinationID, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to admit job")
	}
	return res, err
}

// GetStatus returns a snapshot of one task.
func (s *JobService) GetStatus(ctx context.Context, taskID string) (domain.TaskRecord, error) {
	_, span := s.tracer.Start(ctx, "service.GetStatus")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))

	rec, ok := s.registry.Get(taskID)
	if !ok {
		return domain.TaskRecord{}, domain.ErrTaskNotFound
	}
	return rec, nil
}

// ListTasks returns the most recent tasks, newest first.
func (s *JobService) ListTasks(ctx context.Context, limit int) []domain.TaskRecord {
	_, span := s.tracer.Start(ctx, "service.ListTasks")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	return s.registry.List(limit)
}

// SaveMapping creates or updates the destination for a unit of work.
func (s *JobService) SaveMapping(ctx context.Context, m *domain.WorkMapping) (*domain.WorkMapping, error) {
	ctx, span := s.tracer.Start(ctx, "service.SaveMapping")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", m.WorkID))

	saved, err := s.dispatcher.PutMapping(ctx, m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save mapping")
	}
	return saved, err
}

// DeleteMapping removes a mapping.
func (s *JobService) DeleteMapping(ctx context.Context, workID string) error {
	ctx, span := s.tracer.Start(ctx, "service.DeleteMapping")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	if err := s.dispatcher.RemoveMapping(ctx, workID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete mapping")
		return err
	}
	return nil
}

// GetMapping gets one mapping.
func (s *JobService) GetMapping(ctx context.Context, workID string) (*domain.WorkMapping, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetMapping")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	m, err := s.dispatcher.GetMapping(ctx, workID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get mapping")
	}
	return m, err
}

// ListMappings lists every mapping.
func (s *JobService) ListMappings(ctx context.Context) ([]*domain.WorkMapping, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListMappings")
	defer span.End()

	ms, err := s.dispatcher.ListMappings(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list mappings")
	}
	return ms, err
}
