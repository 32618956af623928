package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"minutes-relay/internal/domain"
	"minutes-relay/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type sourceKey struct{}

// WithSource tags ctx with the admission source ("api", "webhook", "poll") for metrics and logs.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

func sourceFrom(ctx context.Context) string {
	if s, ok := ctx.Value(sourceKey{}).(string); ok && s != "" {
		return s
	}
	return "api"
}

// DispatchService is the admission gate. It owns every mapping mutation and
// guarantees at most one runner per work id.
type DispatchService struct {
	repo        domain.MappingRepository
	registry    domain.TaskRegistry
	runner      domain.Runner
	locker      domain.Locker
	maxAttempts int
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[string]string // work id -> task id
	attempts map[string]int    // failed runs per work id, this process only
	wg       sync.WaitGroup
}

var _ domain.Dispatcher = (*DispatchService)(nil)

// NewDispatchService creates a DispatchService. maxAttempts <= 0 disables the attempts guard.
func NewDispatchService(repo domain.MappingRepository, registry domain.TaskRegistry, runner domain.Runner, locker domain.Locker, maxAttempts int, logger *slog.Logger) *DispatchService {
	return &DispatchService{
		repo:        repo,
		registry:    registry,
		runner:      runner,
		locker:      locker,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "dispatcher"),
		tracer:      otel.Tracer("minutes-relay-usecase"),
		now:         time.Now,
		inFlight:    make(map[string]string),
		attempts:    make(map[string]int),
	}
}

// Admit decides whether workID should run now and, if so, starts the runner
// in the background and returns the new task id.
func (s *DispatchService) Admit(ctx context.Context, workID, destinationID, label string) (domain.AdmitResult, error) {
	source := sourceFrom(ctx)
	ctx, span := s.tracer.Start(ctx, "service.Admit", trace.WithAttributes(
		attribute.String("work.id", workID),
		attribute.String("admission.source", source),
	))
	defer span.End()

	logger := s.logger.With("work_id", workID, "source", source)

	if workID == "" {
		return domain.AdmitResult{}, fmt.Errorf("work id cannot be empty")
	}

	lock, err := s.locker.Lock(ctx, workID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to acquire work lock")
		return domain.AdmitResult{}, fmt.Errorf("failed to lock %s: %w", workID, err)
	}
	defer lock.Unlock()

	existing, err := s.repo.Get(ctx, workID)
	if err != nil && !errors.Is(err, domain.ErrMappingNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read mapping")
		return domain.AdmitResult{}, fmt.Errorf("failed to read mapping %s: %w", workID, err)
	}
	if existing != nil && existing.Processed {
		return s.skip(span, logger, source, domain.SkipAlreadyProcessed), nil
	}

	if taskID, running := s.runningTask(workID); running {
		logger.Info("execution already in flight", "task_id", taskID)
		return s.skip(span, logger, source, domain.SkipInFlight), nil
	}

	dest := destinationID
	if dest == "" && existing != nil {
		dest = existing.DestinationID
	}
	if dest == "" {
		return s.skip(span, logger, source, domain.SkipNoDestination), nil
	}

	if s.maxAttempts > 0 && s.failedAttempts(workID) >= s.maxAttempts {
		return s.skip(span, logger, source, domain.SkipAttemptsExhausted), nil
	}

	if label == "" && existing != nil {
		label = existing.Label
	}
	if existing == nil || existing.DestinationID != dest || existing.Label != label {
		m := &domain.WorkMapping{WorkID: workID, DestinationID: dest, Label: label}
		if err := s.repo.Put(ctx, m); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to save mapping")
			return domain.AdmitResult{}, fmt.Errorf("failed to save mapping %s: %w", workID, err)
		}
	}

	taskID := s.registry.Create(workID, dest)
	s.mu.Lock()
	s.inFlight[workID] = taskID
	s.mu.Unlock()

	job := domain.Job{TaskID: taskID, WorkID: workID, DestinationID: dest, Label: label}
	s.wg.Add(1)
	// The runner outlives the request that admitted it.
	go s.run(context.WithoutCancel(ctx), job)

	span.SetAttributes(attribute.String("task.id", taskID), attribute.String("destination.id", dest))
	metrics.AdmissionsTotal.WithLabelValues(source, "started").Inc()
	logger.Info("execution admitted", "task_id", taskID, "destination_id", dest)
	return domain.AdmitResult{TaskID: taskID}, nil
}

func (s *DispatchService) run(ctx context.Context, job domain.Job) {
	defer s.wg.Done()

	logger := s.logger.With("work_id", job.WorkID, "task_id", job.TaskID)

	var runErr error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("runner panicked", "panic", rec)
				runErr = fmt.Errorf("runner panicked: %v", rec)
			}
		}()
		runErr = s.runner.Run(ctx, job)
	}()

	lock, err := s.locker.Lock(context.Background(), job.WorkID)
	if err != nil {
		// Background never cancels, so this only happens with a broken locker.
		logger.Error("failed to lock work for finalization", "error", err)
	} else {
		defer lock.Unlock()
	}

	if runErr == nil {
		if err := s.repo.MarkProcessed(ctx, job.WorkID, s.now()); err != nil {
			// The minutes went out but the flag did not stick; a re-signal may deliver again.
			logger.Error("failed to mark mapping processed", "error", err)
		}
	} else {
		s.mu.Lock()
		s.attempts[job.WorkID]++
		n := s.attempts[job.WorkID]
		s.mu.Unlock()
		logger.Warn("execution failed; mapping left unprocessed", "attempt", n, "error", runErr)
	}

	s.mu.Lock()
	if s.inFlight[job.WorkID] == job.TaskID {
		delete(s.inFlight, job.WorkID)
	}
	s.mu.Unlock()
}

func (s *DispatchService) skip(span trace.Span, logger *slog.Logger, source, reason string) domain.AdmitResult {
	span.SetAttributes(attribute.String("admission.skipped", reason))
	metrics.AdmissionsTotal.WithLabelValues(source, reason).Inc()
	logger.Info("admission skipped", "reason", reason)
	return domain.AdmitResult{Skipped: true, Reason: reason}
}

func (s *DispatchService) runningTask(workID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.inFlight[workID]
	return id, ok
}

func (s *DispatchService) failedAttempts(workID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[workID]
}

// Register creates a mapping if none exists yet. It never overwrites and
// reports whether a mapping was created.
func (s *DispatchService) Register(ctx context.Context, workID, destinationID, label string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "service.Register", trace.WithAttributes(attribute.String("work.id", workID)))
	defer span.End()

	m := &domain.WorkMapping{WorkID: workID, DestinationID: destinationID, Label: label}
	if err := m.Validate(); err != nil {
		return false, err
	}

	lock, err := s.locker.Lock(ctx, workID)
	if err != nil {
		return false, fmt.Errorf("failed to lock %s: %w", workID, err)
	}
	defer lock.Unlock()

	_, err = s.repo.Get(ctx, workID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, domain.ErrMappingNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read mapping")
		return false, err
	}
	if err := s.repo.Put(ctx, m); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save mapping")
		return false, err
	}
	s.logger.Info("mapping registered", "work_id", workID, "destination_id", destinationID)
	return true, nil
}

// PutMapping sets the destination and label for workID. The processed flag of
// an existing mapping is kept; it only ever changes through a successful run.
func (s *DispatchService) PutMapping(ctx context.Context, m *domain.WorkMapping) (*domain.WorkMapping, error) {
	ctx, span := s.tracer.Start(ctx, "service.PutMapping", trace.WithAttributes(attribute.String("work.id", m.WorkID)))
	defer span.End()

	if m.WorkID == "" {
		return nil, fmt.Errorf("mapping work_id cannot be empty")
	}

	lock, err := s.locker.Lock(ctx, m.WorkID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", m.WorkID, err)
	}
	defer lock.Unlock()

	next := &domain.WorkMapping{WorkID: m.WorkID, DestinationID: m.DestinationID, Label: m.Label}
	existing, err := s.repo.Get(ctx, m.WorkID)
	switch {
	case err == nil:
		next.Processed = existing.Processed
		next.ProcessedAt = existing.ProcessedAt
	case !errors.Is(err, domain.ErrMappingNotFound):
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read mapping")
		return nil, err
	}

	if err := s.repo.Put(ctx, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save mapping")
		return nil, err
	}
	return next.Clone(), nil
}

// RemoveMapping deletes the mapping for workID.
func (s *DispatchService) RemoveMapping(ctx context.Context, workID string) error {
	ctx, span := s.tracer.Start(ctx, "service.RemoveMapping", trace.WithAttributes(attribute.String("work.id", workID)))
	defer span.End()

	lock, err := s.locker.Lock(ctx, workID)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", workID, err)
	}
	defer lock.Unlock()

	if err := s.repo.Remove(ctx, workID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to remove mapping")
		return err
	}
	s.logger.Info("mapping removed", "work_id", workID)
	return nil
}

// GetMapping reads a mapping.
func (s *DispatchService) GetMapping(ctx context.Context, workID string) (*domain.WorkMapping, error) {
	return s.repo.Get(ctx, workID)
}

// ListMappings reads every mapping ordered by work id.
func (s *DispatchService) ListMappings(ctx context.Context) ([]*domain.WorkMapping, error) {
	return s.repo.List(ctx)
}

// Wait blocks until every admitted runner has finished and been finalized.
func (s *DispatchService) Wait() {
	s.wg.Wait()
}
