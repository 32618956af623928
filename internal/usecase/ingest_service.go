package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"minutes-relay/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// IngestService turns push events and poll results into registrations and admissions.
type IngestService struct {
	dispatcher         *DispatchService
	defaultDestination string
	logger             *slog.Logger
	tracer             trace.Tracer
}

// NewIngestService creates an IngestService. defaultDestination may be empty.
func NewIngestService(dispatcher *DispatchService, defaultDestination string, logger *slog.Logger) *IngestService {
	return &IngestService{
		dispatcher:         dispatcher,
		defaultDestination: defaultDestination,
		logger:             logger.With("component", "ingestor"),
		tracer:             otel.Tracer("minutes-relay-usecase"),
	}
}

// Handle processes one event. work_created registers a mapping and returns a
// zero result; work_ready goes through admission.
func (s *IngestService) Handle(ctx context.Context, ev domain.Event) (domain.AdmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.HandleEvent", trace.WithAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("work.id", ev.WorkID),
	))
	defer span.End()

	if err := ev.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		return domain.AdmitResult{}, err
	}

	switch ev.Type {
	case domain.EventWorkCreated:
		dest := ev.DestinationID
		if dest == "" {
			dest = s.defaultDestination
		}
		if dest == "" {
			s.logger.Info("no destination for created work; ignoring", "work_id", ev.WorkID)
			return domain.AdmitResult{}, nil
		}
		created, err := s.dispatcher.Register(ctx, ev.WorkID, dest, ev.Label)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to register mapping")
			return domain.AdmitResult{}, fmt.Errorf("failed to register %s: %w", ev.WorkID, err)
		}
		if !created {
			s.logger.Info("mapping already exists; keeping it", "work_id", ev.WorkID)
		}
		return domain.AdmitResult{}, nil

	case domain.EventWorkReady:
		dest, err := s.resolveDestination(ctx, ev.WorkID, ev.DestinationID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to resolve destination")
			return domain.AdmitResult{}, err
		}
		return s.dispatcher.Admit(ctx, ev.WorkID, dest, ev.Label)
	}

	return domain.AdmitResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.Type)
}

// resolveDestination picks the explicit destination, else the mapping's, else
// the default. An empty result with a nil error lets Admit report no_destination.
func (s *IngestService) resolveDestination(ctx context.Context, workID, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	m, err := s.dispatcher.GetMapping(ctx, workID)
	switch {
	case err == nil && m.DestinationID != "":
		// Admit falls back to the mapping itself.
		return "", nil
	case err != nil && !errors.Is(err, domain.ErrMappingNotFound):
		return "", fmt.Errorf("failed to read mapping %s: %w", workID, err)
	}
	return s.defaultDestination, nil
}
