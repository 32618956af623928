// internal/worker/runner.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"minutes-relay/internal/domain"
	"minutes-relay/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const summaryLength = 200

// StageTimeouts bounds each pipeline stage. For delivery the bound applies per chunk.
type StageTimeouts struct {
	Fetch     time.Duration
	Transform time.Duration
	Deliver   time.Duration
}

// DefaultStageTimeouts replaces any stage timeout that is not positive.
var DefaultStageTimeouts = StageTimeouts{
	Fetch:     10 * time.Minute,
	Transform: 15 * time.Minute,
	Deliver:   30 * time.Second,
}

// withDefaults returns t with every non-positive bound replaced, so no stage runs unbounded.
func (t StageTimeouts) withDefaults() StageTimeouts {
	if t.Fetch <= 0 {
		t.Fetch = DefaultStageTimeouts.Fetch
	}
	if t.Transform <= 0 {
		t.Transform = DefaultStageTimeouts.Transform
	}
	if t.Deliver <= 0 {
		t.Deliver = DefaultStageTimeouts.Deliver
	}
	return t
}

// Runner executes fetch, transform and deliver for one job and reports into the registry.
type Runner struct {
	retriever domain.Retriever
	generator domain.Generator
	deliverer domain.Deliverer
	registry  domain.TaskRegistry
	timeouts  StageTimeouts
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewRunner creates a pipeline runner.
func NewRunner(retriever domain.Retriever, generator domain.Generator, deliverer domain.Deliverer, registry domain.TaskRegistry, timeouts StageTimeouts, logger *slog.Logger) *Runner {
	return &Runner{
		retriever: retriever,
		generator: generator,
		deliverer: deliverer,
		registry:  registry,
		timeouts:  timeouts.withDefaults(),
		logger:    logger.With("component", "runner"),
		tracer:    otel.Tracer("minutes-relay-runner"),
	}
}

// Run executes the pipeline to a terminal status. Stage failures are recorded
// in the registry and returned; they never panic out of Run.
func (r *Runner) Run(ctx context.Context, job domain.Job) (runErr error) {
	ctx, span := r.tracer.Start(ctx, "runner.Run",
		trace.WithAttributes(
			attribute.String("task.id", job.TaskID),
			attribute.String("work.id", job.WorkID),
			attribute.String("destination.id", job.DestinationID),
		))
	defer span.End()

	logger := r.logger.With("task_id", job.TaskID, "work_id", job.WorkID, "destination_id", job.DestinationID)
	result := &domain.TaskResult{}
	stage := domain.StageFetch

	metrics.InFlightRuns.Inc()
	defer metrics.InFlightRuns.Dec()

	// Finalize the record on every exit path, panics included.
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("pipeline panicked", "panic", rec, "stage", stage)
			runErr = &domain.StageError{Stage: stage, Err: fmt.Errorf("panic: %v", rec)}
		}
		r.finish(job, result, runErr, logger, span)
	}()

	// 1. Fetch
	r.progress(job, logger, 10, "fetching recording")
	started := time.Now()
	artifact, err := runStage(ctx, r.timeouts.Fetch, func(ctx context.Context) (*domain.Artifact, error) {
		return r.retriever.Fetch(ctx, job.WorkID)
	}, func(late *domain.Artifact) {
		// The stage timed out but the fetch finished later; do not leak the staged file.
		if err := late.Release(); err != nil {
			logger.Warn("failed to release late artifact", "error", err)
		}
	})
	r.observe(span, domain.StageFetch, started, err)
	defer func() {
		if err := artifact.Release(); err != nil {
			logger.Warn("failed to release staged artifact", "error", err)
		} else if artifact != nil {
			logger.Info("released staged artifact", "path", artifact.Path)
		}
	}()
	if err != nil {
		return &domain.StageError{Stage: stage, Err: err}
	}
	if artifact == nil {
		return &domain.StageError{Stage: stage, Err: fmt.Errorf("%w: retriever returned no artifact", domain.ErrNotFound)}
	}
	r.progress(job, logger, 30, fmt.Sprintf("recording fetched (%.2f MB)", float64(artifact.Size)/1024/1024))

	// 2. Transform
	stage = domain.StageTransform
	r.progress(job, logger, 50, "generating minutes")
	started = time.Now()
	document, err := runStage(ctx, r.timeouts.Transform, func(ctx context.Context) (string, error) {
		return r.generator.Generate(ctx, artifact)
	}, nil)
	r.observe(span, domain.StageTransform, started, err)
	if err != nil {
		return &domain.StageError{Stage: stage, Err: err}
	}
	if strings.TrimSpace(document) == "" {
		return &domain.StageError{Stage: stage, Err: fmt.Errorf("%w: generator returned an empty document", domain.ErrPermanentInput)}
	}
	result.DocumentLength = len([]rune(document))
	result.DocumentSummary = summarize(document, summaryLength)
	r.progress(job, logger, 80, fmt.Sprintf("minutes generated (%d characters)", result.DocumentLength))

	// 3. Deliver, chunk by chunk, in order.
	stage = domain.StageDeliver
	chunks := SplitMessage(FormatMinutes(job, document), r.deliverer.MaxChunkSize())
	result.ChunksTotal = len(chunks)
	r.progress(job, logger, 90, fmt.Sprintf("delivering %d message(s)", len(chunks)))

	start := time.Now()
	for i, chunk := range chunks {
		_, err := runStage(ctx, r.timeouts.Deliver, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.deliverer.Deliver(ctx, job.DestinationID, chunk)
		}, nil)
		if err != nil {
			metrics.StageDuration.WithLabelValues(domain.StageDeliver).Observe(time.Since(start).Seconds())
			span.AddEvent("chunk_failed", trace.WithAttributes(attribute.Int("chunk", i+1)))
			return &domain.StageError{
				Stage: stage,
				Err:   fmt.Errorf("chunk %d of %d failed after %d delivered: %w", i+1, len(chunks), result.ChunksDelivered, err),
			}
		}
		result.ChunksDelivered++
		metrics.ChunksDeliveredTotal.Inc()
		if len(chunks) > 1 {
			r.progress(job, logger, 90+(9*result.ChunksDelivered)/len(chunks), fmt.Sprintf("delivered %d/%d messages", result.ChunksDelivered, len(chunks)))
		}
	}
	metrics.StageDuration.WithLabelValues(domain.StageDeliver).Observe(time.Since(start).Seconds())

	return nil
}

// runStage calls fn under a timeout. If fn does not return in time the stage
// fails with a transient error; onLate, when set, receives the value fn
// eventually produces so it can be cleaned up.
func runStage[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error), onLate func(T)) (T, error) {
	var zero T
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("collaborator panicked: %v", rec)}
			}
		}()
		v, err := fn(stageCtx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return out.val, fmt.Errorf("%w: stage timed out after %s: %v", domain.ErrTransient, timeout, out.err)
		}
		return out.val, out.err
	case <-stageCtx.Done():
		if onLate != nil {
			go func() {
				out := <-done
				onLate(out.val)
			}()
		}
		return zero, fmt.Errorf("%w: stage timed out after %s", domain.ErrTransient, timeout)
	}
}

func (r *Runner) progress(job domain.Job, logger *slog.Logger, progress int, message string) {
	logger.Info(message, "progress", progress)
	if err := r.registry.Update(job.TaskID, domain.TaskStatusRunning, progress, message); err != nil {
		logger.Error("task registry update failed; runner and registry out of sync", "error", err)
	}
}

func (r *Runner) observe(span trace.Span, stage string, started time.Time, err error) {
	metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	if err != nil {
		span.AddEvent("stage_failed", trace.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("error_kind", domain.ClassifyError(err)),
		))
		return
	}
	span.AddEvent("stage_completed", trace.WithAttributes(attribute.String("stage", stage)))
}

func (r *Runner) finish(job domain.Job, result *domain.TaskResult, runErr error, logger *slog.Logger, span trace.Span) {
	status := domain.TaskStatusCompleted
	message := fmt.Sprintf("minutes delivered to %s", job.DestinationID)

	if runErr != nil {
		status = domain.TaskStatusError
		message = runErr.Error()
		result.Success = false
		result.Error = runErr.Error()
		result.ErrorKind = domain.ClassifyError(runErr)
		var stageErr *domain.StageError
		if errors.As(runErr, &stageErr) {
			result.Stage = stageErr.Stage
		}
		metrics.PipelineRunsTotal.WithLabelValues(string(status), result.Stage, result.ErrorKind).Inc()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "pipeline failed")
		logger.Error("pipeline failed", "stage", result.Stage, "error_kind", result.ErrorKind,
			"chunks_delivered", result.ChunksDelivered, "chunks_total", result.ChunksTotal, "error", runErr)
	} else {
		result.Success = true
		metrics.PipelineRunsTotal.WithLabelValues(string(status), "", "").Inc()
		span.SetStatus(codes.Ok, "pipeline completed")
		logger.Info("pipeline completed", "chunks_delivered", result.ChunksDelivered)
	}

	if err := r.registry.Finish(job.TaskID, status, message, result); err != nil {
		logger.Error("task registry finish failed; runner and registry out of sync", "error", err)
	}
}
