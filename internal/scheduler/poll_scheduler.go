// internal/scheduler/poll_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"minutes-relay/internal/domain"
	"minutes-relay/internal/metrics"
	"minutes-relay/internal/usecase"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventHandler is the part of the ingestor the poller feeds.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.Event) (domain.AdmitResult, error)
}

// PollConfig controls the reconciliation loop.
type PollConfig struct {
	Interval    time.Duration // 0 disables polling
	ListTimeout time.Duration
	RunOnStart  bool
}

// pollScheduler periodically asks the retriever what is ready and admits it.
// It covers work whose push notification was lost.
type pollScheduler struct {
	cron      *cron.Cron
	retriever domain.Retriever
	handler   EventHandler
	cfg       PollConfig
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewPollScheduler creates the reconciliation poller.
func NewPollScheduler(retriever domain.Retriever, handler EventHandler, cfg PollConfig, logger *slog.Logger) domain.Schedular {
	logger = logger.With("component", "poll-scheduler")
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &pollScheduler{
		// Ticks never overlap; a tick still running when the next one is due is skipped.
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		retriever: retriever,
		handler:   handler,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("minutes-relay-scheduler"),
	}
}

// Start runs the loop until ctx is cancelled.
func (s *pollScheduler) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		s.logger.Info("polling disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	id, err := s.cron.AddFunc(spec, func() { s.Tick(ctx) })
	if err != nil {
		s.logger.Error("failed to schedule poll", "schedule", spec, "error", err)
		return err
	}

	s.logger.Info("poll scheduler started", "schedule", spec)
	s.cron.Start()
	if s.cfg.RunOnStart {
		// Go through the wrapped job so the first tick is also covered by SkipIfStillRunning.
		go s.cron.Entry(id).WrappedJob.Run()
	}

	<-ctx.Done()
	s.logger.Info("poll scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("poll scheduler stopped")
	return ctx.Err()
}

// Tick runs one reconciliation pass.
func (s *pollScheduler) Tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.PollTick")
	defer span.End()

	listCtx := ctx
	if s.cfg.ListTimeout > 0 {
		var cancel context.CancelFunc
		listCtx, cancel = context.WithTimeout(ctx, s.cfg.ListTimeout)
		defer cancel()
	}

	ready, err := s.retriever.ListReady(listCtx)
	if err != nil {
		metrics.PollTicksTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list ready work")
		s.logger.Error("failed to list ready work", "error", err)
		return
	}
	span.SetAttributes(attribute.Int("poll.ready", len(ready)))

	ctx = usecase.WithSource(ctx, "poll")
	started := 0
	for _, w := range ready {
		if ctx.Err() != nil {
			break
		}
		res, err := s.handler.Handle(ctx, domain.Event{Type: domain.EventWorkReady, WorkID: w.WorkID, Label: w.Label})
		if err != nil {
			s.logger.Error("failed to admit polled work", "work_id", w.WorkID, "error", err)
			continue
		}
		if !res.Skipped {
			started++
		}
	}

	metrics.PollTicksTotal.WithLabelValues("ok").Inc()
	s.logger.Info("poll tick finished", "ready", len(ready), "started", started)
}
