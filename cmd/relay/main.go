// cmd/relay/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	http_api "minutes-relay/internal/api/http"
	"minutes-relay/internal/config"
	"minutes-relay/internal/domain"
	"minutes-relay/internal/infra/etcd"
	"minutes-relay/internal/infra/file"
	http_infra "minutes-relay/internal/infra/http"
	"minutes-relay/internal/infra/memory"
	shell_infra "minutes-relay/internal/infra/shell"
	"minutes-relay/internal/scheduler"
	"minutes-relay/internal/tracing"
	"minutes-relay/internal/usecase"
	"minutes-relay/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// drainTimeout bounds how long shutdown waits for in-flight pipelines.
const drainTimeout = 2 * time.Minute

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // For local dev, allow all origins
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		// Handle pre-flight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	configFile := flag.String("config", "", "path to config file (default: ./configs/config.yaml or ./config.yaml)")
	flag.Parse()

	// 1. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Deferred cleanup lives in run, so it finishes before the exit code is set.
	if err := run(*configFile, logger); err != nil {
		logger.Error("minutes relay failed", "error", err)
		os.Exit(1)
	}
}

func run(configFile string, logger *slog.Logger) error {
	// 2. Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var traceOut io.Writer
	if cfg.Tracing.Enabled {
		traceOut = os.Stderr
	}
	tracerShutdown, err := tracing.InitTracer("minutes-relay", traceOut, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	logger.Info("starting minutes relay", "store", cfg.Store.Backend, "listen", cfg.HttpListenAddr)

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	// 4. Mapping store
	var (
		repo   domain.MappingRepository
		locker domain.Locker
	)
	switch cfg.Store.Backend {
	case "etcd":
		etcdClient, err := etcd.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.Timeout)
		if err != nil {
			return fmt.Errorf("failed to create etcd client: %w", err)
		}
		defer etcdClient.Close()
		logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)
		repo = etcd.NewEtcdMappingRepository(etcdClient, logger)
		locker = etcd.NewEtcdLocker(etcdClient, logger)
	default:
		repo, err = file.NewFileMappingRepository(cfg.Store.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open mapping store: %w", err)
		}
		locker = memory.NewKeyLocker()
	}

	if err := os.MkdirAll(cfg.Runner.StagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	// 5. Collaborators
	retriever := http_infra.NewZoomRetriever(http_infra.ZoomConfig{
		BaseURL:    cfg.Zoom.BaseURL,
		Token:      cfg.Zoom.Token,
		UserID:     cfg.Zoom.UserID,
		StagingDir: cfg.Runner.StagingDir,
		Lookback:   cfg.Poll.Lookback,
	}, logger)
	generator := shell_infra.NewQuotaGenerator(
		shell_infra.NewCommandGenerator(cfg.Generator.Command, logger),
		cfg.Generator.DailyLimit, logger)
	deliverer := http_infra.NewChatworkDeliverer(http_infra.ChatworkConfig{
		BaseURL:    cfg.Chatwork.BaseURL,
		Token:      cfg.Chatwork.Token,
		MaxChunk:   cfg.Chatwork.MaxChunk,
		MaxRetries: cfg.Chatwork.MaxRetries,
		Backoff:    cfg.Chatwork.Backoff,
	}, logger)

	// 6. Orchestration
	registry := memory.NewTaskRegistry()
	runner := worker.NewRunner(retriever, generator, deliverer, registry, worker.StageTimeouts{
		Fetch:     cfg.Runner.FetchTimeout,
		Transform: cfg.Runner.TransformTimeout,
		Deliver:   cfg.Runner.DeliverTimeout,
	}, logger)
	dispatcher := usecase.NewDispatchService(repo, registry, runner, locker, cfg.Dispatch.MaxAttempts, logger)
	ingest := usecase.NewIngestService(dispatcher, cfg.DefaultDestinationID, logger)
	jobService := usecase.NewJobService(dispatcher, registry, logger)
	poller := scheduler.NewPollScheduler(retriever, ingest, scheduler.PollConfig{
		Interval:    cfg.Poll.Interval,
		ListTimeout: cfg.Poll.ListTimeout,
		RunOnStart:  cfg.Poll.RunOnStart,
	}, logger)

	// 7. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	http_api.NewJobHandler(jobService, logger).RegisterRoutes(mux)
	http_api.NewWebhookHandler(ingest, cfg.Webhook.SecretToken, logger).RegisterRoutes(mux)

	// 8. Start the poller
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		if err := poller.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("poll scheduler stopped with error", "error", err)
		}
	}()

	// 9. Start HTTP API server with CORS middleware
	server := &http.Server{
		Addr:              cfg.HttpListenAddr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	var serveErr error
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		logger.Info("starting HTTP API server", "addr", cfg.HttpListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("HTTP server failed: %w", err)
			cancel()
		}
	}()

	// 10. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down application gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	<-serveDone
	bg.Wait()

	drained := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		logger.Warn("pipelines still running at shutdown; their mappings stay unprocessed")
	}

	logger.Info("application shut down")
	return serveErr
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal; initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
