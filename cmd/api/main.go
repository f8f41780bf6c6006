package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/mattedesign/canvas-insight-ai-sub008/internal/adapters/http"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/bootstrap"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/config"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/observability/logging"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/observability/metrics"
)

const serviceName = "api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	slog.SetDefault(logger)

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	app.Dispatcher.OnFallback(func() {
		httpMetrics.RecordDispatchFallback(serviceName)
	})

	router := httpadapter.NewRouter(
		&instrumentedSubmitter{next: app.Submitter, metrics: httpMetrics},
		app.Reader,
		app.Cache,
		httpadapter.Options{
			RateLimitRPS:      cfg.APIRateLimitRPS,
			RateLimitBurst:    cfg.APIRateLimitBurst,
			MaxInFlight:       cfg.APIMaxInFlight,
			UserSubmitsPerMin: int64(cfg.UserSubmitsPerMin),
		},
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", httpMetrics.Handler())
	mux.Handle("/", httpMetrics.Middleware(serviceName, router.Handler()))

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	go func() {
		logger.Info("api listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

// instrumentedSubmitter counts accepted submissions and their dispatch
// label without the HTTP adapter knowing about Prometheus.
type instrumentedSubmitter struct {
	next    ports.JobSubmitter
	metrics *metrics.HTTPServerMetrics
}

func (s *instrumentedSubmitter) Submit(ctx context.Context, req ports.SubmitRequest) (*ports.SubmitResponse, error) {
	resp, err := s.next.Submit(ctx, req)
	if err == nil {
		s.metrics.RecordSubmission(serviceName, "single")
		s.metrics.RecordDispatch(serviceName, resp.Dispatch)
	}
	return resp, err
}

func (s *instrumentedSubmitter) SubmitGroup(ctx context.Context, req ports.SubmitGroupRequest) (*ports.SubmitResponse, error) {
	resp, err := s.next.SubmitGroup(ctx, req)
	if err == nil {
		s.metrics.RecordSubmission(serviceName, "group")
		s.metrics.RecordDispatch(serviceName, resp.Dispatch)
	}
	return resp, err
}
