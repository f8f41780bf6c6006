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

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/bootstrap"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/config"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/observability/logging"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/observability/metrics"
)

const serviceName = "worker"

// stageTimeout caps a single stage execution end to end, on top of the
// per-call adaptive timeouts inside the pipeline.
const stageTimeout = 5 * time.Minute

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

	if app.Bus == nil {
		logger.Error("worker requires a message bus", "url", cfg.NATSURL)
		os.Exit(1)
	}

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app.Pipeline.OnModelOutcome(func(model string, success bool) {
		workerMetrics.RecordModelOutcome(serviceName, model, success)
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	handler := func(msgCtx context.Context, msg domain.StageDispatch) error {
		workerMetrics.ObserveQueueLag(serviceName, time.Since(time.UnixMilli(msg.Timestamp)))
		workerMetrics.StartStage()

		runCtx, cancel := context.WithTimeout(msgCtx, stageTimeout)
		defer cancel()

		start := time.Now()
		err := app.Pipeline.RunStage(runCtx, msg)
		workerMetrics.FinishStage(serviceName, string(msg.Stage), time.Since(start), err)
		if err != nil {
			logger.Error("stage failed",
				"jobId", msg.JobID,
				"stage", msg.Stage,
				"error", err,
			)
		}
		return err
	}

	logger.Info("worker subscribed", "subject", cfg.NATSSubject)
	if err := app.Bus.SubscribeStageDispatch(ctx, handler); err != nil {
		logger.Error("subscription failed", "error", err)
		os.Exit(1)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
