package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/config"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/optimizer"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/usecase"
	redicache "github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/cache/redis"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/llm/anthropic"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/llm/openai"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/queue/nats"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/repository/postgres"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/resilience"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/infrastructure/vision/lens"
)

// App wires the shared dependency graph. Both binaries build the full
// graph; the API only exercises the submit/read side and the worker only
// the bus subscription, but one wiring keeps "both" dispatch honest.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Bus       *nats.Bus
	Jobs      ports.JobRepository
	Events    ports.EventLog
	Submitter ports.JobSubmitter
	Reader    ports.JobReader
	Pipeline  *usecase.Pipeline
	Cache     ports.MetadataCache

	Dispatcher *usecase.Dispatcher

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	jobs := postgres.NewJobRepository(db)
	if err := jobs.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	events := postgres.NewEventRepository(db)
	results := postgres.NewResultRepository(db)

	executor := resilience.NewExecutor(resilience.DefaultConfig())

	bus, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		// A missing broker degrades every bus dispatch to direct; the
		// system stays usable on a single process.
		logger.Warn("nats unavailable, dispatching direct only", "error", err)
		bus = nil
	}

	cache, err := redicache.New(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("init redis cache: %w", err)
	}

	catalog, err := config.LoadModelCatalog(cfg.ModelCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}
	selector := optimizer.New(catalog)

	visionProviders := buildVisionProviders(cfg, executor)
	analysisProviders := buildAnalysisProviders(cfg, catalog, executor)

	dispatcher := usecase.NewDispatcher(busOrNil(bus), events, logger)
	pipeline := usecase.NewPipeline(
		jobs, events, results,
		visionProviders, analysisProviders,
		cache, selector, selector,
		dispatcher, logger,
	)
	dispatcher.BindRunner(pipeline)

	submitter := usecase.NewSubmitAnalysisUseCase(jobs, events, dispatcher, logger)
	reader := usecase.NewJobReadService(jobs, events, logger)

	return &App{
		Config:     cfg,
		Logger:     logger,
		Bus:        bus,
		Jobs:       jobs,
		Events:     events,
		Submitter:  submitter,
		Reader:     reader,
		Pipeline:   pipeline,
		Cache:      cache,
		Dispatcher: dispatcher,
		closeFn: func() {
			if bus != nil {
				bus.Close()
			}
			_ = cache.Close()
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// busOrNil keeps the nil check in one place: a typed nil pointer must
// not reach the dispatcher as a non-nil interface.
func busOrNil(bus *nats.Bus) ports.EventBus {
	if bus == nil {
		return nil
	}
	return bus
}

func buildVisionProviders(cfg config.Config, executor *resilience.Executor) []ports.VisionProvider {
	var providers []ports.VisionProvider
	for _, name := range cfg.VisionProviderNames() {
		providers = append(providers, lens.New(cfg.LensURL, lens.Options{
			Name:     name,
			APIKey:   cfg.LensAPIKey,
			Executor: executor,
		}))
	}
	if len(providers) == 0 {
		providers = append(providers, lens.New(cfg.LensURL, lens.Options{
			Name:     cfg.LensName,
			APIKey:   cfg.LensAPIKey,
			Executor: executor,
		}))
	}
	return providers
}

func buildAnalysisProviders(
	cfg config.Config,
	catalog map[domain.Stage][]optimizer.ModelSpec,
	executor *resilience.Executor,
) map[string]ports.AnalysisProvider {
	openaiModels := catalogModels(catalog, "openai")
	anthropicModels := catalogModels(catalog, "anthropic")

	return map[string]ports.AnalysisProvider{
		"openai": openai.New(cfg.OpenAIAPIKey, openaiModels, openai.Options{
			BaseURL:  cfg.OpenAIBaseURL,
			Executor: executor,
		}),
		"anthropic": anthropic.New(cfg.AnthropicAPIKey, anthropicModels, anthropic.Options{
			BaseURL:  cfg.AnthropicBaseURL,
			Executor: executor,
		}),
	}
}

func catalogModels(catalog map[domain.Stage][]optimizer.ModelSpec, provider string) []string {
	seen := make(map[string]bool)
	var models []string
	for _, specs := range catalog {
		for _, spec := range specs {
			if strings.EqualFold(spec.Provider, provider) && !seen[spec.Name] {
				seen[spec.Name] = true
				models = append(models, spec.Name)
			}
		}
	}
	return models
}
