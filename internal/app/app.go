// Package app wires the storage clients, the pipeline stages and the query
// engine from one configuration store.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/finrag/backend/internal/assembly"
	"github.com/finrag/backend/internal/audit"
	"github.com/finrag/backend/internal/cache/redis"
	"github.com/finrag/backend/internal/embedding"
	"github.com/finrag/backend/internal/entity"
	"github.com/finrag/backend/internal/evidence"
	"github.com/finrag/backend/internal/kg/neo4j"
	"github.com/finrag/backend/internal/kpi"
	"github.com/finrag/backend/internal/llm"
	"github.com/finrag/backend/internal/metrics"
	"github.com/finrag/backend/internal/query"
	"github.com/finrag/backend/internal/retrieval"
	"github.com/finrag/backend/internal/storage/sqlite"
	"github.com/finrag/backend/internal/synthesis"
	"github.com/finrag/backend/internal/vector/milvus"
	"github.com/finrag/backend/pkg/circuitbreaker"
	"github.com/finrag/backend/pkg/config"
	"github.com/finrag/backend/pkg/logger"
)

type App struct {
	Config *config.Store
	Engine *query.Engine
	SQLite *sqlite.Client
	Milvus *milvus.Client
	Redis  *redis.Client
	Neo4j  *neo4j.Client
	LLM    *llm.Client
	Audit  *audit.AsyncSink

	logger  *zap.Logger
	closers []func(context.Context) error
}

// Build connects every backend named in the current snapshot. Optional
// backends (redis, audit) degrade to no-ops when unavailable.
func Build(ctx context.Context, store *config.Store, log *zap.Logger) (*App, error) {
	log = logger.OrDefault(log)
	cfg := store.Current().Config
	a := &App{Config: store, logger: log}

	var err error
	a.SQLite, err = sqlite.NewClient(cfg.SQLite.Path, log)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	a.onClose(func(context.Context) error { return a.SQLite.Close() })
	if err := a.SQLite.InitSchema(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	a.Milvus, err = milvus.NewClient(ctx, cfg.Milvus.Endpoint, cfg.Milvus.APIKey, cfg.Milvus.CollectionName, cfg.Milvus.NProbe, log)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("milvus: %w", err)
	}
	a.onClose(func(context.Context) error { return a.Milvus.Close() })
	if err := a.Milvus.EnsureLoaded(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("milvus collection: %w", err)
	}

	var cache embedding.Cache
	if cfg.Redis.Enabled {
		a.Redis, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Warn("Redis unavailable, embedding cache disabled", zap.Error(err))
		} else {
			cache = a.Redis
			a.onClose(func(context.Context) error { return a.Redis.Close() })
		}
	}

	registry, err := a.buildRegistry(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	llmOpts := llm.OptionsFromConfig(cfg.LLM, log)
	llmOpts.OnBreakerChange = func(name string, _, to circuitbreaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
	a.LLM = llm.NewClient(llmOpts)

	prompts, err := synthesis.LoadPrompts(cfg.Synthesis.TemplatePath)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("prompts: %w", err)
	}

	var sink audit.Sink = audit.NopSink{}
	if cfg.Audit.Enabled {
		a.Audit = audit.NewAsyncSink(a.SQLite, audit.Config{
			QueueSize: cfg.Audit.QueueSize,
			Workers:   cfg.Audit.Workers,
		}, log)
		sink = a.Audit
	}

	embedder := embedding.NewQueryEmbedder(a.LLM, cache, time.Duration(cfg.Redis.EmbeddingTTLHours)*time.Hour, log)
	a.Engine = query.NewEngine(query.Components{
		Adapter:   entity.NewAdapter(registry, entity.NewClassifier(), log),
		Embedder:  embedder,
		Variants:  embedding.NewVariantGenerator(a.LLM, embedder, log),
		Retriever: retrieval.NewMultiPathRetriever(a.Milvus, log),
		Expander:  evidence.NewWindowExpander(a.Milvus, log),
		Assembler: assembly.NewAssembler(assembly.NewTiktokenCounter("cl100k_base", log), log),
		KPI:       kpi.NewPipeline(a.SQLite, log),
		Synth:     synthesis.NewOrchestrator(a.LLM, prompts, log),
		Audit:     sink,
	}, store, log)

	metrics.ConfigVersion.Set(float64(store.Current().Version))
	store.OnSwap(func(s *config.Snapshot) {
		metrics.ConfigVersion.Set(float64(s.Version))
	})

	return a, nil
}

func (a *App) buildRegistry(cfg config.Config) (entity.Registry, error) {
	switch cfg.Registry.Backend {
	case "neo4j":
		client, err := neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database, a.logger)
		if err != nil {
			return nil, fmt.Errorf("neo4j: %w", err)
		}
		a.Neo4j = client
		a.onClose(client.Close)
		return client, nil
	default:
		reg, err := entity.LoadRegistryFile(cfg.Registry.Path)
		if err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		a.logger.Info("Company registry loaded", zap.String("path", cfg.Registry.Path), zap.Int("companies", reg.Len()))
		return reg, nil
	}
}

func (a *App) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Checks returns the readiness probes of every connected backend.
func (a *App) Checks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"sqlite": a.SQLite.Ping,
	}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Ping
	}
	if a.Neo4j != nil {
		checks["neo4j"] = a.Neo4j.Ping
	}
	return checks
}

// Close drains the audit queue, then releases backends in reverse order of
// acquisition.
func (a *App) Close(ctx context.Context) {
	if a.Audit != nil {
		if err := a.Audit.Close(ctx); err != nil {
			a.logger.Warn("Failed to drain audit queue", zap.Error(err))
		}
		a.Audit = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("Failed to close backend", zap.Error(err))
		}
	}
	a.closers = nil
}
