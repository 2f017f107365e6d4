package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vetlab/catalog-search/internal/config"
	"github.com/vetlab/catalog-search/internal/core/ports"
	"github.com/vetlab/catalog-search/internal/core/usecase"
	catalogexcel "github.com/vetlab/catalog-search/internal/infrastructure/catalog/excel"
	dictexcel "github.com/vetlab/catalog-search/internal/infrastructure/dictionary/excel"
	"github.com/vetlab/catalog-search/internal/infrastructure/graph/neo4j"
	"github.com/vetlab/catalog-search/internal/infrastructure/llm/ollama"
	"github.com/vetlab/catalog-search/internal/infrastructure/queue/nats"
	"github.com/vetlab/catalog-search/internal/infrastructure/repository/postgres"
	"github.com/vetlab/catalog-search/internal/infrastructure/resilience"
	"github.com/vetlab/catalog-search/internal/infrastructure/rules"
	"github.com/vetlab/catalog-search/internal/infrastructure/vector/qdrant"
	"github.com/vetlab/catalog-search/internal/observability/metrics"
)

// App is the fully wired api process: the search engine plus the
// outbound adapters it drives.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Engine  *usecase.Engine
	History ports.HistoryStore
	Metrics *metrics.HTTPServerMetrics

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	ruleSet, err := rules.Load(cfg.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	terms, err := dictexcel.NewLoader(cfg.DictionaryPath).LoadTerms(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dictionary: %w", err)
	}

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	history := postgres.NewHistoryRepository(db)
	if err := history.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	photos := postgres.NewPhotoRepository(db)

	executor := resilience.NewExecutor(resilience.DefaultConfig())

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init event queue: %w", err)
	}

	related, err := neo4j.NewWithOptions(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, neo4j.Options{
		Executor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init related graph: %w", err)
	}

	llm := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
		RequestsPerSecond: cfg.LLMRatePerSecond,
		Executor:          executor,
	})

	vectorStore := qdrant.NewWithOptions(cfg.QdrantURL, cfg.QdrantCollection, llm, qdrant.Options{
		Executor: executor,
	})

	httpMetrics := metrics.NewHTTPServerMetrics("api")

	engine, err := usecase.NewEngine(usecase.EngineDeps{
		Expander:   usecase.NewExpander(terms, ruleSet),
		Classifier: usecase.NewClassifier(llm, ruleSet, logger),
		Retriever:  usecase.NewRetriever(vectorStore, logger),
		Reranker:   usecase.NewReranker(llm, vectorStore, ruleSet, httpMetrics, logger),
		Formatter:  usecase.NewFormatter(cfg.DeepLinkBase),
		Rules:      ruleSet,
		LLM:        llm,

		Photos:  photos,
		Events:  queue,
		Related: related,

		Sessions: usecase.NewSessionRegistry(time.Duration(cfg.SessionTTLMinutes) * time.Minute),
		Logger:   logger,
		Metrics:  httpMetrics,

		TopK: cfg.SearchTopK,
	})
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	return &App{
		Config:  cfg,
		Logger:  logger,
		Engine:  engine,
		History: history,
		Metrics: httpMetrics,

		closeFn: func() {
			queue.Close()
			_ = related.Close(context.Background())
			_ = db.Close()
		},
	}, nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// WorkerApp is the history worker: queue consumer plus the two stores
// it writes to.
type WorkerApp struct {
	Config config.Config
	Logger *slog.Logger

	Queue   *nats.Queue
	History *postgres.HistoryRepository
	Related *neo4j.RelatedGraph
	Metrics *metrics.WorkerMetrics

	closeFn func()
}

func NewWorker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*WorkerApp, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	history := postgres.NewHistoryRepository(db)
	if err := history.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())

	related, err := neo4j.NewWithOptions(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword, neo4j.Options{
		Executor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init related graph: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, nats.Options{
		ResilienceExecutor: executor,
	})
	if err != nil {
		return nil, fmt.Errorf("init event queue: %w", err)
	}

	return &WorkerApp{
		Config:  cfg,
		Logger:  logger,
		Queue:   queue,
		History: history,
		Related: related,
		Metrics: metrics.NewWorkerMetrics("worker"),

		closeFn: func() {
			queue.Close()
			_ = related.Close(context.Background())
			_ = db.Close()
		},
	}, nil
}

func (a *WorkerApp) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

// IndexerApp reads the catalog snapshot, embeds it and upserts the
// vector collection. One-shot process.
type IndexerApp struct {
	Config config.Config
	Logger *slog.Logger

	Catalog  ports.CatalogSource
	Embedder ports.Embedder
	Indexer  ports.VectorIndexer
	Metrics  *metrics.WorkerMetrics
}

func NewIndexer(cfg config.Config, logger *slog.Logger) *IndexerApp {
	executor := resilience.NewExecutor(resilience.DefaultConfig())
	llm := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
		RequestsPerSecond: cfg.LLMRatePerSecond,
		Executor:          executor,
	})

	return &IndexerApp{
		Config:   cfg,
		Logger:   logger,
		Catalog:  catalogexcel.NewLoader(cfg.CatalogPath),
		Embedder: llm,
		Indexer:  qdrant.NewWithOptions(cfg.QdrantURL, cfg.QdrantCollection, llm, qdrant.Options{Executor: executor}),
		Metrics:  metrics.NewWorkerMetrics("indexer"),
	}
}
