package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vetlab/catalog-search/internal/bootstrap"
	"github.com/vetlab/catalog-search/internal/config"
	"github.com/vetlab/catalog-search/internal/core/domain"
	"github.com/vetlab/catalog-search/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("indexer", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := bootstrap.NewIndexer(cfg, logger)

	start := time.Now()
	entries, err := app.Catalog.LoadEntries(ctx)
	if err != nil {
		log.Fatalf("load catalog: %v", err)
	}
	logger.Info("catalog loaded", "entries", len(entries), "path", cfg.CatalogPath)

	batchSize := cfg.IndexBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}

	indexed := 0
	for offset := 0; offset < len(entries); offset += batchSize {
		end := offset + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		batch := entries[offset:end]

		texts := make([]string, len(batch))
		for i, entry := range batch {
			texts[i] = embeddingText(entry)
		}

		vectors, err := app.Embedder.Embed(ctx, texts)
		if err != nil {
			app.Metrics.AddIndexedEntries("indexer", len(batch), err)
			log.Fatalf("embed batch at %d: %v", offset, err)
		}
		if err := app.Indexer.IndexEntries(ctx, batch, vectors); err != nil {
			app.Metrics.AddIndexedEntries("indexer", len(batch), err)
			log.Fatalf("index batch at %d: %v", offset, err)
		}

		indexed += len(batch)
		app.Metrics.AddIndexedEntries("indexer", len(batch), nil)
		logger.Info("batch indexed", "done", indexed, "total", len(entries))
	}

	logger.Info("indexing finished", "entries", indexed, "duration", time.Since(start).String())
}

// embeddingText is the retrieval document: name and department carry
// the semantics, the code is included so partial code queries land near
// their entry.
func embeddingText(e domain.CatalogEntry) string {
	parts := []string{e.Code, e.Name, e.Department}
	if e.Biomaterial != "" {
		parts = append(parts, e.Biomaterial)
	}
	return strings.Join(parts, ". ")
}
