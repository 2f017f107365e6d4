package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vetlab/catalog-search/internal/bootstrap"
	"github.com/vetlab/catalog-search/internal/config"
	"github.com/vetlab/catalog-search/internal/core/ports"
	"github.com/vetlab/catalog-search/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("worker", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.NewWorker(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:    ":" + cfg.WorkerMetricsPort,
		Handler: app.Metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeSearchRecorded(ctx, func(handlerCtx context.Context, event ports.SearchEvent) error {
		start := time.Now()
		app.Metrics.StartEvent()
		if event.UnixTime > 0 {
			app.Metrics.ObserveQueueLag("worker", time.Since(time.Unix(event.UnixTime, 0)))
		}

		processCtx, cancel := context.WithTimeout(handlerCtx, 30*time.Second)
		defer cancel()

		err := processEvent(processCtx, app, event)
		app.Metrics.FinishEvent("worker", time.Since(start), err)
		if err != nil {
			logger.Error("process search event", "event_id", event.EventID, "error", err)
		}
		return err
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}

// processEvent applies one search event to the history store and the
// co-search graph. Idempotent on the event id.
func processEvent(ctx context.Context, app *bootstrap.WorkerApp, event ports.SearchEvent) error {
	if err := app.History.AddSearchHistory(ctx, event); err != nil {
		return err
	}
	if !event.Success {
		return nil
	}
	if err := app.History.UpdateUserFrequentTest(ctx, event.UserID, event.MatchedCode); err != nil {
		return err
	}
	if event.PreviousCode != "" && event.PreviousCode != event.MatchedCode {
		if err := app.Related.UpdateRelatedTests(ctx, event.PreviousCode, event.MatchedCode); err != nil {
			return err
		}
	}
	return nil
}
