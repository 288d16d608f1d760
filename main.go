package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threadlens/pkg/analyzer"
	"threadlens/pkg/breaker"
	"threadlens/pkg/config"
	"threadlens/pkg/db"
	"threadlens/pkg/ingest"
	"threadlens/pkg/llmclient"
	"threadlens/pkg/logging"
	"threadlens/pkg/metrics"
	"threadlens/pkg/query"
	"threadlens/pkg/queue"
	"threadlens/pkg/ratelimit"
)

// modelPricing gives the analyzer's cost_estimate a real, if approximate,
// dollar figure for the default model without requiring separate pricing
// configuration; unknown models simply cost 0.
var modelPricing = map[string]llmclient.ModelPricing{
	"gpt-4o-mini": {PromptPricePer1K: 0.00015, CompletionPricePer1K: 0.0006},
	"gpt-4o":      {PromptPricePer1K: 0.0025, CompletionPricePer1K: 0.01},
}

func main() {
	cfg, cfgFile, err := config.Load()
	if err != nil {
		logging.New(logging.ParseLevel("info")).Error("load config failed", "error", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(os.Getenv("LOG_LEVEL")))
	logger.Info("configuration loaded", "overlay_file", cfgFile, "port", cfg.Port)

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("open database failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var q queue.Queue
	if cfg.QueueRedisURL != "" {
		q = queue.NewRedisQueue(cfg.QueueRedisURL, "threadlens:queue", cfg.MaxQueueDepth)
		logger.Info("using redis queue", "addr", cfg.QueueRedisURL)
	} else {
		q = queue.NewMemoryQueue(cfg.MaxQueueDepth)
		logger.Info("using in-process memory queue", "capacity", cfg.MaxQueueDepth)
	}
	defer q.Close()

	limiter := ratelimit.New(cfg.LLMRPM, cfg.LLMTPM)
	circuit := breaker.New(cfg.CircuitFailureThreshold, time.Duration(cfg.CircuitCooldownSeconds)*time.Second)
	llm := llmclient.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, modelPricing)

	recorder := metrics.New()
	throughput := ingest.NewThroughputTracker(time.Minute)

	analyzerLoop := analyzer.New(analyzer.Options{
		Store:         store,
		Queue:         q,
		Limiter:       limiter,
		Breaker:       circuit,
		LLM:           llm,
		MinMessages:   cfg.PreFilterMinMessages,
		MinTotalChars: cfg.PreFilterMinTotalChar,
		Logger:        logger,
		Metrics:       recorder,
		Throughput:    throughput,
	})

	sweeper := analyzer.NewSweeper(store, q,
		time.Duration(cfg.SweeperIntervalSeconds)*time.Second,
		cfg.SweeperBatchSize,
		logger,
	)

	admission := ingest.New(ingest.Options{
		Store:      store,
		Queue:      q,
		Throughput: throughput,
		Metrics:    recorder,
		Logger:     logger,
	})
	queries := query.New(store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The analyzer runs against its own context so a shutdown signal alone
	// does not cut it off mid-drain: it keeps taking from the queue until
	// Take reports closed-and-empty or the grace deadline cancels it.
	analyzerCtx, cancelAnalyzer := context.WithCancel(context.Background())
	defer cancelAnalyzer()
	analyzerDone := make(chan struct{})
	go func() {
		analyzerLoop.Run(analyzerCtx)
		close(analyzerDone)
	}()

	go sweeper.Run(ctx)
	go pollQueueDepth(ctx, q, recorder)

	server := NewServer(cfg.Host, cfg.Port, logger, ServerDeps{
		Admission: admission,
		Queries:   queries,
		Queue:     q,
		Metrics:   recorder,
	})

	if err := server.Start(ctx); err != nil {
		logger.Error("server start failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server listening", "host", cfg.Host, "port", cfg.Port)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining", "grace_seconds", cfg.ShutdownGraceSeconds)

	// Stop accepting new work. A memory queue still delivers already-buffered
	// items through Take until it is empty; a Redis queue stops delivering at
	// once and leaves its items in the Redis list.
	q.Close()

	select {
	case <-analyzerDone:
		logger.Info("analyzer drained cleanly")
	case <-time.After(time.Duration(cfg.ShutdownGraceSeconds) * time.Second):
		logger.Warn("shutdown grace period expired with work still pending")
		cancelAnalyzer()
	}

	logger.Info("shutdown complete")
}

// pollQueueDepth republishes the queue depth gauge on a short tick, since
// nothing else observes it on every change.
func pollQueueDepth(ctx context.Context, q queue.Queue, rec *metrics.Recorder) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rec.SetQueueDepth(q.Depth())
		}
	}
}
