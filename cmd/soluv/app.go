package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soluva78-blip/Soluv-core/internal/cache"
	"github.com/soluva78-blip/Soluv-core/internal/cluster"
	"github.com/soluva78-blip/Soluv-core/internal/config"
	"github.com/soluva78-blip/Soluv-core/internal/llm"
	"github.com/soluva78-blip/Soluv-core/internal/metrics"
	"github.com/soluva78-blip/Soluv-core/internal/pipeline"
	"github.com/soluva78-blip/Soluv-core/internal/queue"
	"github.com/soluva78-blip/Soluv-core/internal/ratelimit"
	"github.com/soluva78-blip/Soluv-core/internal/store"
)

// app holds the wired components shared by the entry modes.
type app struct {
	cfg      config.Config
	store    *store.Store
	cache    *cache.Cache
	queue    *queue.Queue
	pipeline *pipeline.Pipeline
	registry *cluster.Registry
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
}

// newApp loads config, initializes logging, and opens the shared stores.
func newApp() (*app, error) {
	cfg, err := config.Load(envPath)
	if err != nil {
		return nil, err
	}

	initLogging(cfg.App.LogLevel)

	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	ca, err := cache.Open(cfg.Storage.DataDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	q, err := queue.New(st.DB())
	if err != nil {
		st.Close()
		ca.Close()
		return nil, fmt.Errorf("initializing queue: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	registry := cluster.NewRegistry(st, cfg.Pipeline.ClusterSimilarity)

	client := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.ChatModel, cfg.LLM.EmbedModel)
	caller := llm.NewCaller(
		client,
		// Request and token budgets for the external model.
		newGate("llm_requests", cfg.Pipeline.MaxRequestsPerMinute),
		newGate("llm_tokens", cfg.Pipeline.MaxTokensPerMinute),
		cfg.Pipeline.RetryAttempts,
		time.Duration(cfg.Pipeline.RetryDelayMs)*time.Millisecond,
	)

	pl := pipeline.New(st, caller, registry, m, cfg.Pipeline.RetryAttempts)

	return &app{
		cfg:      cfg,
		store:    st,
		cache:    ca,
		queue:    q,
		pipeline: pl,
		registry: registry,
		metrics:  m,
		promReg:  promReg,
	}, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		slog.Warn("closing cache", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing store", "error", err)
	}
}

func newGate(name string, perMinute int) *ratelimit.Gate {
	return ratelimit.PerMinute(name, perMinute)
}

func initLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}
