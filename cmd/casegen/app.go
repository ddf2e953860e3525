package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/casegen/batch"
	"github.com/c360studio/casegen/budget"
	"github.com/c360studio/casegen/capability"
	"github.com/c360studio/casegen/config"
	"github.com/c360studio/casegen/embedding"
	"github.com/c360studio/casegen/generator"
	"github.com/c360studio/casegen/llm"
	"github.com/c360studio/casegen/model"
	"github.com/c360studio/casegen/storage"
)

// App wires configuration into the orchestrator and its collaborators.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *model.Registry

	// NATS
	natsConn *nats.Conn

	// Storage
	store      storage.Store
	closeStore func() error

	// Metrics
	metrics       *prometheus.Registry
	metricsServer *http.Server

	orchestrator *batch.Orchestrator
}

// NewApp builds the model registry and resolves credentials.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	creds, err := config.LoadCredentials(cfg.Credentials, logger)
	if err != nil {
		return nil, err
	}

	registry := model.NewRegistryFromConfig(cfg.Models)
	creds.Apply(registry, cfg)

	return &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
	}, nil
}

// Registry returns the resolved model registry.
func (a *App) Registry() *model.Registry {
	return a.registry
}

// Start connects NATS, opens storage, starts the metrics endpoint and
// creates the orchestrator.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.NATS.URL != "" {
		if err := a.connectNATS(); err != nil {
			return err
		}
	}

	if err := a.OpenStore(ctx); err != nil {
		return err
	}

	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.cfg.Metrics.Addr != "" {
		a.startMetricsServer()
	}

	orch, err := a.newOrchestrator(ctx)
	if err != nil {
		return err
	}
	a.orchestrator = orch

	a.logger.Debug("Components initialized",
		"default_model", a.registry.Default(),
		"storage", a.cfg.Storage.Backend,
		"embedding", a.cfg.Embedding.Provider)
	return nil
}

// Orchestrator returns the orchestrator created by Start.
func (a *App) Orchestrator() *batch.Orchestrator {
	return a.orchestrator
}

// Store returns the accepted-case store, or nil when none is configured.
func (a *App) Store() storage.Store {
	return a.store
}

func (a *App) newOrchestrator(ctx context.Context) (*batch.Orchestrator, error) {
	gen := a.cfg.Generation

	clientOpts := []llm.ClientOption{
		llm.WithHTTPClient(&http.Client{Timeout: gen.Timeout}),
		llm.WithLogger(a.logger),
		llm.WithMaxConcurrent(gen.MaxConcurrent),
	}
	if a.natsConn != nil {
		rec, err := llm.NewNATSRecorder(a.natsConn, a.cfg.NATS.Subject)
		if err != nil {
			return nil, fmt.Errorf("create call recorder: %w", err)
		}
		clientOpts = append(clientOpts, llm.WithRecorder(rec))
	}
	client := llm.NewClient(a.registry, clientOpts...)

	genCfg := generator.Config{
		TitleThreshold:     a.cfg.Dedup.TitleThreshold,
		EmbeddingThreshold: a.cfg.Dedup.EmbeddingThreshold,
		ExpandChunkSize:    gen.ExpandChunkSize,
		CharsPerToken:      a.cfg.Budget.CharsPerToken,
		SafetyMargin:       a.cfg.Budget.SafetyMargin,
		MinOutputTokens:    a.cfg.Budget.MinOutputTokens,
	}

	factory := func(ep model.Endpoint) capability.Capability {
		est := budget.ForModel(ep.Model, ep.MaxOutputTokens).WithOverrides(genCfg.Overrides())
		return capability.NewLLM(client, ep,
			capability.WithEstimator(est),
			capability.WithTemperature(gen.Temperature),
			capability.WithTitleMaxTokens(gen.TitleMaxTokens),
			capability.WithReprompt(!gen.DisableReprompt),
			capability.WithCreatedBy(gen.CreatedBy),
			capability.WithLogger(a.logger))
	}

	opts := []batch.Option{
		batch.WithConfig(batch.Config{
			AutoRetries: gen.AutoRetries,
			Generator:   genCfg,
		}),
		batch.WithMetrics(batch.NewMetrics(a.metrics)),
		batch.WithLogger(a.logger),
	}

	embedder, err := embedding.New(ctx, a.cfg.Embedding, &http.Client{Timeout: gen.Timeout})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	if embedder != nil {
		opts = append(opts, batch.WithEmbedder(embedder))
	} else {
		a.logger.Info("No embedding backend configured, semantic deduplication disabled")
	}
	if a.store != nil {
		opts = append(opts, batch.WithSink(a.store))
	}

	return batch.NewOrchestrator(a.registry, factory, opts...), nil
}

// OpenStore opens the configured storage backend. It is a no-op when no
// backend is configured or the store is already open.
func (a *App) OpenStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Storage.Backend {
	case config.StorageSQLite:
		db, err := storage.OpenSQLite(storage.SQLiteConfig{Path: a.cfg.Storage.Path, Logger: a.logger})
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store, a.closeStore = db, db.Close
	case config.StorageNATSKV:
		if a.natsConn == nil {
			if err := a.connectNATS(); err != nil {
				return err
			}
		}
		kv, err := storage.NewKV(ctx, a.natsConn, a.cfg.Storage.Bucket)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		a.store = kv
	}
	return nil
}

func (a *App) connectNATS() error {
	url := a.cfg.NATS.URL
	a.logger.Info("Connecting to NATS", "url", url)

	conn, err := nats.Connect(url,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return wrapNATSError(err, url)
	}
	a.natsConn = conn

	a.logger.Info("Connected to NATS", "url", url)
	return nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or unset nats.url to run without call recording.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{Registry: a.metrics}))

	a.metricsServer = &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("Serving metrics", "addr", a.cfg.Metrics.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

// Close stops workers and releases every connection.
func (a *App) Close() {
	if a.orchestrator != nil {
		a.orchestrator.Close()
	}
	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown failed", "error", err)
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("Storage close failed", "error", err)
		}
	}
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.natsConn.Close()
		}
	}
}
