// Package main implements the estate-rag API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/estate-rag/engine/ingest"
	"github.com/WessleyAI/estate-rag/engine/rag"
	"github.com/WessleyAI/estate-rag/engine/semantic"
	"github.com/WessleyAI/estate-rag/pkg/blob"
	"github.com/WessleyAI/estate-rag/pkg/config"
	"github.com/WessleyAI/estate-rag/pkg/metrics"
	"github.com/WessleyAI/estate-rag/pkg/resilience"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

// app is the wired engine behind the HTTP handlers.
type app struct {
	cfg      config.Config
	svc      *rag.Service
	runner   *ingest.Runner
	builds   *ingest.Consumer
	registry *metrics.Registry
	logger   *slog.Logger
}

// newApp wires the engine. nc and vs are optional. The returned app never
// owns their lifetimes.
func newApp(ctx context.Context, cfg config.Config, blobs blob.Store, nc *nats.Conn, vs *semantic.VectorStore, logger *slog.Logger) *app {
	reg := metrics.New()

	opts := rag.DefaultOptions()
	opts.DefaultK = cfg.Engine.DefaultK
	opts.BuildConcurrency = cfg.Engine.Concurrency
	opts.Executor.PoolFactor = cfg.Engine.PoolFactor
	opts.Executor.MinPool = cfg.Engine.MinPool
	opts.Executor.EmbedTimeout = cfg.Engine.EmbedTimeout
	opts.Executor.Breaker = resilience.NewBreaker(resilience.BreakerOpts{
		FailThreshold: 5,
		Timeout:       30 * time.Second,
		HalfOpenMax:   1,
		OnStateChange: func(from, to resilience.State) {
			logger.Warn("embedder breaker state change", "from", from.String(), "to", to.String())
		},
	})
	opts.Blobs = blobs
	opts.IndexKey = cfg.Keys.Index
	opts.SnapshotKey = cfg.Keys.Snapshot
	opts.Metrics = metrics.NewEngine(reg)
	opts.Logger = logger
	if vs != nil {
		opts.Mirror = vs
		if cfg.Qdrant.Serve {
			opts.Searcher = vs
		}
	}
	if nc != nil {
		opts.OnBuilt = ingest.NotifyBuilt(nc, logger)
	}

	svc := rag.New(cfg.Embedder.NewEmbedder(), opts)
	runner := ingest.NewRunner(ingest.Deps{
		Blobs:        blobs,
		RawKey:       cfg.Keys.Raw,
		ProcessedKey: cfg.Keys.Processed,
		Logger:       logger,
	})

	if sum, err := svc.LoadIndex(ctx); err != nil {
		logger.Info("no stored index restored", "err", err)
	} else {
		logger.Info("index restored", "indexed", sum.Indexed, "model", sum.Model)
	}

	return &app{
		cfg:      cfg,
		svc:      svc,
		runner:   runner,
		builds:   ingest.NewConsumer(nc, runner, svc, logger),
		registry: reg,
		logger:   logger,
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	// --- Connect to Qdrant ---
	var vs *semantic.VectorStore
	if cfg.Qdrant.Enabled {
		vs, err = semantic.New(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
		if err != nil {
			return fmt.Errorf("qdrant connect: %w", err)
		}
		defer vs.Close()
	}

	// --- Connect to NATS ---
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Drain()
	}

	a := newApp(ctx, cfg, blobs, nc, vs, logger)

	if nc != nil {
		sub, err := a.builds.Start()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", ingest.BuildSubject, err)
		}
		defer sub.Unsubscribe()
		logger.Info("build consumer started", "subject", ingest.BuildSubject)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      a.handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.HTTP.Port, "blob", cfg.Blob.Backend, "embedder", cfg.Embedder.Type)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
