// Command ingest downloads, cleans and indexes the London listings dataset.
//
//	ingest -fetch -process -build
//	ingest -file listings.csv -build
//	ingest -process -remote        # build on the API server over NATS
//	ingest -to-neo4j               # export processed listings as Listing nodes
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/estate-rag/engine/ingest"
	"github.com/WessleyAI/estate-rag/engine/rag"
	"github.com/WessleyAI/estate-rag/pkg/blob"
	"github.com/WessleyAI/estate-rag/pkg/config"
	"github.com/WessleyAI/estate-rag/pkg/natsutil"
)

// options are the command-line switches. Steps run in field order.
type options struct {
	URL       string
	Fetch     bool
	File      string
	FromNeo4j bool
	Process   bool
	Build     bool
	Remote    bool
	ToNeo4j   bool
}

func (o options) any() bool {
	return o.URL != "" || o.Fetch || o.File != "" || o.FromNeo4j || o.Process || o.Build || o.ToNeo4j
}

func main() {
	var o options
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.StringVar(&o.URL, "url", "", "download the raw CSV from this URL")
	flag.BoolVar(&o.Fetch, "fetch", false, "download the raw CSV from the configured dataset URL")
	flag.StringVar(&o.File, "file", "", "process a local CSV file straight into the processed dataset")
	flag.BoolVar(&o.FromNeo4j, "from-neo4j", false, "process Listing nodes from Neo4j into the processed dataset")
	flag.BoolVar(&o.Process, "process", false, "parse the stored raw CSV into the processed dataset")
	flag.BoolVar(&o.Build, "build", false, "build and persist the vector index from the processed dataset")
	flag.BoolVar(&o.Remote, "remote", false, "with -build, ask the API server to build over NATS")
	flag.BoolVar(&o.ToNeo4j, "to-neo4j", false, "export processed listings to Neo4j")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if !o.any() {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, o, logger, os.Stdout); err != nil {
		logger.Error("ingest failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, o options, logger *slog.Logger, out io.Writer) error {
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	runner := ingest.NewRunner(ingest.Deps{
		Blobs:        blobs,
		RawKey:       cfg.Keys.Raw,
		ProcessedKey: cfg.Keys.Processed,
		Logger:       logger,
	})
	report := json.NewEncoder(out)

	var driver neo4j.DriverWithContext
	if o.FromNeo4j || o.ToNeo4j {
		driver, err = neo4j.NewDriverWithContext(cfg.Neo4j.URL, neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(ctx)
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return fmt.Errorf("neo4j verify: %w", err)
		}
	}

	if o.Fetch && o.URL == "" {
		o.URL = cfg.DatasetURL
	}
	if o.URL != "" {
		rep, err := runner.Ingest(ctx, ingest.HTTPSource{URL: o.URL, Logger: logger})
		if err != nil {
			return err
		}
		_ = report.Encode(map[string]any{"step": "ingest", "result": rep})
	}

	var src ingest.Source
	switch {
	case o.File != "":
		data, err := os.ReadFile(o.File)
		if err != nil {
			return fmt.Errorf("read %s: %w", o.File, err)
		}
		src = ingest.CSVSource{Data: data}
	case o.FromNeo4j:
		src = ingest.Neo4jSource{Repo: ingest.NewListingRepo(driver, cfg.Neo4j.Database)}
	case o.Process:
		src = ingest.BlobSource{Store: blobs, Key: cfg.Keys.Raw}
	}
	if src != nil {
		p, err := runner.Run(ctx, src)
		if err != nil {
			return err
		}
		_ = report.Encode(map[string]any{"step": "process", "result": p.Report})
	}

	if o.Build {
		sum, err := build(ctx, cfg, runner, blobs, o.Remote, logger)
		if err != nil {
			return err
		}
		_ = report.Encode(map[string]any{"step": "build", "result": sum})
	}

	if o.ToNeo4j {
		listings, err := runner.Listings(ctx)
		if err != nil {
			return err
		}
		n, err := ingest.ExportListings(ctx, ingest.NewListingRepo(driver, cfg.Neo4j.Database), listings)
		if err != nil {
			return err
		}
		_ = report.Encode(map[string]any{"step": "export", "result": map[string]int{"listings": n}})
	}
	return nil
}

// build indexes the processed dataset in-process and persists the artifact,
// or with remote set hands the job to whichever server consumes build
// requests.
func build(ctx context.Context, cfg config.Config, runner *ingest.Runner, blobs blob.Store, remote bool, logger *slog.Logger) (rag.BuildSummary, error) {
	if remote {
		return buildRemote(ctx, cfg, logger)
	}
	if cfg.Blob.Backend == blob.BackendMemory {
		logger.Warn("memory blob store: the built index will not outlive this process")
	}
	opts := rag.DefaultOptions()
	opts.BuildConcurrency = cfg.Engine.Concurrency
	opts.Blobs = blobs
	opts.IndexKey = cfg.Keys.Index
	opts.SnapshotKey = cfg.Keys.Snapshot
	opts.Logger = logger
	svc := rag.New(cfg.Embedder.NewEmbedder(), opts)

	listings, err := runner.Listings(ctx)
	if err != nil {
		return rag.BuildSummary{}, err
	}
	sum, err := svc.BuildIndex(ctx, listings)
	if err != nil {
		return sum, err
	}
	if !sum.Persisted {
		return sum, errors.New("index built but not persisted")
	}
	return sum, nil
}

func buildRemote(ctx context.Context, cfg config.Config, logger *slog.Logger) (rag.BuildSummary, error) {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("estate-ingest"))
	if err != nil {
		return rag.BuildSummary{}, fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, ingest.BuildTimeout+time.Minute)
	defer cancel()
	logger.Info("requesting remote build", "subject", ingest.BuildSubject)
	reply, err := natsutil.Request[ingest.BuildRequest, ingest.BuildReply](ctx, nc, ingest.BuildSubject,
		ingest.BuildRequest{Source: ingest.FromProcessed})
	if err != nil {
		return rag.BuildSummary{}, fmt.Errorf("build request: %w", err)
	}
	if reply.Error != "" {
		return reply.Summary, fmt.Errorf("remote build: %s", reply.Error)
	}
	return reply.Summary, nil
}
