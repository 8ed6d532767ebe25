// Command chat is an interactive terminal client for the listings engine.
// It restores the persisted index (or builds one from the processed dataset
// with -build) and answers one query per input line.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/ingest"
	"github.com/WessleyAI/estate-rag/engine/rag"
	"github.com/WessleyAI/estate-rag/pkg/blob"
	"github.com/WessleyAI/estate-rag/pkg/config"
)

const prompt = "estate> "

// session holds the REPL state.
type session struct {
	svc   *rag.Service
	k     int
	trace bool
	out   io.Writer
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	build := flag.Bool("build", false, "build the index from the processed dataset instead of restoring it")
	k := flag.Int("k", 0, "results per answer (0 means the configured default)")
	trace := flag.Bool("trace", false, "print the agent trace after each answer")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, *build, logger)
	if err != nil {
		logger.Error("start failed", "err", err)
		os.Exit(1)
	}
	s := &session{svc: svc, k: *k, trace: *trace, out: os.Stdout}
	if err := s.loop(ctx, os.Stdin); err != nil {
		logger.Error("chat failed", "err", err)
		os.Exit(1)
	}
}

func newService(ctx context.Context, cfg config.Config, build bool, logger *slog.Logger) (*rag.Service, error) {
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	opts := rag.DefaultOptions()
	opts.DefaultK = cfg.Engine.DefaultK
	opts.BuildConcurrency = cfg.Engine.Concurrency
	opts.Executor.EmbedTimeout = cfg.Engine.EmbedTimeout
	opts.Blobs = blobs
	opts.IndexKey = cfg.Keys.Index
	opts.SnapshotKey = cfg.Keys.Snapshot
	opts.Logger = logger
	svc := rag.New(cfg.Embedder.NewEmbedder(), opts)

	if !build {
		sum, err := svc.LoadIndex(ctx)
		if err != nil {
			return nil, fmt.Errorf("restore index (run with -build to create one): %w", err)
		}
		logger.Info("index restored", "listings", sum.Stored, "model", sum.Model)
		return svc, nil
	}

	runner := ingest.NewRunner(ingest.Deps{Blobs: blobs, RawKey: cfg.Keys.Raw, ProcessedKey: cfg.Keys.Processed, Logger: logger})
	listings, err := runner.Listings(ctx)
	if err != nil {
		return nil, err
	}
	sum, err := svc.BuildIndex(ctx, listings)
	if err != nil {
		return nil, err
	}
	logger.Info("index built", "indexed", sum.Indexed, "skipped", sum.Skipped)
	return svc, nil
}

// loop reads queries until EOF, "exit" or "quit". Lines starting with ':'
// are commands: ":k N" sets the result count, ":trace" toggles trace output.
func (s *session) loop(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	fmt.Fprint(s.out, prompt)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "exit" || line == "quit":
			return nil
		case strings.HasPrefix(line, ":"):
			s.command(line)
		default:
			s.ask(ctx, line)
		}
		fmt.Fprint(s.out, prompt)
	}
	return sc.Err()
}

func (s *session) command(line string) {
	fields := strings.Fields(strings.TrimPrefix(line, ":"))
	switch {
	case len(fields) == 1 && fields[0] == "trace":
		s.trace = !s.trace
		fmt.Fprintf(s.out, "trace %s\n", map[bool]string{true: "on", false: "off"}[s.trace])
	case len(fields) == 2 && fields[0] == "k":
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			fmt.Fprintln(s.out, "k must be a positive integer")
			return
		}
		s.k = n
		fmt.Fprintf(s.out, "k = %d\n", n)
	default:
		fmt.Fprintln(s.out, "commands: :k N, :trace, exit")
	}
}

func (s *session) ask(ctx context.Context, text string) {
	if err := domain.ValidateQueryText(text); err != nil {
		fmt.Fprintln(s.out, err)
		return
	}
	res := s.svc.RunQuery(ctx, text, s.k)
	fmt.Fprintln(s.out, res.Final.Text)
	if len(res.Final.Citations) > 0 {
		fmt.Fprintf(s.out, "sources: %s\n", strings.Join(res.Final.Citations, ", "))
	}
	if s.trace {
		enc := json.NewEncoder(s.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res.Trace)
	}
}
