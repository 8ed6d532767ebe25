package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/rag"
	"github.com/WessleyAI/estate-rag/pkg/natsutil"
)

const (
	// BuildSubject receives index build requests.
	BuildSubject = "estate.index.build"
	// DLQSubject is the dead letter queue for build requests.
	DLQSubject = "estate.index.build.dlq"
	// BuiltSubject announces every published index.
	BuiltSubject = "estate.index.built"
	// MaxRetries before a request goes to the DLQ.
	MaxRetries = 3
	// BuildTimeout bounds one build run.
	BuildTimeout = 10 * time.Minute
)

// Build request sources.
const (
	FromProcessed = "processed"
	FromRaw       = "raw"
	FromURL       = "url"
)

// BuildRequest asks for an index rebuild. Source defaults to FromProcessed.
type BuildRequest struct {
	Source string `json:"source,omitempty"`
	URL    string `json:"url,omitempty"`
}

// BuildReply answers a build request sent with a reply subject.
type BuildReply struct {
	Summary rag.BuildSummary `json:"summary"`
	Report  *Report          `json:"report,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// IndexBuilt is published on BuiltSubject.
type IndexBuilt struct {
	rag.BuildSummary
	At time.Time `json:"at"`
}

// Builder publishes a new index over listings.
type Builder interface {
	BuildIndex(ctx context.Context, listings []domain.Listing) (rag.BuildSummary, error)
}

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Request BuildRequest `json:"request"`
	Error   string       `json:"error"`
	Retries int          `json:"retries"`
}

// Consumer serves build requests.
type Consumer struct {
	nc      *nats.Conn
	runner  *Runner
	builder Builder
	log     *slog.Logger
}

// NewConsumer creates a Consumer.
func NewConsumer(nc *nats.Conn, runner *Runner, builder Builder, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{nc: nc, runner: runner, builder: builder, log: logger}
}

// Start subscribes to BuildSubject. Requests carrying a reply subject get a
// BuildReply and are never redelivered; fire-and-forget requests are retried
// up to MaxRetries times and then sent to the DLQ.
func (c *Consumer) Start() (*nats.Subscription, error) {
	return natsutil.Subscribe[BuildRequest](c.nc, BuildSubject, c.handle, func(_ *nats.Msg, err error) {
		c.log.Error("ingest: malformed build request", "err", err)
	})
}

func (c *Consumer) handle(ctx context.Context, req BuildRequest, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(ctx, BuildTimeout)
	defer cancel()

	sum, report, err := c.Build(ctx, req)
	if msg.Reply != "" {
		reply := BuildReply{Summary: sum, Report: report}
		if err != nil {
			reply.Error = err.Error()
		}
		if rerr := natsutil.Reply(msg, reply); rerr != nil {
			c.log.Error("ingest: reply failed", "err", rerr)
		}
		return
	}
	if err == nil {
		return
	}

	retries := natsutil.RetryCount(msg) + 1
	c.log.Error("ingest: build failed", "source", req.Source, "retry", retries, "err", err)
	if retries >= MaxRetries {
		dlq := dlqMessage{Request: req, Error: err.Error(), Retries: retries}
		if perr := natsutil.Publish(ctx, c.nc, DLQSubject, dlq); perr != nil {
			c.log.Error("ingest: DLQ publish failed", "err", perr)
		}
		return
	}
	if perr := natsutil.Redeliver(c.nc, msg, retries); perr != nil {
		c.log.Error("ingest: retry publish failed", "err", perr)
	}
}

// Build loads listings for req and rebuilds the index.
func (c *Consumer) Build(ctx context.Context, req BuildRequest) (rag.BuildSummary, *Report, error) {
	var (
		listings []domain.Listing
		report   *Report
		err      error
	)
	switch req.Source {
	case "", FromProcessed:
		listings, err = c.runner.Listings(ctx)
	case FromRaw:
		var p Processed
		p, err = c.runner.Process(ctx)
		listings, report = p.Listings, &p.Report
	case FromURL:
		var p Processed
		p, err = c.runner.Run(ctx, HTTPSource{URL: req.URL, Logger: c.log})
		listings, report = p.Listings, &p.Report
	default:
		return rag.BuildSummary{}, nil, fmt.Errorf("ingest: unknown build source %q", req.Source)
	}
	if err != nil {
		return rag.BuildSummary{}, report, err
	}
	sum, err := c.builder.BuildIndex(ctx, listings)
	return sum, report, err
}

// NotifyBuilt returns a rag.Options.OnBuilt hook publishing IndexBuilt events.
func NotifyBuilt(nc *nats.Conn, logger *slog.Logger) func(context.Context, rag.BuildSummary) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, sum rag.BuildSummary) {
		ev := IndexBuilt{BuildSummary: sum, At: time.Now().UTC()}
		if err := natsutil.Publish(ctx, nc, BuiltSubject, ev); err != nil {
			logger.Warn("ingest: publish index built failed", "err", err)
		}
	}
}
