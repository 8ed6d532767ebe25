// Package ollama is an embed.Embedder backed by Ollama's HTTP embeddings API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/WessleyAI/estate-rag/pkg/embed"
	"github.com/WessleyAI/estate-rag/pkg/resilience"
)

// Options configures an EmbedClient.
type Options struct {
	BaseURL string
	Model   string
	// Dimension, when set, is enforced on every response. Otherwise it is
	// learned from the first response.
	Dimension int
	// RatePerSec caps outgoing requests; zero means unlimited.
	RatePerSec float64
	Timeout    time.Duration
	HTTPClient *http.Client
}

// EmbedClient calls POST {BaseURL}/api/embeddings.
type EmbedClient struct {
	baseURL string
	model   string
	dim     atomic.Int64
	client  *http.Client
	limiter *resilience.Limiter
}

var _ embed.Embedder = (*EmbedClient)(nil)

// NewEmbedClient creates an Ollama embedding client.
func NewEmbedClient(opts Options) *EmbedClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:11434"
	}
	if opts.Model == "" {
		opts.Model = "nomic-embed-text"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	c := &EmbedClient{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		model:   opts.Model,
		client:  client,
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: opts.RatePerSec, Burst: 1}),
	}
	c.dim.Store(int64(opts.Dimension))
	return c
}

// Name identifies the model in index tags.
func (c *EmbedClient) Name() string { return "ollama:" + c.model }

// Dimension returns the vector length, or 0 before the first response when
// none was configured.
func (c *EmbedClient) Dimension() int { return int(c.dim.Load()) }

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Embed implements embed.Embedder.
func (c *EmbedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, embed.ErrEmptyText
	}
	var out []float32
	err := c.limiter.CallWait(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EmbedClient) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedReq{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama: embed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: embed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: embed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama: embed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result embedResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("ollama: embed: decode: %w", err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("ollama: embed: %s", result.Error)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("ollama: embed: empty embedding")
	}

	n := int64(len(result.Embedding))
	if !c.dim.CompareAndSwap(0, n) && c.dim.Load() != n {
		return nil, fmt.Errorf("ollama: embed: dimension %d, want %d", n, c.dim.Load())
	}

	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
