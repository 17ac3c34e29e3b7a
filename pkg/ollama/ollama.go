// Package ollama implements the vision, embedding and text generation
// capabilities on top of Ollama's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/pkg/resilience"
)

// Options configures the client.
type Options struct {
	BaseURL     string
	EmbedModel  string
	ChatModel   string
	VisionModel string
	// Temperature applies to chat and vision calls.
	Temperature   float64
	RatePerSecond float64
	Burst         int
	Breaker       resilience.BreakerOpts
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// DefaultOptions returns sensible defaults for a local Ollama.
func DefaultOptions() Options {
	return Options{
		BaseURL:       "http://localhost:11434",
		EmbedModel:    "nomic-embed-text",
		ChatModel:     "llama3.2",
		VisionModel:   "llava",
		Temperature:   0.1,
		RatePerSecond: 10,
		Burst:         5,
		Breaker:       resilience.DefaultBreakerOpts,
	}
}

// Client talks to one Ollama server.
type Client struct {
	opts   Options
	http   *http.Client
	guard  *resilience.Guard
	logger *slog.Logger
}

// New creates an Ollama client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	breaker := opts.Breaker
	breaker.ShouldTrip = domain.IsRetryable
	breaker.OnStateChange = func(from, to resilience.State) {
		logger.Warn("ollama: circuit breaker changed state", "from", from.String(), "to", to.String())
	}
	return &Client{
		opts:   opts,
		http:   hc,
		guard:  resilience.NewGuard(resilience.GuardOpts{RatePerSecond: opts.RatePerSecond, Burst: opts.Burst, Breaker: breaker}),
		logger: logger,
	}
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResp
	if err := c.post(ctx, "ollama.embed", "/api/embeddings", embedReq{Model: c.opts.EmbedModel, Prompt: text}, &result); err != nil {
		return nil, err
	}
	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// Model names the embedding space.
func (c *Client) Model() string { return "ollama/" + c.opts.EmbedModel }

type message struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type chatReq struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResp struct {
	Message message `json:"message"`
	Done    bool    `json:"done"`
}

// Generate answers prompt under the system instruction.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	req := chatReq{
		Model: c.opts.ChatModel,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Options: map[string]any{"temperature": c.opts.Temperature},
	}
	var result chatResp
	if err := c.post(ctx, "ollama.generate", "/api/chat", req, &result); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

// Extract sends the image to the vision model and returns its raw answer.
// The model is asked for JSON output; the caller parses it.
func (c *Client) Extract(ctx context.Context, image []byte, _ string, prompt string) (string, error) {
	req := chatReq{
		Model: c.opts.VisionModel,
		Messages: []message{{
			Role:    "user",
			Content: prompt,
			Images:  []string{base64.StdEncoding.EncodeToString(image)},
		}},
		Format:  "json",
		Options: map[string]any{"temperature": c.opts.Temperature},
	}
	var result chatResp
	if err := c.post(ctx, "ollama.vision", "/api/chat", req, &result); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return domain.E(domain.CapabilityRejected, op, "encode request", err)
	}
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return domain.E(domain.CapabilityRejected, op, "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			return domain.E(domain.CapabilityUnavailable, op, "", err)
		}
		defer resp.Body.Close()
		c.logger.Debug("ollama: call", "op", op, "status", resp.StatusCode, "duration", time.Since(start))

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return statusError(op, resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return domain.E(domain.CapabilityUnavailable, op, "decode response", err)
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return domain.E(domain.CapabilityUnavailable, op, "", err)
	}
	if err != nil && domain.KindOf(err) == "" {
		// limiter wait ended with the context
		return domain.E(domain.CapabilityUnavailable, op, "rate limiter", err)
	}
	return err
}

// statusError classifies an HTTP failure. Throttling and server errors are
// transient; any other status is a refusal.
func statusError(op string, code int, body string) error {
	kind := domain.CapabilityRejected
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		kind = domain.CapabilityUnavailable
	}
	return domain.Ef(kind, op, "status %d: %s", code, body)
}
