// Package bedrock implements the vision, embedding and text generation
// capabilities on AWS Bedrock Runtime. Claude models serve vision and text
// through the messages API; Titan v2 serves embeddings.
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/WessleyAI/meterscan/engine/domain"
	"github.com/WessleyAI/meterscan/pkg/resilience"
)

const anthropicVersion = "bedrock-2023-05-31"

// invoker is the slice of the Bedrock Runtime client this package uses.
type invoker interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Options configures the client.
type Options struct {
	Region      string
	VisionModel string
	TextModel   string
	EmbedModel  string
	// Dimensions is the Titan v2 output size (256, 512 or 1024).
	Dimensions    int
	MaxTokens     int
	Temperature   float64
	RatePerSecond float64
	Burst         int
	Breaker       resilience.BreakerOpts
	Logger        *slog.Logger
}

// DefaultOptions returns the models the scanner was tuned against.
func DefaultOptions() Options {
	return Options{
		Region:        "us-east-1",
		VisionModel:   "anthropic.claude-3-haiku-20240307-v1:0",
		TextModel:     "anthropic.claude-3-haiku-20240307-v1:0",
		EmbedModel:    "amazon.titan-embed-text-v2:0",
		Dimensions:    1024,
		MaxTokens:     1000,
		Temperature:   0.1,
		RatePerSecond: 5,
		Burst:         2,
		Breaker:       resilience.DefaultBreakerOpts,
	}
}

// Client invokes Bedrock models.
type Client struct {
	rt     invoker
	opts   Options
	guard  *resilience.Guard
	logger *slog.Logger
}

// New loads the default AWS credential chain and creates a client.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return NewWithInvoker(bedrockruntime.NewFromConfig(cfg), opts), nil
}

// NewWithInvoker creates a client around an existing runtime client.
func NewWithInvoker(rt invoker, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	breaker := opts.Breaker
	breaker.ShouldTrip = domain.IsRetryable
	breaker.OnStateChange = func(from, to resilience.State) {
		logger.Warn("bedrock: circuit breaker changed state", "from", from.String(), "to", to.String())
	}
	return &Client{
		rt:     rt,
		opts:   opts,
		guard:  resilience.NewGuard(resilience.GuardOpts{RatePerSecond: opts.RatePerSecond, Burst: opts.Burst, Breaker: breaker}),
		logger: logger,
	}
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature"`
	System           string          `json:"system,omitempty"`
	Messages         []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	Content []contentBlock `json:"content"`
}

// Extract sends the image and prompt to the vision model.
func (c *Client) Extract(ctx context.Context, image []byte, mediaType, prompt string) (string, error) {
	req := claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        c.opts.MaxTokens,
		Temperature:      c.opts.Temperature,
		Messages: []claudeMessage{{
			Role: "user",
			Content: []contentBlock{
				{Type: "image", Source: &imageSource{Type: "base64", MediaType: mediaType, Data: base64.StdEncoding.EncodeToString(image)}},
				{Type: "text", Text: prompt},
			},
		}},
	}
	return c.claude(ctx, "bedrock.vision", c.opts.VisionModel, req)
}

// Generate answers prompt under the system instruction.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	req := claudeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        c.opts.MaxTokens,
		Temperature:      c.opts.Temperature,
		System:           system,
		Messages: []claudeMessage{{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: prompt}},
		}},
	}
	return c.claude(ctx, "bedrock.generate", c.opts.TextModel, req)
}

func (c *Client) claude(ctx context.Context, op, model string, req claudeRequest) (string, error) {
	var resp claudeResponse
	if err := c.invoke(ctx, op, model, req, &resp); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the Titan embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp titanResponse
	req := titanRequest{InputText: text, Dimensions: c.opts.Dimensions, Normalize: true}
	if err := c.invoke(ctx, "bedrock.embed", c.opts.EmbedModel, req, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// Model names the embedding space.
func (c *Client) Model() string {
	return fmt.Sprintf("bedrock/%s@%d", c.opts.EmbedModel, c.opts.Dimensions)
}

func (c *Client) invoke(ctx context.Context, op, model string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return domain.E(domain.CapabilityRejected, op, "encode request", err)
	}
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		resp, err := c.rt.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(model),
			Body:        body,
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
		})
		if err != nil {
			return classify(op, err)
		}
		c.logger.Debug("bedrock: invoke", "op", op, "model", model, "duration", time.Since(start))
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return domain.E(domain.CapabilityUnavailable, op, "decode response", err)
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return domain.E(domain.CapabilityUnavailable, op, "", err)
	}
	if err != nil && domain.KindOf(err) == "" {
		return domain.E(domain.CapabilityUnavailable, op, "rate limiter", err)
	}
	return err
}

// transientCodes are the Bedrock error codes worth retrying.
var transientCodes = map[string]bool{
	"ThrottlingException":         true,
	"ServiceUnavailableException": true,
	"InternalServerException":     true,
	"ModelNotReadyException":      true,
	"ModelTimeoutException":       true,
}

func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return domain.E(domain.CapabilityUnavailable, op, apiErr.ErrorCode(), err)
		}
		return domain.E(domain.CapabilityRejected, op, apiErr.ErrorCode(), err)
	}
	// transport failures and deadlines
	return domain.E(domain.CapabilityUnavailable, op, "", err)
}
