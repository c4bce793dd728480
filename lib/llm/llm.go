package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"phdscout/lib/restyutil"
)

var tracer = otel.Tracer("phdscout.lib.llm")

var instrumentOutput restyutil.InstrumentOutput

func SetRestyInstrumentOutput(output restyutil.InstrumentOutput) {
	instrumentOutput = output
}

// Config holds the credentials for an openai-compatible chat completion
// endpoint. ApiBase is the url prefix before /chat/completions.
type Config struct {
	ApiKey    string `json:"api_key"`
	ApiBase   string `json:"api_base"`
	ModelName string `json:"model_name"`
}

type ClientOptions struct {
	// defaults to 60s
	Timeout time.Duration
}

type Client struct {
	client *resty.Client
	model  string
}

func NewClient(config Config, opts ClientOptions) (*Client, error) {
	if config.ApiKey == "" {
		return nil, fmt.Errorf("llm config: api_key is required")
	}
	if config.ApiBase == "" {
		return nil, fmt.Errorf("llm config: api_base is required")
	}
	if config.ModelName == "" {
		return nil, fmt.Errorf("llm config: model_name is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second * 60
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(config.ApiBase, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Authorization", fmt.Sprintf("Bearer %s", config.ApiKey)).
		SetHeader("Content-Type", "application/json")
	restyutil.InstrumentClient(client, tracer, instrumentOutput)

	return &Client{
		client: client,
		model:  config.ModelName,
	}, nil
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type CompletionOptions struct {
	Temperature float64
	// defaults to 1024
	MaxTokens int
}

// Complete sends a single-turn prompt and returns the raw model output.
// The model is treated as an opaque text to text function, prompt
// construction and output parsing belong to the caller.
func (c *Client) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	ctx, span := tracer.Start(ctx, "Complete", trace.WithAttributes(
		attribute.String("model", c.model),
		attribute.Int("prompt_len", len(prompt)),
	))
	defer span.End()

	if opts.MaxTokens == 0 {
		opts.MaxTokens = 1024
	}

	var out chatResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:       c.model,
			Messages:    []Message{{Role: "user", Content: prompt}},
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
		}).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion request failed")
		return "", fmt.Errorf("model call: %w", err)
	}
	if res.IsError() {
		span.SetStatus(codes.Error, "completion request rejected")
		return "", fmt.Errorf("model call: status %d: %s", res.StatusCode(), snippet(res.String()))
	}
	if out.Error != nil {
		span.SetStatus(codes.Error, "completion returned an api error")
		return "", fmt.Errorf("model call: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		span.SetStatus(codes.Error, "completion returned no choices")
		return "", fmt.Errorf("model call: response contained no choices")
	}

	return out.Choices[0].Message.Content, nil
}

// StripFences removes a markdown code fence wrapper from model output.
// Models routinely wrap json in ```json fences regardless of prompting.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
