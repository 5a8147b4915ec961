// Package providers wraps the outbound model APIs: chat completion and
// embedding clients over any OpenAI-compatible endpoint, plus the shared
// pacing and statistics state both maintain.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ChatConfig holds configuration for a chat completion client.
type ChatConfig struct {
	BaseURL    string
	APIKey     string
	Model      string        // default model when a request does not name one
	MaxRetries int           // attempts per call (default 3)
	RetryDelay time.Duration // base delay, grows linearly per attempt (default 2s)
	RateLimit  int           // requests per minute shared across the endpoint
	Timeout    time.Duration // HTTP timeout (default 300s)
	Pacers     *PacerRegistry
	Stats      *Stats
	HTTPClient *http.Client // optional (tests)
	Logger     *slog.Logger
}

// ChatRequest describes one chat completion call.
type ChatRequest struct {
	Prompt       string
	SystemPrompt string
	Model        string // empty means the client default
	Temperature  float64
}

// ChatClient calls a chat completion API with retries, endpoint pacing
// and usage tracking. Safe for concurrent use.
type ChatClient struct {
	client     openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
	pacer      *Pacer
	stats      *Stats
	logger     *slog.Logger

	mu    sync.Mutex
	usage map[string]ChatUsage
}

// NewChatClient creates a chat client. Clients against the same
// (BaseURL, APIKey) pair share one pacer from the registry.
func NewChatClient(cfg ChatConfig) *ChatClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.Pacers == nil {
		cfg.Pacers = DefaultPacers
	}
	if cfg.Stats == nil {
		cfg.Stats = NewStats()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0), // retry policy lives here, not in the SDK
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &ChatClient{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		pacer:      cfg.Pacers.For(cfg.BaseURL, cfg.APIKey, cfg.RateLimit),
		stats:      cfg.Stats,
		logger:     cfg.Logger,
		usage:      make(map[string]ChatUsage),
	}
}

// Call sends a chat completion request and returns the reply text.
func (c *ChatClient) Call(ctx context.Context, req ChatRequest) (string, error) {
	var content string
	err := retry.Do(
		func() error {
			var err error
			content, err = c.complete(ctx, req, false)
			return err
		},
		c.retryOpts(ctx)...,
	)
	if err != nil {
		return "", fmt.Errorf("chat call failed after %d attempts: %w", c.maxRetries, err)
	}
	return content, nil
}

var errJSONParse = errors.New("chat reply is not valid JSON")

// CallJSON sends a chat completion request in JSON mode and returns the
// parsed object. A reply that fails strict parsing is retried; after the
// last attempt the largest balanced JSON object or fenced block is
// extracted, and ErrModelFormat is returned when even that fails.
func (c *ChatClient) CallJSON(ctx context.Context, req ChatRequest) (json.RawMessage, error) {
	var lastContent string
	var parsed json.RawMessage

	err := retry.Do(
		func() error {
			content, err := c.complete(ctx, req, true)
			if err != nil {
				return err
			}
			lastContent = content

			var doc any
			if err := json.Unmarshal([]byte(content), &doc); err != nil {
				return fmt.Errorf("%w: %v", errJSONParse, err)
			}
			parsed = json.RawMessage(content)
			return nil
		},
		c.retryOpts(ctx)...,
	)
	if err == nil {
		return parsed, nil
	}

	if errors.Is(err, errJSONParse) && lastContent != "" {
		if salvaged, sErr := parseModelJSON(lastContent); sErr == nil {
			c.logger.Warn("recovered JSON from malformed chat reply", "model", c.resolveModel(req.Model))
			return salvaged, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrModelFormat, snippet(lastContent, 200))
	}
	return nil, fmt.Errorf("chat call failed after %d attempts: %w", c.maxRetries, err)
}

// Stats returns this instance's per-model usage.
func (c *ChatClient) Stats() map[string]ChatUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ChatUsage, len(c.usage))
	for m, u := range c.usage {
		out[m] = u
	}
	return out
}

func (c *ChatClient) retryOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return c.retryDelay * time.Duration(n+1)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("chat call retrying", "attempt", n+1, "error", err)
		}),
	}
}

func (c *ChatClient) complete(ctx context.Context, req ChatRequest, jsonMode bool) (string, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return "", err
	}

	model := c.resolveModel(req.Model)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices in response")
	}

	c.track(model, resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}

func (c *ChatClient) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return c.model
}

func (c *ChatClient) track(model string, tokens int64) {
	c.mu.Lock()
	u := c.usage[model]
	u.Calls++
	u.Tokens += tokens
	c.usage[model] = u
	c.mu.Unlock()

	c.stats.RecordChat(model, tokens)
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
