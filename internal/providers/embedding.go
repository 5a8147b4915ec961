package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// EmbeddingConfig holds configuration for an embedding client.
type EmbeddingConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int // expected vector length; 0 skips the request parameter
	BatchSize  int // texts per API call (default 32)
	MaxRetries int
	RetryDelay time.Duration
	RateLimit  int // requests per minute shared across the endpoint
	Timeout    time.Duration
	Pacers     *PacerRegistry
	Stats      *Stats
	HTTPClient *http.Client // optional (tests)
	Logger     *slog.Logger
}

// EmbeddingClient generates embeddings over an OpenAI-compatible API with
// batching and retries. Safe for concurrent use.
type EmbeddingClient struct {
	client     openai.Client
	model      string
	dimensions int
	batchSize  int
	maxRetries int
	retryDelay time.Duration
	pacer      *Pacer
	stats      *Stats
	logger     *slog.Logger
}

// NewEmbeddingClient creates an embedding client.
func NewEmbeddingClient(cfg EmbeddingConfig) *EmbeddingClient {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
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
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &EmbeddingClient{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		pacer:      cfg.Pacers.For(cfg.BaseURL, cfg.APIKey, cfg.RateLimit),
		stats:      cfg.Stats,
		logger:     cfg.Logger,
	}
}

// Dimensions returns the configured vector length.
func (c *EmbeddingClient) Dimensions() int {
	return c.dimensions
}

// Embed returns one vector per input text, in input order. The input is
// split into batches of the configured size; a failing batch fails the
// whole call after retries.
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	all := make([][]float64, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := c.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		all = append(all, vectors...)
	}
	return all, nil
}

func (c *EmbeddingClient) embedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	var vectors [][]float64

	err := retry.Do(
		func() error {
			if err := c.pacer.Wait(ctx); err != nil {
				return err
			}

			params := openai.EmbeddingNewParams{
				Model: openai.EmbeddingModel(c.model),
				Input: openai.EmbeddingNewParamsInputUnion{
					OfArrayOfStrings: texts,
				},
			}
			if c.dimensions > 0 {
				params.Dimensions = openai.Int(int64(c.dimensions))
			}

			resp, err := c.client.Embeddings.New(ctx, params)
			if err != nil {
				return fmt.Errorf("embedding call: %w", err)
			}
			if len(resp.Data) != len(texts) {
				return fmt.Errorf("embedding call: got %d vectors for %d texts", len(resp.Data), len(texts))
			}

			vectors = make([][]float64, len(resp.Data))
			for _, item := range resp.Data {
				vectors[int(item.Index)] = item.Embedding
			}

			if c.dimensions > 0 && len(vectors) > 0 && len(vectors[0]) != c.dimensions {
				c.logger.Warn("embedding dimension mismatch",
					"expected", c.dimensions, "got", len(vectors[0]), "model", c.model)
			}

			c.stats.RecordEmbedding(c.model, len(texts))
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return c.retryDelay * time.Duration(n+1)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("embedding call retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.maxRetries, err)
	}
	return vectors, nil
}
