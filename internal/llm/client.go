package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/finrag/backend/internal/domain"
	"github.com/finrag/backend/pkg/circuitbreaker"
	"github.com/finrag/backend/pkg/config"
	"github.com/finrag/backend/pkg/logger"
	"github.com/finrag/backend/pkg/retry"
)

var ErrEmptyResponse = errors.New("llm returned no choices")

// Purposes name the concern a call serves. Each gets its own circuit
// breaker, so a best-effort caller cannot trip the breaker synthesis uses.
const (
	PurposeSynthesis  = "synthesis"
	PurposeVariants   = "variants"
	PurposeEmbeddings = "embeddings"
)

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	timeout        time.Duration
	breakerConfig  circuitbreaker.Config
	retryConfig    retry.Config
	logger         *zap.Logger

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.CircuitBreaker
}

type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	// OnBreakerChange observes state changes of every per-purpose breaker.
	OnBreakerChange func(name string, from, to circuitbreaker.State)
	Logger          *zap.Logger
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	// Model overrides the client default, e.g. for a serving model.
	Model       string
	Temperature float32
	MaxTokens   int
	// Purpose selects the circuit breaker; empty means PurposeSynthesis.
	Purpose string
}

type CompletionResponse struct {
	Content      string
	Model        string
	FinishReason string
	Usage        domain.Usage
}

// OptionsFromConfig maps the llm config section onto client options.
func OptionsFromConfig(cfg config.LLMConfig, log *zap.Logger) Options {
	return Options{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		Timeout:        time.Duration(cfg.TimeoutSec) * time.Second,
		MaxAttempts:    cfg.MaxAttempts,
		Logger:         log,
	}
}

func NewClient(opts Options) *Client {
	log := logger.OrDefault(opts.Logger).Named("llm")

	clientConfig := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		clientConfig.BaseURL = opts.BaseURL
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}

	retryConfig := retry.Config{
		MaxAttempts:    opts.MaxAttempts,
		InitialDelay:   opts.InitialBackoff,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryIf:        IsTransient,
		Logger:         log,
		Name:           "llm",
	}

	log.Info("LLM client initialized",
		zap.String("model", opts.Model),
		zap.String("embedding_model", opts.EmbeddingModel),
		zap.String("base_url", clientConfig.BaseURL),
	)

	return &Client{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
		temperature:    opts.Temperature,
		maxTokens:      opts.MaxTokens,
		timeout:        opts.Timeout,
		breakerConfig: circuitbreaker.Config{
			OpenFor:          30 * time.Second,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			MaxTrials:        5,
			OnStateChange:    opts.OnBreakerChange,
			Logger:           log,
		},
		retryConfig: retryConfig,
		logger:      log,
		breakers:    make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(purpose string) *circuitbreaker.CircuitBreaker {
	if purpose == "" {
		purpose = PurposeSynthesis
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[purpose]
	if !ok {
		cb = circuitbreaker.NewCircuitBreaker("llm-"+purpose, c.breakerConfig)
		c.breakers[purpose] = cb
	}
	return cb
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) EmbeddingModel() string {
	return c.embeddingModel
}

// Complete issues one chat completion. Transient provider errors are retried
// with backoff; each attempt gets its own timeout.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	return circuitbreaker.Call(ctx, c.breaker(req.Purpose), func() (*CompletionResponse, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*CompletionResponse, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			resp, err := c.client.CreateChatCompletion(attemptCtx, openai.ChatCompletionRequest{
				Model:       model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return nil, retry.Permanent(ErrEmptyResponse)
			}

			c.logger.Debug("LLM completion generated",
				zap.String("model", model),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			respModel := resp.Model
			if respModel == "" {
				respModel = model
			}
			return &CompletionResponse{
				Content:      resp.Choices[0].Message.Content,
				Model:        respModel,
				FinishReason: string(resp.Choices[0].FinishReason),
				Usage: domain.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}, nil
		})
	})
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// GenerateEmbeddings embeds texts in batches, preserving input order.
func (c *Client) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, len(texts))

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]
		offset := i

		err := c.breaker(PurposeEmbeddings).Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
				defer cancel()

				resp, err := c.client.CreateEmbeddings(attemptCtx, openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(c.embeddingModel),
				})
				if err != nil {
					return fmt.Errorf("failed to generate embeddings: %w", err)
				}
				if len(resp.Data) != len(batch) {
					return retry.Permanent(fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(batch)))
				}

				for j, data := range resp.Data {
					vec := make([]float32, len(data.Embedding))
					copy(vec, data.Embedding)
					embeddings[offset+j] = vec
				}
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	c.logger.Debug("Embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

// IsTransient reports whether a provider error is worth retrying: rate
// limits, server errors and network failures are; other 4xx responses are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
