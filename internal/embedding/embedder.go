package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/finrag/backend/pkg/logger"
)

var ErrEmptyText = errors.New("cannot embed empty text")

type Provider interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	EmbeddingModel() string
}

type Cache interface {
	GetEmbedding(ctx context.Context, model, text string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, model, text string, embedding []float32, ttl time.Duration) error
}

// QueryEmbedder embeds query strings, reading through an optional cache.
// Cache failures only cost a provider call.
type QueryEmbedder struct {
	provider Provider
	cache    Cache
	ttl      time.Duration
	logger   *zap.Logger
}

func NewQueryEmbedder(provider Provider, cache Cache, ttl time.Duration, log *zap.Logger) *QueryEmbedder {
	return &QueryEmbedder{
		provider: provider,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.OrDefault(log).Named("embedding"),
	}
}

func (e *QueryEmbedder) Model() string {
	return e.provider.EmbeddingModel()
}

func (e *QueryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany returns one vector per text in input order. Only cache misses go
// to the provider, in a single batch.
func (e *QueryEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	model := e.provider.EmbeddingModel()

	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if t == "" {
			return nil, ErrEmptyText
		}
		if e.cache != nil {
			vec, ok, err := e.cache.GetEmbedding(ctx, model, t)
			if err != nil {
				e.logger.Warn("Embedding cache read failed", zap.Error(err))
			} else if ok {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := e.provider.GenerateEmbeddings(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d texts", len(vecs), len(missing))
	}

	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		if e.cache != nil {
			if err := e.cache.SetEmbedding(ctx, model, missing[j], vec, e.ttl); err != nil {
				e.logger.Warn("Embedding cache write failed", zap.Error(err))
			}
		}
	}

	e.logger.Debug("Embedded query texts",
		zap.Int("requested", len(texts)),
		zap.Int("provider_calls", len(missing)),
	)
	return out, nil
}

func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
