package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/finrag/backend/pkg/logger"
	"github.com/finrag/backend/pkg/utils"
)

// Client caches query embeddings. Keys carry the embedding model so a model
// change never serves stale vectors.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

func NewClient(host string, port int, password string, db int, log *zap.Logger) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := NewFromClient(client, log)
	c.logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))
	return c, nil
}

func NewFromClient(client *redis.Client, log *zap.Logger) *Client {
	return &Client{client: client, logger: logger.OrDefault(log).Named("redis")}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func EmbeddingKey(model, text string) string {
	return fmt.Sprintf("embedding:%s:%s", strings.ToLower(model), utils.HashString(strings.TrimSpace(text)))
}

func (c *Client) SetEmbedding(ctx context.Context, model, text string, embedding []float32, ttl time.Duration) error {
	data, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	key := EmbeddingKey(model, text)
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set embedding cache: %w", err)
	}

	c.logger.Debug("Embedding cached", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *Client) GetEmbedding(ctx context.Context, model, text string) ([]float32, bool, error) {
	key := EmbeddingKey(model, text)
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get embedding cache: %w", err)
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}

	c.logger.Debug("Embedding cache hit", zap.String("key", key))
	return embedding, true, nil
}

// InvalidateModel drops every cached vector for one embedding model.
func (c *Client) InvalidateModel(ctx context.Context, model string) (int, error) {
	pattern := fmt.Sprintf("embedding:%s:*", strings.ToLower(model))
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	c.logger.Info("Embedding cache invalidated", zap.String("model", model), zap.Int("deleted", deleted))
	return deleted, nil
}
