package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EmbeddingCache stores question embeddings keyed by question hash
type EmbeddingCache interface {
	// GetMany returns one entry per hash; a nil entry is a miss
	GetMany(ctx context.Context, hashes []string) ([][]float32, error)
	SetMany(ctx context.Context, entries map[string][]float32) error
}

type embeddingCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewEmbeddingCache creates a new embedding cache
func NewEmbeddingCache(client *redis.Client, ttl time.Duration) EmbeddingCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &embeddingCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *embeddingCache) key(hash string) string {
	return fmt.Sprintf("embedding:%s", hash)
}

func (c *embeddingCache) GetMany(ctx context.Context, hashes []string) ([][]float32, error) {
	out := make([][]float32, len(hashes))
	if len(hashes) == 0 {
		return out, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = c.key(h)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(s), &vec); err != nil {
			continue // Treat a corrupt entry as a miss
		}
		out[i] = vec
	}
	return out, nil
}

func (c *embeddingCache) SetMany(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for hash, vec := range entries {
		data, err := json.Marshal(vec)
		if err != nil {
			return err
		}
		pipe.Set(ctx, c.key(hash), data, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
