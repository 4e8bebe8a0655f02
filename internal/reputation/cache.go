package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peerlink/safety/internal/models"
)

const cacheKeyPrefix = "reputation:"

// Cache holds hot records in front of the Store.
type Cache interface {
	Get(ctx context.Context, userID string) (*models.ReputationRecord, error)
	Put(ctx context.Context, rec *models.ReputationRecord) error
}

// RedisCache caches records as JSON. Put never overwrites a newer version written by
// another instance.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed record cache. ttl <= 0 means 1 hour.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns nil, nil on a cache miss.
func (c *RedisCache) Get(ctx context.Context, userID string) (*models.ReputationRecord, error) {
	val, err := c.client.Get(ctx, cacheKeyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.ReputationRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put stores rec unless the cached copy already has a higher version.
func (c *RedisCache) Put(ctx context.Context, rec *models.ReputationRecord) error {
	key := cacheKeyPrefix + rec.UserID
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var stored struct {
				Version int64 `json:"version"`
			}
			if json.Unmarshal(cur, &stored) == nil && stored.Version > rec.Version {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, c.ttl)
			return nil
		})
		return err
	}, key)
}
