package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wuchris-ch/fundus-dx-ml/internal/diagnosis"
	"github.com/wuchris-ch/fundus-dx-ml/internal/retry"
)

// Cache abstracts the Redis operations the store needs.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) (int64, error)
}

// RedisCache adapts a go-redis client to Cache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Del(ctx context.Context, key string) (int64, error) {
	return c.client.Del(ctx, key).Result()
}

// RedisStore keeps previews in Redis so several API replicas can serve
// them. The TTL only bounds leaks from crashed processes; handles are still
// released explicitly.
type RedisStore struct {
	cache        Cache
	ttl          time.Duration
	maxDimension int
	policy       retry.Policy
	logger       *zap.Logger
}

// NewRedisStore builds a store on top of cache.
func NewRedisStore(cache Cache, ttl time.Duration, maxDimension int, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		cache:        cache,
		ttl:          ttl,
		maxDimension: maxDimension,
		policy:       retry.DefaultPolicy(),
		logger:       logger.Named("preview_store"),
	}
}

type storedPreview struct {
	SessionID string  `json:"session_id"`
	Preview   Preview `json:"preview"`
}

func previewKey(handle Handle) string {
	return fmt.Sprintf("preview:%s", handle)
}

func (s *RedisStore) Render(candidate *diagnosis.ImageCandidate) *Preview {
	return Render(candidate, s.maxDimension)
}

func (s *RedisStore) Acquire(ctx context.Context, sessionID string, rendered *Preview) (Handle, error) {
	handle := Handle(uuid.NewString())
	serialized, err := json.Marshal(storedPreview{SessionID: sessionID, Preview: *rendered})
	if err != nil {
		return "", err
	}

	if err := s.policy.Do(ctx, s.logger, "preview.acquire", sessionID, func() error {
		return s.cache.Set(ctx, previewKey(handle), string(serialized), s.ttl)
	}); err != nil {
		return "", err
	}
	return handle, nil
}

func (s *RedisStore) Release(ctx context.Context, handle Handle) error {
	var removed int64
	err := s.policy.Do(ctx, s.logger, "preview.release", "", func() error {
		n, err := s.cache.Del(ctx, previewKey(handle))
		removed = n
		return err
	})
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Open(ctx context.Context, handle Handle) (*Preview, error) {
	var raw string
	missing := false
	err := s.policy.Do(ctx, s.logger, "preview.open", "", func() error {
		value, err := s.cache.Get(ctx, previewKey(handle))
		if errors.Is(err, redis.Nil) {
			missing = true
			return nil
		}
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, ErrNotFound
	}

	var stored storedPreview
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, err
	}
	return &stored.Preview, nil
}
