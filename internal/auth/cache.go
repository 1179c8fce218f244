package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/model"
)

const cacheKeyPrefix = "auth:apikey:"

// AccountSource is the authoritative account lookup behind the cache.
// It returns (nil, nil) for an unknown key.
type AccountSource interface {
	AccountByAPIKey(ctx context.Context, apiKey string) (*model.Account, error)
}

// Cache maps api_key → account snapshot with a TTL, fronting the store.
// The cached balance may be stale; admission never uses it for the debit
// decision, which always goes through the conditional UPDATE.
type Cache struct {
	rdb *redis.Client
	src AccountSource
	ttl time.Duration
	log *zap.Logger
}

func NewCache(rdb *redis.Client, src AccountSource, ttl time.Duration, log *zap.Logger) *Cache {
	return &Cache{rdb: rdb, src: src, ttl: ttl, log: log}
}

// Lookup resolves an API key to its account: cache probe, then read-through
// to the store with a TTL'd write-back. Returns (nil, nil) for unknown keys.
// A cache outage degrades to store lookups rather than failing the request.
func (c *Cache) Lookup(ctx context.Context, apiKey string) (*model.Account, error) {
	key := cacheKeyPrefix + apiKey

	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		var acct model.Account
		if jsonErr := json.Unmarshal([]byte(raw), &acct); jsonErr == nil {
			return &acct, nil
		}
		c.log.Warn("auth cache entry corrupt, falling through to store", zap.Error(err))
	} else if err != redis.Nil {
		c.log.Warn("auth cache unavailable, falling through to store", zap.Error(err))
	}

	acct, err := c.src.AccountByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, nil
	}

	if raw, err := json.Marshal(acct); err == nil {
		if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.log.Warn("auth cache write failed", zap.Error(err))
		}
	}
	return acct, nil
}
