package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/txtgate/sms-gateway/internal/model"
)

type fakeSource struct {
	accounts map[string]*model.Account
	lookups  int
}

func (f *fakeSource) AccountByAPIKey(_ context.Context, apiKey string) (*model.Account, error) {
	f.lookups++
	return f.accounts[apiKey], nil
}

func cacheSetup(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *fakeSource, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	src := &fakeSource{accounts: map[string]*model.Account{}}
	return mr, src, NewCache(rdb, src, ttl, zap.NewNop())
}

func TestCacheLookup_ReadThrough(t *testing.T) {
	_, src, cache := cacheSetup(t, time.Hour)
	acct := &model.Account{ID: uuid.New(), APIKey: "key-1", Balance: 7}
	src.accounts["key-1"] = acct

	ctx := context.Background()

	got, err := cache.Lookup(ctx, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != acct.ID {
		t.Fatalf("unexpected account: %+v", got)
	}
	if src.lookups != 1 {
		t.Fatalf("expected 1 store lookup, got %d", src.lookups)
	}

	// second lookup is served from cache
	if _, err := cache.Lookup(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}
	if src.lookups != 1 {
		t.Fatalf("expected cache hit, got %d store lookups", src.lookups)
	}
}

func TestCacheLookup_TTLExpiry(t *testing.T) {
	mr, src, cache := cacheSetup(t, time.Minute)
	src.accounts["key-1"] = &model.Account{ID: uuid.New(), APIKey: "key-1"}

	ctx := context.Background()
	if _, err := cache.Lookup(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := cache.Lookup(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}
	if src.lookups != 2 {
		t.Fatalf("expected expired entry to re-read the store, got %d lookups", src.lookups)
	}
}

func TestCacheLookup_UnknownKey(t *testing.T) {
	_, _, cache := cacheSetup(t, time.Hour)

	got, err := cache.Lookup(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown key, got %+v", got)
	}
}

func TestCacheLookup_RedisDown(t *testing.T) {
	mr, src, cache := cacheSetup(t, time.Hour)
	src.accounts["key-1"] = &model.Account{ID: uuid.New(), APIKey: "key-1"}
	mr.Close()

	got, err := cache.Lookup(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("cache outage must degrade to the store, got %v", err)
	}
	if got == nil {
		t.Fatal("expected account from store fallback")
	}
}
