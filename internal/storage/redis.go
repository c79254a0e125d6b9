package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/crawl-supervisor/internal/aggregator"
	"github.com/user/crawl-supervisor/internal/domain"
)

// releaseScript deletes a lock only while it still belongs to the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore caches finished bundles and guards domains against
// concurrent runs.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &RedisStore{client: rdb}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func lockKey(domainName string) string { return fmt.Sprintf("scrape:active:%s", domainName) }
func bundleKey(runID string) string    { return fmt.Sprintf("scrape:bundle:%s", runID) }

// AcquireDomain claims domainName for runID. It reports false when another
// run holds the claim. The claim expires after ttl.
func (s *RedisStore) AcquireDomain(ctx context.Context, domainName, runID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(domainName), runID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire domain %s: %w", domainName, err)
	}
	return ok, nil
}

// ReleaseDomain drops the claim if runID still holds it.
func (s *RedisStore) ReleaseDomain(ctx context.Context, domainName, runID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockKey(domainName)}, runID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release domain %s: %w", domainName, err)
	}
	return nil
}

// SaveBundle stores the downloadable bundle of a run for ttl.
func (s *RedisStore) SaveBundle(ctx context.Context, runID string, d aggregator.Download, ttl time.Duration) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, bundleKey(runID), payload, ttl).Err()
}

// GetBundle returns domain.ErrNotFound for unknown or expired bundles.
func (s *RedisStore) GetBundle(ctx context.Context, runID string) (*aggregator.Download, error) {
	payload, err := s.client.Get(ctx, bundleKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d aggregator.Download
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", runID, err)
	}
	return &d, nil
}
