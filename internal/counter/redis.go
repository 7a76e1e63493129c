package counter

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/openclaw/presence-server-go/internal/redis"
	"github.com/openclaw/presence-server-go/internal/retry"
)

var decrementFloorScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
    return redis.call('DECR', KEYS[1])
end
if v < 0 then
    redis.call('SET', KEYS[1], 0)
end
return 0
`)

// RedisStore shares viewer counts across nodes. Every write goes through the
// retry policy; only errors redisclient.IsTransient accepts are retried.
type RedisStore struct {
	client *redis.Client
	policy retry.Policy
}

func NewRedisStore(client *redis.Client, policy retry.Policy) *RedisStore {
	return &RedisStore{
		client: client,
		policy: policy.WithClassifier(redisclient.IsTransient),
	}
}

func (s *RedisStore) Increment(ctx context.Context, sessionID string) (int64, error) {
	key := redisclient.ViewerCountKey(sessionID)
	return retry.Do(ctx, s.policy, func(ctx context.Context) (int64, error) {
		return s.client.Incr(ctx, key).Result()
	})
}

func (s *RedisStore) DecrementFloor(ctx context.Context, sessionID string) (int64, error) {
	key := redisclient.ViewerCountKey(sessionID)
	return retry.Do(ctx, s.policy, func(ctx context.Context) (int64, error) {
		return decrementFloorScript.Run(ctx, s.client, []string{key}).Int64()
	})
}

func (s *RedisStore) Reset(ctx context.Context, sessionID string) error {
	key := redisclient.ViewerCountKey(sessionID)
	return retry.DoErr(ctx, s.policy, func(ctx context.Context) error {
		return s.client.Set(ctx, key, 0, 0).Err()
	})
}

func (s *RedisStore) Read(ctx context.Context, sessionID string) (int64, error) {
	v, err := s.client.Get(ctx, redisclient.ViewerCountKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, nil
	}
	return v, nil
}
