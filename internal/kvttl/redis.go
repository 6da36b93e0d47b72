package kvttl

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// compareAndDelete deletes the key only if it still holds the expected
// value. Running it server-side makes consume atomic across instances.
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisStore struct {
	client *redis.Client
}

// NewRedis connects to the redis URL (redis://host:port/db).
func NewRedis(url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return &redisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisClient wraps an existing client; used by tests with miniredis.
func NewRedisClient(client *redis.Client) Store {
	return &redisStore{client: client}
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errors.Wrap(s.client.Set(ctx, key, value, ttl).Err(), "redis set")
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get")
	}
	return v, true, nil
}

func (s *redisStore) GetDel(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis getdel")
	}
	return v, true, nil
}

func (s *redisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, expected).Int()
	if err != nil {
		return false, errors.Wrap(err, "redis compare-and-delete")
	}
	return n == 1, nil
}

func (s *redisStore) FlushAll(ctx context.Context) error {
	return errors.Wrap(s.client.FlushDB(ctx).Err(), "redis flush")
}
