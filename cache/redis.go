package cache

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const redisScanCount = 100

// NewRedisStore returns a Store backed by the redis server at addr.
// A non zero expiration is set on every written key so abandoned
// entries are dropped by redis as well.
func NewRedisStore(addr string, db int, expiration time.Duration) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DB:          db,
		DialTimeout: 10 * time.Second,
	})
	return NewRedisStoreFromClient(client, expiration)
}

// NewRedisStoreFromClient wraps an existing redis client
func NewRedisStoreFromClient(client redis.UniversalClient, expiration time.Duration) *RedisStore {
	return &RedisStore{
		client:     client,
		expiration: expiration,
	}
}

// RedisStore is a Store backed by redis
type RedisStore struct {
	client     redis.UniversalClient
	expiration time.Duration
}

// Ping checks the connection to redis
func (s *RedisStore) Ping(ctx context.Context) error {
	r, err := s.client.Ping(ctx).Result()
	if err != nil {
		return errors.Wrap(err, "failed to contact redis")
	}
	log.Debugf("redis replied with: %s", r)
	return nil
}

// Get implements Store
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get redis key")
	}
	return data, nil
}

// Set implements Store
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	err := s.client.Set(ctx, key, value, s.expiration).Err()
	if err != nil {
		return errors.Wrap(err, "failed to set redis key")
	}
	return nil
}

// Delete implements Store
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, key).Err()
	if err != nil {
		return errors.Wrap(err, "failed to delete redis key")
	}
	return nil
}

// Keys implements Store
func (s *RedisStore) Keys(ctx context.Context) ([]string, error) {
	return s.scan(ctx, "*")
}

// PrefixKeys implements PrefixLister by letting redis match the prefix
func (s *RedisStore) PrefixKeys(ctx context.Context, prefix string) ([]string, error) {
	return s.scan(ctx, globEscaper.Replace(prefix)+"*")
}

// globEscaper escapes the characters special to redis MATCH patterns
var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"?", `\?`,
	"[", `\[`,
	"]", `\]`,
)

func (s *RedisStore) scan(ctx context.Context, match string) ([]string, error) {
	keys := []string{}
	iter := s.client.Scan(ctx, 0, match, redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan redis keys")
	}
	return keys, nil
}

// Close closes the redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
