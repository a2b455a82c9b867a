package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	Username string
	Password string
	DB       int

	// KeyPrefix is prepended to every identity.
	KeyPrefix string
}

// DefaultRedisStoreOptions returns the default RedisStore options.
func DefaultRedisStoreOptions() *RedisStoreOptions {
	return &RedisStoreOptions{
		KeyPrefix: "oplogsync:checkpoint:",
	}
}

// RedisStore implements Store on Redis string keys holding decimal timestamps.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr string, options *RedisStoreOptions) (*RedisStore, error) {
	if options == nil {
		options = DefaultRedisStoreOptions()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: options.Username,
		Password: options.Password,
		DB:       options.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		prefix: options.KeyPrefix,
	}, nil
}

// Read returns the timestamp stored for identity.
func (s *RedisStore) Read(ctx context.Context, identity string) (int64, error) {
	if identity == "" {
		return 0, ErrInvalidIdentity
	}

	value, err := s.client.Get(ctx, s.key(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if errors.Is(err, redis.ErrClosed) {
		return 0, ErrClosed
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get checkpoint from Redis: %w", err)
	}

	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrCorrupt, value, err)
	}
	return ts, nil
}

// Write stores timestamp for identity without expiry.
func (s *RedisStore) Write(ctx context.Context, identity string, timestamp int64) error {
	if identity == "" {
		return ErrInvalidIdentity
	}

	err := s.client.Set(ctx, s.key(identity), strconv.FormatInt(timestamp, 10), 0).Err()
	if errors.Is(err, redis.ErrClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("failed to set checkpoint in Redis: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(identity string) string {
	return s.prefix + identity
}
