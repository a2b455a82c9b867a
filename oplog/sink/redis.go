package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"oplogsync/oplog"
	"oplogsync/oplog/core"
)

// RedisSinkOptions configures a RedisSink.
type RedisSinkOptions struct {
	Username string
	Password string
	DB       int

	// KeyPrefix is prepended to "<namespace>:<id>".
	KeyPrefix string

	// TTL expires stored documents; zero keeps them forever.
	TTL time.Duration
}

// DefaultRedisSinkOptions returns the default RedisSink options.
func DefaultRedisSinkOptions() *RedisSinkOptions {
	return &RedisSinkOptions{
		KeyPrefix: "oplogsync:doc:",
	}
}

// RedisSink stores each document as relaxed Extended JSON under its own key.
// Writes whose JSON equals the stored value are skipped.
type RedisSink struct {
	client *redis.Client
	opts   *RedisSinkOptions
	logger *zap.Logger
}

// NewRedisSink connects to Redis at addr.
func NewRedisSink(addr string, opts *RedisSinkOptions, logger *zap.Logger) (*RedisSink, error) {
	if opts == nil {
		opts = DefaultRedisSinkOptions()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSink{
		client: client,
		opts:   opts,
		logger: core.OrDefault(logger).Named("redis_sink"),
	}, nil
}

// Key returns the Redis key of a document. The id is written as canonical
// Extended JSON, so ids of different BSON types never share a key.
func (s *RedisSink) Key(namespace string, id interface{}) (string, error) {
	formatted, err := formatID(id)
	if err != nil {
		return "", err
	}
	return s.opts.KeyPrefix + namespace + ":" + formatted, nil
}

func formatID(id interface{}) (string, error) {
	if id == nil {
		return "", fmt.Errorf("document id is nil")
	}
	data, err := bson.MarshalExtJSON(bson.D{{Key: "_id", Value: id}}, true, false)
	if err != nil {
		return "", fmt.Errorf("failed to encode document id: %w", err)
	}
	// Strip the {"_id": ...} wrapper
	out := strings.TrimPrefix(string(data), `{"_id":`)
	return strings.TrimSuffix(out, "}"), nil
}

// Upsert implements oplog.Sink.
func (s *RedisSink) Upsert(ctx context.Context, docs []oplog.Document) error {
	if len(docs) == 0 {
		return nil
	}

	keys := make([]string, len(docs))
	for i, doc := range docs {
		key, err := s.Key(doc.Namespace, doc.ID)
		if err != nil {
			return fmt.Errorf("document in %s: %w", doc.Namespace, err)
		}
		keys[i] = key
	}
	current, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("failed to read current documents: %w", err)
	}

	pipe := s.client.Pipeline()
	written, unchanged := 0, 0
	for i, doc := range docs {
		newJSON, err := bson.MarshalExtJSON(doc.Body, false, false)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", doc.Ref(), err)
		}

		if old, ok := current[i].(string); ok {
			oldJSON := []byte(old)
			if jsonpatch.Equal(oldJSON, newJSON) {
				unchanged++
				continue
			}
			if patch, err := jsonpatch.CreateMergePatch(oldJSON, newJSON); err == nil {
				s.logger.Debug("Document changed",
					zap.String("key", keys[i]),
					zap.Int("patch_bytes", len(patch)))
			}
		}

		pipe.Set(ctx, keys[i], newJSON, s.opts.TTL)
		written++
	}

	if written == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store documents: %w", err)
	}

	s.logger.Debug("Documents stored", zap.Int("written", written), zap.Int("unchanged", unchanged))
	return nil
}

// Delete implements oplog.Deleter.
func (s *RedisSink) Delete(ctx context.Context, refs []oplog.DocumentRef) error {
	if len(refs) == 0 {
		return nil
	}
	keys := make([]string, len(refs))
	for i, ref := range refs {
		key, err := s.Key(ref.Namespace, ref.ID)
		if err != nil {
			return fmt.Errorf("document in %s: %w", ref.Namespace, err)
		}
		keys[i] = key
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// Get returns the stored Extended JSON of a document.
func (s *RedisSink) Get(ctx context.Context, namespace string, id interface{}) ([]byte, error) {
	key, err := s.Key(namespace, id)
	if err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, oplog.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return data, nil
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
