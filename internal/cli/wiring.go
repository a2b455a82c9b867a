package cli

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"oplogsync/internal/config"
	"oplogsync/oplog"
	"oplogsync/oplog/checkpoint"
	"oplogsync/oplog/sink"
)

// openStore creates the checkpoint store selected by cfg.
func openStore(cfg *config.Config, logger *zap.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendFile:
		return checkpoint.NewFileStore(cfg.Checkpoint.Path, logger.Named("checkpoint"))
	case config.BackendBadger:
		return checkpoint.NewBadgerStore(cfg.Checkpoint.Path, logger.Named("checkpoint"))
	case config.BackendRedis:
		opts := checkpoint.DefaultRedisStoreOptions()
		if cfg.Checkpoint.KeyPrefix != "" {
			opts.KeyPrefix = cfg.Checkpoint.KeyPrefix
		}
		return checkpoint.NewRedisStore(cfg.Checkpoint.RedisAddr, opts)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// openSink creates the sink selected by cfg and a function releasing it.
func openSink(ctx context.Context, cfg *config.Config, logger *zap.Logger) (oplog.Sink, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Sink.Type {
	case config.SinkMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Sink.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to sink MongoDB: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("failed to ping sink MongoDB: %w", err)
		}
		return sink.NewMongoSink(client.Database(cfg.Sink.Database), logger), client.Disconnect, nil

	case config.SinkRedis:
		opts := sink.DefaultRedisSinkOptions()
		if cfg.Sink.KeyPrefix != "" {
			opts.KeyPrefix = cfg.Sink.KeyPrefix
		}
		opts.TTL = cfg.Sink.TTL
		s, err := sink.NewRedisSink(cfg.Sink.RedisAddr, opts, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func(context.Context) error { return s.Close() }, nil

	case config.SinkLog:
		return sink.NewLogSink(logger), noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown sink type %q", cfg.Sink.Type)
	}
}

// sourceOptions returns the MongoSource options for one shard.
func sourceOptions(cfg *config.Config, shard config.ShardConfig) *oplog.MongoSourceOptions {
	opts := oplog.DefaultMongoSourceOptions()
	opts.Identity = shard.Name
	if cfg.MaxAwait > 0 {
		opts.MaxAwaitTime = cfg.MaxAwait
	}
	if cfg.ScanBatchSize > 0 {
		opts.BatchSize = int32(cfg.ScanBatchSize)
	}
	return opts
}

// shardIdentity returns the checkpoint identity a shard's worker uses.
func shardIdentity(shard config.ShardConfig) (string, error) {
	if shard.Name != "" {
		return shard.Name, nil
	}
	return oplog.IdentityFromURI(shard.URI)
}
