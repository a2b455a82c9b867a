package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oplogsync/internal/config"
	"oplogsync/oplog"
	"oplogsync/oplog/core"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start one worker per configured shard",
		Long:  "Start one worker per configured shard and run until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			if err := core.ConfigureLogger(cfg.Log.Development, cfg.Log.Level); err != nil {
				return err
			}
			defer core.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, core.GetLogger())
		},
	}
}

// shardWorker is a running worker with the source it owns.
type shardWorker struct {
	source *oplog.MongoSource
	worker *oplog.Worker
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	sinkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	target, closeSink, err := openSink(sinkCtx, cfg, logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeSink(context.Background()))
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := oplog.NewMetrics(registry)

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer server.Close()
		logger.Info("Serving metrics", zap.String("addr", cfg.MetricsAddr))
	}

	workers := make([]*shardWorker, len(cfg.Shards))
	defer func() {
		for _, w := range workers {
			if w != nil {
				err = multierr.Append(err, w.source.Close(context.Background()))
			}
		}
	}()

	// Connect every shard before starting any worker
	group, groupCtx := errgroup.WithContext(ctx)
	for i, shard := range cfg.Shards {
		i, shard := i, shard
		group.Go(func() error {
			source, err := oplog.ConnectMongoSource(groupCtx, shard.URI, cfg.RouterURI, sourceOptions(cfg, shard), logger)
			if err != nil {
				return err
			}
			worker, err := oplog.NewWorker(oplog.WorkerConfig{
				Source:     source,
				Sink:       target,
				Store:      store,
				Namespaces: cfg.Namespaces,
				Options:    cfg.Options(),
				Logger:     logger,
				Metrics:    metrics,
			})
			if err != nil {
				_ = source.Close(context.Background())
				return err
			}
			workers[i] = &shardWorker{source: source, worker: worker}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("failed to prepare workers: %w", err)
	}

	for i, w := range workers {
		if err := w.worker.Start(ctx); err != nil {
			return multierr.Append(err, stopWorkers(workers[:i]))
		}
	}
	logger.Info("Workers started", zap.Int("shards", len(workers)))

	<-ctx.Done()
	logger.Info("Shutting down")
	return stopWorkers(workers)
}

// stopWorkers stops every worker concurrently and combines their errors.
func stopWorkers(workers []*shardWorker) error {
	var group errgroup.Group
	errs := make([]error, len(workers))
	for i, w := range workers {
		i, w := i, w
		group.Go(func() error {
			errs[i] = w.worker.Stop(context.Background())
			return nil
		})
	}
	_ = group.Wait()
	return multierr.Combine(errs...)
}

// Execute runs the root command and exits the process on failure.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
