package oplog

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"oplogsync/oplog/checkpoint"
	"oplogsync/oplog/core"
)

// WorkerConfig holds everything a Worker needs for one source.
type WorkerConfig struct {
	Source Source
	Sink   Sink
	Store  checkpoint.Store

	// Namespaces are dumped on a cold start. Tailing covers every namespace.
	Namespaces []string

	Options *Options
	Logger  *zap.Logger
	Metrics *Metrics
	Clock   clock.Clock
}

// Worker tails one source. It runs a Collector and a Resolver sharing a Batch.
type Worker struct {
	id         string
	source     Source
	opts       *Options
	logger     *zap.Logger
	batch      *Batch
	controller *CursorController
	collector  *Collector
	resolver   *Resolver

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// NewWorker validates config and assembles the worker's components.
func NewWorker(config WorkerConfig) (*Worker, error) {
	opts := optionsOrDefault(config.Options)
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	metrics := metricsOrDefault(config.Metrics)

	controller, err := NewCursorController(ControllerConfig{
		Source:     config.Source,
		Sink:       config.Sink,
		Store:      config.Store,
		Namespaces: config.Namespaces,
		Options:    opts,
		Logger:     config.Logger,
		Metrics:    metrics,
		Clock:      config.Clock,
	})
	if err != nil {
		return nil, err
	}

	batch := NewBatch()
	resolver, err := NewResolver(ResolverConfig{
		Source:  config.Source,
		Sink:    config.Sink,
		Batch:   batch,
		Options: opts,
		Logger:  config.Logger,
		Metrics: metrics,
		Clock:   config.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid resolver config: %w", err)
	}

	id := uuid.New().String()
	logger := core.OrDefault(config.Logger).With(
		zap.String("worker_id", id),
		zap.String("source", config.Source.Identity()))

	return &Worker{
		id:         id,
		source:     config.Source,
		opts:       opts,
		logger:     logger,
		batch:      batch,
		controller: controller,
		collector:  NewCollector(controller, config.Source, batch, opts, config.Logger, metrics, config.Clock),
		resolver:   resolver,
	}, nil
}

// ID returns the random identifier attached to this worker's log lines.
func (w *Worker) ID() string {
	return w.id
}

// Batch returns the batch shared by the collector and the resolver.
func (w *Worker) Batch() *Batch {
	return w.batch
}

// Committed returns the last persisted checkpoint.
func (w *Worker) Committed() int64 {
	return w.controller.Committed()
}

// Start launches the collector and the resolver. It returns immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("%w: worker already started", ErrCollectorState)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := w.collector.Start(runCtx); err != nil {
		cancel()
		return err
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return w.resolver.Run(groupCtx)
	})
	group.Go(func() error {
		w.collector.Wait()
		return nil
	})

	w.started = true
	w.cancel = cancel
	w.group = group

	w.logger.Info("Worker started")
	return nil
}

// Stop halts the collector, interrupting a blocked read, then runs one final
// resolve pass bounded by ShutdownTimeout and commits the resulting
// checkpoint. Entries that could not be resolved stay uncommitted and are
// replayed on the next start. Stop is safe to call more than once.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.stopErr = w.stop(ctx)
	})
	return w.stopErr
}

func (w *Worker) stop(ctx context.Context) error {
	w.mu.Lock()
	started, cancel, group := w.started, w.cancel, w.group
	w.mu.Unlock()

	w.collector.Stop()
	if !started {
		return nil
	}

	w.collector.Wait()
	cancel()
	if err := group.Wait(); err != nil {
		w.logger.Warn("Worker goroutine returned an error", zap.Error(err))
	}

	// The caller's ctx may already be cancelled by the signal that triggered Stop
	drainCtx, drainCancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.ShutdownTimeout)
	defer drainCancel()

	result, err := w.resolver.DrainAndResolve(drainCtx)
	if err != nil {
		w.logger.Error("Final resolve failed, unresolved entries will be replayed",
			zap.Int("pending", w.batch.Len()),
			zap.Error(err))
	}
	if ferr := w.collector.Flush(drainCtx); ferr != nil {
		w.logger.Error("Final checkpoint commit failed", zap.Error(ferr))
		if err == nil {
			err = ferr
		}
	}

	w.logger.Info("Worker stopped",
		zap.Int("final_drained", result.Drained),
		zap.Int64("checkpoint", w.controller.Committed()))
	return err
}

// Wait blocks until both worker goroutines have exited.
func (w *Worker) Wait() {
	w.mu.Lock()
	group := w.group
	w.mu.Unlock()

	if group != nil {
		_ = group.Wait()
	}
	w.collector.Wait()
}
