package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"oplogsync/oplog/checkpoint"
	"oplogsync/oplog/core"
)

// CursorController positions the tailing cursor of one source. It owns the
// in-memory copy of the committed checkpoint and is only used by the collector
// goroutine, except for Committed which is safe for concurrent use.
type CursorController struct {
	source     Source
	sink       Sink
	store      checkpoint.Store
	namespaces []string
	opts       *Options
	logger     *zap.Logger
	metrics    *Metrics
	retry      retryer

	cursor Cursor

	mu        sync.Mutex
	committed int64
	resumed   bool
}

// ControllerConfig holds the collaborators of a CursorController.
type ControllerConfig struct {
	Source     Source
	Sink       Sink
	Store      checkpoint.Store
	Namespaces []string
	Options    *Options
	Logger     *zap.Logger
	Metrics    *Metrics
	Clock      clock.Clock
}

// Validate ensures that all the values that have to be set are set.
func (c ControllerConfig) Validate() error {
	if c.Source == nil {
		return fmt.Errorf("%w: source", ErrConfigMissing)
	}
	if c.Sink == nil {
		return fmt.Errorf("%w: sink", ErrConfigMissing)
	}
	if c.Store == nil {
		return fmt.Errorf("%w: checkpoint store", ErrConfigMissing)
	}
	if c.Source.Identity() == "" {
		return fmt.Errorf("%w: source identity", ErrConfigMissing)
	}
	for _, ns := range c.Namespaces {
		if _, _, err := SplitNamespace(ns); err != nil {
			return err
		}
	}
	return optionsOrDefault(c.Options).Validate()
}

// NewCursorController creates a controller. No I/O happens until Resume.
func NewCursorController(config ControllerConfig) (*CursorController, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cursor controller config: %w", err)
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}

	opts := optionsOrDefault(config.Options)
	logger := core.OrDefault(config.Logger).With(zap.String("source", config.Source.Identity()))
	return &CursorController{
		source:     config.Source,
		sink:       config.Sink,
		store:      config.Store,
		namespaces: append([]string(nil), config.Namespaces...),
		opts:       opts,
		logger:     logger,
		metrics:    metricsOrDefault(config.Metrics),
		retry:      retryer{opts: opts, clock: config.Clock, logger: logger},
	}, nil
}

// Resume reads the persisted checkpoint and opens a cursor after it. Without a
// usable checkpoint, or when the log no longer reaches back to it, it performs
// a cold start.
func (c *CursorController) Resume(ctx context.Context) (Cursor, error) {
	identity := c.source.Identity()

	var (
		stored int64
		found  bool
	)
	err := c.retry.call(ctx, "read checkpoint", func() error {
		var err error
		stored, err = c.store.Read(ctx, identity)
		switch {
		case err == nil:
			found = true
			return nil
		case errors.Is(err, checkpoint.ErrNotFound):
			return nil
		case errors.Is(err, checkpoint.ErrCorrupt):
			c.logger.Warn("Checkpoint is unreadable, treating it as absent", zap.Error(err))
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if !found {
		c.logger.Info("No usable checkpoint, performing cold start")
		return c.coldStart(ctx)
	}

	c.setCommitted(stored)
	cursor, err := c.OpenCursorAfter(ctx, DecodeTimestamp(stored))
	if errors.Is(err, ErrCursorInvalidated) {
		c.logger.Warn("Checkpoint is older than the log, performing cold start",
			zap.Int64("checkpoint", stored))
		return c.coldStart(ctx)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Info("Resumed from checkpoint", zap.Int64("checkpoint", stored))
	return cursor, nil
}

// OpenCursorAfter opens a tailing cursor over entries strictly after ts.
func (c *CursorController) OpenCursorAfter(ctx context.Context, ts primitive.Timestamp) (Cursor, error) {
	var cursor Cursor
	err := c.retry.call(ctx, "open cursor", func() error {
		var err error
		cursor, err = c.source.OpenCursor(ctx, ts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor after %d: %w", EncodeTimestamp(ts), err)
	}

	c.mu.Lock()
	c.resumed = true
	c.mu.Unlock()
	return cursor, nil
}

// Cursor returns a usable cursor for the next collector pass. On first use it
// resumes; afterwards an unusable cursor is closed and reopened from the last
// committed checkpoint.
func (c *CursorController) Cursor(ctx context.Context) (Cursor, error) {
	if c.cursor != nil && c.cursor.Valid() {
		return c.cursor, nil
	}
	if c.cursor != nil {
		c.logger.Info("Cursor is no longer usable, reopening from checkpoint")
		c.Invalidate(ctx)
	}

	c.mu.Lock()
	resumed, committed := c.resumed, c.committed
	c.mu.Unlock()

	var (
		cursor Cursor
		err    error
	)
	if !resumed {
		cursor, err = c.Resume(ctx)
	} else {
		cursor, err = c.OpenCursorAfter(ctx, DecodeTimestamp(committed))
		if errors.Is(err, ErrCursorInvalidated) {
			c.logger.Warn("Log rolled past the checkpoint, performing cold start",
				zap.Int64("checkpoint", committed))
			cursor, err = c.coldStart(ctx)
		}
	}
	if err != nil {
		return nil, err
	}
	c.cursor = cursor
	return cursor, nil
}

// Invalidate closes the current cursor so the next call to Cursor reopens it.
func (c *CursorController) Invalidate(ctx context.Context) {
	if c.cursor == nil {
		return
	}
	if err := c.cursor.Close(ctx); err != nil {
		c.logger.Debug("Failed to close cursor", zap.Error(err))
	}
	c.cursor = nil
}

// Commit persists ts if it is newer than the committed checkpoint. It reports
// whether a write happened.
func (c *CursorController) Commit(ctx context.Context, ts int64) (bool, error) {
	c.mu.Lock()
	current := c.committed
	c.mu.Unlock()

	if ts <= current {
		return false, nil
	}
	if err := c.persist(ctx, ts); err != nil {
		return false, err
	}
	return true, nil
}

// Committed returns the last persisted checkpoint, zero when none exists yet.
func (c *CursorController) Committed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Close closes the current cursor.
func (c *CursorController) Close(ctx context.Context) {
	c.Invalidate(ctx)
}

// coldStart dumps every namespace into the sink, commits the log tail seen
// before the dump and opens a cursor after it. Entries written during the dump
// are replayed by the cursor.
func (c *CursorController) coldStart(ctx context.Context) (Cursor, error) {
	c.metrics.ColdStarts.WithLabelValues(c.source.Identity()).Inc()

	var tail primitive.Timestamp
	err := c.retry.call(ctx, "read latest timestamp", func() error {
		var err error
		tail, err = c.source.LatestTimestamp(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read log tail: %w", err)
	}

	total := 0
	for _, ns := range c.namespaces {
		n, err := c.dump(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("failed to dump %s: %w", ns, err)
		}
		total += n
	}

	if err := c.persist(ctx, EncodeTimestamp(tail)); err != nil {
		return nil, err
	}

	c.logger.Info("Cold start completed",
		zap.Int("namespaces", len(c.namespaces)),
		zap.Int("documents", total),
		zap.Int64("checkpoint", EncodeTimestamp(tail)))

	return c.OpenCursorAfter(ctx, tail)
}

// dump forwards every document of ns to the sink in pages.
func (c *CursorController) dump(ctx context.Context, ns string) (int, error) {
	total := 0
	page := make([]Document, 0, c.opts.ScanBatchSize)

	flush := func() error {
		if len(page) == 0 {
			return nil
		}
		docs := page
		err := c.retry.call(ctx, "upsert dump", func() error {
			return c.sink.Upsert(ctx, docs)
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
		}
		total += len(docs)
		c.metrics.DocumentsUpserted.WithLabelValues(c.source.Identity()).Add(float64(len(docs)))
		page = make([]Document, 0, c.opts.ScanBatchSize)
		return nil
	}

	err := c.source.ScanAll(ctx, ns, func(docs []bson.M) error {
		for _, body := range docs {
			page = append(page, Document{Namespace: ns, ID: body["_id"], Body: body})
			if len(page) >= c.opts.ScanBatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}

	c.logger.Debug("Namespace dumped", zap.String("namespace", ns), zap.Int("documents", total))
	return total, nil
}

func (c *CursorController) persist(ctx context.Context, ts int64) error {
	identity := c.source.Identity()
	err := c.retry.call(ctx, "write checkpoint", func() error {
		return c.store.Write(ctx, identity, ts)
	})
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	c.setCommitted(ts)
	c.metrics.CheckpointCommits.WithLabelValues(identity).Inc()
	c.logger.Debug("Checkpoint committed", zap.Int64("checkpoint", ts))
	return nil
}

func (c *CursorController) setCommitted(ts int64) {
	c.mu.Lock()
	if ts > c.committed {
		c.committed = ts
	}
	c.mu.Unlock()
}
