package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"oplogsync/oplog/core"
)

// CollectorState is the lifecycle state of a Collector.
type CollectorState int32

const (
	StateIdle CollectorState = iota
	StateRunning
	StateStopped
)

func (s CollectorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("CollectorState(%d)", int32(s))
	}
}

// Collector drains a source's tailing cursor into the shared Batch and commits
// checkpoints after each pass.
type Collector struct {
	controller *CursorController
	source     Source
	batch      *Batch
	opts       *Options
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *Metrics

	state atomic.Int32

	// mu orders the Idle transitions with the assignment of cancel.
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// lastSeen is only touched by the loop goroutine.
	lastSeen int64
}

// NewCollector creates an idle collector.
func NewCollector(controller *CursorController, source Source, batch *Batch, opts *Options, logger *zap.Logger, metrics *Metrics, clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Collector{
		controller: controller,
		source:     source,
		batch:      batch,
		opts:       optionsOrDefault(opts),
		clock:      clk,
		logger:     core.OrDefault(logger).With(zap.String("source", source.Identity())),
		metrics:    metricsOrDefault(metrics),
		done:       make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Collector) State() CollectorState {
	return CollectorState(c.state.Load())
}

// Start moves the collector from idle to running and starts its loop.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start a %s collector", ErrCollectorState, c.State())
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		defer c.state.Store(int32(StateStopped))
		c.loop(loopCtx)
	}()

	c.logger.Info("Collector started")
	return nil
}

// Stop asks the loop to exit. A read blocked on the source is interrupted by
// cancelling it and, when the source supports it, closing the log connection.
// Stop does not wait; use Wait.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		if c.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
			c.mu.Unlock()
			close(c.done)
			return
		}
		cancel := c.cancel
		c.mu.Unlock()

		cancel()
		if in, ok := c.source.(Interrupter); ok {
			in.InterruptTail()
		}
	})
}

// Wait blocks until the loop has exited.
func (c *Collector) Wait() {
	<-c.done
}

// Done is closed when the loop has exited.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}

// LastSeen returns the encoded timestamp of the newest entry read so far.
// It must not be called while the loop is running.
func (c *Collector) LastSeen() int64 {
	return c.lastSeen
}

func (c *Collector) loop(ctx context.Context) {
	defer c.controller.Close(context.Background())

	for {
		read, err := c.RunCycle(ctx)
		if ctx.Err() != nil {
			c.logger.Info("Collector stopped")
			return
		}
		if err != nil {
			c.logger.Error("Collector cycle failed", zap.Error(err))
		} else if read > 0 {
			c.logger.Debug("Collector cycle completed", zap.Int("entries", read))
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Collector stopped")
			return
		case <-c.clock.After(c.opts.CycleDelay):
		}
	}
}

// RunCycle performs one pass: it reads entries until the cursor has none
// available right now, then commits the checkpoint. It returns the number of
// entries appended to the batch.
func (c *Collector) RunCycle(ctx context.Context) (int, error) {
	cursor, err := c.controller.Cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to obtain cursor: %w", err)
	}

	identity := c.source.Identity()
	read := 0
	for {
		entry, ok, err := cursor.TryNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return read, ctx.Err()
			}
			// The next pass reopens from the committed checkpoint
			c.controller.Invalidate(ctx)
			return read, fmt.Errorf("failed to read from cursor: %w", err)
		}
		if !ok {
			break
		}

		c.batch.Append(entry)
		if ts := EncodeTimestamp(entry.Timestamp); ts > c.lastSeen {
			c.lastSeen = ts
		}
		read++
	}

	c.metrics.EntriesRead.WithLabelValues(identity).Add(float64(read))
	c.metrics.BatchLength.WithLabelValues(identity).Set(float64(c.batch.Len()))

	if err := c.commit(ctx); err != nil {
		return read, err
	}
	return read, nil
}

// commit persists the newest timestamp that no unresolved entry precedes.
func (c *Collector) commit(ctx context.Context) error {
	if c.lastSeen == 0 {
		return nil
	}
	safe := c.batch.SafeTimestamp(c.lastSeen)
	if _, err := c.controller.Commit(ctx, safe); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// Flush commits the checkpoint outside the loop, after the collector stopped.
func (c *Collector) Flush(ctx context.Context) error {
	if c.State() == StateRunning {
		return fmt.Errorf("%w: cannot flush a running collector", ErrCollectorState)
	}
	return c.commit(ctx)
}
