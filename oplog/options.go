package oplog

import (
	"fmt"
	"time"
)

// DeletePolicy selects what the Resolver does with delete entries.
type DeletePolicy string

const (
	// DeletePropagate forwards deletions to a sink implementing Deleter.
	DeletePropagate DeletePolicy = "propagate"

	// DeleteIgnore drops delete entries. The sink keeps the last upserted body.
	DeleteIgnore DeletePolicy = "ignore"
)

// Options controls the timing, retry and filtering behaviour of a Worker.
//
//	opts := oplog.DefaultOptions()
//	opts.ResolveInterval = 500 * time.Millisecond
//	worker, err := oplog.NewWorker(oplog.WorkerConfig{..., Options: opts})
type Options struct {
	// CycleDelay is the pause between two collector passes over the cursor.
	CycleDelay time.Duration

	// ResolveInterval is the period of the resolver's drains.
	ResolveInterval time.Duration

	// MaxAttempts bounds retries of source and sink calls.
	MaxAttempts int

	// RetryDelay is the first backoff delay; it doubles up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// ScanBatchSize is the number of documents per Upsert during a cold start.
	ScanBatchSize int

	// SkipInternalOrigin drops insert and delete entries produced by chunk
	// migration. Migrations move documents between shards without changing
	// them, so resolving them only repeats work.
	SkipInternalOrigin bool

	DeletePolicy DeletePolicy

	// ShutdownTimeout bounds the final drain performed by Worker.Stop.
	ShutdownTimeout time.Duration
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() *Options {
	return &Options{
		CycleDelay:         2 * time.Second,
		ResolveInterval:    time.Second,
		MaxAttempts:        5,
		RetryDelay:         200 * time.Millisecond,
		MaxRetryDelay:      10 * time.Second,
		ScanBatchSize:      500,
		SkipInternalOrigin: true,
		DeletePolicy:       DeletePropagate,
		ShutdownTimeout:    30 * time.Second,
	}
}

// Validate checks that every field holds a usable value.
func (o *Options) Validate() error {
	if o.CycleDelay < 0 {
		return fmt.Errorf("cycle delay must not be negative")
	}
	if o.ResolveInterval <= 0 {
		return fmt.Errorf("resolve interval must be positive")
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if o.RetryDelay <= 0 {
		return fmt.Errorf("retry delay must be positive")
	}
	if o.MaxRetryDelay < o.RetryDelay {
		return fmt.Errorf("max retry delay must not be below retry delay")
	}
	if o.ScanBatchSize < 1 {
		return fmt.Errorf("scan batch size must be at least 1")
	}
	switch o.DeletePolicy {
	case DeletePropagate, DeleteIgnore:
	default:
		return fmt.Errorf("unknown delete policy %q", o.DeletePolicy)
	}
	return nil
}

func optionsOrDefault(o *Options) *Options {
	if o == nil {
		return DefaultOptions()
	}
	return o
}
