package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/juju/clock"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"oplogsync/oplog/core"
)

// Skip reasons reported in ResolveResult.Skipped and the skipped-entries metric.
const (
	SkipNoop           = "noop"
	SkipInternalOrigin = "internal_origin"
	SkipDeleteIgnored  = "delete_ignored"
	SkipUndecodable    = "undecodable"
)

// ResolveResult summarises one DrainAndResolve call.
type ResolveResult struct {
	// Drained is the number of entries removed from the batch.
	Drained int

	// Skipped counts entries that produced no fetch, by reason.
	Skipped map[string]int

	// Upserted is the number of documents passed to Sink.Upsert.
	Upserted int

	// Deleted is the number of documents passed to Deleter.Delete.
	Deleted int

	// NotFound lists documents that no longer existed when fetched.
	NotFound []DocumentRef
}

// Resolver turns drained batch entries into the current documents and forwards
// them to the sink.
type Resolver struct {
	source   Source
	sink     Sink
	deleter  Deleter
	batch    *Batch
	opts     *Options
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *Metrics
	retry    retryer
	identity string
}

// ResolverConfig holds the collaborators of a Resolver.
type ResolverConfig struct {
	Source  Source
	Sink    Sink
	Batch   *Batch
	Options *Options
	Logger  *zap.Logger
	Metrics *Metrics
	Clock   clock.Clock
}

// NewResolver creates a resolver. With DeletePropagate the sink must implement
// Deleter.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("%w: source", ErrConfigMissing)
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("%w: sink", ErrConfigMissing)
	}
	if config.Batch == nil {
		return nil, fmt.Errorf("%w: batch", ErrConfigMissing)
	}
	opts := optionsOrDefault(config.Options)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	deleter, _ := config.Sink.(Deleter)
	if opts.DeletePolicy == DeletePropagate && deleter == nil {
		return nil, fmt.Errorf("delete policy %q requires a sink that accepts deletions, got %T", DeletePropagate, config.Sink)
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	identity := config.Source.Identity()
	logger := core.OrDefault(config.Logger).With(zap.String("source", identity))

	return &Resolver{
		source:   config.Source,
		sink:     config.Sink,
		deleter:  deleter,
		batch:    config.Batch,
		opts:     opts,
		clock:    clk,
		logger:   logger,
		metrics:  metricsOrDefault(config.Metrics),
		retry:    retryer{opts: opts, clock: clk, logger: logger},
		identity: identity,
	}, nil
}

// Run drains the batch every ResolveInterval until ctx is done. A failed cycle
// is logged; its entries were requeued and are retried on the next tick.
//
// A cycle in progress when ctx is cancelled is allowed to finish, bounded by
// ShutdownTimeout.
func (r *Resolver) Run(ctx context.Context) error {
	timer := r.clock.NewTimer(r.opts.ResolveInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
			cycleCtx, cancel := r.cycleContext(ctx)
			if _, err := r.DrainAndResolve(cycleCtx); err != nil {
				r.logger.Error("Resolve cycle abandoned", zap.Error(err))
			}
			cancel()
			timer.Reset(r.opts.ResolveInterval)
		}
	}
}

// cycleContext detaches a cycle from ctx and cancels it ShutdownTimeout after
// ctx is done.
func (r *Resolver) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	cycleCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var (
		mu    sync.Mutex
		timer clock.Timer
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		timer = r.clock.AfterFunc(r.opts.ShutdownTimeout, cancel)
		mu.Unlock()
	})

	return cycleCtx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

// resolvePlan is the deduplicated outcome of a drained batch.
type resolvePlan struct {
	upserts     map[DocumentKey]DocumentRef
	upsertOrder []DocumentKey
	deletes     map[DocumentKey]DocumentRef
	deleteOrder []DocumentKey
	skipped     map[string]int
}

func (p *resolvePlan) skip(reason string) {
	p.skipped[reason]++
}

func (p *resolvePlan) upsert(key DocumentKey, ref DocumentRef) {
	delete(p.deletes, key)
	if _, ok := p.upserts[key]; !ok {
		p.upsertOrder = append(p.upsertOrder, key)
	}
	p.upserts[key] = ref
}

func (p *resolvePlan) remove(key DocumentKey, ref DocumentRef) {
	delete(p.upserts, key)
	if _, ok := p.deletes[key]; !ok {
		p.deleteOrder = append(p.deleteOrder, key)
	}
	p.deletes[key] = ref
}

// plan deduplicates entries by document id. A later entry for the same id
// replaces the namespace and action recorded by an earlier one.
func (r *Resolver) plan(entries []Entry) *resolvePlan {
	p := &resolvePlan{
		upserts: make(map[DocumentKey]DocumentRef),
		deletes: make(map[DocumentKey]DocumentRef),
		skipped: make(map[string]int),
	}

	for _, e := range entries {
		if e.Undecodable {
			p.skip(SkipUndecodable)
			continue
		}
		if e.Operation == OpNoop {
			p.skip(SkipNoop)
			continue
		}
		if r.opts.SkipInternalOrigin && e.InternalOrigin && (e.Operation == OpInsert || e.Operation == OpDelete) {
			p.skip(SkipInternalOrigin)
			continue
		}

		key, err := e.Key()
		if err != nil {
			r.logger.Warn("Skipping entry with unusable document id",
				zap.String("namespace", e.Namespace),
				zap.String("operation", string(e.Operation)),
				zap.Error(err))
			p.skip(SkipUndecodable)
			continue
		}
		ref := DocumentRef{Namespace: e.Namespace, ID: e.DocumentID}

		switch e.Operation {
		case OpInsert, OpUpdate:
			p.upsert(key, ref)
		case OpDelete:
			if r.opts.DeletePolicy == DeleteIgnore {
				p.skip(SkipDeleteIgnored)
				continue
			}
			p.remove(key, ref)
		}
	}

	// Compact the order slices to the keys that survived
	p.upsertOrder = surviving(p.upsertOrder, p.upserts)
	p.deleteOrder = surviving(p.deleteOrder, p.deletes)
	return p
}

func surviving(order []DocumentKey, set map[DocumentKey]DocumentRef) []DocumentKey {
	out := order[:0]
	seen := make(map[DocumentKey]struct{}, len(set))
	for _, k := range order {
		if _, ok := set[k]; !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// DrainAndResolve drains the entries currently in the batch, fetches the
// current body of every changed document once and upserts them in one call.
//
// On failure after all retries the drained entries are requeued at the head
// of the batch and the error is returned; the checkpoint cannot advance past
// them until a later cycle succeeds.
func (r *Resolver) DrainAndResolve(ctx context.Context) (ResolveResult, error) {
	drained := r.batch.Drain()
	result := ResolveResult{Drained: len(drained.Entries), Skipped: map[string]int{}}
	if len(drained.Entries) == 0 {
		r.batch.Ack(drained)
		return result, nil
	}

	p := r.plan(drained.Entries)
	result.Skipped = p.skipped
	for reason, n := range p.skipped {
		r.metrics.EntriesSkipped.WithLabelValues(r.identity, reason).Add(float64(n))
	}

	docs, notFound, err := r.fetch(ctx, p)
	if err == nil {
		err = r.forward(ctx, p, docs)
	}
	if err != nil {
		r.batch.Requeue(drained)
		r.metrics.ResolveFailures.WithLabelValues(r.identity).Inc()
		r.metrics.BatchLength.WithLabelValues(r.identity).Set(float64(r.batch.Len()))
		return result, err
	}
	r.batch.Ack(drained)

	result.Upserted = len(docs)
	result.Deleted = len(p.deleteOrder)
	result.NotFound = notFound

	r.metrics.DocumentsUpserted.WithLabelValues(r.identity).Add(float64(result.Upserted))
	r.metrics.DocumentsDeleted.WithLabelValues(r.identity).Add(float64(result.Deleted))
	r.metrics.DocumentsNotFound.WithLabelValues(r.identity).Add(float64(len(notFound)))
	r.metrics.BatchLength.WithLabelValues(r.identity).Set(float64(r.batch.Len()))

	if len(notFound) > 0 {
		r.logger.Info("Changed documents no longer exist",
			zap.Int("count", len(notFound)),
			zap.Stringer("first", notFound[0]))
	}
	r.logger.Debug("Resolve cycle completed",
		zap.Int("drained", result.Drained),
		zap.Int("upserted", result.Upserted),
		zap.Int("deleted", result.Deleted),
		zap.Int("not_found", len(notFound)))
	return result, nil
}

// fetch loads the current body of every document in the upsert set.
func (r *Resolver) fetch(ctx context.Context, p *resolvePlan) ([]Document, []DocumentRef, error) {
	docs := make([]Document, 0, len(p.upsertOrder))
	var notFound []DocumentRef

	for _, key := range p.upsertOrder {
		ref := p.upserts[key]

		var body bson.M
		err := r.retry.call(ctx, "fetch document", func() error {
			var err error
			body, err = r.source.FetchByID(ctx, ref.Namespace, ref.ID)
			return err
		})
		if errors.Is(err, ErrDocumentNotFound) {
			notFound = append(notFound, ref)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to fetch %s: %w", ref, err)
		}
		docs = append(docs, Document{Namespace: ref.Namespace, ID: ref.ID, Body: body})
	}
	return docs, notFound, nil
}

// forward hands the fetched documents and the deletions to the sink.
func (r *Resolver) forward(ctx context.Context, p *resolvePlan, docs []Document) error {
	var errs error

	if len(docs) > 0 {
		err := r.retry.call(ctx, "upsert", func() error {
			return r.sink.Upsert(ctx, docs)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: upsert of %d documents: %w", ErrSinkUnavailable, len(docs), err))
		}
	}

	if len(p.deleteOrder) > 0 && r.deleter != nil {
		refs := make([]DocumentRef, 0, len(p.deleteOrder))
		for _, key := range p.deleteOrder {
			refs = append(refs, p.deletes[key])
		}
		err := r.retry.call(ctx, "delete", func() error {
			return r.deleter.Delete(ctx, refs)
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%w: delete of %d documents: %w", ErrSinkUnavailable, len(refs), err))
		}
	}
	return errs
}
