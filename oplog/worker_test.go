package oplog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	oplogtest "oplogsync/testutil"
)

func TestWorker_EndToEnd(t *testing.T) {
	src := NewMemorySource("shard-a", 5*time.Millisecond)
	src.PutDocument("db.c", bson.M{"_id": "existing", "v": 0})
	sink := newRecordingSink()
	store := newFileStore(t)
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	w, err := NewWorker(WorkerConfig{
		Source:     src,
		Sink:       sink,
		Store:      store,
		Namespaces: []string{"db.c"},
		Options:    fastOptions(),
		Logger:     oplogtest.NewLogger(),
		Metrics:    metrics,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID())

	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrCollectorState)

	oplogtest.WaitForCondition(t, func() bool {
		_, ok := sink.get("existing")
		return ok
	}, 2*time.Second, "cold start dumps existing documents")

	for i := 0; i < 10; i++ {
		src.Insert("db.c", bson.M{"_id": fmt.Sprintf("doc-%d", i), "v": i})
	}
	last := src.Update("db.c", "doc-3", bson.M{"v": 33})
	src.Delete("db.c", "existing")

	oplogtest.WaitForCondition(t, func() bool {
		body, ok := sink.get("doc-3")
		_, stillThere := sink.get("existing")
		return ok && body["v"] == 33 && !stillThere && sink.len() == 10
	}, 2*time.Second, "changes reach the sink")

	oplogtest.WaitForCondition(t, func() bool {
		return w.Committed() > EncodeTimestamp(last.Timestamp)
	}, 2*time.Second, "checkpoint advances past resolved entries")

	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()), "Stop is idempotent")
	w.Wait()

	latest, err := src.LatestTimestamp(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EncodeTimestamp(latest), readCheckpoint(t, store, "shard-a"))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ColdStarts.WithLabelValues("shard-a")))
	assert.Equal(t, float64(12), testutil.ToFloat64(metrics.EntriesRead.WithLabelValues("shard-a")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DocumentsDeleted.WithLabelValues("shard-a")))
}

func TestWorker_StopDrainsPendingEntries(t *testing.T) {
	src := NewMemorySource("shard-a", 5*time.Millisecond)
	sink := newRecordingSink()
	store := newFileStore(t)

	opts := fastOptions()
	// The resolver never ticks on its own during the test
	opts.ResolveInterval = time.Hour

	w, err := NewWorker(WorkerConfig{
		Source:     src,
		Sink:       sink,
		Store:      store,
		Namespaces: []string{"db.c"},
		Options:    opts,
		Logger:     oplogtest.NewLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	entry := src.Insert("db.c", bson.M{"_id": "a"})
	oplogtest.WaitForCondition(t, func() bool {
		return w.Batch().Len() == 1
	}, 2*time.Second, "collector reads the entry")
	assert.Equal(t, 0, sink.len())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Stop(ctx), "the final drain does not depend on the caller's context")

	_, ok := sink.get("a")
	assert.True(t, ok)
	assert.Equal(t, EncodeTimestamp(entry.Timestamp), readCheckpoint(t, store, "shard-a"))
}

func TestWorker_CrashBeforeCheckpointReplaysIdempotently(t *testing.T) {
	src := NewMemorySource("shard-a", 0)
	src.PutDocument("db.c", bson.M{"_id": "a", "v": 0})
	store := newFileStore(t)
	ctx := context.Background()

	// Reference run without a crash
	reference := newRecordingSink()
	{
		refSrc := NewMemorySource("shard-ref", 0)
		refSrc.PutDocument("db.c", bson.M{"_id": "a", "v": 0})
		refStore := newFileStore(t)
		controller := newTestController(t, refSrc, reference, refStore, "db.c")
		batch := NewBatch()
		collector := NewCollector(controller, refSrc, batch, fastOptions(), oplogtest.NewLogger(), nil, nil)
		resolver := newTestResolver(t, refSrc, reference, batch, fastOptions())

		_, err := collector.RunCycle(ctx)
		require.NoError(t, err)
		refSrc.Update("db.c", "a", bson.M{"v": 1})
		refSrc.Insert("db.c", bson.M{"_id": "b", "v": 2})
		_, err = collector.RunCycle(ctx)
		require.NoError(t, err)
		_, err = resolver.DrainAndResolve(ctx)
		require.NoError(t, err)
		controller.Close(ctx)
	}

	// First life: entries are drained and resolved, then the process dies
	// before the collector commits.
	sink := newRecordingSink()
	{
		controller := newTestController(t, src, sink, store, "db.c")
		batch := NewBatch()
		collector := NewCollector(controller, src, batch, fastOptions(), oplogtest.NewLogger(), nil, nil)
		resolver := newTestResolver(t, src, sink, batch, fastOptions())

		_, err := collector.RunCycle(ctx)
		require.NoError(t, err)
		src.Update("db.c", "a", bson.M{"v": 1})
		src.Insert("db.c", bson.M{"_id": "b", "v": 2})
		n, err := collector.RunCycle(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		_, err = resolver.DrainAndResolve(ctx)
		require.NoError(t, err)
		controller.Close(ctx)
	}
	crashed := readCheckpoint(t, store, "shard-a")

	// Second life resumes from the stale checkpoint and replays the entries
	{
		controller := newTestController(t, src, sink, store, "db.c")
		batch := NewBatch()
		collector := NewCollector(controller, src, batch, fastOptions(), oplogtest.NewLogger(), nil, nil)
		resolver := newTestResolver(t, src, sink, batch, fastOptions())

		n, err := collector.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "entries after the stale checkpoint are read again")
		assert.Equal(t, crashed, controller.Committed())

		_, err = resolver.DrainAndResolve(ctx)
		require.NoError(t, err)
		_, err = collector.RunCycle(ctx)
		require.NoError(t, err)
		assert.Greater(t, controller.Committed(), crashed)
		controller.Close(ctx)
	}

	for _, id := range []string{"a", "b"} {
		want, ok := reference.get(id)
		require.True(t, ok)
		got, ok := sink.get(id)
		require.True(t, ok)
		assert.Equal(t, want, got, "document %s", id)
	}
	assert.Equal(t, reference.len(), sink.len())
}

func TestWorker_RejectsInvalidConfig(t *testing.T) {
	src := NewMemorySource("shard-a", 0)

	_, err := NewWorker(WorkerConfig{Source: src, Sink: newRecordingSink()})
	assert.ErrorIs(t, err, ErrConfigMissing)

	_, err = NewWorker(WorkerConfig{Source: src, Sink: &upsertOnlySink{}, Store: newFileStore(t)})
	assert.Error(t, err, "propagating deletes needs a Deleter")

	opts := fastOptions()
	opts.DeletePolicy = DeleteIgnore
	_, err = NewWorker(WorkerConfig{Source: src, Sink: &upsertOnlySink{}, Store: newFileStore(t), Options: opts})
	assert.NoError(t, err)
}

func TestWorker_StopWithoutStart(t *testing.T) {
	src := NewMemorySource("shard-a", 0)
	w, err := NewWorker(WorkerConfig{Source: src, Sink: newRecordingSink(), Store: newFileStore(t), Options: fastOptions()})
	require.NoError(t, err)

	require.NoError(t, w.Stop(context.Background()))
	w.Wait()
	assert.ErrorIs(t, w.Start(context.Background()), ErrCollectorState)
}
