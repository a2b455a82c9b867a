package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"oplogsync/oplog"
)

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	body := bson.M{"_id": "a", "v": 1}
	require.NoError(t, s.Upsert(ctx, []oplog.Document{
		{Namespace: "db.c", ID: "a", Body: body},
		{Namespace: "db.c", ID: int32(1), Body: bson.M{"_id": int32(1)}},
		{Namespace: "db.d", ID: "a", Body: bson.M{"_id": "a"}},
	}))
	body["v"] = 2

	got, ok := s.Get("db.c", "a")
	require.True(t, ok)
	assert.Equal(t, 1, got["v"], "stored bodies are isolated from the caller")
	assert.Equal(t, 2, s.Count("db.c"))
	assert.Len(t, s.Calls(), 1)

	require.NoError(t, s.Delete(ctx, []oplog.DocumentRef{{Namespace: "db.c", ID: "a"}}))
	_, ok = s.Get("db.c", "a")
	assert.False(t, ok)
	_, ok = s.Get("db.d", "a")
	assert.True(t, ok, "deletes are scoped to a namespace")
	assert.Len(t, s.Deletes(), 1)

	snapshot := s.Snapshot()
	assert.Len(t, snapshot["db.c"], 1)
	assert.Len(t, snapshot["db.d"], 1)
}

func TestMemorySink_FailNext(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	boom := errors.New("boom")
	docs := []oplog.Document{{Namespace: "db.c", ID: "a", Body: bson.M{"_id": "a"}}}

	s.FailNext(2, boom)
	assert.ErrorIs(t, s.Upsert(ctx, docs), boom)
	assert.ErrorIs(t, s.Delete(ctx, []oplog.DocumentRef{docs[0].Ref()}), boom)
	require.NoError(t, s.Upsert(ctx, docs))

	assert.Equal(t, 1, s.Count("db.c"))
	assert.Len(t, s.Calls(), 1, "failed calls are not recorded")
	assert.Empty(t, s.Deletes())
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLogSink(zap.New(core))
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []oplog.Document{
		{Namespace: "db.c", ID: "a", Body: bson.M{"_id": "a"}},
		{Namespace: "db.c", ID: "b", Body: bson.M{"_id": "b"}},
	}))
	require.NoError(t, s.Delete(ctx, []oplog.DocumentRef{{Namespace: "db.c", ID: "a"}}))

	assert.Equal(t, 2, logs.FilterMessage("Upsert").Len())
	deletes := logs.FilterMessage("Delete").All()
	require.Len(t, deletes, 1)
	assert.Equal(t, "db.c", deletes[0].ContextMap()["namespace"])
}
