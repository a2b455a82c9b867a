package oplog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestMemorySource_CursorWaitsForAppends(t *testing.T) {
	src := NewMemorySource("shard-a", time.Second)
	tail, err := src.LatestTimestamp(context.Background())
	require.NoError(t, err)

	cursor, err := src.OpenCursor(context.Background(), tail)
	require.NoError(t, err)
	defer cursor.Close(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		src.Insert("db.c", bson.M{"_id": "a"})
	}()

	entry, ok, err := cursor.TryNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "a blocked read wakes on append")
	assert.Equal(t, "a", entry.DocumentID)
}

func TestMemorySource_InterruptTail(t *testing.T) {
	src := NewMemorySource("shard-a", time.Hour)
	cursor, err := src.OpenCursor(context.Background(), DecodeTimestamp(0))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := cursor.TryNext(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	src.InterruptTail()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnection)
	case <-time.After(2 * time.Second):
		t.Fatal("InterruptTail did not wake the cursor")
	}
	assert.False(t, cursor.Valid())

	fresh, err := src.OpenCursor(context.Background(), DecodeTimestamp(0))
	require.NoError(t, err)
	assert.True(t, fresh.Valid(), "cursors opened after the interrupt are usable")
}

func TestMemorySource_Truncate(t *testing.T) {
	src := NewMemorySource("shard-a", 0)
	first := src.Insert("db.c", bson.M{"_id": "a"})
	src.Insert("db.c", bson.M{"_id": "b"})

	cursor, err := src.OpenCursor(context.Background(), first.Timestamp)
	require.NoError(t, err)

	src.Truncate(0)
	assert.False(t, cursor.Valid())
	_, _, err = cursor.TryNext(context.Background())
	assert.ErrorIs(t, err, ErrCursorInvalidated)

	_, err = src.OpenCursor(context.Background(), first.Timestamp)
	assert.ErrorIs(t, err, ErrCursorInvalidated)

	tail, err := src.LatestTimestamp(context.Background())
	require.NoError(t, err)
	_, err = src.OpenCursor(context.Background(), tail)
	assert.NoError(t, err)
}

func TestMemorySource_FetchAndScan(t *testing.T) {
	src := NewMemorySource("shard-a", 0)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		src.Insert("db.c", bson.M{"_id": id, "n": 1})
	}
	src.Update("db.c", "b", bson.M{"n": 2})
	src.Delete("db.c", "c")

	body, err := src.FetchByID(ctx, "db.c", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, body["n"])
	body["n"] = 99

	again, err := src.FetchByID(ctx, "db.c", "b")
	require.NoError(t, err)
	assert.Equal(t, 2, again["n"], "fetched bodies are copies")

	_, err = src.FetchByID(ctx, "db.c", "c")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	boom := errors.New("boom")
	src.FailFetches(1, boom)
	_, err = src.FetchByID(ctx, "db.c", "a")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, src.FetchCount("b"))
	assert.Equal(t, 4, src.TotalFetches())

	var ids []interface{}
	require.NoError(t, src.ScanAll(ctx, "db.c", func(docs []bson.M) error {
		for _, d := range docs {
			ids = append(ids, d["_id"])
		}
		return nil
	}))
	assert.Equal(t, []interface{}{"a", "b"}, ids)

	require.NoError(t, src.Close(ctx))
	_, err = src.FetchByID(ctx, "db.c", "a")
	assert.ErrorIs(t, err, ErrClosed)
}
