package sink

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"oplogsync/oplog"
	"oplogsync/testutil"
)

func TestRedisSink_Key(t *testing.T) {
	s := &RedisSink{opts: DefaultRedisSinkOptions()}
	oid := primitive.NewObjectID()

	tests := []struct {
		id   interface{}
		want string
	}{
		{"a", `oplogsync:doc:db.c:"a"`},
		{"1", `oplogsync:doc:db.c:"1"`},
		{int32(1), `oplogsync:doc:db.c:{"$numberInt":"1"}`},
		{int64(1), `oplogsync:doc:db.c:{"$numberLong":"1"}`},
		{oid, `oplogsync:doc:db.c:{"$oid":"` + oid.Hex() + `"}`},
	}
	seen := make(map[string]interface{})
	for _, tt := range tests {
		key, err := s.Key("db.c", tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, key)
		assert.NotContains(t, seen, key, "ids of different BSON types get distinct keys")
		seen[key] = tt.id
	}

	_, err := s.Key("db.c", nil)
	assert.Error(t, err)
}

func TestRedisSink(t *testing.T) {
	addr := testutil.RedisAddr(t)

	opts := DefaultRedisSinkOptions()
	opts.KeyPrefix = "oplogsync:test:" + uuid.NewString() + ":"
	opts.TTL = time.Minute
	s, err := NewRedisSink(addr, opts, testutil.NewLogger())
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	docs := []oplog.Document{
		{Namespace: "db.c", ID: "a", Body: bson.M{"_id": "a", "v": int32(1)}},
		{Namespace: "db.c", ID: "b", Body: bson.M{"_id": "b", "v": int32(2)}},
	}
	require.NoError(t, s.Upsert(ctx, docs))
	require.NoError(t, s.Upsert(ctx, docs), "unchanged documents are skipped")

	data, err := s.Get(ctx, "db.c", "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"a","v":1}`, string(data))

	key, err := s.Key("db.c", "a")
	require.NoError(t, err)
	ttl, err := s.client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.Delete(ctx, []oplog.DocumentRef{docs[0].Ref(), docs[1].Ref()}))
	_, err = s.Get(ctx, "db.c", "a")
	assert.ErrorIs(t, err, oplog.ErrDocumentNotFound)
}
