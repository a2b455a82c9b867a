package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"oplogsync/testutil"
)

func TestIdentityFromURI(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"mongodb://db1:27018,db2:27018/?replicaSet=shard01", "shard01/db1:27018,db2:27018"},
		{"mongodb://localhost:27017", "localhost:27017"},
	}
	for _, tt := range tests {
		got, err := IdentityFromURI(tt.uri)
		require.NoError(t, err, tt.uri)
		assert.Equal(t, tt.want, got)
	}

	_, err := IdentityFromURI("http://not-mongo")
	assert.Error(t, err)
}

func TestReachable(t *testing.T) {
	pending := primitive.Timestamp{T: 1700000000, I: 5}
	safe := DecodeTimestamp(EncodeTimestamp(pending) - 1)

	tests := []struct {
		name   string
		after  primitive.Timestamp
		oldest primitive.Timestamp
		want   bool
	}{
		{"oldest is the pending entry", safe, pending, true},
		{"oldest is older", safe, primitive.Timestamp{T: 1699999999, I: 1}, true},
		{"oldest equals after", pending, pending, true},
		{"one entry dropped", safe, primitive.Timestamp{T: 1700000000, I: 6}, false},
		{"next second", primitive.Timestamp{T: 1700000000, I: 9}, primitive.Timestamp{T: 1700000001, I: 1}, false},
		{
			"increment rolls into the previous second",
			DecodeTimestamp(EncodeTimestamp(primitive.Timestamp{T: 1700000001, I: 0}) - 1),
			primitive.Timestamp{T: 1700000001, I: 0},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reachable(tt.after, tt.oldest))
		})
	}
}

func TestMongoSource_RequiresRouter(t *testing.T) {
	_, err := ConnectMongoSource(context.Background(), "mongodb://localhost:27017", "", nil, testutil.NewLogger())
	assert.ErrorIs(t, err, ErrUnsupportedTopology)

	_, err = NewMongoSource(nil, nil, nil, testutil.NewLogger())
	assert.ErrorIs(t, err, ErrConfigMissing)
}

func TestMongoSource_TailsReplicaSet(t *testing.T) {
	client, db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	// A replica set member serves as both shard and router here
	opts := DefaultMongoSourceOptions()
	opts.Identity = "test"
	opts.MaxAwaitTime = 100 * time.Millisecond
	src, err := NewMongoSource(client, client, opts, testutil.NewLogger())
	require.NoError(t, err)

	ctx := context.Background()
	tail, err := src.LatestTimestamp(ctx)
	if err != nil || tail.IsZero() {
		t.Skip("MongoDB has no oplog, a replica set is required")
	}

	cursor, err := src.OpenCursor(ctx, tail)
	require.NoError(t, err)
	defer cursor.Close(ctx)

	coll := db.Collection("orders")
	ns := db.Name() + ".orders"
	_, err = coll.InsertOne(ctx, bson.M{"_id": "o-1", "total": 1})
	require.NoError(t, err)
	_, err = coll.UpdateOne(ctx, bson.M{"_id": "o-1"}, bson.M{"$set": bson.M{"total": 2}})
	require.NoError(t, err)

	var ops []Operation
	testutil.WaitForCondition(t, func() bool {
		entry, ok, err := cursor.TryNext(ctx)
		require.NoError(t, err)
		if ok && entry.Namespace == ns {
			assert.Equal(t, "o-1", entry.DocumentID)
			ops = append(ops, entry.Operation)
		}
		return len(ops) == 2
	}, 5*time.Second, "insert and update entries are tailed")
	assert.Equal(t, []Operation{OpInsert, OpUpdate}, ops)
	assert.True(t, cursor.Valid())

	body, err := src.FetchByID(ctx, ns, "o-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, body["total"])

	_, err = src.FetchByID(ctx, ns, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	var scanned int
	require.NoError(t, src.ScanAll(ctx, ns, func(docs []bson.M) error {
		scanned += len(docs)
		return nil
	}))
	assert.Equal(t, 1, scanned)
}
