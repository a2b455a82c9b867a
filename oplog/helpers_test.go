package oplog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"oplogsync/oplog/checkpoint"
	"oplogsync/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMainWithLogLevel(m)
}

// fastOptions keeps every delay in the millisecond range.
func fastOptions() *Options {
	opts := DefaultOptions()
	opts.CycleDelay = 5 * time.Millisecond
	opts.ResolveInterval = 10 * time.Millisecond
	opts.MaxAttempts = 3
	opts.RetryDelay = time.Millisecond
	opts.MaxRetryDelay = 4 * time.Millisecond
	opts.ScanBatchSize = 2
	opts.ShutdownTimeout = 5 * time.Second
	return opts
}

// recordingSink stores the latest body per document and records each call.
type recordingSink struct {
	mu      sync.Mutex
	docs    map[DocumentKey]bson.M
	upserts [][]Document
	deletes [][]DocumentRef
}

func newRecordingSink() *recordingSink {
	return &recordingSink{docs: make(map[DocumentKey]bson.M)}
}

func (s *recordingSink) Upsert(ctx context.Context, docs []Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		key, err := KeyOf(d.ID)
		if err != nil {
			return err
		}
		s.docs[key] = CloneBody(d.Body)
	}
	s.upserts = append(s.upserts, append([]Document(nil), docs...))
	return nil
}

func (s *recordingSink) Delete(ctx context.Context, refs []DocumentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range refs {
		key, err := KeyOf(r.ID)
		if err != nil {
			return err
		}
		delete(s.docs, key)
	}
	s.deletes = append(s.deletes, append([]DocumentRef(nil), refs...))
	return nil
}

func (s *recordingSink) get(id interface{}) (bson.M, bool) {
	key, _ := KeyOf(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.docs[key]
	return body, ok
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *recordingSink) upsertCalls() [][]Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Document(nil), s.upserts...)
}

func (s *recordingSink) deleteCalls() [][]DocumentRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]DocumentRef(nil), s.deletes...)
}

// upsertOnlySink does not implement Deleter.
type upsertOnlySink struct {
	mock.Mock
}

func (s *upsertOnlySink) Upsert(ctx context.Context, docs []Document) error {
	args := s.Called(ctx, docs)
	return args.Error(0)
}

// mockSink is a testify mock implementing Sink and Deleter.
type mockSink struct {
	mock.Mock
}

func (s *mockSink) Upsert(ctx context.Context, docs []Document) error {
	args := s.Called(ctx, docs)
	return args.Error(0)
}

func (s *mockSink) Delete(ctx context.Context, refs []DocumentRef) error {
	args := s.Called(ctx, refs)
	return args.Error(0)
}

// mockStore is a testify mock implementing checkpoint.Store.
type mockStore struct {
	mock.Mock
}

func (s *mockStore) Read(ctx context.Context, identity string) (int64, error) {
	args := s.Called(ctx, identity)
	return args.Get(0).(int64), args.Error(1)
}

func (s *mockStore) Write(ctx context.Context, identity string, timestamp int64) error {
	args := s.Called(ctx, identity, timestamp)
	return args.Error(0)
}

func (s *mockStore) Close() error {
	return nil
}

func newFileStore(t *testing.T) *checkpoint.FileStore {
	t.Helper()
	store, err := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"), testutil.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func readCheckpoint(t *testing.T, store checkpoint.Store, identity string) int64 {
	t.Helper()
	ts, err := store.Read(context.Background(), identity)
	require.NoError(t, err)
	return ts
}
