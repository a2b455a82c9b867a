package oplog

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Source is one shard's replication log plus read access to its documents.
type Source interface {
	// Identity uniquely names the tailed log connection. It keys the checkpoint.
	Identity() string

	// LatestTimestamp returns the timestamp of the newest entry in the log.
	LatestTimestamp(ctx context.Context) (primitive.Timestamp, error)

	// OpenCursor returns a tailing cursor over non-noop entries with a timestamp
	// strictly greater than after, in log order. It fails with
	// ErrCursorInvalidated when the log no longer reaches back to after.
	OpenCursor(ctx context.Context, after primitive.Timestamp) (Cursor, error)

	// FetchByID returns the current body of a document through the routing
	// layer, or ErrDocumentNotFound.
	FetchByID(ctx context.Context, namespace string, id interface{}) (bson.M, error)

	// ScanAll calls fn with successive pages of every document in namespace.
	ScanAll(ctx context.Context, namespace string, fn func(docs []bson.M) error) error

	// Close releases every connection held by the source.
	Close(ctx context.Context) error
}

// Interrupter is implemented by sources that can abort a blocked cursor read by
// closing the connection the log is read from, leaving document lookups usable.
type Interrupter interface {
	InterruptTail()
}

// Cursor is a tailing cursor. It is used by a single goroutine.
type Cursor interface {
	// TryNext returns the next entry, or false when none is available right now.
	// It may wait for new entries for a bounded time.
	TryNext(ctx context.Context) (Entry, bool, error)

	// Valid reports whether the cursor can still produce entries.
	Valid() bool

	Close(ctx context.Context) error
}

// Sink receives the current state of changed documents.
// Upsert must be idempotent per document identity.
type Sink interface {
	Upsert(ctx context.Context, docs []Document) error
}

// Deleter is implemented by sinks that accept explicit deletions.
type Deleter interface {
	Delete(ctx context.Context, refs []DocumentRef) error
}

// PartialUpsertError reports a batch in which only some documents were written.
type PartialUpsertError struct {
	Attempted int
	Failed    int
	Cause     error
}

func (e *PartialUpsertError) Error() string {
	return fmt.Sprintf("upsert failed for %d of %d documents: %v", e.Failed, e.Attempted, e.Cause)
}

func (e *PartialUpsertError) Unwrap() error {
	return e.Cause
}
