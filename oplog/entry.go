// Package oplog tails the replication log of a partitioned MongoDB deployment and
// forwards the current state of every changed document to a downstream sink.
//
// One Worker runs per shard. It owns two goroutines that share a single Batch:
//
//   - the Collector reads the shard's oplog through a tailing Cursor, appends every
//     entry to the Batch and commits the highest safe timestamp to a checkpoint
//     store after each pass;
//   - the Resolver periodically drains the Batch, deduplicates entries by
//     document id, fetches the current body of each document through the router
//     (mongos) and upserts the result into the Sink in a single call.
//
// When no checkpoint exists for a shard the CursorController performs a cold start:
// it captures the newest oplog timestamp, dumps every configured namespace into the
// sink and begins tailing strictly after that timestamp.
//
// Basic usage example:
//
//	source, _ := oplog.ConnectMongoSource(ctx, shardURI, routerURI, nil, logger)
//	store, _ := checkpoint.NewFileStore("/var/lib/oplogsync/checkpoint.json", logger)
//	worker, _ := oplog.NewWorker(oplog.WorkerConfig{
//	    Source:     source,
//	    Sink:       mySink,
//	    Store:      store,
//	    Namespaces: []string{"shop.orders", "shop.customers"},
//	})
//	_ = worker.Start(ctx)
//	defer worker.Stop(context.Background())
package oplog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Operation is the kind of change described by an oplog entry.
type Operation string

const (
	// OpInsert is a document insert ("i").
	OpInsert Operation = "insert"
	// OpUpdate is an update of an existing document ("u").
	OpUpdate Operation = "update"
	// OpDelete is a document removal ("d").
	OpDelete Operation = "delete"
	// OpNoop covers "n" entries and every entry that does not change a user
	// document, such as commands.
	OpNoop Operation = "noop"
)

// ParseOperation maps an oplog op code to an Operation.
func ParseOperation(code string) Operation {
	switch code {
	case "i":
		return OpInsert
	case "u":
		return OpUpdate
	case "d":
		return OpDelete
	default:
		return OpNoop
	}
}

// Entry is one record read from the oplog.
type Entry struct {
	// Timestamp orders entries within one shard's log.
	Timestamp primitive.Timestamp

	// Namespace is the "database.collection" the entry applies to.
	Namespace string

	Operation Operation

	// DocumentID is the _id of the affected document. Nil for noop entries.
	DocumentID interface{}

	// Payload holds the full document for inserts and the identity (or the
	// update description) otherwise.
	Payload bson.M

	// InternalOrigin marks entries written by chunk migration rather than by a
	// user (the oplog "fromMigrate" flag).
	InternalOrigin bool

	// Undecodable marks an entry whose timestamp was readable but whose body
	// was not. Its Operation is OpNoop; it only moves the read position.
	Undecodable bool
}

// Key returns the hashable identity of the entry's document.
func (e Entry) Key() (DocumentKey, error) {
	return KeyOf(e.DocumentID)
}

// rawEntry is the subset of an oplog document the worker understands.
type rawEntry struct {
	Timestamp   primitive.Timestamp `bson:"ts"`
	Namespace   string              `bson:"ns"`
	Op          string              `bson:"op"`
	Object      bson.Raw            `bson:"o,omitempty"`
	Object2     bson.Raw            `bson:"o2,omitempty"`
	FromMigrate bool                `bson:"fromMigrate,omitempty"`
}

// DecodeEntry converts a raw oplog document into an Entry.
//
// The document id is taken from "o2._id" when present (update entries) and from
// "o._id" otherwise.
func DecodeEntry(raw bson.Raw) (Entry, error) {
	var re rawEntry
	if err := bson.Unmarshal(raw, &re); err != nil {
		return Entry{}, fmt.Errorf("failed to decode oplog entry: %w", err)
	}

	entry := Entry{
		Timestamp:      re.Timestamp,
		Namespace:      re.Namespace,
		Operation:      ParseOperation(re.Op),
		InternalOrigin: re.FromMigrate,
	}
	if entry.Operation == OpNoop {
		return entry, nil
	}

	if len(re.Object) > 0 {
		if err := bson.Unmarshal(re.Object, &entry.Payload); err != nil {
			return Entry{}, fmt.Errorf("failed to decode oplog payload: %w", err)
		}
	}

	idSource := re.Object
	if len(re.Object2) > 0 {
		idSource = re.Object2
	}
	if len(idSource) == 0 {
		return Entry{}, fmt.Errorf("oplog entry %s on %s has no document", entry.Operation, entry.Namespace)
	}

	idValue, err := idSource.LookupErr("_id")
	if err != nil {
		return Entry{}, fmt.Errorf("oplog entry %s on %s has no _id: %w", entry.Operation, entry.Namespace, err)
	}
	var id interface{}
	if err := idValue.Unmarshal(&id); err != nil {
		return Entry{}, fmt.Errorf("failed to decode document id: %w", err)
	}
	entry.DocumentID = id

	return entry, nil
}

// DecodeLogEntry decodes raw like DecodeEntry, except that an entry with a
// readable timestamp but an unusable body is logged and returned as an
// Undecodable noop, so a cursor can move past it. An error is returned only
// when the timestamp itself cannot be read.
func DecodeLogEntry(raw bson.Raw, logger *zap.Logger) (Entry, error) {
	entry, err := DecodeEntry(raw)
	if err == nil {
		return entry, nil
	}

	tsValue, lerr := raw.LookupErr("ts")
	if lerr != nil {
		return Entry{}, err
	}
	t, i, ok := tsValue.TimestampOK()
	if !ok {
		return Entry{}, err
	}

	skipped := Entry{
		Timestamp:   primitive.Timestamp{T: t, I: i},
		Operation:   OpNoop,
		Undecodable: true,
	}
	skipped.Namespace, _ = raw.Lookup("ns").StringValueOK()
	op, _ := raw.Lookup("op").StringValueOK()

	logger.Warn("Skipping undecodable oplog entry",
		zap.Int64("ts", EncodeTimestamp(skipped.Timestamp)),
		zap.String("namespace", skipped.Namespace),
		zap.String("op", op),
		zap.Error(err))
	return skipped, nil
}

// DocumentKey is a comparable encoding of a BSON _id value. Two ids map to the
// same key only if they have the same BSON type and bytes.
type DocumentKey string

// KeyOf encodes id as a DocumentKey.
func KeyOf(id interface{}) (DocumentKey, error) {
	if id == nil {
		return "", fmt.Errorf("document id is nil")
	}
	t, data, err := bson.MarshalValue(id)
	if err != nil {
		return "", fmt.Errorf("failed to encode document id: %w", err)
	}
	key := make([]byte, 0, len(data)+1)
	key = append(key, byte(t))
	key = append(key, data...)
	return DocumentKey(key), nil
}

// Document is the current state of a document, as forwarded to a Sink.
type Document struct {
	Namespace string
	ID        interface{}
	Body      bson.M
}

// Ref returns the identity of the document.
func (d Document) Ref() DocumentRef {
	return DocumentRef{Namespace: d.Namespace, ID: d.ID}
}

// DocumentRef identifies a document without its body.
type DocumentRef struct {
	Namespace string
	ID        interface{}
}

func (r DocumentRef) String() string {
	return fmt.Sprintf("%s/%v", r.Namespace, r.ID)
}
