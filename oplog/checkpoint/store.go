// Package checkpoint persists, per source identity, the oplog timestamp up to
// which a worker has forwarded every change.
//
// Three backends implement Store:
//   - FileStore keeps every identity in one local file that is replaced
//     atomically on each write
//   - BadgerStore keeps checkpoints in an embedded BadgerDB
//   - RedisStore keeps checkpoints in Redis so several hosts can share them
//
// Timestamps are the int64 encoding produced by oplog.EncodeTimestamp.
package checkpoint

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Read when no checkpoint exists for an identity.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrCorrupt is returned by Read when the persisted state cannot be parsed.
	// Callers treat it like ErrNotFound.
	ErrCorrupt = errors.New("checkpoint data is corrupt")

	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("checkpoint store is closed")

	// ErrInvalidIdentity is returned for an empty source identity.
	ErrInvalidIdentity = errors.New("invalid source identity")
)

// Store is a durable map from source identity to commit timestamp.
type Store interface {
	// Read returns the timestamp stored for identity.
	Read(ctx context.Context, identity string) (int64, error)

	// Write replaces the timestamp stored for identity.
	Write(ctx context.Context, identity string, timestamp int64) error

	Close() error
}
