package oplog

import (
	"context"
	"errors"
)

var (
	// ErrConnection is returned when the source cannot be reached.
	// The worker retries with backoff and resumes from the last checkpoint.
	ErrConnection = errors.New("source connection error")

	// ErrCursorInvalidated is returned when the resume position is no longer
	// present in the log. The controller falls back to a cold start.
	ErrCursorInvalidated = errors.New("cursor position no longer available in the log")

	// ErrSinkUnavailable is returned when the sink rejected a batch after all
	// retry attempts. The drained entries are requeued.
	ErrSinkUnavailable = errors.New("sink unavailable")

	// ErrConfigMissing is returned at construction when a required collaborator
	// or setting was not provided.
	ErrConfigMissing = errors.New("required configuration missing")

	// ErrDocumentNotFound is returned by Source.FetchByID when the document no
	// longer exists.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrCollectorState is returned on an invalid collector state transition.
	ErrCollectorState = errors.New("invalid collector state transition")

	// ErrUnsupportedTopology is returned for sources without a routing layer.
	ErrUnsupportedTopology = errors.New("single-node source topologies are not supported")

	// ErrClosed is returned when operating on a closed source.
	ErrClosed = errors.New("source is closed")
)

// isPermanent reports whether retrying err cannot succeed.
func isPermanent(err error) bool {
	return errors.Is(err, ErrCursorInvalidated) ||
		errors.Is(err, ErrDocumentNotFound) ||
		errors.Is(err, ErrUnsupportedTopology) ||
		errors.Is(err, ErrConfigMissing) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
