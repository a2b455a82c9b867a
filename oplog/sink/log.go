package sink

import (
	"context"

	"go.uber.org/zap"

	"oplogsync/oplog"
	"oplogsync/oplog/core"
)

// LogSink logs every document it receives. It stores nothing.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: core.OrDefault(logger).Named("log_sink")}
}

// Upsert implements oplog.Sink.
func (s *LogSink) Upsert(ctx context.Context, docs []oplog.Document) error {
	for _, doc := range docs {
		s.logger.Info("Upsert",
			zap.String("namespace", doc.Namespace),
			zap.Any("id", doc.ID),
			zap.Any("body", doc.Body))
	}
	return nil
}

// Delete implements oplog.Deleter.
func (s *LogSink) Delete(ctx context.Context, refs []oplog.DocumentRef) error {
	for _, ref := range refs {
		s.logger.Info("Delete",
			zap.String("namespace", ref.Namespace),
			zap.Any("id", ref.ID))
	}
	return nil
}
