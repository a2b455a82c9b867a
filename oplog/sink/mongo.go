package sink

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"oplogsync/oplog"
	"oplogsync/oplog/core"
)

// MongoSink writes documents into a target MongoDB database. Each source
// namespace maps to a collection of the same name, so "shop.orders" lands in
// the "shop.orders" collection of the target database.
type MongoSink struct {
	db     *mongo.Database
	logger *zap.Logger
}

// NewMongoSink creates a sink writing into db.
func NewMongoSink(db *mongo.Database, logger *zap.Logger) *MongoSink {
	return &MongoSink{db: db, logger: core.OrDefault(logger).Named("mongo_sink")}
}

// Upsert implements oplog.Sink with one unordered bulk write per namespace.
// Replacing by _id makes repeated upserts of the same body idempotent.
func (s *MongoSink) Upsert(ctx context.Context, docs []oplog.Document) error {
	byNamespace := make(map[string][]mongo.WriteModel)
	var order []string
	for _, doc := range docs {
		if _, ok := byNamespace[doc.Namespace]; !ok {
			order = append(order, doc.Namespace)
		}
		model := mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: doc.ID}}).
			SetReplacement(doc.Body).
			SetUpsert(true)
		byNamespace[doc.Namespace] = append(byNamespace[doc.Namespace], model)
	}

	attempted, failed := 0, 0
	var cause error
	for _, ns := range order {
		models := byNamespace[ns]
		attempted += len(models)

		_, err := s.db.Collection(ns).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
		if err == nil {
			continue
		}

		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) && bulkErr.WriteConcernError == nil && len(bulkErr.WriteErrors) > 0 {
			failed += len(bulkErr.WriteErrors)
			if cause == nil {
				cause = bulkErr
			}
			s.logger.Warn("Bulk upsert partially failed",
				zap.String("namespace", ns),
				zap.Int("failed", len(bulkErr.WriteErrors)),
				zap.Int("attempted", len(models)))
			continue
		}
		return fmt.Errorf("failed to upsert into %s: %w", ns, err)
	}

	if failed > 0 {
		return &oplog.PartialUpsertError{Attempted: attempted, Failed: failed, Cause: cause}
	}
	return nil
}

// Delete implements oplog.Deleter.
func (s *MongoSink) Delete(ctx context.Context, refs []oplog.DocumentRef) error {
	byNamespace := make(map[string][]interface{})
	for _, ref := range refs {
		byNamespace[ref.Namespace] = append(byNamespace[ref.Namespace], ref.ID)
	}

	for ns, ids := range byNamespace {
		filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}}
		if _, err := s.db.Collection(ns).DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", ns, err)
		}
	}
	return nil
}
