package oplog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.uber.org/zap"

	"oplogsync/oplog/core"
)

// MongoSourceOptions configures a MongoSource.
type MongoSourceOptions struct {
	// Identity overrides the identity derived from the shard connection string.
	Identity string

	OplogDatabase   string
	OplogCollection string

	// MaxAwaitTime bounds how long one TryNext waits for new entries.
	MaxAwaitTime time.Duration

	// BatchSize is the cursor and scan batch size.
	BatchSize int32
}

// DefaultMongoSourceOptions returns the default MongoSource options.
func DefaultMongoSourceOptions() *MongoSourceOptions {
	return &MongoSourceOptions{
		OplogDatabase:   "local",
		OplogCollection: "oplog.rs",
		MaxAwaitTime:    time.Second,
		BatchSize:       500,
	}
}

// MongoSource reads one shard's oplog and fetches documents through the
// cluster's router.
//
// The shard client tails the oplog and scans collections during a cold start;
// the router client serves FetchByID. InterruptTail disconnects only the shard
// client.
type MongoSource struct {
	shard    *mongo.Client
	router   *mongo.Client
	identity string
	opts     *MongoSourceOptions
	logger   *zap.Logger

	mu          sync.Mutex
	interrupted bool
	closed      bool
}

// NewMongoSource wraps connected shard and router clients. A nil router is
// rejected with ErrUnsupportedTopology.
func NewMongoSource(shard, router *mongo.Client, opts *MongoSourceOptions, logger *zap.Logger) (*MongoSource, error) {
	if shard == nil {
		return nil, fmt.Errorf("%w: shard client", ErrConfigMissing)
	}
	if router == nil {
		return nil, ErrUnsupportedTopology
	}
	if opts == nil {
		opts = DefaultMongoSourceOptions()
	}
	if opts.Identity == "" {
		return nil, fmt.Errorf("%w: source identity", ErrConfigMissing)
	}

	return &MongoSource{
		shard:    shard,
		router:   router,
		identity: opts.Identity,
		opts:     opts,
		logger:   core.OrDefault(logger).With(zap.String("source", opts.Identity)),
	}, nil
}

// ConnectMongoSource connects to a shard and to the router and returns a
// source over them. Without opts.Identity the identity is the replica set name
// and host list of shardURI.
func ConnectMongoSource(ctx context.Context, shardURI, routerURI string, opts *MongoSourceOptions, logger *zap.Logger) (*MongoSource, error) {
	if routerURI == "" {
		return nil, ErrUnsupportedTopology
	}
	if opts == nil {
		opts = DefaultMongoSourceOptions()
	}
	if opts.Identity == "" {
		identity, err := IdentityFromURI(shardURI)
		if err != nil {
			return nil, err
		}
		copied := *opts
		copied.Identity = identity
		opts = &copied
	}

	shard, err := connect(ctx, shardURI)
	if err != nil {
		return nil, fmt.Errorf("shard %s: %w", opts.Identity, err)
	}
	router, err := connect(ctx, routerURI)
	if err != nil {
		_ = shard.Disconnect(context.Background())
		return nil, fmt.Errorf("router: %w", err)
	}

	return NewMongoSource(shard, router, opts, logger)
}

// IdentityFromURI derives a stable source identity from a connection string:
// "<replicaSet>/<host1>,<host2>" or the host list alone.
func IdentityFromURI(uri string) (string, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return "", fmt.Errorf("invalid connection string: %w", err)
	}
	hosts := strings.Join(cs.Hosts, ",")
	if cs.ReplicaSet != "" {
		return cs.ReplicaSet + "/" + hosts, nil
	}
	return hosts, nil
}

func connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return client, nil
}

// Identity implements Source.
func (s *MongoSource) Identity() string {
	return s.identity
}

func (s *MongoSource) oplog() *mongo.Collection {
	return s.shard.Database(s.opts.OplogDatabase).Collection(s.opts.OplogCollection)
}

// usable reports ErrClosed once the source was closed or its tail interrupted.
func (s *MongoSource) usable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.interrupted {
		return ErrClosed
	}
	return nil
}

// LatestTimestamp implements Source.
func (s *MongoSource) LatestTimestamp(ctx context.Context) (primitive.Timestamp, error) {
	return s.edgeTimestamp(ctx, -1)
}

// edgeTimestamp returns the newest (-1) or oldest (1) oplog timestamp.
func (s *MongoSource) edgeTimestamp(ctx context.Context, direction int) (primitive.Timestamp, error) {
	if err := s.usable(); err != nil {
		return primitive.Timestamp{}, err
	}

	findOpts := options.FindOne().
		SetSort(bson.D{{Key: "$natural", Value: direction}}).
		SetProjection(bson.D{{Key: "ts", Value: 1}})

	var doc struct {
		Timestamp primitive.Timestamp `bson:"ts"`
	}
	err := s.oplog().FindOne(ctx, bson.D{}, findOpts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return primitive.Timestamp{}, nil
	}
	if err != nil {
		return primitive.Timestamp{}, s.wrap("failed to read oplog edge", err)
	}
	return doc.Timestamp, nil
}

// OpenCursor implements Source.
func (s *MongoSource) OpenCursor(ctx context.Context, after primitive.Timestamp) (Cursor, error) {
	oldest, err := s.edgeTimestamp(ctx, 1)
	if err != nil {
		return nil, err
	}
	if !after.IsZero() && !reachable(after, oldest) {
		return nil, fmt.Errorf("%w: oldest oplog entry %d is newer than %d",
			ErrCursorInvalidated, EncodeTimestamp(oldest), EncodeTimestamp(after))
	}

	filter := bson.D{
		{Key: "ts", Value: bson.D{{Key: "$gt", Value: after}}},
		{Key: "op", Value: bson.D{{Key: "$ne", Value: "n"}}},
	}
	findOpts := options.Find().
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(s.opts.MaxAwaitTime).
		SetBatchSize(s.opts.BatchSize).
		SetNoCursorTimeout(true).
		SetSort(bson.D{{Key: "$natural", Value: 1}})

	cursor, err := s.oplog().Find(ctx, filter, findOpts)
	if err != nil {
		return nil, s.wrap("failed to open oplog cursor", err)
	}

	s.logger.Debug("Oplog cursor opened", zap.Int64("after", EncodeTimestamp(after)))
	return &mongoCursor{source: s, cursor: cursor}, nil
}

// reachable reports whether a log whose oldest retained entry is oldest still
// holds every entry after the position after. Checkpoints below a pending
// entry are one less than its timestamp, so an oldest entry exactly one above
// after means nothing was dropped.
func reachable(after, oldest primitive.Timestamp) bool {
	return EncodeTimestamp(oldest) <= EncodeTimestamp(after)+1
}

// FetchByID implements Source. The lookup goes through the router so it sees
// the document wherever the balancer has placed it.
func (s *MongoSource) FetchByID(ctx context.Context, namespace string, id interface{}) (bson.M, error) {
	db, coll, err := SplitNamespace(namespace)
	if err != nil {
		return nil, err
	}

	var body bson.M
	err = s.router.Database(db).Collection(coll).FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&body)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s/%v", ErrDocumentNotFound, namespace, id)
	}
	if err != nil {
		return nil, s.wrapRouter("failed to fetch document", err)
	}
	return body, nil
}

// ScanAll implements Source. It reads from the shard, which owns the
// documents the oplog will describe.
func (s *MongoSource) ScanAll(ctx context.Context, namespace string, fn func(docs []bson.M) error) error {
	if err := s.usable(); err != nil {
		return err
	}
	db, coll, err := SplitNamespace(namespace)
	if err != nil {
		return err
	}

	cursor, err := s.shard.Database(db).Collection(coll).Find(ctx, bson.D{}, options.Find().SetBatchSize(s.opts.BatchSize))
	if err != nil {
		return s.wrap("failed to scan "+namespace, err)
	}
	defer cursor.Close(ctx)

	page := make([]bson.M, 0, s.opts.BatchSize)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode document in %s: %w", namespace, err)
		}
		page = append(page, doc)
		if int32(len(page)) >= s.opts.BatchSize {
			if err := fn(page); err != nil {
				return err
			}
			page = make([]bson.M, 0, s.opts.BatchSize)
		}
	}
	if err := cursor.Err(); err != nil {
		return s.wrap("failed to scan "+namespace, err)
	}
	if len(page) > 0 {
		return fn(page)
	}
	return nil
}

// InterruptTail disconnects the shard client so a blocked cursor read returns.
// Document lookups through the router keep working.
func (s *MongoSource) InterruptTail() {
	s.mu.Lock()
	if s.interrupted || s.closed {
		s.mu.Unlock()
		return
	}
	s.interrupted = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shard.Disconnect(ctx); err != nil {
		s.logger.Warn("Failed to disconnect shard client", zap.Error(err))
	}
}

// Close implements Source.
func (s *MongoSource) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	interrupted := s.interrupted
	s.mu.Unlock()

	var err error
	if !interrupted {
		err = s.shard.Disconnect(ctx)
	}
	if rerr := s.router.Disconnect(ctx); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

func (s *MongoSource) wrap(msg string, err error) error {
	if uerr := s.usable(); uerr != nil {
		return fmt.Errorf("%s: %w", msg, uerr)
	}
	return s.wrapRouter(msg, err)
}

func (s *MongoSource) wrapRouter(msg string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%s: %w", msg, ErrClosed)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return fmt.Errorf("%s: %w: %w", msg, ErrConnection, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// mongoCursor adapts a tailable mongo cursor.
type mongoCursor struct {
	source *MongoSource
	cursor *mongo.Cursor
}

func (c *mongoCursor) TryNext(ctx context.Context) (Entry, bool, error) {
	if !c.cursor.TryNext(ctx) {
		if err := c.cursor.Err(); err != nil {
			return Entry{}, false, c.source.wrap("failed to read oplog", err)
		}
		return Entry{}, false, nil
	}

	entry, err := DecodeLogEntry(c.cursor.Current, c.source.logger)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// Valid reports false once the server has closed the cursor.
func (c *mongoCursor) Valid() bool {
	return c.cursor.ID() != 0 && c.cursor.Err() == nil
}

func (c *mongoCursor) Close(ctx context.Context) error {
	return c.cursor.Close(ctx)
}
