package oplog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"oplogsync/oplog/core"
)

// MemorySource is an in-process Source. It keeps an ordered log and the
// current documents of each namespace, and lets tests inject failures.
type MemorySource struct {
	identity string
	maxAwait time.Duration
	pageSize int

	mu        sync.Mutex
	log       []Entry
	base      int   // number of entries dropped by Truncate
	truncated int64 // encoded timestamp of the newest dropped entry
	seconds   uint32
	increment uint32
	docs      map[string]*memoryCollection
	notify    chan struct{}
	interrupt chan struct{}
	closed    bool

	failFetches int
	fetchErr    error
	failLatest  int
	latestErr   error
	failOpen    int
	openErr     error
	fetchCounts map[DocumentKey]int
	fetches     int
}

type memoryCollection struct {
	order []DocumentKey
	docs  map[DocumentKey]bson.M
}

// NewMemorySource creates an empty source. A blocked TryNext waits at most
// maxAwait for new entries; zero means it returns immediately.
func NewMemorySource(identity string, maxAwait time.Duration) *MemorySource {
	return &MemorySource{
		identity:    identity,
		maxAwait:    maxAwait,
		pageSize:    100,
		seconds:     1_700_000_000,
		docs:        make(map[string]*memoryCollection),
		notify:      make(chan struct{}),
		interrupt:   make(chan struct{}),
		fetchCounts: make(map[DocumentKey]int),
	}
}

// Identity implements Source.
func (s *MemorySource) Identity() string {
	return s.identity
}

// Insert stores body (which must carry an _id) and logs an insert.
func (s *MemorySource) Insert(namespace string, body bson.M) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := body["_id"]
	s.put(namespace, id, CloneBody(body))
	return s.append(Entry{Namespace: namespace, Operation: OpInsert, DocumentID: id, Payload: CloneBody(body)})
}

// Update sets the given fields on an existing document and logs an update.
func (s *MemorySource) Update(namespace string, id interface{}, set bson.M) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := bson.M{"_id": id}
	if current, ok := s.get(namespace, id); ok {
		body = current
	}
	for k, v := range set {
		body[k] = v
	}
	s.put(namespace, id, body)
	return s.append(Entry{
		Namespace:  namespace,
		Operation:  OpUpdate,
		DocumentID: id,
		Payload:    bson.M{"$set": CloneBody(set)},
	})
}

// Delete removes a document and logs a delete.
func (s *MemorySource) Delete(namespace string, id interface{}) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(namespace, id)
	return s.append(Entry{Namespace: namespace, Operation: OpDelete, DocumentID: id, Payload: bson.M{"_id": id}})
}

// Noop logs a noop entry.
func (s *MemorySource) Noop() Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(Entry{Operation: OpNoop})
}

// AppendEntry logs e as is, without touching the stored documents.
// A zero timestamp is replaced by the next one.
func (s *MemorySource) AppendEntry(e Entry) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.append(e)
}

// AppendRaw logs an oplog document as a shard would write it, without touching
// the stored documents. The next timestamp replaces any "ts" field. A document
// that does not decode is logged as an undecodable entry, as a cursor reports
// it.
func (s *MemorySource) AppendRaw(doc bson.D) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := primitive.Timestamp{T: s.seconds, I: s.increment + 1}
	stamped := bson.D{{Key: "ts", Value: ts}}
	for _, e := range doc {
		if e.Key != "ts" {
			stamped = append(stamped, e)
		}
	}
	data, err := bson.Marshal(stamped)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode oplog document: %w", err)
	}
	entry, err := DecodeLogEntry(data, core.GetLogger())
	if err != nil {
		return Entry{}, err
	}

	s.increment++
	return s.append(entry), nil
}

// PutDocument replaces a document without logging anything.
func (s *MemorySource) PutDocument(namespace string, body bson.M) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(namespace, body["_id"], CloneBody(body))
}

// RemoveDocument removes a document without logging anything.
func (s *MemorySource) RemoveDocument(namespace string, id interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(namespace, id)
}

// Truncate drops all but the newest keep entries from the log. Cursors
// positioned before the dropped entries become invalid.
func (s *MemorySource) Truncate(keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := len(s.log) - keep
	if drop <= 0 {
		return
	}
	s.truncated = EncodeTimestamp(s.log[drop-1].Timestamp)
	s.log = append([]Entry(nil), s.log[drop:]...)
	s.base += drop
}

// FailFetches makes the next n FetchByID calls return err.
func (s *MemorySource) FailFetches(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failFetches, s.fetchErr = n, err
}

// FailLatest makes the next n LatestTimestamp calls return err.
func (s *MemorySource) FailLatest(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLatest, s.latestErr = n, err
}

// FailOpen makes the next n OpenCursor calls return err.
func (s *MemorySource) FailOpen(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpen, s.openErr = n, err
}

// FetchCount returns how many times the document was fetched.
func (s *MemorySource) FetchCount(id interface{}) int {
	key, err := KeyOf(id)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCounts[key]
}

// TotalFetches returns the number of FetchByID calls, failed ones included.
func (s *MemorySource) TotalFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// LatestTimestamp implements Source.
func (s *MemorySource) LatestTimestamp(ctx context.Context) (primitive.Timestamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return primitive.Timestamp{}, ErrClosed
	}
	if s.failLatest > 0 {
		s.failLatest--
		return primitive.Timestamp{}, s.latestErr
	}
	if len(s.log) == 0 {
		return DecodeTimestamp(s.truncated), nil
	}
	return s.log[len(s.log)-1].Timestamp, nil
}

// OpenCursor implements Source.
func (s *MemorySource) OpenCursor(ctx context.Context, after primitive.Timestamp) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.failOpen > 0 {
		s.failOpen--
		return nil, s.openErr
	}
	if EncodeTimestamp(after) < s.truncated {
		return nil, fmt.Errorf("%w: oldest retained entry is after %d", ErrCursorInvalidated, EncodeTimestamp(after))
	}
	return &memoryCursor{source: s, after: EncodeTimestamp(after), next: s.base, interrupt: s.interrupt}, nil
}

// FetchByID implements Source.
func (s *MemorySource) FetchByID(ctx context.Context, namespace string, id interface{}) (bson.M, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	s.fetches++
	if key, err := KeyOf(id); err == nil {
		s.fetchCounts[key]++
	}
	if s.failFetches > 0 {
		s.failFetches--
		return nil, s.fetchErr
	}

	body, ok := s.get(namespace, id)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%v", ErrDocumentNotFound, namespace, id)
	}
	return body, nil
}

// ScanAll implements Source.
func (s *MemorySource) ScanAll(ctx context.Context, namespace string, fn func(docs []bson.M) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	var all []bson.M
	if coll, ok := s.docs[namespace]; ok {
		for _, key := range coll.order {
			all = append(all, CloneBody(coll.docs[key]))
		}
	}
	s.mu.Unlock()

	for start := 0; start < len(all); start += s.pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+s.pageSize, len(all))
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// InterruptTail wakes every blocked cursor and invalidates all open cursors.
func (s *MemorySource) InterruptTail() {
	s.mu.Lock()
	defer s.mu.Unlock()

	close(s.interrupt)
	s.interrupt = make(chan struct{})
}

// Close implements Source.
func (s *MemorySource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.interrupt)
	}
	return nil
}

// append assigns the next timestamp when e has none and wakes waiting cursors.
// The caller holds s.mu.
func (s *MemorySource) append(e Entry) Entry {
	if e.Timestamp.IsZero() {
		s.increment++
		e.Timestamp = primitive.Timestamp{T: s.seconds, I: s.increment}
	}
	s.log = append(s.log, e)

	close(s.notify)
	s.notify = make(chan struct{})
	return e
}

func (s *MemorySource) get(namespace string, id interface{}) (bson.M, bool) {
	key, err := KeyOf(id)
	if err != nil {
		return nil, false
	}
	coll, ok := s.docs[namespace]
	if !ok {
		return nil, false
	}
	body, ok := coll.docs[key]
	if !ok {
		return nil, false
	}
	return CloneBody(body), true
}

func (s *MemorySource) put(namespace string, id interface{}, body bson.M) {
	key, err := KeyOf(id)
	if err != nil {
		return
	}
	coll, ok := s.docs[namespace]
	if !ok {
		coll = &memoryCollection{docs: make(map[DocumentKey]bson.M)}
		s.docs[namespace] = coll
	}
	if _, exists := coll.docs[key]; !exists {
		coll.order = append(coll.order, key)
	}
	coll.docs[key] = body
}

func (s *MemorySource) remove(namespace string, id interface{}) {
	key, err := KeyOf(id)
	if err != nil {
		return
	}
	coll, ok := s.docs[namespace]
	if !ok {
		return
	}
	if _, exists := coll.docs[key]; !exists {
		return
	}
	delete(coll.docs, key)
	for i, k := range coll.order {
		if k == key {
			coll.order = append(coll.order[:i], coll.order[i+1:]...)
			break
		}
	}
}

// memoryCursor reads a MemorySource log by absolute position.
type memoryCursor struct {
	source    *MemorySource
	after     int64
	next      int
	interrupt chan struct{}
	closed    bool
}

func (c *memoryCursor) TryNext(ctx context.Context) (Entry, bool, error) {
	entry, ok, wait, err := c.poll()
	if err != nil || ok || c.source.maxAwait <= 0 {
		return entry, ok, err
	}

	timer := time.NewTimer(c.source.maxAwait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Entry{}, false, ctx.Err()
	case <-c.interrupt:
		return Entry{}, false, fmt.Errorf("%w: tail interrupted", ErrConnection)
	case <-timer.C:
		return Entry{}, false, nil
	case <-wait:
	}

	entry, ok, _, err = c.poll()
	return entry, ok, err
}

// poll returns the next matching entry, or the channel closed by the next
// append when there is none.
func (c *memoryCursor) poll() (Entry, bool, <-chan struct{}, error) {
	s := c.source
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.closed {
		return Entry{}, false, nil, fmt.Errorf("cursor is closed")
	}
	if c.interrupted() {
		return Entry{}, false, nil, fmt.Errorf("%w: tail interrupted", ErrConnection)
	}
	if c.next < s.base {
		return Entry{}, false, nil, fmt.Errorf("%w: cursor fell behind the log", ErrCursorInvalidated)
	}

	for c.next-s.base < len(s.log) {
		e := s.log[c.next-s.base]
		c.next++
		if (e.Operation == OpNoop && !e.Undecodable) || EncodeTimestamp(e.Timestamp) <= c.after {
			continue
		}
		return e, true, nil, nil
	}
	return Entry{}, false, s.notify, nil
}

func (c *memoryCursor) interrupted() bool {
	select {
	case <-c.interrupt:
		return true
	default:
		return false
	}
}

func (c *memoryCursor) Valid() bool {
	s := c.source
	s.mu.Lock()
	defer s.mu.Unlock()
	return !c.closed && !c.interrupted() && c.next >= s.base
}

func (c *memoryCursor) Close(ctx context.Context) error {
	c.source.mu.Lock()
	defer c.source.mu.Unlock()
	c.closed = true
	return nil
}
