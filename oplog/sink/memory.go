// Package sink provides Sink implementations for the oplog worker.
package sink

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"oplogsync/oplog"
)

// MemorySink keeps the latest body of every upserted document. It records
// each call and can be told to fail, which makes it useful in tests.
type MemorySink struct {
	mu      sync.Mutex
	docs    map[string]map[oplog.DocumentKey]bson.M
	calls   [][]oplog.DocumentRef
	deletes [][]oplog.DocumentRef

	failNext int
	failErr  error
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{docs: make(map[string]map[oplog.DocumentKey]bson.M)}
}

// FailNext makes the next n Upsert or Delete calls return err.
func (s *MemorySink) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext, s.failErr = n, err
}

// Upsert implements oplog.Sink.
func (s *MemorySink) Upsert(ctx context.Context, docs []oplog.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}

	refs := make([]oplog.DocumentRef, 0, len(docs))
	for _, doc := range docs {
		key, err := oplog.KeyOf(doc.ID)
		if err != nil {
			return fmt.Errorf("document in %s: %w", doc.Namespace, err)
		}
		coll, ok := s.docs[doc.Namespace]
		if !ok {
			coll = make(map[oplog.DocumentKey]bson.M)
			s.docs[doc.Namespace] = coll
		}
		coll[key] = oplog.CloneBody(doc.Body)
		refs = append(refs, doc.Ref())
	}
	s.calls = append(s.calls, refs)
	return nil
}

// Delete implements oplog.Deleter.
func (s *MemorySink) Delete(ctx context.Context, refs []oplog.DocumentRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return s.failErr
	}

	for _, ref := range refs {
		key, err := oplog.KeyOf(ref.ID)
		if err != nil {
			return fmt.Errorf("document in %s: %w", ref.Namespace, err)
		}
		delete(s.docs[ref.Namespace], key)
	}
	s.deletes = append(s.deletes, append([]oplog.DocumentRef(nil), refs...))
	return nil
}

// Get returns the stored body of a document.
func (s *MemorySink) Get(namespace string, id interface{}) (bson.M, bool) {
	key, err := oplog.KeyOf(id)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	body, ok := s.docs[namespace][key]
	if !ok {
		return nil, false
	}
	return oplog.CloneBody(body), true
}

// Count returns the number of documents stored for namespace.
func (s *MemorySink) Count(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs[namespace])
}

// Calls returns the documents passed to each successful Upsert, in order.
func (s *MemorySink) Calls() [][]oplog.DocumentRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]oplog.DocumentRef, len(s.calls))
	copy(out, s.calls)
	return out
}

// Deletes returns the refs passed to each successful Delete, in order.
func (s *MemorySink) Deletes() [][]oplog.DocumentRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]oplog.DocumentRef, len(s.deletes))
	copy(out, s.deletes)
	return out
}

// Snapshot returns a copy of every stored document, by namespace.
func (s *MemorySink) Snapshot() map[string][]bson.M {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]bson.M, len(s.docs))
	for ns, coll := range s.docs {
		for _, body := range coll {
			out[ns] = append(out[ns], oplog.CloneBody(body))
		}
	}
	return out
}
