package oplog

import (
	"math"
	"sync"
)

// Batch is the queue shared by the Collector (appends at the tail) and the
// Resolver (drains a prefix). Every operation holds the batch lock.
//
// Entries handed out by Drain stay "in flight" until they are acknowledged or
// requeued, so SafeTimestamp never lets a checkpoint move past an entry that has
// not reached the sink.
type Batch struct {
	mu       sync.Mutex
	entries  []Entry
	inflight map[uint64]int64
	nextID   uint64
}

// Drained is a prefix removed from a Batch by Drain.
type Drained struct {
	id      uint64
	Entries []Entry
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{inflight: make(map[uint64]int64)}
}

// Append adds entries at the tail.
func (b *Batch) Append(entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	b.entries = append(b.entries, entries...)
	b.mu.Unlock()
}

// Len returns the number of pending entries, excluding in-flight ones.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// InFlight returns the number of drains not yet acknowledged or requeued.
func (b *Batch) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

// Drain removes exactly the entries present when the lock was taken.
// Entries appended afterwards remain for the next drain.
func (b *Batch) Drain() *Drained {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	taken := make([]Entry, n)
	copy(taken, b.entries[:n])
	b.entries = append([]Entry(nil), b.entries[n:]...)

	b.nextID++
	d := &Drained{id: b.nextID, Entries: taken}
	if n > 0 {
		b.inflight[d.id] = lowest(taken)
	}
	return d
}

// Ack releases a drain whose entries reached the sink.
func (b *Batch) Ack(d *Drained) {
	if d == nil {
		return
	}
	b.mu.Lock()
	delete(b.inflight, d.id)
	b.mu.Unlock()
}

// Requeue puts a drain's entries back at the head of the batch, ahead of
// anything appended since, so they are retried first.
func (b *Batch) Requeue(d *Drained) {
	if d == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflight[d.id]; !ok {
		return
	}
	delete(b.inflight, d.id)

	merged := make([]Entry, 0, len(d.Entries)+len(b.entries))
	merged = append(merged, d.Entries...)
	merged = append(merged, b.entries...)
	b.entries = merged
}

// SafeTimestamp returns the highest encoded timestamp, at most upTo, such that
// no pending or in-flight entry is at or below it.
func (b *Batch) SafeTimestamp(upTo int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	safe := upTo
	if len(b.entries) > 0 {
		if low := lowest(b.entries) - 1; low < safe {
			safe = low
		}
	}
	for _, ts := range b.inflight {
		if ts-1 < safe {
			safe = ts - 1
		}
	}
	return safe
}

func lowest(entries []Entry) int64 {
	low := int64(math.MaxInt64)
	for _, e := range entries {
		if ts := EncodeTimestamp(e.Timestamp); ts < low {
			low = ts
		}
	}
	return low
}
