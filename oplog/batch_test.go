package oplog

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func entryAt(i uint32, id interface{}) Entry {
	return Entry{
		Timestamp:  primitive.Timestamp{T: 100, I: i},
		Namespace:  "db.c",
		Operation:  OpUpdate,
		DocumentID: id,
	}
}

func TestBatch_DrainTakesCurrentEntries(t *testing.T) {
	b := NewBatch()
	b.Append(entryAt(1, "a"), entryAt(2, "b"))

	d := b.Drain()
	require.Len(t, d.Entries, 2)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 1, b.InFlight())

	b.Append(entryAt(3, "c"))
	assert.Equal(t, 1, b.Len())

	b.Ack(d)
	assert.Equal(t, 0, b.InFlight())

	next := b.Drain()
	require.Len(t, next.Entries, 1)
	assert.Equal(t, "c", next.Entries[0].DocumentID)
}

func TestBatch_EmptyDrain(t *testing.T) {
	b := NewBatch()
	d := b.Drain()
	assert.Empty(t, d.Entries)
	assert.Equal(t, 0, b.InFlight())
	b.Ack(d)
}

func TestBatch_RequeuePutsEntriesFirst(t *testing.T) {
	b := NewBatch()
	b.Append(entryAt(1, "a"), entryAt(2, "b"))
	d := b.Drain()
	b.Append(entryAt(3, "c"))

	b.Requeue(d)
	assert.Equal(t, 0, b.InFlight())

	again := b.Drain()
	require.Len(t, again.Entries, 3)
	assert.Equal(t, "a", again.Entries[0].DocumentID)
	assert.Equal(t, "b", again.Entries[1].DocumentID)
	assert.Equal(t, "c", again.Entries[2].DocumentID)

	// A second requeue of the same drain is ignored
	b.Requeue(d)
	assert.Equal(t, 0, b.Len())
}

func TestBatch_SafeTimestamp(t *testing.T) {
	b := NewBatch()
	upTo := EncodeTimestamp(primitive.Timestamp{T: 100, I: 9})

	assert.Equal(t, upTo, b.SafeTimestamp(upTo), "empty batch does not hold the checkpoint back")

	b.Append(entryAt(3, "a"), entryAt(5, "b"))
	assert.Equal(t, EncodeTimestamp(primitive.Timestamp{T: 100, I: 3})-1, b.SafeTimestamp(upTo))

	d := b.Drain()
	assert.Equal(t, EncodeTimestamp(primitive.Timestamp{T: 100, I: 3})-1, b.SafeTimestamp(upTo),
		"in-flight entries hold the checkpoint back")

	b.Append(entryAt(7, "c"))
	b.Ack(d)
	assert.Equal(t, EncodeTimestamp(primitive.Timestamp{T: 100, I: 7})-1, b.SafeTimestamp(upTo))

	b.Ack(b.Drain())
	assert.Equal(t, upTo, b.SafeTimestamp(upTo))
}

func TestBatch_ConcurrentAppendAndDrain(t *testing.T) {
	b := NewBatch()
	const writers, perWriter = 4, 250

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b.Append(entryAt(uint32(w*perWriter+i+1), i))
			}
		}(w)
	}

	drained := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		d := b.Drain()
		drained += len(d.Entries)
		b.Ack(d)
	}
	d := b.Drain()
	drained += len(d.Entries)

	assert.Equal(t, writers*perWriter, drained, "every entry is drained exactly once")
}
