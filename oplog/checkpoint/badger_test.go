package checkpoint

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oplogsync/testutil"
)

func TestBadgerStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBadgerStore(dir, testutil.NewLogger())
	require.NoError(t, err)

	_, err = store.Read(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Write(ctx, "s1", 42))
	require.NoError(t, store.Write(ctx, "s2", -5))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "Close is idempotent")

	_, err = store.Read(ctx, "s1")
	assert.ErrorIs(t, err, ErrClosed)

	reopened, err := NewBadgerStore(dir, testutil.NewLogger())
	require.NoError(t, err)
	defer reopened.Close()

	ts, err := reopened.Read(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), ts, "checkpoints survive a reopen")
	ts, err = reopened.Read(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), ts)
}

func TestBadgerStore_CorruptValue(t *testing.T) {
	store, err := NewBadgerStore(t.TempDir(), testutil.NewLogger())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey("s1"), []byte("bad"))
	}))

	_, err = store.Read(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrCorrupt)
}
