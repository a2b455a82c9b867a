package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const badgerKeyPrefix = "checkpoint:"

// BadgerStore implements Store on an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger

	stopGC chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewBadgerStore opens (or creates) a BadgerDB at dir.
func NewBadgerStore(dir string, logger *zap.Logger) (*BadgerStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("badger checkpoint directory is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger,
		stopGC: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.runGC(5 * time.Minute)
	return s, nil
}

// Read returns the timestamp stored for identity.
func (s *BadgerStore) Read(ctx context.Context, identity string) (int64, error) {
	if identity == "" {
		return 0, ErrInvalidIdentity
	}

	var ts int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(identity))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("%w: value for %q has %d bytes", ErrCorrupt, identity, len(val))
			}
			ts = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	switch {
	case err == nil:
		return ts, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return 0, ErrNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return 0, ErrClosed
	case errors.Is(err, ErrCorrupt):
		return 0, err
	default:
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
}

// Write stores timestamp for identity.
func (s *BadgerStore) Write(ctx context.Context, identity string, timestamp int64) error {
	if identity == "" {
		return ErrInvalidIdentity
	}

	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(timestamp))

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(identity), value)
	})
	if errors.Is(err, badger.ErrDBClosed) {
		return ErrClosed
	}
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}

	// Updates are buffered until the value log is synced
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	return nil
}

// Close stops garbage collection and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopGC)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// runGC reclaims value log space until the store is closed.
func (s *BadgerStore) runGC(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func badgerKey(identity string) []byte {
	return []byte(badgerKeyPrefix + identity)
}
