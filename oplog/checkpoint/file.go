package checkpoint

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/juju/utils/v4"
	"go.uber.org/zap"
)

// backupSuffix names the copy of the previous file kept while a write is in
// progress.
const backupSuffix = "~"

// record is one line of the checkpoint file: ["identity", timestamp].
type record struct {
	identity  string
	timestamp int64
}

func (r record) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{r.identity, r.timestamp})
}

func (r *record) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("expected 2 fields, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &r.identity); err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	if err := json.Unmarshal(raw[1], &r.timestamp); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if r.identity == "" {
		return ErrInvalidIdentity
	}
	return nil
}

// FileStore keeps the checkpoints of every source in a single file, one JSON
// record per line, the most recently written record first.
//
// A write copies the current file to "<path>~", writes the new record followed
// by every other record from the copy, atomically replaces the file and only
// then removes the copy. If the process dies before the replacement, Read
// falls back to the copy.
type FileStore struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewFileStore creates a store backed by the file at path. The file does not
// need to exist yet.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint file path is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Path returns the location of the checkpoint file.
func (s *FileStore) Path() string {
	return s.path
}

// Read returns the timestamp recorded for identity.
func (s *FileStore) Read(ctx context.Context, identity string) (int64, error) {
	if identity == "" {
		return 0, ErrInvalidIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	records, err := s.load()
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		if r.identity == identity {
			return r.timestamp, nil
		}
	}
	return 0, ErrNotFound
}

// All returns every record in file order.
func (s *FileStore) All(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(records))
	for _, r := range records {
		if _, seen := out[r.identity]; !seen {
			out[r.identity] = r.timestamp
		}
	}
	return out, nil
}

// Write records timestamp for identity, keeping the records of other identities.
func (s *FileStore) Write(ctx context.Context, identity string, timestamp int64) error {
	if identity == "" {
		return ErrInvalidIdentity
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	backup := s.path + backupSuffix
	previous, err := s.snapshot(backup)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := writeRecord(&buf, record{identity: identity, timestamp: timestamp}); err != nil {
		return err
	}
	kept := 0
	scanner := bufio.NewScanner(bytes.NewReader(previous))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			s.logger.Warn("Dropping unreadable checkpoint record",
				zap.String("path", s.path),
				zap.Error(err))
			continue
		}
		if r.identity == identity {
			continue
		}
		if err := writeRecord(&buf, r); err != nil {
			return err
		}
		kept++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan checkpoint backup: %w", err)
	}

	if err := utils.AtomicWriteFile(s.path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint backup: %w", err)
	}

	s.logger.Debug("Checkpoint written",
		zap.String("identity", identity),
		zap.Int64("timestamp", timestamp),
		zap.Int("other_records", kept))
	return nil
}

// Close marks the store closed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// snapshot copies the current file to backup and returns its contents. When
// the file is missing but a backup survives an interrupted write, the backup
// is used as the previous state.
func (s *FileStore) snapshot(backup string) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := copyFile(backup, data); err != nil {
			return nil, err
		}
		return data, nil
	case errors.Is(err, fs.ErrNotExist):
		data, err := os.ReadFile(backup)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint backup: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
}

// load parses the checkpoint file, or its backup when the file is missing.
func (s *FileStore) load() ([]record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		data, err = os.ReadFile(s.path + backupSuffix)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	return parseRecords(data)
}

func parseRecords(data []byte) ([]record, error) {
	var records []record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var r record
		if err := json.Unmarshal(text, &r); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, line, err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return records, nil
}

func writeRecord(w io.Writer, r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint record: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func copyFile(dst string, data []byte) error {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint backup: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write checkpoint backup: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync checkpoint backup: %w", err)
	}
	return f.Close()
}
