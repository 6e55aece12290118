package alerts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is an append-only JSON Lines alert log. Each append is one
// newline-terminated record followed by an fsync, so a crash can only leave
// a torn final line, which is dropped on the next open.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	file   *os.File
	size   int64
	log    *alertLog
	logger *slog.Logger
}

// ErrLogLocked is returned when another store already holds the alert log.
// A log has exactly one writer; other processes reach it through the alert
// service (ALERT_SINK_URL).
var ErrLogLocked = errors.New("alert log is held by another writer")

// OpenFileStore opens or creates the log at path, locks it for this store
// and loads it. An unreadable interior line or a repeated alert id is a
// *StoreCorruptionError.
func OpenFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create alert log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 -- path from operator config
	if err != nil {
		return nil, fmt.Errorf("open alert log: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLogLocked) {
			return nil, fmt.Errorf("%w: %s", ErrLogLocked, path)
		}
		return nil, err
	}

	s := &FileStore{path: path, file: f, log: newAlertLog(), logger: logger}
	if err := s.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	r := bufio.NewReader(s.file)
	var offset int64
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] != '\n' {
			// Torn final write: keep everything before it.
			s.logger.Warn("truncating torn alert log tail",
				"path", s.path, "offset", offset, "bytes", len(line))
			if terr := s.file.Truncate(offset); terr != nil {
				return fmt.Errorf("truncate torn alert log tail: %w", terr)
			}
			if serr := s.file.Sync(); serr != nil {
				return fmt.Errorf("sync alert log: %w", serr)
			}
			break
		}
		if len(line) > 0 {
			lineNo++
			if err := s.decodeLine(line, lineNo); err != nil {
				return err
			}
			offset += int64(len(line))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &StoreCorruptionError{Reason: "read alert log", Err: err}
		}
	}

	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek alert log: %w", err)
	}
	s.size = offset
	return nil
}

func (s *FileStore) decodeLine(line []byte, lineNo int) error {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	var a Alert
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return &StoreCorruptionError{Reason: fmt.Sprintf("%s line %d is unreadable", s.path, lineNo), Err: err}
	}
	if a.AlertID == "" {
		return &StoreCorruptionError{Reason: fmt.Sprintf("%s line %d has no alert id", s.path, lineNo)}
	}
	if err := s.log.check(&a); err != nil {
		return err
	}
	s.log.add(&a)
	return nil
}

// Append writes and fsyncs one alert. A failed write is rolled back so the
// log never holds a partial record.
func (s *FileStore) Append(_ context.Context, a *Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.log.check(a); err != nil {
		return err
	}
	if _, err := s.file.Write(data); err != nil {
		s.rollback()
		return fmt.Errorf("write alert log: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback()
		return fmt.Errorf("sync alert log: %w", err)
	}
	s.size += int64(len(data))

	cp := *a
	s.log.add(&cp)
	return nil
}

func (s *FileStore) rollback() {
	if err := s.file.Truncate(s.size); err != nil {
		s.logger.Error("failed to roll back alert log write", "path", s.path, "error", err)
		return
	}
	_, _ = s.file.Seek(s.size, io.SeekStart)
}

func (s *FileStore) Recent(_ context.Context, n int) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.recent(n), nil
}

func (s *FileStore) Summary(_ context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.summary, nil
}

func (s *FileStore) FindByTransaction(_ context.Context, txnID string, since time.Time) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.find(txnID, since), nil
}

// Path returns the log location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

var _ Store = (*FileStore)(nil)
