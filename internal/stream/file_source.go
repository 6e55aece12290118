package stream

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
	"time"
)

// checkpoint records how far a replay file has been committed.
type checkpoint struct {
	Source    string    `json:"source"`
	NextLine  int64     `json:"next_line"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileSource replays a JSON Lines file of transactions. Progress is kept in
// a checkpoint file that is only rewritten on Commit, so a restart resumes
// at the first uncommitted line.
type FileSource struct {
	path           string
	checkpointPath string
	batchSize      int
	file           *os.File
	reader         *bufio.Reader
	partial        []byte // start of a line cut short by a read error
	line           int64  // whole lines consumed by Fetch
	logger         *slog.Logger
}

// OpenFileSource opens path and skips the lines already committed according
// to checkpointPath. An empty checkpointPath disables resumption.
func OpenFileSource(path, checkpointPath string, batchSize int, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	f, err := os.Open(path) // #nosec G304 -- replay path from operator config
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	s := &FileSource{
		path:           path,
		checkpointPath: checkpointPath,
		batchSize:      batchSize,
		file:           f,
		reader:         bufio.NewReader(f),
		logger:         logger,
	}

	start, err := s.readCheckpoint()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	for s.line < start {
		if _, err := s.reader.ReadBytes('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			_ = f.Close()
			return nil, fmt.Errorf("skip committed lines: %w", err)
		}
		s.line++
	}
	if start > 0 {
		logger.Info("resuming replay from checkpoint", "path", path, "line", s.line)
	}
	return s, nil
}

func (s *FileSource) readCheckpoint() (int64, error) {
	if s.checkpointPath == "" {
		return 0, nil
	}
	data, err := os.ReadFile(s.checkpointPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return 0, fmt.Errorf("decode checkpoint %s: %w", s.checkpointPath, err)
	}
	if cp.Source != s.path {
		s.logger.Warn("checkpoint belongs to another replay file, starting over",
			"checkpoint_source", cp.Source, "path", s.path)
		return 0, nil
	}
	return cp.NextLine, nil
}

// Fetch returns the next batch of non-blank lines, or io.EOF at the end of
// the file. A read error after some lines were gathered ends the batch early;
// the lines already read are returned and reading resumes where it stopped.
func (s *FileSource) Fetch(ctx context.Context) (*Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var records []json.RawMessage
	for len(records) < s.batchSize {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			s.partial = append(s.partial, line...)
			if len(records) > 0 {
				s.logger.Warn("replay read failed, returning a short batch", "path", s.path, "line", s.line, "error", err)
				break
			}
			return nil, fmt.Errorf("read replay file: %w", err)
		}
		if len(s.partial) > 0 {
			line = append(s.partial, line...)
			s.partial = nil
		}
		if len(line) > 0 {
			s.line++
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				records = append(records, json.RawMessage(trimmed))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}
	if len(records) == 0 {
		return nil, io.EOF
	}
	return &Unit{Records: records, Offset: s.line, token: s.line}, nil
}

// Commit persists the position after u.
func (s *FileSource) Commit(_ context.Context, u *Unit) error {
	next, ok := u.token.(int64)
	if !ok {
		return fmt.Errorf("unit was not fetched from %s", s.path)
	}
	if s.checkpointPath == "" {
		return nil
	}
	data, err := json.Marshal(checkpoint{Source: s.path, NextLine: next, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return writeFileAtomic(s.checkpointPath, data)
}

func (s *FileSource) Close() error { return s.file.Close() }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

var _ Source = (*FileSource)(nil)
