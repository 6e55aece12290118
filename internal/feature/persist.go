package feature

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const stateFormatVersion = 1

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	State    json.RawMessage `json:"state"`
}

// Save writes the state as a versioned JSON blob carrying a sha256 checksum
// of the state body.
func (s *EncodingState) Save(w io.Writer) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode encoding state: %w", err)
	}
	sum := sha256.Sum256(body)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(envelope{
		Version:  stateFormatVersion,
		Checksum: hex.EncodeToString(sum[:]),
		State:    body,
	})
}

// Load reads a blob written by Save. A checksum mismatch, unknown version or
// inconsistent state is an error; callers treat it as fatal at startup.
func Load(r io.Reader) (*EncodingState, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode encoding state: %w", err)
	}
	if env.Version != stateFormatVersion {
		return nil, fmt.Errorf("encoding state: unsupported version %d", env.Version)
	}
	sum := sha256.Sum256(compact(env.State))
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("encoding state: checksum mismatch")
	}

	var s EncodingState
	if err := json.Unmarshal(env.State, &s); err != nil {
		return nil, fmt.Errorf("decode encoding state body: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	s.index()
	return &s, nil
}

// SaveFile writes the state atomically via a temp file and rename.
func (s *EncodingState) SaveFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".encoder-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := s.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadFile opens path and calls Load.
func LoadFile(path string) (*EncodingState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open encoding state: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// compact strips the indentation SetIndent adds to the embedded body so the
// checksum is computed over the same bytes Save hashed.
func compact(b []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return b
	}
	return buf.Bytes()
}
