package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var _ StateStore = (*JSONStateStore)(nil)

// JSONStateStore keeps every investment's state in one JSON file, an object
// keyed by investment id. Writes go to a temporary file that is renamed over
// the original, so a crash never leaves a half written file behind.
type JSONStateStore struct {
	mu       sync.Mutex
	filePath string
	log      *slog.Logger
}

// NewJSONStateStore creates a store backed by filePath. The file is created
// on the first Save.
func NewJSONStateStore(filePath string, log *slog.Logger) *JSONStateStore {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &JSONStateStore{filePath: filePath, log: log}
}

// Path returns the backing file.
func (s *JSONStateStore) Path() string { return s.filePath }

// Load returns the state stored under id.
func (s *JSONStateStore) Load(_ context.Context, id string) (*InvestmentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		return nil, err
	}
	raw, ok := all[id]
	if !ok {
		return nil, fmt.Errorf("investment %s: %w", id, ErrNotFound)
	}
	st, err := DecodeState(raw)
	if err != nil {
		return nil, fmt.Errorf("investment %s: %w", id, err)
	}
	return st, nil
}

// Save replaces the state stored under id, leaving other entries as they
// are. A file that cannot be parsed is moved aside before it is replaced;
// a file that cannot be read fails the save.
func (s *JSONStateStore) Save(_ context.Context, id string, state *InvestmentState) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	switch {
	case errors.Is(err, ErrNotFound):
		all = make(map[string]json.RawMessage)
	case errors.Is(err, ErrCorrupt):
		aside := fmt.Sprintf("%s.corrupt-%d", s.filePath, time.Now().Unix())
		s.log.Warn("state file corrupt, moving aside", "path", s.filePath, "aside", aside, "error", err)
		if rerr := os.Rename(s.filePath, aside); rerr != nil {
			return fmt.Errorf("moving aside %s: %w", s.filePath, rerr)
		}
		all = make(map[string]json.RawMessage)
	case err != nil:
		return err
	}
	all[id] = data
	return s.flush(all)
}

// Delete removes the state stored under id.
func (s *JSONStateStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := all[id]; !ok {
		return nil
	}
	delete(all, id)
	return s.flush(all)
}

// IDs lists the investment ids present in the file.
func (s *JSONStateStore) IDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	return ids, nil
}

// Close is a no-op; the file is not held open between calls.
func (s *JSONStateStore) Close() error { return nil }

// read loads the whole file. Must be called with mu held. A missing file
// reports ErrNotFound.
func (s *JSONStateStore) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("state file %s: %w", s.filePath, ErrNotFound)
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	all := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w: %w", s.filePath, ErrCorrupt, err)
	}
	return all, nil
}

// flush writes all entries atomically. Must be called with mu held.
func (s *JSONStateStore) flush(all map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling state file: %w", err)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.filePath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
