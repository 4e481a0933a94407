package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CollectionFile is the file name used inside the data directory.
const CollectionFile = "task_assignments.json"

// JSONFileStore keeps the collection in a single JSON document. Writes go to
// a temporary file that is renamed over the old one.
type JSONFileStore struct {
	path string
	mu   sync.Mutex
}

// NewJSONFile returns a store backed by dir/task_assignments.json.
func NewJSONFile(dir string) (*JSONFileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &JSONFileStore{path: filepath.Join(dir, CollectionFile)}, nil
}

// Path is the location of the collection document.
func (s *JSONFileStore) Path() string {
	return s.path
}

// Load reads the collection. A missing file is an empty collection.
func (s *JSONFileStore) Load(ctx context.Context) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *JSONFileStore) read() (*Collection, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Collection{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read collection: %w", err)
	}

	c := &Collection{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode collection %s: %w", s.path, err)
	}
	for _, t := range c.Tasks {
		normalize(t)
	}
	return c, nil
}

// Save writes c if the file still carries the version c was loaded at.
func (s *JSONFileStore) Save(ctx context.Context, c *Collection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return err
	}
	if current.Version != c.Version {
		return ErrConflict
	}

	for _, t := range c.Tasks {
		normalize(t)
	}
	out := *c
	out.Version++
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode collection: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tasks-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write collection: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync collection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace collection: %w", err)
	}

	c.Version = out.Version
	return nil
}

// Ping checks that the data directory is reachable.
func (s *JSONFileStore) Ping(ctx context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

// Close is a no-op.
func (s *JSONFileStore) Close() error {
	return nil
}
