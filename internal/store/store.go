// Package store persists the task collection for labflow.
//
// Every backend stores the whole collection at once: Load returns a private
// copy that the caller mutates, and Save writes it back. A version counter
// travels with the collection so a stale Save is refused with ErrConflict
// instead of silently overwriting a newer write.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fentz26/labflow/internal/models"
)

// ErrConflict is returned by Save when the collection changed since Load.
var ErrConflict = errors.New("task collection was modified concurrently")

// Store loads and saves the task collection.
type Store interface {
	Load(ctx context.Context) (*Collection, error)
	Save(ctx context.Context, c *Collection) error
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open returns the backend named kind rooted at dataDir.
func Open(kind, dataDir string) (Store, error) {
	switch kind {
	case "", BackendJSON:
		return NewJSONFile(dataDir)
	case BackendSQLite:
		return NewSQLite(filepath.Join(dataDir, "labflow.db"))
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", kind)
	}
}

// Collection is the full set of task records plus bookkeeping.
type Collection struct {
	// NextID is the id high-water mark; ids below it are never handed out
	// again, even after the task that held them is deleted.
	NextID  int64          `json:"next_id"`
	Version int64          `json:"version"`
	Tasks   []*models.Task `json:"task_assignments"`
}

// AllocateID returns the next unused task id and advances the mark.
func (c *Collection) AllocateID() int64 {
	id := c.NextID
	for _, t := range c.Tasks {
		if t.ID >= id {
			id = t.ID + 1
		}
	}
	if id < 1 {
		id = 1
	}
	c.NextID = id + 1
	return id
}

// Find returns the task with the given id, or nil.
func (c *Collection) Find(id int64) *models.Task {
	if i := c.index(id); i >= 0 {
		return c.Tasks[i]
	}
	return nil
}

// Remove deletes the task with the given id and reports whether it existed.
func (c *Collection) Remove(id int64) bool {
	i := c.index(id)
	if i < 0 {
		return false
	}
	c.Tasks = append(c.Tasks[:i], c.Tasks[i+1:]...)
	return true
}

func (c *Collection) index(id int64) int {
	for i, t := range c.Tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy of c.
func (c *Collection) Clone() *Collection {
	out := &Collection{NextID: c.NextID, Version: c.Version, Tasks: make([]*models.Task, len(c.Tasks))}
	for i, t := range c.Tasks {
		out.Tasks[i] = t.Clone()
	}
	return out
}

// normalize fills nil slices so encoded records always carry [] rather than null.
func normalize(t *models.Task) {
	if t.HandoverHistory == nil {
		t.HandoverHistory = []models.HandoverRecord{}
	}
	if t.Files == nil {
		t.Files = []models.Attachment{}
	}
}
