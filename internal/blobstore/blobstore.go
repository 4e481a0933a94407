// Package blobstore keeps uploaded attachment files on the local
// filesystem, one directory per task.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrTooLarge is returned by Put when the content exceeds the size limit.
var ErrTooLarge = errors.New("file exceeds size limit")

// Blob describes a stored file.
type Blob struct {
	Name   string
	Path   string
	Size   int64
	SHA256 string
}

// Entry is one file found by List.
type Entry struct {
	TaskID  int64
	Name    string
	ModTime time.Time
}

// Store is a directory tree of task attachments.
type Store struct {
	root string
}

// New returns a blob store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root is the absolute upload directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) taskDir(taskID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(taskID, 10))
}

// Path returns the absolute path of a stored file.
func (s *Store) Path(taskID int64, name string) string {
	return filepath.Join(s.taskDir(taskID), filepath.Base(name))
}

// Put streams r into the task directory under name, hashing it on the way.
// At most limit bytes are accepted; a larger stream leaves no file behind
// and returns ErrTooLarge.
func (s *Store) Put(taskID int64, name string, r io.Reader, limit int64) (*Blob, error) {
	dir := s.taskDir(taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}

	path := s.Path(taskID, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create blob: %w", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(r, limit+1))
	closeErr := f.Close()
	if err == nil && n > limit {
		err = ErrTooLarge
	}
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("write blob: %w", err)
	}

	return &Blob{
		Name:   filepath.Base(name),
		Path:   path,
		Size:   n,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Exists reports whether the stored file is present.
func (s *Store) Exists(taskID int64, name string) bool {
	fi, err := os.Stat(s.Path(taskID, name))
	return err == nil && !fi.IsDir()
}

// Remove deletes one stored file. A missing file is not an error.
func (s *Store) Remove(taskID int64, name string) error {
	err := os.Remove(s.Path(taskID, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// RemoveTask deletes the whole directory of a task.
func (s *Store) RemoveTask(taskID int64) error {
	if err := os.RemoveAll(s.taskDir(taskID)); err != nil {
		return fmt.Errorf("remove task dir: %w", err)
	}
	return nil
}

// List walks every task directory. Entries whose directory name is not a
// task id are skipped.
func (s *Store) List() ([]Entry, error) {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read upload dir: %w", err)
	}

	var out []Entry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(d.Name(), 10, 64)
		if err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, d.Name()))
		if err != nil {
			return nil, fmt.Errorf("read task dir %d: %w", id, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			out = append(out, Entry{TaskID: id, Name: f.Name(), ModTime: info.ModTime()})
		}
		if len(files) == 0 {
			out = append(out, Entry{TaskID: id})
		}
	}
	return out, nil
}
