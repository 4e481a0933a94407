// Package audit provides PDR (Process Decision Record) writing for labflow.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fentz26/labflow/internal/models"
	"github.com/google/uuid"
)

// Sink stores decision records.
type Sink interface {
	WritePDR(ctx context.Context, e models.PDREntry) error
	ListPDR(ctx context.Context, taskID int64) ([]models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
	now  func() time.Time
}

// NewPDRWriter creates a new PDR writer. A nil sink discards records.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s, now: time.Now}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(ctx context.Context, action, actor string, inputs interface{}, outcome string, taskID int64, details string) (*models.PDREntry, error) {
	now := time.Now
	if w != nil && w.now != nil {
		now = w.now
	}
	entry := models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		Actor:      actor,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  now().Format(models.TimeLayout),
	}
	if w == nil || w.sink == nil {
		return &entry, nil
	}
	if err := w.sink.WritePDR(ctx, entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// History returns the records of one task, oldest first.
func (w *PDRWriter) History(ctx context.Context, taskID int64) ([]models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	return w.sink.ListPDR(ctx, taskID)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// FileSink appends records as JSON lines to a file. It serves the JSON
// store backend, which has no table to hold them.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink returns a sink writing to path, creating its directory.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &FileSink{path: path}, nil
}

func (f *FileSink) WritePDR(ctx context.Context, e models.PDREntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode pdr: %w", err)
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer fh.Close()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append pdr: %w", err)
	}
	return nil
}

func (f *FileSink) ListPDR(ctx context.Context, taskID int64) ([]models.PDREntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer fh.Close()

	var out []models.PDREntry
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e models.PDREntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if taskID == 0 || e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}
