package controlplane

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"path/filepath"
	"strings"

	"github.com/fentz26/labflow/internal/blobstore"
	"github.com/fentz26/labflow/internal/models"
	"github.com/fentz26/labflow/internal/store"
	"github.com/google/uuid"
)

// File categories accepted for upload.
var fileCategories = map[string][]string{
	"images":    {"png", "jpg", "jpeg", "gif", "bmp", "tif", "tiff", "webp", "svg"},
	"documents": {"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "odt", "ods", "txt", "rtf", "md"},
	"data":      {"csv", "tsv", "json", "xml", "dat", "spe", "cnf", "chn", "mca", "h5"},
	"archives":  {"zip", "rar", "7z", "tar", "gz", "tgz", "bz2"},
	"code":      {"py", "go", "js", "ts", "html", "css", "sql", "sh", "ipynb", "m", "r"},
}

var extCategory = func() map[string]string {
	m := make(map[string]string)
	for cat, exts := range fileCategories {
		for _, e := range exts {
			m[e] = cat
		}
	}
	return m
}()

// FileCategory returns the category of a file name, or "other" when its
// extension is not on the allow-list.
func FileCategory(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if cat, ok := extCategory[ext]; ok {
		return cat
	}
	return "other"
}

// AllowedFile reports whether name has an accepted extension.
func AllowedFile(name string) bool {
	return FileCategory(name) != "other"
}

// Upload describes one file to attach to a task.
type Upload struct {
	TaskID   int64
	Filename string
	Content  io.Reader
	// Size is the declared length in bytes, or -1 when unknown.
	Size        int64
	StageName   string
	UploadedBy  string
	Description string
}

func (s *Service) checkHolder(ctx context.Context, id int64, actor string) (*models.Task, error) {
	c, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	t := c.Find(id)
	if t == nil {
		return nil, ErrTaskNotFound
	}
	if t.AssignedTo != actor {
		return nil, ErrNotHolderFiles
	}
	return t, nil
}

// UploadFile stores the file and appends its metadata to the task. The
// metadata append is the last step; a failed append removes the stored file.
func (s *Service) UploadFile(ctx context.Context, up Upload) (*models.Attachment, error) {
	name := filepath.Base(strings.TrimSpace(up.Filename))
	if up.Content == nil || name == "" || name == "." || name == string(filepath.Separator) {
		return nil, ErrNoFile
	}
	stage := strings.TrimSpace(up.StageName)
	if stage == "" {
		return nil, validationf("stage name is required")
	}
	if _, err := s.checkHolder(ctx, up.TaskID, up.UploadedBy); err != nil {
		return nil, err
	}
	if !AllowedFile(name) {
		return nil, ErrFileTypeNotAllowed
	}
	if up.Size > s.maxUpload {
		return nil, ErrFileTooLarge
	}
	if s.blobs == nil {
		return nil, storageError("file storage is not configured", errors.New("no blob store"))
	}

	stored := uuid.New().String() + strings.ToLower(filepath.Ext(name))
	blob, err := s.blobs.Put(up.TaskID, stored, up.Content, s.maxUpload)
	if errors.Is(err, blobstore.ErrTooLarge) {
		return nil, ErrFileTooLarge
	}
	if err != nil {
		return nil, storageError("failed to store file", err)
	}

	att := models.Attachment{
		ID:               uuid.New().String(),
		OriginalFilename: name,
		StoredFilename:   stored,
		FileSize:         blob.Size,
		FileSizeMB:       math.Round(float64(blob.Size)/(1<<20)*100) / 100,
		FileCategory:     FileCategory(name),
		StageName:        stage,
		UploadedBy:       up.UploadedBy,
		UploadedAt:       s.timestamp(),
		Description:      strings.TrimSpace(up.Description),
		SHA256:           blob.SHA256,
	}

	err = s.mutate(ctx, func(c *store.Collection) error {
		t := c.Find(up.TaskID)
		if t == nil {
			return ErrTaskNotFound
		}
		if t.AssignedTo != up.UploadedBy {
			return ErrNotHolderFiles
		}
		t.Files = append(t.Files, att)
		t.UpdatedAt = att.UploadedAt
		return nil
	})
	if err != nil {
		if rmErr := s.blobs.Remove(up.TaskID, stored); rmErr != nil {
			log.Printf("Warning: orphaned file %s of task %d: %v", stored, up.TaskID, rmErr)
		}
		return nil, err
	}

	s.record(ctx, "file.upload", up.UploadedBy,
		map[string]interface{}{"task_id": up.TaskID, "file": name, "stage": stage, "sha256": blob.SHA256},
		up.TaskID, att.ID)
	return &att, nil
}

// ListFiles returns a task's attachments, only those of one stage when
// stage is not empty.
func (s *Service) ListFiles(ctx context.Context, id int64, stage string) ([]models.Attachment, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	out := []models.Attachment{}
	for _, f := range t.Files {
		if stage == "" || f.StageName == stage {
			out = append(out, f)
		}
	}
	return out, nil
}

// DeleteFile removes an attachment's metadata and then its stored file. A
// stored file that is already gone is not an error.
func (s *Service) DeleteFile(ctx context.Context, id int64, actor, fileID string) error {
	var removed models.Attachment
	err := s.mutate(ctx, func(c *store.Collection) error {
		t := c.Find(id)
		if t == nil {
			return ErrTaskNotFound
		}
		if t.AssignedTo != actor {
			return ErrNotHolderFiles
		}
		i := t.FindFile(fileID)
		if i < 0 {
			return ErrFileNotFound
		}
		removed = t.Files[i]
		t.Files = append(t.Files[:i], t.Files[i+1:]...)
		t.UpdatedAt = s.timestamp()
		return nil
	})
	if err != nil {
		return err
	}

	if s.blobs != nil {
		if err := s.blobs.Remove(id, removed.StoredFilename); err != nil {
			log.Printf("Warning: failed to remove file %s of task %d: %v", removed.StoredFilename, id, err)
		}
	}
	s.record(ctx, "file.delete", actor, map[string]interface{}{"task_id": id, "file_id": fileID}, id, removed.OriginalFilename)
	return nil
}

// FilePath resolves an attachment to its absolute path on disk and its
// original file name.
func (s *Service) FilePath(ctx context.Context, id int64, fileID string) (string, string, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return "", "", err
	}
	i := t.FindFile(fileID)
	if i < 0 {
		return "", "", ErrFileNotFound
	}
	f := t.Files[i]
	if s.blobs == nil || !s.blobs.Exists(id, f.StoredFilename) {
		return "", "", newError(ErrNotFound, "file content is missing from storage")
	}
	return s.blobs.Path(id, f.StoredFilename), f.OriginalFilename, nil
}

// ReferencedFiles returns, per task id, the stored names its metadata
// points at.
func (s *Service) ReferencedFiles(ctx context.Context) (map[int64]map[string]bool, error) {
	c, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]map[string]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		names := make(map[string]bool, len(t.Files))
		for _, f := range t.Files {
			names[f.StoredFilename] = true
		}
		out[t.ID] = names
	}
	return out, nil
}
