package controlplane

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/labflow/internal/models"
)

func uploadBytes(t *testing.T, env *testEnv, taskID int64, user, name string, size int) *models.Attachment {
	t.Helper()
	att, err := env.svc.UploadFile(context.Background(), Upload{
		TaskID:     taskID,
		Filename:   name,
		Content:    bytes.NewReader(bytes.Repeat([]byte("a"), size)),
		Size:       int64(size),
		StageName:  "Receive sample",
		UploadedBy: user,
	})
	require.NoError(t, err)
	return att
}

func TestFileCategory(t *testing.T) {
	assert.Equal(t, "documents", FileCategory("report.PDF"))
	assert.Equal(t, "documents", FileCategory("notes.txt"))
	assert.Equal(t, "data", FileCategory("gamma.spe"))
	assert.Equal(t, "images", FileCategory("foil.jpeg"))
	assert.Equal(t, "archives", FileCategory("raw.tar.gz"))
	assert.Equal(t, "code", FileCategory("fit.py"))
	assert.Equal(t, "other", FileCategory("setup.exe"))
	assert.Equal(t, "other", FileCategory("README"))
	assert.False(t, AllowedFile("payload.exe"))
}

func TestUploadPDF(t *testing.T) {
	env := newTestService(t)
	env.create(t, "Batch", "alice", "bob")

	att := uploadBytes(t, env, 1, "alice", "certificate.pdf", 2<<20)
	assert.Equal(t, "documents", att.FileCategory)
	assert.Equal(t, "certificate.pdf", att.OriginalFilename)
	assert.NotEqual(t, att.OriginalFilename, att.StoredFilename)
	assert.True(t, strings.HasSuffix(att.StoredFilename, ".pdf"))
	assert.Equal(t, int64(2<<20), att.FileSize)
	assert.Equal(t, 2.0, att.FileSizeMB)
	assert.Len(t, att.SHA256, 64)
	assert.Equal(t, "alice", att.UploadedBy)

	task, err := env.svc.GetTask(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, task.Files, 1)
	assert.Equal(t, att.ID, task.Files[0].ID)
}

func TestUploadTooLarge(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")

	// Declared size over the ceiling is refused before reading.
	_, err := env.svc.UploadFile(ctx, Upload{
		TaskID: 1, Filename: "big.pdf", Content: strings.NewReader(""), Size: 60 << 20,
		StageName: "Receive sample", UploadedBy: "alice",
	})
	assert.True(t, errors.Is(err, ErrUploadRejected))
	assert.Equal(t, "file too large", Message(err))

	// Unknown size is measured while streaming.
	env.svc.SetMaxUpload(1024)
	_, err = env.svc.UploadFile(ctx, Upload{
		TaskID: 1, Filename: "big.csv", Content: bytes.NewReader(make([]byte, 2048)), Size: -1,
		StageName: "Process data", UploadedBy: "alice",
	})
	assert.True(t, errors.Is(err, ErrFileTooLarge))

	task, _ := env.svc.GetTask(ctx, 1)
	assert.Empty(t, task.Files)
	entries, err := env.blobs.List()
	require.NoError(t, err)
	for _, e := range entries {
		assert.Empty(t, e.Name, "no blob left behind")
	}
}

func TestUploadRejections(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")

	base := Upload{TaskID: 1, Filename: "a.pdf", Content: strings.NewReader("x"), Size: 1, StageName: "Close sample", UploadedBy: "alice"}

	up := base
	up.Content = nil
	_, err := env.svc.UploadFile(ctx, up)
	assert.Equal(t, ErrNoFile, err)

	up = base
	up.Filename = ""
	_, err = env.svc.UploadFile(ctx, up)
	assert.Equal(t, ErrNoFile, err)

	up = base
	up.Filename = "tool.exe"
	_, err = env.svc.UploadFile(ctx, up)
	assert.Equal(t, ErrFileTypeNotAllowed, err)

	up = base
	up.TaskID = 9
	_, err = env.svc.UploadFile(ctx, up)
	assert.True(t, errors.Is(err, ErrNotFound))

	up = base
	up.UploadedBy = "bob"
	_, err = env.svc.UploadFile(ctx, up)
	assert.True(t, errors.Is(err, ErrForbidden))

	up = base
	up.StageName = " "
	_, err = env.svc.UploadFile(ctx, up)
	assert.True(t, errors.Is(err, ErrValidation))

	task, _ := env.svc.GetTask(ctx, 1)
	assert.Empty(t, task.Files)
}

func TestUploadOriginalNameNeverUsedAsPath(t *testing.T) {
	env := newTestService(t)
	env.create(t, "Batch", "alice", "bob")

	att := uploadBytes(t, env, 1, "alice", "../../etc/passwd.txt", 4)
	assert.Equal(t, "passwd.txt", att.OriginalFilename)

	path, name, err := env.svc.FilePath(context.Background(), 1, att.ID)
	require.NoError(t, err)
	assert.Equal(t, "passwd.txt", name)
	assert.True(t, strings.HasPrefix(path, env.blobs.Root()))
}

func TestUploadSaveFailureRemovesBlob(t *testing.T) {
	env := newTestService(t)
	env.create(t, "Batch", "alice", "bob")
	env.store.FailSave = errors.New("read-only filesystem")

	_, err := env.svc.UploadFile(context.Background(), Upload{
		TaskID: 1, Filename: "a.pdf", Content: strings.NewReader("x"), Size: 1,
		StageName: "Close sample", UploadedBy: "alice",
	})
	assert.True(t, errors.Is(err, ErrStorage))

	entries, err := env.blobs.List()
	require.NoError(t, err)
	for _, e := range entries {
		assert.Empty(t, e.Name)
	}
}

func TestListFilesByStage(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")

	uploadBytes(t, env, 1, "alice", "a.pdf", 1)
	_, err := env.svc.UploadFile(ctx, Upload{
		TaskID: 1, Filename: "b.spe", Content: strings.NewReader("b"), Size: 1,
		StageName: "Irradiate sample", UploadedBy: "alice",
	})
	require.NoError(t, err)

	all, err := env.svc.ListFiles(ctx, 1, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	irr, err := env.svc.ListFiles(ctx, 1, "Irradiate sample")
	require.NoError(t, err)
	require.Len(t, irr, 1)
	assert.Equal(t, "data", irr[0].FileCategory)

	none, err := env.svc.ListFiles(ctx, 1, "Review and approve results")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = env.svc.ListFiles(ctx, 2, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteFile(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")
	keep := uploadBytes(t, env, 1, "alice", "keep.pdf", 1)
	gone := uploadBytes(t, env, 1, "alice", "gone.pdf", 1)

	assert.True(t, errors.Is(env.svc.DeleteFile(ctx, 1, "bob", gone.ID), ErrForbidden))
	assert.True(t, errors.Is(env.svc.DeleteFile(ctx, 1, "alice", "nope"), ErrNotFound))

	// The blob vanishing first does not block metadata removal.
	require.NoError(t, os.Remove(env.blobs.Path(1, gone.StoredFilename)))
	require.NoError(t, env.svc.DeleteFile(ctx, 1, "alice", gone.ID))

	files, _ := env.svc.ListFiles(ctx, 1, "")
	require.Len(t, files, 1)
	assert.Equal(t, keep.ID, files[0].ID)
	assert.True(t, env.blobs.Exists(1, keep.StoredFilename))
}

func TestFilePath(t *testing.T) {
	env := newTestService(t)
	ctx := context.Background()
	env.create(t, "Batch", "alice", "bob")
	att := uploadBytes(t, env, 1, "alice", "spectrum.cnf", 16)

	path, name, err := env.svc.FilePath(ctx, 1, att.ID)
	require.NoError(t, err)
	assert.Equal(t, "spectrum.cnf", name)

	f, err := os.Open(path)
	require.NoError(t, err)
	data, _ := io.ReadAll(f)
	f.Close()
	assert.Len(t, data, 16)

	_, _, err = env.svc.FilePath(ctx, 1, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, os.Remove(path))
	_, _, err = env.svc.FilePath(ctx, 1, att.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestReferencedFiles(t *testing.T) {
	env := newTestService(t)
	env.create(t, "Batch", "alice", "bob")
	att := uploadBytes(t, env, 1, "alice", "a.pdf", 1)

	refs, err := env.svc.ReferencedFiles(context.Background())
	require.NoError(t, err)
	assert.True(t, refs[1][att.StoredFilename])
}
