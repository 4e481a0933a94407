package blobstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndRemove(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	content := []byte("spectrum data")
	blob, err := s.Put(4, "abc.spe", bytes.NewReader(content), 1024)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, int64(len(content)), blob.Size)
	assert.Equal(t, hex.EncodeToString(sum[:]), blob.SHA256)
	assert.Equal(t, s.Path(4, "abc.spe"), blob.Path)
	assert.True(t, s.Exists(4, "abc.spe"))

	require.NoError(t, s.Remove(4, "abc.spe"))
	assert.False(t, s.Exists(4, "abc.spe"))
	// Removing again is fine.
	require.NoError(t, s.Remove(4, "abc.spe"))
}

func TestPutTooLarge(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(1, "big.bin", strings.NewReader(strings.Repeat("x", 11)), 10)
	assert.True(t, errors.Is(err, ErrTooLarge))
	assert.False(t, s.Exists(1, "big.bin"))

	blob, err := s.Put(1, "ok.bin", strings.NewReader(strings.Repeat("x", 10)), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), blob.Size)
}

func TestPathStaysInTaskDir(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, s.Path(2, "x.txt"), s.Path(2, "../../x.txt"))
}

func TestRemoveTaskAndList(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)

	_, err = s.Put(1, "a.pdf", strings.NewReader("a"), 10)
	require.NoError(t, err)
	_, err = s.Put(2, "b.pdf", strings.NewReader("b"), 10)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(root+"/not-a-task", 0755))

	entries, err := s.List()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, s.RemoveTask(1))
	entries, err = s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].TaskID)
	assert.Equal(t, "b.pdf", entries[0].Name)
}
