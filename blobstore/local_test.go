package blobstore

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalBlobStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)

	// 1. Create a blob
	blobName := "data-001.bin"
	data := []byte("hello world, this is a test blob")

	w, err := store.Create(blobName)
	require.NoError(t, err)

	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	err = w.Close()
	require.NoError(t, err)

	// Verify file exists on disk
	expectedPath := filepath.Join(tmpDir, blobName)
	_, err = os.Stat(expectedPath)
	require.NoError(t, err)

	// 2. Open and ReadAt
	blob, err := store.Open(blobName)
	require.NoError(t, err)
	defer blob.Close()

	require.Equal(t, int64(len(data)), blob.Size())

	buf := make([]byte, 5)
	n, err = blob.ReadAt(buf, 6) // "world"
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "world", string(buf))

	mappable, ok := blob.(Mappable)
	require.True(t, ok)
	full, err := mappable.Bytes()
	require.NoError(t, err)
	require.Equal(t, data, full)

	// 3. List
	blobName2 := "data-002.bin"
	w2, err := store.Create(blobName2)
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	blobs, err := store.List("")
	require.NoError(t, err)

	names := append([]string(nil), blobs...)
	sort.Strings(names)

	require.Equal(t, []string{blobName, blobName2}, names)

	// 4. Delete
	err = store.Delete(blobName)
	require.NoError(t, err)

	blobsAfter, err := store.List("")
	require.NoError(t, err)
	require.Equal(t, []string{blobName2}, blobsAfter)

	_, err = store.Open(blobName)
	require.Error(t, err) // Should fail now
}

func TestLocalBlobStore_ReadAt_Boundaries(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)

	blobName := "boundary.bin"
	data := []byte("0123456789")
	w, err := store.Create(blobName)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	blob, err := store.Open(blobName)
	require.NoError(t, err)
	defer blob.Close()

	// Case 1: read a range fully inside the blob.
	buf := make([]byte, 10)
	n, err := blob.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Equal(t, data, buf)

	// Case 2: request more bytes than remain; short read plus io.EOF.
	buf = make([]byte, 5)
	n, err = blob.ReadAt(buf, 8)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 2, n)
	require.Equal(t, "89", string(buf[:n]))

	// Case 3: offset past EOF.
	n, err = blob.ReadAt(buf, 20)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 0, n)
}
