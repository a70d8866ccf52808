package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoblock/pkg/backend"
)

func newTestBackend(t *testing.T, size int64) *FileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.img")
	b, err := NewFileBackend(context.Background(), path, size)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestFileBackendReadWrite(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, 1<<20)

	payload := []byte("persistent block data")
	require.NoError(t, b.WriteAt(ctx, payload, 4096))
	require.NoError(t, b.Flush(ctx))

	got := make([]byte, len(payload))
	require.NoError(t, b.ReadAt(ctx, got, 4096))
	assert.Equal(t, payload, got)
}

func TestFileBackendSizing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.img")

	// Explicit size truncates the file.
	b, err := NewFileBackend(ctx, path, 8192)
	require.NoError(t, err)
	size, err := b.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), size)
	require.NoError(t, b.Close())

	// Size zero adopts the existing file length.
	b, err = NewFileBackend(ctx, path, 0)
	require.NoError(t, err)
	defer b.Close()
	size, err = b.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), size)
}

func TestFileBackendDiscardZeroes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.img")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 0644))

	b, err := NewFileBackend(ctx, path, 0)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Discard(ctx, 2, 4))

	got := make([]byte, 8)
	require.NoError(t, b.ReadAt(ctx, got, 0))
	assert.Equal(t, []byte{1, 2, 0, 0, 0, 0, 7, 8}, got)
}

func TestFileBackendReadPastEnd(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t, 100)

	err := b.ReadAt(ctx, make([]byte, 50), 80)
	var storeErr *backend.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, backend.ErrIOError, storeErr.Code)
}

func TestFileBackendCancelledContext(t *testing.T) {
	b := newTestBackend(t, 100)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, b.ReadAt(ctx, make([]byte, 10), 0))
	assert.Error(t, b.Flush(ctx))
}
