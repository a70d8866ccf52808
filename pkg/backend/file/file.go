// Package file implements a block backend stored in a single regular file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/marmos91/dittoblock/pkg/backend"
)

// FileBackend implements backend.Backend over an os.File.
//
// The file is opened once and shared; ReadAt/WriteAt are positional so no
// seek state is involved and concurrent requests do not need a lock of their
// own.
//
// Thread Safety:
// Positional reads and writes are thread-safe at the OS level. Overlapping
// writes to the same range are resolved by the OS in arrival order, matching
// what a physical disk does with overlapping commands in flight.
type FileBackend struct {
	file *os.File
	size int64
}

// NewFileBackend opens (or creates) the backing file.
//
// When size is positive, the file is truncated or extended to that size.
// When size is zero, the current file length is used as the device size.
// Read-only enforcement belongs to the export layer, so the file is always
// opened read-write.
//
// Parameters:
//   - ctx: Context for cancellation (checked before opening)
//   - path: Backing file path
//   - size: Device size in bytes, or 0 to use the existing file length
//
// Returns:
//   - *FileBackend: Initialized backend
//   - error: Open, stat, or truncate failure, or context cancellation
func NewFileBackend(ctx context.Context, path string, size int64) (*FileBackend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, backend.NewError(backend.ErrInvalidArgument,
			fmt.Sprintf("negative device size %d", size))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, mapOSError(err, "open backing file")
	}

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, mapOSError(err, "size backing file")
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, mapOSError(err, "stat backing file")
		}
		size = info.Size()
	}

	return &FileBackend{file: f, size: size}, nil
}

// ReadAt fills buf from the file starting at off.
func (b *FileBackend) ReadAt(ctx context.Context, buf []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.file.ReadAt(buf, int64(off)); err != nil {
		return mapOSError(err, "read")
	}
	return nil
}

// WriteAt stores buf to the file starting at off.
func (b *FileBackend) WriteAt(ctx context.Context, buf []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.file.WriteAt(buf, int64(off)); err != nil {
		return mapOSError(err, "write")
	}
	return nil
}

// Flush syncs the file to stable storage.
func (b *FileBackend) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.file.Sync(); err != nil {
		return mapOSError(err, "sync")
	}
	return nil
}

// Discard zero-fills the given range. A regular file has no trim command,
// so this writes zeroes rather than punching a hole, which keeps the
// behavior portable.
func (b *FileBackend) Discard(ctx context.Context, off uint64, length uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	zeroes := make([]byte, min(uint64(64<<10), length))
	for length > 0 {
		chunk := zeroes
		if uint64(len(chunk)) > length {
			chunk = chunk[:length]
		}
		if _, err := b.file.WriteAt(chunk, int64(off)); err != nil {
			return mapOSError(err, "discard")
		}
		off += uint64(len(chunk))
		length -= uint64(len(chunk))
	}
	return nil
}

// Length returns the device size fixed at open time.
func (b *FileBackend) Length(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.size, nil
}

// Close closes the backing file.
func (b *FileBackend) Close() error {
	return b.file.Close()
}

// mapOSError classifies an OS error into the backend error vocabulary.
func mapOSError(err error, op string) error {
	code := backend.ErrIOError
	switch {
	case errors.Is(err, fs.ErrPermission):
		code = backend.ErrPermissionDenied
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		code = backend.ErrNoSpace
	case errors.Is(err, syscall.ENOMEM):
		code = backend.ErrNoMemory
	case errors.Is(err, fs.ErrInvalid), errors.Is(err, syscall.EINVAL):
		code = backend.ErrInvalidArgument
	}
	return backend.NewError(code, fmt.Sprintf("%s: %v", op, err))
}
