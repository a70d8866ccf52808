// Package memory provides an in-RAM block backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dittoblock/pkg/backend"
)

// MemoryBackend implements backend.Backend using a byte slice.
//
// This implementation keeps the whole device in memory. It's designed for:
//   - Testing and development
//   - Small ephemeral devices (scratch disks, installers)
//
// Characteristics:
//   - Fast: all operations are memory-speed
//   - Volatile: data lost on restart
//   - Thread-safe: protected by RWMutex
//
// Flush is a no-op since there is no durable medium behind the data.
type MemoryBackend struct {
	// data is the device content, fixed-length for the backend's lifetime
	data []byte

	// mu protects concurrent access to data
	mu sync.RWMutex

	// subscription state for context-change notifications, used to model
	// device migration in tests
	subMu    sync.Mutex
	nextSub  int
	attached map[int]func()
	detached map[int]func()
}

// NewMemoryBackend creates an in-memory device of the given size in bytes.
func NewMemoryBackend(ctx context.Context, size int64) (*MemoryBackend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, backend.NewError(backend.ErrInvalidArgument,
			fmt.Sprintf("negative device size %d", size))
	}

	return &MemoryBackend{
		data:     make([]byte, size),
		attached: make(map[int]func()),
		detached: make(map[int]func()),
	}, nil
}

// NewMemoryBackendFrom creates an in-memory device seeded with the given
// content. The device size is len(content). The slice is copied.
func NewMemoryBackendFrom(ctx context.Context, content []byte) (*MemoryBackend, error) {
	b, err := NewMemoryBackend(ctx, int64(len(content)))
	if err != nil {
		return nil, err
	}
	copy(b.data, content)
	return b, nil
}

func (b *MemoryBackend) checkRange(off uint64, length uint64) error {
	if off+length < off || off+length > uint64(len(b.data)) {
		return backend.NewError(backend.ErrInvalidArgument,
			fmt.Sprintf("range [%d, %d) outside device of %d bytes", off, off+length, len(b.data)))
	}
	return nil
}

// ReadAt fills buf from the device starting at off.
func (b *MemoryBackend) ReadAt(ctx context.Context, buf []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkRange(off, uint64(len(buf))); err != nil {
		return err
	}
	copy(buf, b.data[off:])
	return nil
}

// WriteAt stores buf to the device starting at off.
func (b *MemoryBackend) WriteAt(ctx context.Context, buf []byte, off uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(off, uint64(len(buf))); err != nil {
		return err
	}
	copy(b.data[off:], buf)
	return nil
}

// Flush is a no-op for the in-memory device.
func (b *MemoryBackend) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Discard zeroes the given range.
func (b *MemoryBackend) Discard(ctx context.Context, off uint64, length uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(off, length); err != nil {
		return err
	}
	clear(b.data[off : off+length])
	return nil
}

// Length returns the device size in bytes.
func (b *MemoryBackend) Length(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(b.data)), nil
}

// Close releases the device memory.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	return nil
}

// SubscribeContext implements backend.ContextNotifier.
func (b *MemoryBackend) SubscribeContext(attached func(), detached func()) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.attached[id] = attached
	b.detached[id] = detached

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.attached, id)
		delete(b.detached, id)
	}
}

// DetachContext simulates the device leaving its execution context.
// Subscribers must suspend I/O until AttachContext.
func (b *MemoryBackend) DetachContext() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, fn := range b.detached {
		fn()
	}
}

// AttachContext simulates the device arriving in a new execution context.
func (b *MemoryBackend) AttachContext() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, fn := range b.attached {
		fn()
	}
}
