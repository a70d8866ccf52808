// Package backend defines the storage interface NBD exports are served from,
// along with the typed errors protocol handlers translate into wire error
// codes.
package backend

import "context"

// Backend is a flat byte device. Implementations must be safe for concurrent
// use: the server dispatches up to 16 requests per client in parallel.
//
// Offsets passed here are absolute device offsets; the export layer has
// already applied its device offset and bounds-checked the request.
type Backend interface {
	// ReadAt fills buf from the device starting at off.
	ReadAt(ctx context.Context, buf []byte, off uint64) error

	// WriteAt stores buf to the device starting at off.
	WriteAt(ctx context.Context, buf []byte, off uint64) error

	// Flush makes all completed writes durable.
	Flush(ctx context.Context) error

	// Discard releases the given range. Subsequent reads of the range
	// return zeroes.
	Discard(ctx context.Context, off uint64, length uint64) error

	// Length returns the device size in bytes.
	Length(ctx context.Context) (int64, error)

	// Close releases the backend's resources.
	Close() error
}

// ContextNotifier is implemented by backends whose device can migrate
// between execution contexts (for example during a live storage move).
// Subscribers are told when the device detaches from its current context
// and when it attaches to a new one; client I/O must be suspended in
// between.
type ContextNotifier interface {
	// SubscribeContext registers attach/detach callbacks. The returned
	// cancel function removes the subscription; it must be safe to call
	// after the backend is closed.
	SubscribeContext(attached func(), detached func()) (cancel func())
}
