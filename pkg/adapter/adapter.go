package adapter

import (
	"context"

	"github.com/marmos91/dittoblock/pkg/registry"
)

// Adapter represents a protocol-specific server adapter.
//
// Each adapter implements a block-export protocol and provides a unified
// interface for lifecycle management. All adapters share the same export
// registry, ensuring consistency across protocols.
//
// Lifecycle:
//  1. Creation: Adapter is created with protocol-specific configuration
//  2. Registry injection: SetRegistry() provides the shared exports
//  3. Startup: Serve() starts the protocol server and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown with timeout
//
// Thread safety:
// Implementations must be safe for concurrent use. SetRegistry() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is
	// cancelled or an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve must initiate graceful shutdown:
	//   - Stop accepting new connections
	//   - Wait for active connections to finish (with timeout)
	//   - Clean up resources
	Serve(ctx context.Context) error

	// SetRegistry injects the shared export registry.
	//
	// Called exactly once before Serve(); no synchronization needed.
	SetRegistry(reg *registry.Registry)

	// Stop initiates graceful shutdown of the protocol server.
	//
	// Must be idempotent and safe to call concurrently with Serve(). The
	// context controls the shutdown timeout; when cancelled, remaining
	// connections are abandoned to forced closure.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging.
	Protocol() string

	// Port returns the TCP port the adapter is listening on, or 0 before
	// Serve() is called.
	Port() int
}
