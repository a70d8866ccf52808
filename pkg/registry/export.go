package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dittoblock/pkg/backend"
)

// Client is an attached consumer of an export. Closing an export closes
// every attached client; the client's teardown is responsible for dropping
// the export reference it took at attach time.
type Client interface {
	Close()
}

// Export is a backend published for block access, with a reference-counted
// lifetime.
//
// Reference model (two-phase teardown):
//   - The creator holds one reference; naming the export makes the registry
//     hold another; each attached client holds one.
//   - Put observing the last reference runs Close first: all attached
//     clients are closed and the name is cleared, which drops the registry's
//     reference. The count then drains to zero as clients detach.
//   - At zero the close callback runs and the backend's context subscription
//     is released. A named export can never reach zero, since the registry's
//     reference pins it.
type Export struct {
	reg *Registry

	bk        backend.Backend
	devOffset uint64
	size      uint64
	flags     uint16
	closeFn   func()

	// cancelSub releases the backend context subscription, nil when the
	// backend has no notifier
	cancelSub func()

	mu      sync.Mutex
	refs    int
	name    string
	named   bool
	clients map[Client]struct{}

	// attachGate is closed while the export's device is attached to an
	// execution context; it is swapped for an open channel on detach so
	// request dispatch blocks until re-attach
	attachGate chan struct{}
	closed     bool
}

// ExportConfig configures a new export.
type ExportConfig struct {
	// Backend is the device the export serves
	Backend backend.Backend

	// DevOffset shifts all client offsets by this many bytes
	DevOffset uint64

	// Size is the visible device size in bytes; negative means "ask the
	// backend". The effective size is rounded down to sector granularity.
	Size int64

	// Flags are the export's transmission flags (read-only and similar)
	Flags uint16

	// OnClose runs exactly once, when the last reference is dropped
	OnClose func()
}

// SectorSize is the granularity export sizes are rounded down to.
const SectorSize = 512

// NewExport creates an export with one reference held by the caller.
// The export starts attached and unnamed; use SetName to publish it.
func (r *Registry) NewExport(ctx context.Context, cfg ExportConfig) (*Export, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("export requires a backend")
	}

	size := cfg.Size
	if size < 0 {
		length, err := cfg.Backend.Length(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to determine the export's length: %w", err)
		}
		size = length
	}
	if size < 0 {
		return nil, fmt.Errorf("invalid export size %d", size)
	}
	size -= size % SectorSize

	gate := make(chan struct{})
	close(gate)

	exp := &Export{
		reg:        r,
		bk:         cfg.Backend,
		devOffset:  cfg.DevOffset,
		size:       uint64(size),
		flags:      cfg.Flags,
		closeFn:    cfg.OnClose,
		refs:       1,
		clients:    make(map[Client]struct{}),
		attachGate: gate,
	}

	if notifier, ok := cfg.Backend.(backend.ContextNotifier); ok {
		exp.cancelSub = notifier.SubscribeContext(exp.attach, exp.detach)
	}

	return exp, nil
}

// Backend returns the device the export serves.
func (e *Export) Backend() backend.Backend { return e.bk }

// DevOffset returns the byte offset added to all client offsets.
func (e *Export) DevOffset() uint64 { return e.devOffset }

// Size returns the visible device size in bytes.
func (e *Export) Size() uint64 { return e.size }

// Flags returns the export's transmission flags.
func (e *Export) Flags() uint16 { return e.flags }

// Name returns the published name and whether the export is named.
func (e *Export) Name() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name, e.named
}

// Refs returns the current reference count.
func (e *Export) Refs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// Get takes a reference. The caller must already hold one.
func (e *Export) Get() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs <= 0 {
		panic("export: Get on released export")
	}
	e.refs++
}

// Put drops a reference. Dropping the last reference closes the export
// first; at zero the close callback runs.
func (e *Export) Put() {
	e.mu.Lock()
	if e.refs <= 0 {
		panic("export: Put on released export")
	}
	last := e.refs == 1
	e.mu.Unlock()

	if last {
		e.Close()
	}

	e.mu.Lock()
	e.refs--
	released := e.refs == 0
	if released && e.named {
		panic("export: released while still named")
	}
	e.mu.Unlock()

	if released {
		if e.cancelSub != nil {
			e.cancelSub()
		}
		if e.closeFn != nil {
			e.closeFn()
		}
	}
}

// Close shuts the export down: every attached client is closed and the name
// is withdrawn from the registry. References held by clients still drain
// through their own teardown, so the export is freed once the last of them
// detaches.
func (e *Export) Close() {
	e.Get()

	e.mu.Lock()
	e.closed = true
	clients := make([]Client, 0, len(e.clients))
	for c := range e.clients {
		clients = append(clients, c)
	}
	// release anyone parked on the gate so their teardown can proceed
	select {
	case <-e.attachGate:
	default:
		close(e.attachGate)
	}
	e.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}

	e.reg.ClearName(e)
	e.Put()
}

// AddClient attaches a client. The caller must hold an export reference on
// the client's behalf. Fails once the export is closing.
func (e *Export) AddClient(c Client) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("export is shutting down")
	}
	e.clients[c] = struct{}{}
	return nil
}

// RemoveClient detaches a client. The client's export reference is dropped
// separately by its teardown.
func (e *Export) RemoveClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, c)
}

// attach marks the device as present in an execution context, releasing any
// requests parked in WaitAttached.
func (e *Export) attach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.attachGate:
	default:
		close(e.attachGate)
	}
}

// detach suspends request dispatch until the next attach.
func (e *Export) detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case <-e.attachGate:
		e.attachGate = make(chan struct{})
	default:
		// already detached
	}
}

// WaitAttached blocks until the export's device is attached to an execution
// context, the context is cancelled, or the export closes.
func (e *Export) WaitAttached(ctx context.Context) error {
	e.mu.Lock()
	gate := e.attachGate
	e.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
