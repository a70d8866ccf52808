package nbd

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittoblock/internal/logger"
	"github.com/marmos91/dittoblock/pkg/registry"
)

// NBDAdapter implements the adapter.Adapter interface for the NBD protocol.
//
// This adapter provides an NBD server with:
//   - Graceful shutdown with configurable timeout
//   - Connection limiting and resource management
//   - Context-based request cancellation
//
// Architecture:
// NBDAdapter manages the TCP listener and connection lifecycle. Each accepted
// connection is handled by an NBDConnection that negotiates an export and then
// serves the transmission phase. The adapter coordinates graceful shutdown
// across all active connections using context cancellation and wait groups.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Listener closed (no new connections)
//  3. shutdownCtx cancelled (in-flight requests abort)
//  4. Wait for active connections to complete (up to ShutdownTimeout)
//  5. Force-close any remaining connections after timeout
type NBDAdapter struct {
	// config holds the server configuration (port, timeouts, limits)
	config NBDConfig

	// listener is the TCP listener, closed during shutdown to stop
	// accepting new connections
	listener net.Listener

	// reg resolves export names during negotiation
	reg *registry.Registry

	// activeConns tracks all currently active connections for graceful
	// shutdown
	activeConns sync.WaitGroup

	// shutdownOnce ensures shutdown is only initiated once
	shutdownOnce sync.Once

	// shutdown signals that graceful shutdown has been initiated
	shutdown chan struct{}

	// connCount tracks the current number of active connections
	connCount atomic.Int32

	// connSemaphore limits concurrent connections if MaxConnections > 0,
	// nil when unlimited
	connSemaphore chan struct{}

	// shutdownCtx is cancelled during shutdown to abort in-flight requests
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	// activeConnections maps remote address to *NBDConnection for forced
	// closure after the shutdown timeout
	activeConnections sync.Map
}

// NBDConfig holds configuration parameters for the NBD server.
//
// Default values (applied by New if zero):
//   - Port: 10809 (IANA-registered NBD port)
//   - MaxConnections: 0 (unlimited)
//   - ShutdownTimeout: 30s
type NBDConfig struct {
	// Enabled controls whether the NBD adapter is active.
	Enabled bool `mapstructure:"enabled"`

	// Port is the TCP port to listen on. If 0, defaults to 10809.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// MaxConnections limits the number of concurrent client connections.
	// 0 means unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// ShutdownTimeout is the maximum duration to wait for active
	// connections during graceful shutdown; afterwards they are
	// force-closed. Must be > 0.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// DefaultExport, when set, serves that export to every connection via
	// the classic handshake instead of option negotiation.
	DefaultExport string `mapstructure:"default_export"`
}

// applyDefaults fills in zero values with sensible defaults.
func (c *NBDConfig) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 10809
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// validate checks that the configuration is usable.
func (c *NBDConfig) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("invalid MaxConnections %d: must be >= 0", c.MaxConnections)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid ShutdownTimeout %v: must be > 0", c.ShutdownTimeout)
	}
	return nil
}

// New creates a new NBDAdapter with the specified configuration.
//
// The adapter is created in a stopped state. Call SetRegistry() to inject
// the exports, then Serve() to start accepting connections.
//
// Panics if config validation fails, which indicates a programmer error.
func New(config NBDConfig) *NBDAdapter {
	config.applyDefaults()

	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid NBD config: %v", err))
	}

	var connSemaphore chan struct{}
	if config.MaxConnections > 0 {
		connSemaphore = make(chan struct{}, config.MaxConnections)
		logger.Debug("NBD connection limit: %d", config.MaxConnections)
	} else {
		logger.Debug("NBD connection limit: unlimited")
	}

	shutdownCtx, cancelRequests := context.WithCancel(context.Background())

	return &NBDAdapter{
		config:         config,
		shutdown:       make(chan struct{}),
		connSemaphore:  connSemaphore,
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancelRequests,
	}
}

// SetRegistry injects the shared export registry.
//
// Called exactly once before Serve(); no synchronization needed.
func (s *NBDAdapter) SetRegistry(reg *registry.Registry) {
	s.reg = reg
	logger.Debug("NBD registry configured")
}

// Serve starts the NBD server and blocks until the context is cancelled or
// an unrecoverable error occurs.
//
// Each accepted connection negotiates an export and serves block requests
// until the client disconnects. When the context is cancelled, Serve stops
// accepting, cancels in-flight requests, waits up to ShutdownTimeout for
// connections to finish and force-closes the rest.
func (s *NBDAdapter) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to create NBD listener on port %d: %w", s.config.Port, err)
	}

	s.listener = listener
	logger.Info("NBD server listening on port %d", s.config.Port)

	go func() {
		<-ctx.Done()
		logger.Info("NBD shutdown signal received: %v", ctx.Err())
		s.initiateShutdown()
	}()

	for {
		// Acquire a slot first so the accept backlog applies backpressure
		// when the connection limit is reached.
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return s.gracefulShutdown()
			}
		}

		tcpConn, err := s.listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}

			select {
			case <-s.shutdown:
				// expected: the listener was closed
				return s.gracefulShutdown()
			default:
				logger.Debug("Error accepting NBD connection: %v", err)
				continue
			}
		}

		s.activeConns.Add(1)
		current := s.connCount.Add(1)

		connAddr := tcpConn.RemoteAddr().String()
		logger.Debug("NBD connection accepted from %s (active: %d)", connAddr, current)

		conn := s.newConn(tcpConn)
		s.activeConnections.Store(connAddr, conn)

		go func(addr string, c *NBDConnection) {
			defer func() {
				s.activeConnections.Delete(addr)
				s.activeConns.Done()
				s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}
				logger.Debug("NBD connection closed from %s (active: %d)",
					addr, s.connCount.Load())
			}()

			c.Serve(s.shutdownCtx)
		}(connAddr, conn)
	}
}

// initiateShutdown signals the server to begin graceful shutdown. Safe to
// call multiple times and from multiple goroutines.
func (s *NBDAdapter) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("NBD shutdown initiated")

		close(s.shutdown)

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Debug("Error closing NBD listener: %v", err)
			}
		}

		s.cancelRequests()
	})
}

// gracefulShutdown waits for active connections to complete or the shutdown
// timeout, force-closing whatever remains afterwards.
func (s *NBDAdapter) gracefulShutdown() error {
	activeCount := s.connCount.Load()
	logger.Info("NBD graceful shutdown: waiting for %d active connection(s) (timeout: %v)",
		activeCount, s.config.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("NBD graceful shutdown complete: all connections closed")
		return nil

	case <-time.After(s.config.ShutdownTimeout):
		remaining := s.connCount.Load()
		logger.Warn("NBD shutdown timeout exceeded: %d connection(s) still active after %v - forcing closure",
			remaining, s.config.ShutdownTimeout)

		s.forceCloseConnections()

		return fmt.Errorf("NBD shutdown timeout: %d connections force-closed", remaining)
	}
}

// forceCloseConnections closes all remaining connections so their blocked
// socket I/O fails immediately.
func (s *NBDAdapter) forceCloseConnections() {
	closedCount := 0
	s.activeConnections.Range(func(key, value any) bool {
		conn := value.(*NBDConnection)
		conn.Close()
		closedCount++
		logger.Debug("Force-closed connection to %s", key.(string))
		return true
	})

	if closedCount > 0 {
		logger.Info("Force-closed %d connection(s)", closedCount)
	}
}

// Stop initiates graceful shutdown of the NBD server.
//
// Safe to call multiple times and concurrently with Serve(). The context
// bounds the wait; a nil context falls back to the configured
// ShutdownTimeout.
func (s *NBDAdapter) Stop(ctx context.Context) error {
	s.initiateShutdown()

	if ctx == nil {
		return s.gracefulShutdown()
	}

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("NBD graceful shutdown complete: all connections closed")
		return nil

	case <-ctx.Done():
		remaining := s.connCount.Load()
		logger.Warn("NBD shutdown context cancelled: %d connection(s) still active: %v",
			remaining, ctx.Err())
		return ctx.Err()
	}
}

// GetActiveConnections returns the current number of active connections,
// primarily for testing and monitoring.
func (s *NBDAdapter) GetActiveConnections() int32 {
	return s.connCount.Load()
}

// newConn creates a connection handler for an accepted TCP connection.
func (s *NBDAdapter) newConn(tcpConn net.Conn) *NBDConnection {
	return NewNBDConnection(s, tcpConn)
}

// Port returns the TCP port the NBD server is listening on.
func (s *NBDAdapter) Port() int {
	return s.config.Port
}

// Protocol returns "NBD" for logging.
func (s *NBDAdapter) Protocol() string {
	return "NBD"
}
