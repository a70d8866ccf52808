package nbd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/marmos91/dittoblock/internal/logger"
	proto "github.com/marmos91/dittoblock/internal/protocol/nbd"
	"github.com/marmos91/dittoblock/pkg/registry"
)

// maxRequests is the per-client in-flight request limit. The reader does not
// pull the next request header off the socket until a slot frees, so a fast
// client is throttled by TCP backpressure rather than dropped requests.
const maxRequests = 16

// transmissionFlags are always advertised; the export's own flags (read-only)
// are OR'd in during the handshake.
const transmissionFlags = proto.FlagHasFlags | proto.FlagSendFlush |
	proto.FlagSendFUA | proto.FlagSendTrim

// NBDConnection handles a single client from handshake to teardown.
//
// Lifetime is reference-counted: the serve loop holds one reference and each
// in-flight request holds another. Close is idempotent and only marks the
// connection closing and shuts the socket so blocked I/O unwinds; the actual
// release (detaching from the export, dropping the export reference) happens
// when the last reference is put.
type NBDConnection struct {
	server *NBDAdapter
	conn   net.Conn

	// exp is the negotiated export; nil until negotiation succeeds. The
	// connection owns one export reference from lookup until teardown.
	exp *registry.Export

	// sendMu serializes replies: header and payload go out in a single
	// write under this lock, so concurrent completions never interleave
	sendMu sync.Mutex

	// slots bounds the number of in-flight requests
	slots chan struct{}

	// handlers tracks in-flight request goroutines
	handlers sync.WaitGroup

	mu      sync.Mutex
	refs    int
	closing bool
	cancel  context.CancelFunc
}

// NewNBDConnection creates a connection handler holding one reference for
// the serve loop.
func NewNBDConnection(server *NBDAdapter, conn net.Conn) *NBDConnection {
	return &NBDConnection{
		server: server,
		conn:   conn,
		slots:  make(chan struct{}, maxRequests),
		refs:   1,
	}
}

// get takes a connection reference.
func (c *NBDConnection) get() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
}

// put drops a connection reference. The last put releases the connection:
// by then Close must already have run, so the socket is down and no new
// requests can arrive.
func (c *NBDConnection) put() {
	c.mu.Lock()
	c.refs--
	released := c.refs == 0
	closing := c.closing
	c.mu.Unlock()

	if !released {
		return
	}
	if !closing {
		panic("nbd: connection released without being closed")
	}

	if c.exp != nil {
		c.exp.RemoveClient(c)
		c.exp.Put()
		c.exp = nil
	}
}

// Close marks the connection closing and shuts the socket down so that
// blocked reads and writes unwind. Safe to call multiple times and from any
// goroutine, including export teardown.
func (c *NBDConnection) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = c.conn.Close()
}

func (c *NBDConnection) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Serve drives the connection: handshake, transmission loop, teardown.
// It returns when the client disconnects, a fatal protocol error occurs, or
// the server shuts down.
func (c *NBDConnection) Serve(ctx context.Context) {
	clientAddr := c.conn.RemoteAddr().String()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic in connection handler from %s: %v", clientAddr, r)
		}
		c.Close()
		c.handlers.Wait()
		c.put()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	alreadyClosing := c.closing
	c.cancel = cancel
	c.mu.Unlock()
	if alreadyClosing {
		return
	}

	exp, err := c.negotiate()
	if err != nil {
		logger.Debug("NBD negotiation with %s failed: %v", clientAddr, err)
		return
	}
	c.exp = exp
	logger.Debug("NBD negotiation with %s complete (size=%d flags=0x%x)",
		clientAddr, exp.Size(), exp.Flags())

	for {
		if c.isClosing() {
			return
		}

		// A slot must free up before the next header is read.
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		req, err := proto.ReadRequest(c.conn)
		if err != nil {
			<-c.slots
			if !errors.Is(err, io.EOF) && !c.isClosing() {
				logger.Debug("NBD request read from %s failed: %v", clientAddr, err)
			}
			return
		}

		cmd := req.Command()

		var data []byte
		if cmd == proto.CmdRead || cmd == proto.CmdWrite {
			if req.Length > proto.MaxBufferSize {
				logger.Debug("NBD request from %s exceeds transfer limit (%d bytes)",
					clientAddr, req.Length)
				// The write payload is unrecoverable, so reply and drop
				// the connection rather than desynchronize the stream.
				_ = c.sendReply(proto.ErrInval, req.Handle, nil)
				<-c.slots
				return
			}
			data = make([]byte, req.Length)
		}

		if cmd == proto.CmdWrite {
			if _, err := io.ReadFull(c.conn, data); err != nil {
				logger.Debug("NBD write payload read from %s failed: %v", clientAddr, err)
				<-c.slots
				return
			}
		}

		if cmd == proto.CmdDisc {
			logger.Debug("NBD client %s disconnected cleanly", clientAddr)
			<-c.slots
			return
		}

		c.get()
		c.handlers.Add(1)
		go c.trip(ctx, req, data)
	}
}

// trip executes one request and sends its reply. Runs concurrently with
// other requests on the same connection; completion order is whatever the
// backend delivers, correlated by handle.
func (c *NBDConnection) trip(ctx context.Context, req proto.Request, data []byte) {
	defer func() {
		<-c.slots
		c.handlers.Done()
		c.put()
	}()

	// Overflow is checked before the bounds comparison so a wrapped range
	// can never pass it.
	if req.Offset+uint64(req.Length) < req.Offset {
		c.reply(proto.ErrInval, req.Handle, nil)
		return
	}

	exp := c.exp
	if req.Offset+uint64(req.Length) > exp.Size() {
		logger.Debug("NBD request past end of export (offset=%d length=%d size=%d)",
			req.Offset, req.Length, exp.Size())
		c.reply(proto.ErrInval, req.Handle, nil)
		return
	}

	// The client may have been closed while the request was being received.
	if c.isClosing() {
		return
	}

	// Block while the export's device is between execution contexts.
	if err := exp.WaitAttached(ctx); err != nil {
		return
	}

	bk := exp.Backend()
	off := req.Offset + exp.DevOffset()

	switch req.Command() {
	case proto.CmdRead:
		if req.FUA() {
			if err := bk.Flush(ctx); err != nil {
				c.reply(proto.ErrnoFromError(err), req.Handle, nil)
				return
			}
		}
		if err := bk.ReadAt(ctx, data, off); err != nil {
			logger.Debug("NBD read failed: %v", err)
			c.reply(proto.ErrnoFromError(err), req.Handle, nil)
			return
		}
		c.reply(proto.ErrSuccess, req.Handle, data)

	case proto.CmdWrite:
		if exp.Flags()&proto.FlagReadOnly != 0 {
			c.reply(proto.ErrPerm, req.Handle, nil)
			return
		}
		if err := bk.WriteAt(ctx, data, off); err != nil {
			logger.Debug("NBD write failed: %v", err)
			c.reply(proto.ErrnoFromError(err), req.Handle, nil)
			return
		}
		if req.FUA() {
			if err := bk.Flush(ctx); err != nil {
				c.reply(proto.ErrnoFromError(err), req.Handle, nil)
				return
			}
		}
		c.reply(proto.ErrSuccess, req.Handle, nil)

	case proto.CmdFlush:
		err := bk.Flush(ctx)
		c.reply(proto.ErrnoFromError(err), req.Handle, nil)

	case proto.CmdTrim:
		err := bk.Discard(ctx, off, uint64(req.Length))
		c.reply(proto.ErrnoFromError(err), req.Handle, nil)

	default:
		logger.Debug("NBD invalid request type %d received", req.Type)
		c.reply(proto.ErrInval, req.Handle, nil)
	}
}

// reply sends a reply and closes the connection on a send failure, since a
// partially written frame cannot be recovered from.
func (c *NBDConnection) reply(errno uint32, handle uint64, data []byte) {
	if err := c.sendReply(errno, handle, data); err != nil {
		if !c.isClosing() {
			logger.Debug("NBD reply send failed: %v", err)
		}
		c.Close()
	}
}

// sendReply writes header and payload as one buffer under the send lock, so
// replies from concurrent requests never interleave on the wire.
func (c *NBDConnection) sendReply(errno uint32, handle uint64, data []byte) error {
	buf := proto.EncodeReply(errno, handle, data)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.conn.Write(buf)
	return err
}

// negotiate performs the handshake and returns the selected export with a
// reference held for this connection. Any failure is connection-fatal.
func (c *NBDConnection) negotiate() (*registry.Export, error) {
	// A configured default export selects the classic handshake: the full
	// header carries the export details and transmission starts right away.
	if name := c.server.config.DefaultExport; name != "" {
		exp := c.server.reg.Find(name)
		if exp == nil {
			return nil, fmt.Errorf("default export %q not found", name)
		}
		if err := c.attachExport(exp); err != nil {
			return nil, err
		}
		if err := proto.WriteClassicHeader(c.conn, exp.Size(), exp.Flags()|transmissionFlags); err != nil {
			c.detachExport(exp)
			return nil, fmt.Errorf("handshake write failed: %w", err)
		}
		return exp, nil
	}

	if err := proto.WriteNewstyleHeader(c.conn); err != nil {
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}

	flags, err := proto.ReadClientFlags(c.conn)
	if err != nil {
		return nil, fmt.Errorf("client flags read failed: %w", err)
	}
	if flags != 0 && flags != proto.ClientFlagFixedNewstyle {
		return nil, fmt.Errorf("bad client flags 0x%x", flags)
	}

	exp, err := c.negotiateOptions()
	if err != nil {
		return nil, err
	}

	if err := proto.WriteExportDetails(c.conn, exp.Size(), exp.Flags()|transmissionFlags); err != nil {
		c.detachExport(exp)
		return nil, fmt.Errorf("handshake write failed: %w", err)
	}
	return exp, nil
}

// negotiateOptions runs the option loop until the client selects an export
// or the negotiation fails. The loop itself is unbounded: a client may list
// exports any number of times before choosing.
func (c *NBDConnection) negotiateOptions() (*registry.Export, error) {
	for {
		hdr, err := proto.ReadOptionHeader(c.conn)
		if err != nil {
			return nil, fmt.Errorf("option read failed: %w", err)
		}

		switch hdr.Option {
		case proto.OptList:
			if hdr.Length != 0 {
				if err := proto.Drain(c.conn, hdr.Length); err != nil {
					return nil, fmt.Errorf("option payload drain failed: %w", err)
				}
				if err := proto.WriteOptionReply(c.conn, proto.OptList, proto.RepErrInvalid, nil); err != nil {
					return nil, err
				}
				continue
			}
			for _, name := range c.server.reg.Names() {
				err := proto.WriteOptionReply(c.conn, proto.OptList, proto.RepServer,
					proto.ServerEntryPayload(name))
				if err != nil {
					return nil, err
				}
			}
			if err := proto.WriteOptionReply(c.conn, proto.OptList, proto.RepAck, nil); err != nil {
				return nil, err
			}

		case proto.OptAbort:
			return nil, fmt.Errorf("client aborted negotiation")

		case proto.OptExportName:
			return c.handleExportName(hdr.Length)

		default:
			logger.Debug("NBD unsupported option 0x%x from %s",
				hdr.Option, c.conn.RemoteAddr())
			_ = proto.WriteOptionReply(c.conn, hdr.Option, proto.RepErrUnsup, nil)
			return nil, fmt.Errorf("unsupported option 0x%x", hdr.Option)
		}
	}
}

// handleExportName resolves the named export and attaches this connection
// to it.
func (c *NBDConnection) handleExportName(length uint32) (*registry.Export, error) {
	if length > proto.MaxNameLength {
		return nil, fmt.Errorf("export name too long (%d bytes)", length)
	}

	name := make([]byte, length)
	if _, err := io.ReadFull(c.conn, name); err != nil {
		return nil, fmt.Errorf("export name read failed: %w", err)
	}

	exp := c.server.reg.Find(string(name))
	if exp == nil {
		return nil, fmt.Errorf("export %q not found", string(name))
	}
	if err := c.attachExport(exp); err != nil {
		return nil, err
	}
	return exp, nil
}

// attachExport joins the export's client set. The export reference taken by
// the registry lookup becomes this connection's.
func (c *NBDConnection) attachExport(exp *registry.Export) error {
	if err := exp.AddClient(c); err != nil {
		exp.Put()
		return err
	}
	return nil
}

// detachExport undoes attachExport when negotiation fails after attaching.
func (c *NBDConnection) detachExport(exp *registry.Export) {
	exp.RemoveClient(c)
	exp.Put()
}
