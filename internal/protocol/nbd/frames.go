package nbd

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Request is a decoded transmission-phase request header. The data payload of
// a write is read separately by the connection, after validating Length.
type Request struct {
	Type   uint32
	Handle uint64
	Offset uint64
	Length uint32
}

// Command extracts the command from the type word.
func (r *Request) Command() Command {
	return Command(r.Type & CmdMaskCommand)
}

// FUA reports whether the force-unit-access flag is set.
func (r *Request) FUA() bool {
	return r.Type&CmdFlagFUA != 0
}

// ErrBadMagic is returned when a frame does not start with the expected
// magic constant. It is always connection-fatal.
type ErrBadMagic struct {
	Frame string
	Got   uint64
}

func (e *ErrBadMagic) Error() string {
	return fmt.Sprintf("invalid %s magic 0x%x", e.Frame, e.Got)
}

// ReadRequest reads and validates one request header.
func ReadRequest(r io.Reader) (Request, error) {
	var buf [RequestSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Request{}, err
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != RequestMagic {
		return Request{}, &ErrBadMagic{Frame: "request", Got: uint64(magic)}
	}
	return Request{
		Type:   binary.BigEndian.Uint32(buf[4:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
		Offset: binary.BigEndian.Uint64(buf[16:24]),
		Length: binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

// EncodeRequest renders a request header. Servers never send requests; this
// exists for clients and tests.
func EncodeRequest(req Request) []byte {
	buf := make([]byte, RequestSize)
	binary.BigEndian.PutUint32(buf[0:4], RequestMagic)
	binary.BigEndian.PutUint32(buf[4:8], req.Type)
	binary.BigEndian.PutUint64(buf[8:16], req.Handle)
	binary.BigEndian.PutUint64(buf[16:24], req.Offset)
	binary.BigEndian.PutUint32(buf[24:28], req.Length)
	return buf
}

// EncodeReply renders a reply header followed by an optional data payload in
// a single buffer, so the caller can put it on the wire with one write under
// the send lock.
func EncodeReply(errno uint32, handle uint64, data []byte) []byte {
	buf := make([]byte, ReplySize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], ReplyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	binary.BigEndian.PutUint64(buf[8:16], handle)
	copy(buf[ReplySize:], data)
	return buf
}

// Reply is a decoded transmission-phase reply header, used by tests and
// clients to parse the server's stream.
type Reply struct {
	Error  uint32
	Handle uint64
}

// ReadReply reads and validates one reply header. Any data payload is left on
// the stream for the caller, which knows the expected length from the request
// it correlates with.
func ReadReply(r io.Reader) (Reply, error) {
	var buf [ReplySize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Reply{}, err
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != ReplyMagic {
		return Reply{}, &ErrBadMagic{Frame: "reply", Got: uint64(magic)}
	}
	return Reply{
		Error:  binary.BigEndian.Uint32(buf[4:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// WriteClassicHeader sends the full oldstyle handshake header: the export is
// already known and transmission starts immediately after.
func WriteClassicHeader(w io.Writer, size uint64, flags uint16) error {
	buf := make([]byte, ClassicHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], PasswdMagic)
	binary.BigEndian.PutUint64(buf[8:16], CliservMagic)
	binary.BigEndian.PutUint64(buf[16:24], size)
	// buf[24:26] server flags stay zero; the rest of the frame is reserved.
	binary.BigEndian.PutUint16(buf[26:28], flags)
	_, err := w.Write(buf)
	return err
}

// WriteNewstyleHeader sends part 1 of the newstyle handshake, advertising
// option support.
func WriteNewstyleHeader(w io.Writer) error {
	buf := make([]byte, NewstyleHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], PasswdMagic)
	binary.BigEndian.PutUint64(buf[8:16], OptsMagic)
	binary.BigEndian.PutUint16(buf[16:18], FlagFixedNewstyle)
	_, err := w.Write(buf)
	return err
}

// WriteExportDetails sends part 2 of the newstyle handshake once an export
// has been selected.
func WriteExportDetails(w io.Writer, size uint64, flags uint16) error {
	buf := make([]byte, ExportDetailsSize)
	binary.BigEndian.PutUint64(buf[0:8], size)
	binary.BigEndian.PutUint16(buf[8:10], flags)
	_, err := w.Write(buf)
	return err
}

// ReadClientFlags reads the 4-byte client flags word sent after part 1.
func ReadClientFlags(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// OptionHeader is the fixed prefix of every option request.
type OptionHeader struct {
	Option uint32
	Length uint32
}

// ReadOptionHeader reads and validates one option request header. The
// payload, if any, is left on the stream.
func ReadOptionHeader(r io.Reader) (OptionHeader, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return OptionHeader{}, err
	}
	if magic := binary.BigEndian.Uint64(buf[0:8]); magic != OptsMagic {
		return OptionHeader{}, &ErrBadMagic{Frame: "option", Got: magic}
	}
	return OptionHeader{
		Option: binary.BigEndian.Uint32(buf[8:12]),
		Length: binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// WriteOptionRequest renders a full option request; client/test side.
func WriteOptionRequest(w io.Writer, option uint32, payload []byte) error {
	buf := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], OptsMagic)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[16:], payload)
	_, err := w.Write(buf)
	return err
}

// WriteOptionReply sends one option reply frame.
func WriteOptionReply(w io.Writer, option, replyType uint32, payload []byte) error {
	buf := make([]byte, 20+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], RepMagic)
	binary.BigEndian.PutUint32(buf[8:12], option)
	binary.BigEndian.PutUint32(buf[12:16], replyType)
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[20:], payload)
	_, err := w.Write(buf)
	return err
}

// OptionReply is a decoded option reply header, for clients and tests.
type OptionReply struct {
	Option uint32
	Type   uint32
	Length uint32
}

// ReadOptionReply reads one option reply header, leaving the payload on the
// stream.
func ReadOptionReply(r io.Reader) (OptionReply, error) {
	var buf [20]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return OptionReply{}, err
	}
	if magic := binary.BigEndian.Uint64(buf[0:8]); magic != RepMagic {
		return OptionReply{}, &ErrBadMagic{Frame: "option reply", Got: magic}
	}
	return OptionReply{
		Option: binary.BigEndian.Uint32(buf[8:12]),
		Type:   binary.BigEndian.Uint32(buf[12:16]),
		Length: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// ServerEntryPayload renders the REP_SERVER payload for one export: the name
// length followed by the name bytes.
func ServerEntryPayload(name string) []byte {
	buf := make([]byte, 4+len(name))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(name)))
	copy(buf[4:], name)
	return buf
}

// Drain discards exactly n bytes from r using a bounded scratch buffer.
func Drain(r io.Reader, n uint32) error {
	chunk := make([]byte, min(uint32(drainChunkSize), n))
	for n > 0 {
		c := chunk
		if uint32(len(c)) > n {
			c = c[:n]
		}
		read, err := io.ReadFull(r, c)
		n -= uint32(read)
		if err != nil {
			return err
		}
	}
	return nil
}
