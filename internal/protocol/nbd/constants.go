// Package nbd implements the NBD wire format: handshake headers, option
// negotiation frames, transmission requests and replies, and the mapping of
// backend errors to protocol error codes.
//
// All multi-byte integers on the wire are big-endian.
package nbd

// Magic constants.
const (
	// PasswdMagic is the literal "NBDMAGIC" that opens every handshake.
	PasswdMagic uint64 = 0x4e42444d41474943

	// CliservMagic identifies the classic (oldstyle) handshake header.
	CliservMagic uint64 = 0x00420281861253

	// OptsMagic ("IHAVEOPT") identifies the newstyle handshake and prefixes
	// every option request.
	OptsMagic uint64 = 0x49484156454F5054

	// RepMagic prefixes every option reply.
	RepMagic uint64 = 0x3e889045565a9

	// RequestMagic prefixes every transmission-phase request.
	RequestMagic uint32 = 0x25609513

	// ReplyMagic prefixes every transmission-phase reply.
	ReplyMagic uint32 = 0x67446698
)

// Handshake flags, sent by the server in the newstyle header.
const (
	FlagFixedNewstyle uint16 = 1 << 0
)

// Client flags, sent by the client after the newstyle header. Zero is
// accepted for legacy clients.
const (
	ClientFlagFixedNewstyle uint32 = 1 << 0
)

// Option codes.
const (
	OptExportName uint32 = 1
	OptAbort      uint32 = 2
	OptList       uint32 = 3
)

// Option reply types.
const (
	RepAck    uint32 = 1
	RepServer uint32 = 2

	RepFlagError  uint32 = 1 << 31
	RepErrUnsup   uint32 = 1 | RepFlagError
	RepErrPolicy  uint32 = 2 | RepFlagError
	RepErrInvalid uint32 = 3 | RepFlagError
)

// Transmission flags, advertised per export during the handshake.
const (
	FlagHasFlags   uint16 = 1 << 0
	FlagReadOnly   uint16 = 1 << 1
	FlagSendFlush  uint16 = 1 << 2
	FlagSendFUA    uint16 = 1 << 3
	FlagRotational uint16 = 1 << 4
	FlagSendTrim   uint16 = 1 << 5
)

// Command identifies a transmission-phase operation. The low 16 bits of a
// request's type word select the command; the remaining bits carry flags.
type Command uint16

const (
	CmdRead  Command = 0
	CmdWrite Command = 1
	CmdDisc  Command = 2
	CmdFlush Command = 3
	CmdTrim  Command = 4
)

func (c Command) String() string {
	switch c {
	case CmdRead:
		return "READ"
	case CmdWrite:
		return "WRITE"
	case CmdDisc:
		return "DISC"
	case CmdFlush:
		return "FLUSH"
	case CmdTrim:
		return "TRIM"
	default:
		return "UNKNOWN"
	}
}

// Request type word masks.
const (
	CmdMaskCommand uint32 = 0x0000ffff

	// CmdFlagFUA requests force-unit-access durability for this command.
	CmdFlagFUA uint32 = 1 << 16
)

// Protocol error codes carried in the reply header. These are a fixed
// vocabulary, deliberately distinct from whatever error numbers the backend
// produces locally.
const (
	ErrSuccess uint32 = 0
	ErrPerm    uint32 = 1
	ErrIO      uint32 = 5
	ErrNoMem   uint32 = 12
	ErrInval   uint32 = 22
	ErrNoSpace uint32 = 28
)

// Wire sizes and limits.
const (
	// ClassicHeaderSize is the full oldstyle handshake header.
	ClassicHeaderSize = 8 + 8 + 8 + 2 + 2 + 124

	// NewstyleHeaderSize is part 1 of the newstyle handshake.
	NewstyleHeaderSize = 8 + 8 + 2

	// ExportDetailsSize is part 2 of the newstyle handshake, sent after an
	// export has been selected.
	ExportDetailsSize = 8 + 2 + 124

	RequestSize = 4 + 4 + 8 + 8 + 4
	ReplySize   = 4 + 4 + 8

	// MaxNameLength bounds the export name in an EXPORT_NAME payload.
	MaxNameLength = 255

	// MaxBufferSize bounds a single read or write transfer.
	MaxBufferSize = 32 << 20

	// drainChunkSize bounds the scratch buffer used to discard unwanted
	// option payloads, so a hostile payload length never translates into a
	// large allocation.
	drainChunkSize = 64 << 10
)

// SectorSize is the granularity export sizes are rounded down to.
const SectorSize = 512
