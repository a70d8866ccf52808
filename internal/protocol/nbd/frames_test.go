package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		Type:   uint32(CmdWrite) | CmdFlagFUA,
		Handle: 0xdeadbeefcafe0001,
		Offset: 4096,
		Length: 512,
	}

	decoded, err := ReadRequest(bytes.NewReader(EncodeRequest(req)))
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
	assert.Equal(t, CmdWrite, decoded.Command())
	assert.True(t, decoded.FUA())
}

func TestRequestCommandMasksFlags(t *testing.T) {
	req := Request{Type: uint32(CmdRead)}
	assert.Equal(t, CmdRead, req.Command())
	assert.False(t, req.FUA())

	req.Type = uint32(CmdRead) | CmdFlagFUA
	assert.Equal(t, CmdRead, req.Command())
	assert.True(t, req.FUA())
}

func TestReadRequestBadMagic(t *testing.T) {
	buf := EncodeRequest(Request{Type: uint32(CmdRead)})
	binary.BigEndian.PutUint32(buf[0:4], 0x12345678)

	_, err := ReadRequest(bytes.NewReader(buf))
	var magicErr *ErrBadMagic
	require.ErrorAs(t, err, &magicErr)
	assert.Equal(t, uint64(0x12345678), magicErr.Got)
}

func TestReadRequestShort(t *testing.T) {
	buf := EncodeRequest(Request{})
	_, err := ReadRequest(bytes.NewReader(buf[:10]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestEncodeReplyLayout(t *testing.T) {
	data := []byte("block data")
	buf := EncodeReply(ErrIO, 42, data)

	require.Len(t, buf, ReplySize+len(data))
	assert.Equal(t, uint32(ReplyMagic), binary.BigEndian.Uint32(buf[0:4]))
	assert.Equal(t, ErrIO, binary.BigEndian.Uint32(buf[4:8]))
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(buf[8:16]))
	assert.Equal(t, data, buf[ReplySize:])

	reply, err := ReadReply(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, ErrIO, reply.Error)
	assert.Equal(t, uint64(42), reply.Handle)
}

func TestClassicHeaderLayout(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, WriteClassicHeader(&out, 1<<30, FlagHasFlags|FlagSendFlush))

	buf := out.Bytes()
	require.Len(t, buf, ClassicHeaderSize)
	assert.Equal(t, "NBDMAGIC", string(buf[0:8]))
	assert.Equal(t, CliservMagic, binary.BigEndian.Uint64(buf[8:16]))
	assert.Equal(t, uint64(1<<30), binary.BigEndian.Uint64(buf[16:24]))
	assert.Equal(t, FlagHasFlags|FlagSendFlush, binary.BigEndian.Uint16(buf[26:28]))
	assert.Equal(t, make([]byte, 124), buf[28:])
}

func TestNewstyleHeaderLayout(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, WriteNewstyleHeader(&out))

	buf := out.Bytes()
	require.Len(t, buf, NewstyleHeaderSize)
	assert.Equal(t, "NBDMAGIC", string(buf[0:8]))
	assert.Equal(t, "IHAVEOPT", string(buf[8:16]))
	assert.Equal(t, FlagFixedNewstyle, binary.BigEndian.Uint16(buf[16:18]))
}

func TestExportDetailsLayout(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, WriteExportDetails(&out, 512*1024, FlagHasFlags|FlagReadOnly))

	buf := out.Bytes()
	require.Len(t, buf, ExportDetailsSize)
	assert.Equal(t, uint64(512*1024), binary.BigEndian.Uint64(buf[0:8]))
	assert.Equal(t, FlagHasFlags|FlagReadOnly, binary.BigEndian.Uint16(buf[8:10]))
	assert.Equal(t, make([]byte, 124), buf[10:])
}

func TestOptionRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	payload := []byte("disk0")
	require.NoError(t, WriteOptionRequest(&wire, OptExportName, payload))

	hdr, err := ReadOptionHeader(&wire)
	require.NoError(t, err)
	assert.Equal(t, OptExportName, hdr.Option)
	assert.Equal(t, uint32(len(payload)), hdr.Length)

	rest, err := io.ReadAll(&wire)
	require.NoError(t, err)
	assert.Equal(t, payload, rest)
}

func TestOptionHeaderBadMagic(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, WriteOptionRequest(&wire, OptList, nil))
	buf := wire.Bytes()
	buf[0] ^= 0xff

	_, err := ReadOptionHeader(bytes.NewReader(buf))
	var magicErr *ErrBadMagic
	assert.ErrorAs(t, err, &magicErr)
}

func TestOptionReplyRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	payload := ServerEntryPayload("disk0")
	require.NoError(t, WriteOptionReply(&wire, OptList, RepServer, payload))

	reply, err := ReadOptionReply(&wire)
	require.NoError(t, err)
	assert.Equal(t, OptList, reply.Option)
	assert.Equal(t, RepServer, reply.Type)
	assert.Equal(t, uint32(4+len("disk0")), reply.Length)

	rest, err := io.ReadAll(&wire)
	require.NoError(t, err)
	require.Len(t, rest, int(reply.Length))
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(rest[0:4]))
	assert.Equal(t, "disk0", string(rest[4:]))
}

func TestDrain(t *testing.T) {
	// Larger than one drain chunk, so the loop runs more than once.
	src := bytes.NewReader(make([]byte, drainChunkSize*2+100))
	require.NoError(t, Drain(src, drainChunkSize*2+100))
	assert.Equal(t, 0, src.Len())
}

func TestDrainShortStream(t *testing.T) {
	src := bytes.NewReader(make([]byte, 100))
	err := Drain(src, 200)
	assert.Error(t, err)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "READ", CmdRead.String())
	assert.Equal(t, "TRIM", CmdTrim.String())
	assert.Equal(t, "UNKNOWN", Command(99).String())
}
