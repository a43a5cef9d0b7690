package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/ratmesh/ratman/pkg/rid"
)

// Microframe modes are the four message kinds exchanged on a client
// connection; they never leave the client socket.
const (
	MicroSetup   Modes = 1 << iota // client -> daemon: open/select an address
	MicroSend                      // client -> daemon: submit a stream for sending
	MicroRecv                      // daemon -> client: deliver a received stream
	MicroSubs                      // client -> daemon: manage a subscription
)

// ClientVersion is the microframe protocol version exchanged during the
// client handshake. It is independent of CarrierFrameHeader's wire
// version, since client libraries and the daemon are usually upgraded on
// different schedules.
const ClientVersion = 1

// MicroframeHeader frames a single message on the client<->daemon
// connection: a mode bitfield, an optional bearer token proving the client
// has already opened the address it claims to act as, and the length of
// the (usually bincode/JSON, application-defined) payload that follows.
type MicroframeHeader struct {
	Modes         Modes
	Auth          *rid.AddrAuth
	ClientVersion byte
	PayloadSize   uint32
}

// Size returns the exact number of bytes Generate will write.
func (h MicroframeHeader) Size() int {
	size := 2 + 1 + 4 // modes + client version + payload size
	if h.Auth != nil {
		size += 1 + rid.Len
	} else {
		size++
	}
	return size
}

// Generate writes the bit-exact wire representation of h to buf.
func (h MicroframeHeader) Generate(buf *bytes.Buffer) error {
	var modesBuf [2]byte
	binary.BigEndian.PutUint16(modesBuf[:], uint16(h.Modes))
	buf.Write(modesBuf[:])

	if h.Auth != nil {
		buf.WriteByte(1)
		buf.Write(h.Auth.Token.Bytes())
	} else {
		buf.WriteByte(0)
	}

	buf.WriteByte(h.ClientVersion)

	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], h.PayloadSize)
	buf.Write(sizeBuf[:])

	return nil
}

// ParseMicroframeHeader parses a MicroframeHeader from the front of input.
func ParseMicroframeHeader(input []byte) (rest []byte, hdr MicroframeHeader, err error) {
	if len(input) < 2 {
		return input, hdr, parseErrorf("truncated microframe modes")
	}
	hdr.Modes = Modes(binary.BigEndian.Uint16(input[:2]))
	input = input[2:]

	if len(input) < 1 {
		return input, hdr, parseErrorf("truncated microframe auth discriminator")
	}
	authPresent := input[0]
	input = input[1:]
	switch authPresent {
	case 0:
		hdr.Auth = nil
	case 1:
		if len(input) < rid.Len {
			return input, hdr, parseErrorf("truncated microframe auth token")
		}
		token, err := rid.FromBytes(input[:rid.Len])
		if err != nil {
			return input, hdr, parseErrorf("microframe auth token: %v", err)
		}
		hdr.Auth = &rid.AddrAuth{Token: token}
		input = input[rid.Len:]
	default:
		return input, hdr, parseErrorf("unknown microframe auth discriminator %d", authPresent)
	}

	if len(input) < 1 {
		return input, hdr, parseErrorf("truncated microframe client version")
	}
	hdr.ClientVersion = input[0]
	input = input[1:]

	if len(input) < 4 {
		return input, hdr, parseErrorf("truncated microframe payload size")
	}
	hdr.PayloadSize = binary.BigEndian.Uint32(input[:4])
	input = input[4:]

	return input, hdr, nil
}
