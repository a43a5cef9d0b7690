// Package frame implements bit-exact parsing and generation of Ratman's
// carrier frame wire format, plus the manifest, announce and client
// microframe sub-structures carried inside it.
//
// Integers are big-endian throughout. Optional sub-structures are prefixed
// with a single presence-discriminator byte: 0 means absent; any non-zero
// byte means present, and for plain optional fields is itself the first
// byte of the following data (so absent fields MUST be written as a
// literal 0x00 rather than omitted). Recipient and SequenceId use a
// dedicated non-zero discriminator to additionally carry which variant
// follows.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ratmesh/ratman/pkg/rid"
)

// CurrentVersion is the only CarrierFrameHeader wire version this codec
// understands.
const CurrentVersion = 1

const auxiliaryDataLen = 64

// CarrierFrameHeader is the versioned top-level frame metadata structure.
// Today only V1 exists; the Version field is kept so a future version can
// be added without breaking the type's shape.
type CarrierFrameHeader struct {
	Version       byte
	Modes         Modes
	Recipient     *rid.Recipient
	Sender        rid.Address
	SeqID         *rid.SequenceIdV1
	AuxiliaryData [auxiliaryDataLen]byte
	PayloadLength uint16
}

// NewDataHeader builds the header for a single sliced data/manifest chunk.
func NewDataHeader(mode Modes, sender rid.Address, recipient rid.Recipient, seq rid.SequenceIdV1, payloadLength uint16) CarrierFrameHeader {
	r := recipient
	s := seq
	return CarrierFrameHeader{
		Version:       CurrentVersion,
		Modes:         mode,
		Recipient:     &r,
		Sender:        sender,
		SeqID:         &s,
		PayloadLength: payloadLength,
	}
}

// NewAnnounceHeader builds the header for a protocol announcement frame:
// recipient is absent (flooded to the whole network), and the signature
// over the announcement payload lives in AuxiliaryData.
func NewAnnounceHeader(sender rid.Address, seq rid.SequenceIdV1, signature [64]byte, payloadLength uint16) CarrierFrameHeader {
	s := seq
	return CarrierFrameHeader{
		Version:       CurrentVersion,
		Modes:         ModeAnnounce,
		Sender:        sender,
		SeqID:         &s,
		AuxiliaryData: signature,
		PayloadLength: payloadLength,
	}
}

// Size returns the exact number of bytes Generate will write for the
// header (excluding the payload itself). Used to bound MTU fragmentation
// in the sender pipeline's slicer.
func (h CarrierFrameHeader) Size() int {
	size := 1 + 2 // version + modes
	if h.Recipient != nil {
		size += 1 + rid.Len
	} else {
		size++
	}
	size += rid.Len // sender
	if h.SeqID != nil {
		size += 1 + rid.Len + 1 + 1
	} else {
		size++
	}
	size += auxiliaryDataLen
	size += 2 // payload length
	return size
}

// Generate writes the bit-exact wire representation of h to buf.
func (h CarrierFrameHeader) Generate(buf *bytes.Buffer) error {
	buf.WriteByte(h.Version)

	var modesBuf [2]byte
	binary.BigEndian.PutUint16(modesBuf[:], uint16(h.Modes))
	buf.Write(modesBuf[:])

	if err := generateRecipient(h.Recipient, buf); err != nil {
		return err
	}

	buf.Write(h.Sender.Bytes())

	if err := generateSeqID(h.SeqID, buf); err != nil {
		return err
	}

	buf.Write(h.AuxiliaryData[:])

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], h.PayloadLength)
	buf.Write(lenBuf[:])

	return nil
}

// discriminator values for the Recipient optional field: 0 = absent, any
// non-zero byte means present and additionally selects the Recipient kind.
const (
	recipientDiscAbsent    = 0
	recipientDiscAddress   = 1
	recipientDiscNamespace = 2
)

func generateRecipient(r *rid.Recipient, buf *bytes.Buffer) error {
	if r == nil {
		buf.WriteByte(recipientDiscAbsent)
		return nil
	}
	switch r.Kind {
	case rid.RecipientAddress:
		buf.WriteByte(recipientDiscAddress)
	case rid.RecipientNamespace:
		buf.WriteByte(recipientDiscNamespace)
	default:
		return fmt.Errorf("frame: unknown recipient kind %d", r.Kind)
	}
	buf.Write(r.ID.Bytes())
	return nil
}

const seqIDDiscPresent = 1

func generateSeqID(s *rid.SequenceIdV1, buf *bytes.Buffer) error {
	if s == nil {
		buf.WriteByte(0)
		return nil
	}
	buf.WriteByte(seqIDDiscPresent)
	buf.Write(s.Hash.Bytes())
	buf.WriteByte(s.Num)
	buf.WriteByte(s.Max)
	return nil
}

// ParseCarrierFrameHeader parses a CarrierFrameHeader from the front of
// input, returning the remaining unconsumed bytes (the payload, followed by
// whatever else was in the caller's buffer). A non-nil *InvalidVersionError
// means the caller should drop the frame without attempting to read a
// payload, since the remaining structure can't be trusted.
func ParseCarrierFrameHeader(input []byte) (rest []byte, hdr CarrierFrameHeader, err error) {
	if len(input) < 1 {
		return input, hdr, parseErrorf("empty input, expected version byte")
	}
	version := input[0]
	input = input[1:]

	if version != CurrentVersion {
		return input, hdr, &InvalidVersionError{Version: version}
	}
	hdr.Version = version

	if len(input) < 2 {
		return input, hdr, parseErrorf("truncated modes field")
	}
	hdr.Modes = Modes(binary.BigEndian.Uint16(input[:2]))
	input = input[2:]

	recipient, rest, err := parseRecipient(input)
	if err != nil {
		return rest, hdr, err
	}
	hdr.Recipient = recipient
	input = rest

	if len(input) < rid.Len {
		return input, hdr, parseErrorf("truncated sender address")
	}
	sender, err := rid.AddressFromBytes(input[:rid.Len])
	if err != nil {
		return input, hdr, parseErrorf("sender address: %v", err)
	}
	hdr.Sender = sender
	input = input[rid.Len:]

	seqID, rest, err := parseSeqID(input)
	if err != nil {
		return rest, hdr, err
	}
	hdr.SeqID = seqID
	input = rest

	if len(input) < auxiliaryDataLen {
		return input, hdr, parseErrorf("truncated auxiliary data")
	}
	copy(hdr.AuxiliaryData[:], input[:auxiliaryDataLen])
	input = input[auxiliaryDataLen:]

	if len(input) < 2 {
		return input, hdr, parseErrorf("truncated payload length")
	}
	hdr.PayloadLength = binary.BigEndian.Uint16(input[:2])
	input = input[2:]

	return input, hdr, nil
}

func parseRecipient(input []byte) (*rid.Recipient, []byte, error) {
	if len(input) < 1 {
		return nil, input, parseErrorf("truncated recipient discriminator")
	}
	disc := input[0]
	input = input[1:]

	switch disc {
	case recipientDiscAbsent:
		return nil, input, nil
	case recipientDiscAddress, recipientDiscNamespace:
		if len(input) < rid.Len {
			return nil, input, parseErrorf("truncated recipient id")
		}
		id, err := rid.FromBytes(input[:rid.Len])
		if err != nil {
			return nil, input, parseErrorf("recipient id: %v", err)
		}
		input = input[rid.Len:]
		kind := rid.RecipientAddress
		if disc == recipientDiscNamespace {
			kind = rid.RecipientNamespace
		}
		return &rid.Recipient{Kind: kind, ID: id}, input, nil
	default:
		return nil, input, parseErrorf("unknown recipient discriminator %d", disc)
	}
}

func parseSeqID(input []byte) (*rid.SequenceIdV1, []byte, error) {
	if len(input) < 1 {
		return nil, input, parseErrorf("truncated sequence id discriminator")
	}
	disc := input[0]
	input = input[1:]

	if disc == 0 {
		return nil, input, nil
	}

	if len(input) < rid.Len+2 {
		return nil, input, parseErrorf("truncated sequence id")
	}
	hash, err := rid.FromBytes(input[:rid.Len])
	if err != nil {
		return nil, input, parseErrorf("sequence id hash: %v", err)
	}
	num := input[rid.Len]
	max := input[rid.Len+1]
	input = input[rid.Len+2:]

	// A malformed sequence id claiming a single-frame block (max==0) but a
	// nonzero chunk ordinal can never be satisfied; reject it outright
	// rather than let it wedge a collector worker forever.
	if max == 0 && num != 0 {
		return nil, input, parseErrorf("sequence id has max=0 but num=%d", num)
	}

	return &rid.SequenceIdV1{Hash: hash, Num: num, Max: max}, input, nil
}
