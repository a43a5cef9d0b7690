package frame

import (
	"bytes"
	"encoding/binary"

	"github.com/ratmesh/ratman/pkg/rid"
)

// BlockSize enumerates the two ERIS block sizes the encoder supports.
type BlockSize uint8

const (
	BlockSize1K  BlockSize = 1
	BlockSize32K BlockSize = 2
)

// Bytes returns the size in bytes this enum value denotes.
func (b BlockSize) Bytes() int {
	switch b {
	case BlockSize1K:
		return 1024
	case BlockSize32K:
		return 32768
	default:
		return 0
	}
}

func blockSizeFromBytes(n int) (BlockSize, error) {
	switch n {
	case 1024:
		return BlockSize1K, nil
	case 32768:
		return BlockSize32K, nil
	default:
		return 0, parseErrorf("unsupported block size %d", n)
	}
}

// Letterhead carries the small amount of cleartext-adjacent application
// metadata that rides alongside a manifest: a namespace-scoped stream name
// and free-form content type, set once by the sender and immutable for the
// life of the stream.
type Letterhead struct {
	StreamName  string
	ContentType string
}

// ManifestFrameV1 is the read-capability for an ERIS-encoded block tree: the
// reference and key of the root block, the tree's level (0 means the root
// is itself the only, leaf, block), and the block size used throughout the
// tree.
type ManifestFrameV1 struct {
	Root       rid.Ident32
	RootKey    rid.Ident32
	Level      uint8
	BlockSize  BlockSize
	Letterhead Letterhead
}

// Generate writes the bit-exact wire representation of m to buf.
func (m ManifestFrameV1) Generate(buf *bytes.Buffer) error {
	buf.Write(m.Root.Bytes())
	buf.Write(m.RootKey.Bytes())
	buf.WriteByte(m.Level)
	buf.WriteByte(byte(m.BlockSize))
	writeString(buf, m.Letterhead.StreamName)
	writeString(buf, m.Letterhead.ContentType)
	return nil
}

// ParseManifestFrameV1 parses a ManifestFrameV1 from the front of input.
func ParseManifestFrameV1(input []byte) (rest []byte, m ManifestFrameV1, err error) {
	if len(input) < rid.Len*2+2 {
		return input, m, parseErrorf("truncated manifest frame")
	}
	root, err := rid.FromBytes(input[:rid.Len])
	if err != nil {
		return input, m, parseErrorf("manifest root: %v", err)
	}
	input = input[rid.Len:]

	key, err := rid.FromBytes(input[:rid.Len])
	if err != nil {
		return input, m, parseErrorf("manifest root key: %v", err)
	}
	input = input[rid.Len:]

	m.Root = root
	m.RootKey = key
	m.Level = input[0]
	m.BlockSize = BlockSize(input[1])
	input = input[2:]

	if m.BlockSize != BlockSize1K && m.BlockSize != BlockSize32K {
		return input, m, parseErrorf("unknown block size discriminator %d", m.BlockSize)
	}

	streamName, rest, err := readString(input)
	if err != nil {
		return rest, m, err
	}
	contentType, rest, err := readString(rest)
	if err != nil {
		return rest, m, err
	}
	m.Letterhead = Letterhead{StreamName: streamName, ContentType: contentType}

	return rest, m, nil
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(input []byte) (string, []byte, error) {
	if len(input) < 2 {
		return "", input, parseErrorf("truncated string length prefix")
	}
	n := int(binary.BigEndian.Uint16(input[:2]))
	input = input[2:]
	if len(input) < n {
		return "", input, parseErrorf("truncated string body")
	}
	return string(input[:n]), input[n:], nil
}
