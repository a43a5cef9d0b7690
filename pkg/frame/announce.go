package frame

import (
	"bytes"
	"encoding/binary"
)

// RouteHint describes the advertising router's outbound queue pressure and
// observed round-trip latency toward the announced address, letting peers
// prefer lower-congestion, lower-latency routes when more than one path to
// the same address is known.
type RouteHint struct {
	Buffer    uint16
	LatencyMs uint16
}

// Generate writes the bit-exact wire representation of h to buf.
func (h RouteHint) Generate(buf *bytes.Buffer) {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], h.Buffer)
	binary.BigEndian.PutUint16(b[2:4], h.LatencyMs)
	buf.Write(b[:])
}

// ParseRouteHint parses a RouteHint from the front of input.
func ParseRouteHint(input []byte) (rest []byte, h RouteHint, err error) {
	if len(input) < 4 {
		return input, h, parseErrorf("truncated route hint")
	}
	h.Buffer = binary.BigEndian.Uint16(input[0:2])
	h.LatencyMs = binary.BigEndian.Uint16(input[2:4])
	return input[4:], h, nil
}

// AnnounceFrameV1 is the signed, flooded payload that tells the network an
// address is reachable from the sending router. The signature itself
// travels in the carrier header's AuxiliaryData, not in this struct.
// pkg/proto signs every announcement it emits; pkg/fswitch does not check
// the signature before updating the route table and re-flooding.
type AnnounceFrameV1 struct {
	Hint RouteHint
}

// Generate writes the bit-exact wire representation of a to buf.
func (a AnnounceFrameV1) Generate(buf *bytes.Buffer) error {
	a.Hint.Generate(buf)
	return nil
}

// ParseAnnounceFrameV1 parses an AnnounceFrameV1 from the front of input.
func ParseAnnounceFrameV1(input []byte) (rest []byte, a AnnounceFrameV1, err error) {
	rest, hint, err := ParseRouteHint(input)
	if err != nil {
		return rest, a, err
	}
	a.Hint = hint
	return rest, a, nil
}
