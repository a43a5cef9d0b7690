package frame

// Modes is the CarrierFrameHeader's 2-byte mode bitfield. It identifies the
// kind of payload the frame carries, and can combine bits for netmod
// handshake frames.
type Modes uint16

const (
	// ModeAnnounce marks an unsolicited route announcement.
	ModeAnnounce Modes = 1 << iota
	// ModeData marks a data frame belonging to some block sequence.
	ModeData
	// ModeManifest marks a frame carrying an ERIS read-capability.
	ModeManifest
	// ModeHandshakeAnnounce marks a link driver's handshake Announce message.
	ModeHandshakeAnnounce
	// ModeHandshakeReply marks a link driver's handshake Reply message.
	ModeHandshakeReply
)

// Has reports whether m has every bit of other set.
func (m Modes) Has(other Modes) bool {
	return m&other == other
}

func (m Modes) String() string {
	var parts []string
	add := func(bit Modes, name string) {
		if m.Has(bit) {
			parts = append(parts, name)
		}
	}
	add(ModeAnnounce, "ANNOUNCE")
	add(ModeData, "DATA")
	add(ModeManifest, "MANIFEST")
	add(ModeHandshakeAnnounce, "HANDSHAKE_ANNOUNCE")
	add(ModeHandshakeReply, "HANDSHAKE_REPLY")
	if len(parts) == 0 {
		return "NONE"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}
