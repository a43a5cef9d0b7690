package frame

import (
	"bytes"
	"testing"

	"github.com/go-test/deep"
	"github.com/ratmesh/ratman/pkg/rid"
)

func randomAddress(t *testing.T) rid.Address {
	t.Helper()
	addr, _, err := rid.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return addr
}

func TestCarrierFrameHeaderRoundTrip(t *testing.T) {
	sender := randomAddress(t)
	recipient := rid.NewRecipientAddress(randomAddress(t))
	seq := rid.SequenceIdV1{Hash: rid.Random(), Num: 3, Max: 9}

	hdr := NewDataHeader(ModeData, sender, recipient, seq, 1234)

	var buf bytes.Buffer
	if err := hdr.Generate(&buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if buf.Len() != hdr.Size() {
		t.Fatalf("Size() = %d, Generate wrote %d bytes", hdr.Size(), buf.Len())
	}

	rest, got, err := ParseCarrierFrameHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseCarrierFrameHeader: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %d", len(rest))
	}
	if diff := deep.Equal(hdr, got); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestCarrierFrameHeaderNamespaceRecipient(t *testing.T) {
	sender := randomAddress(t)
	recipient := rid.NewRecipientNamespace(rid.Random())
	seq := rid.SequenceIdV1{Hash: rid.Random(), Num: 0, Max: 0}

	hdr := NewDataHeader(ModeManifest, sender, recipient, seq, 42)

	var buf bytes.Buffer
	if err := hdr.Generate(&buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	_, got, err := ParseCarrierFrameHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseCarrierFrameHeader: %v", err)
	}
	if got.Recipient == nil || got.Recipient.Kind != rid.RecipientNamespace {
		t.Fatalf("expected namespace recipient, got %+v", got.Recipient)
	}
}

func TestCarrierFrameHeaderAnnounceNoRecipient(t *testing.T) {
	sender := randomAddress(t)
	seq := rid.SequenceIdV1{Hash: rid.Random(), Num: 0, Max: 0}
	var sig [64]byte
	copy(sig[:], bytes.Repeat([]byte{0xAB}, 64))

	hdr := NewAnnounceHeader(sender, seq, sig, 16)

	var buf bytes.Buffer
	if err := hdr.Generate(&buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	_, got, err := ParseCarrierFrameHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseCarrierFrameHeader: %v", err)
	}
	if got.Recipient != nil {
		t.Fatalf("expected no recipient on an announce frame, got %+v", got.Recipient)
	}
	if got.AuxiliaryData != sig {
		t.Fatalf("auxiliary data (signature) mismatch")
	}
}

func TestParseCarrierFrameHeaderInvalidVersion(t *testing.T) {
	input := []byte{0xFF, 0, 0}
	_, _, err := ParseCarrierFrameHeader(input)
	if err == nil {
		t.Fatal("expected error for invalid version byte")
	}
	var verr *InvalidVersionError
	if !asInvalidVersion(err, &verr) {
		t.Fatalf("expected *InvalidVersionError, got %T: %v", err, err)
	}
	if verr.Version != 0xFF {
		t.Fatalf("unexpected version in error: %d", verr.Version)
	}
}

func asInvalidVersion(err error, target **InvalidVersionError) bool {
	if e, ok := err.(*InvalidVersionError); ok {
		*target = e
		return true
	}
	return false
}

func TestParseCarrierFrameHeaderTruncated(t *testing.T) {
	sender := randomAddress(t)
	recipient := rid.NewRecipientAddress(randomAddress(t))
	seq := rid.SequenceIdV1{Hash: rid.Random(), Num: 1, Max: 1}
	hdr := NewDataHeader(ModeData, sender, recipient, seq, 8)

	var buf bytes.Buffer
	if err := hdr.Generate(&buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	full := buf.Bytes()
	for cut := 0; cut < len(full); cut++ {
		if _, _, err := ParseCarrierFrameHeader(full[:cut]); err == nil {
			t.Fatalf("expected parse error for truncated input at %d/%d bytes", cut, len(full))
		}
	}
}

func TestSequenceIdMaxZeroRejectsNonzeroNum(t *testing.T) {
	sender := randomAddress(t)
	recipient := rid.NewRecipientAddress(randomAddress(t))

	var buf bytes.Buffer
	buf.WriteByte(CurrentVersion)
	var modesBuf [2]byte
	buf.Write(modesBuf[:])
	_ = generateRecipient(&recipient, &buf)
	buf.Write(sender.Bytes())

	buf.WriteByte(seqIDDiscPresent)
	buf.Write(rid.Random().Bytes())
	buf.WriteByte(5) // num
	buf.WriteByte(0) // max

	buf.Write(make([]byte, auxiliaryDataLen))
	buf.Write([]byte{0, 0})

	_, _, err := ParseCarrierFrameHeader(buf.Bytes())
	if err == nil {
		t.Fatal("expected malformed sequence id (max=0, num=5) to be rejected")
	}
}

func TestManifestFrameRoundTrip(t *testing.T) {
	m := ManifestFrameV1{
		Root:      rid.Random(),
		RootKey:   rid.Random(),
		Level:     2,
		BlockSize: BlockSize32K,
		Letterhead: Letterhead{
			StreamName:  "chat/general",
			ContentType: "text/plain",
		},
	}

	var buf bytes.Buffer
	if err := m.Generate(&buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	rest, got, err := ParseManifestFrameV1(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseManifestFrameV1: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %d", len(rest))
	}
	if diff := deep.Equal(m, got); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestManifestFrameRejectsUnknownBlockSize(t *testing.T) {
	m := ManifestFrameV1{Root: rid.Random(), RootKey: rid.Random(), BlockSize: BlockSize32K}
	var buf bytes.Buffer
	if err := m.Generate(&buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	raw := buf.Bytes()
	raw[rid.Len*2+1] = 99 // corrupt block size discriminator

	if _, _, err := ParseManifestFrameV1(raw); err == nil {
		t.Fatal("expected error for unknown block size discriminator")
	}
}

func TestAnnounceFrameRoundTrip(t *testing.T) {
	a := AnnounceFrameV1{Hint: RouteHint{Buffer: 128, LatencyMs: 42}}

	var buf bytes.Buffer
	if err := a.Generate(&buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	rest, got, err := ParseAnnounceFrameV1(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseAnnounceFrameV1: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %d", len(rest))
	}
	if diff := deep.Equal(a, got); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestMicroframeHeaderRoundTrip(t *testing.T) {
	auth := rid.NewAddrAuth()
	hdr := MicroframeHeader{
		Modes:         MicroSend,
		Auth:          &auth,
		ClientVersion: ClientVersion,
		PayloadSize:   4096,
	}

	var buf bytes.Buffer
	if err := hdr.Generate(&buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if buf.Len() != hdr.Size() {
		t.Fatalf("Size() = %d, Generate wrote %d bytes", hdr.Size(), buf.Len())
	}

	rest, got, err := ParseMicroframeHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseMicroframeHeader: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("unexpected trailing bytes: %d", len(rest))
	}
	if diff := deep.Equal(hdr, got); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestMicroframeHeaderNoAuth(t *testing.T) {
	hdr := MicroframeHeader{Modes: MicroSetup, ClientVersion: ClientVersion, PayloadSize: 0}

	var buf bytes.Buffer
	if err := hdr.Generate(&buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	_, got, err := ParseMicroframeHeader(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseMicroframeHeader: %v", err)
	}
	if got.Auth != nil {
		t.Fatalf("expected nil auth, got %+v", got.Auth)
	}
}

func TestModesString(t *testing.T) {
	if Modes(0).String() != "NONE" {
		t.Fatalf("expected NONE for zero modes")
	}
	combined := ModeData | ModeManifest
	s := combined.String()
	if s != "DATA|MANIFEST" {
		t.Fatalf("unexpected combined modes string: %q", s)
	}
}
