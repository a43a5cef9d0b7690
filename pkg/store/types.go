package store

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/rid"
)

// AddressKind distinguishes an address this router holds the secret key
// for from one only known via announcement.
type AddressKind uint8

const (
	AddressLocal AddressKind = iota
	AddressRemote
)

// AddressData is the addrs table's value: a local address carries its
// ed25519 secret key encrypted at rest with an AddrAuth-derived key, a
// remote address carries nothing beyond its own table key.
type AddressData struct {
	Kind           AddressKind
	EncryptedKey   []byte
	Nonce          [24]byte
	AuthTokenSalt  [16]byte
}

// AddressDataCodec implements Codec[AddressData].
type AddressDataCodec struct{}

func (AddressDataCodec) Encode(v AddressData) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(v.Kind))
	writeBytes(&buf, v.EncryptedKey)
	buf.Write(v.Nonce[:])
	buf.Write(v.AuthTokenSalt[:])
	return buf.Bytes(), nil
}

func (AddressDataCodec) Decode(raw []byte) (AddressData, error) {
	var v AddressData
	if len(raw) < 1 {
		return v, errShort("address kind")
	}
	v.Kind = AddressKind(raw[0])
	raw = raw[1:]

	key, rest, err := readBytes(raw)
	if err != nil {
		return v, err
	}
	v.EncryptedKey = key
	raw = rest

	if len(raw) < 24+16 {
		return v, errShort("address nonce/salt")
	}
	copy(v.Nonce[:], raw[:24])
	copy(v.AuthTokenSalt[:], raw[24:40])
	return v, nil
}

// RouteState mirrors the three-state lifecycle a discovered route moves
// through as announcements arrive and age.
type RouteState uint8

const (
	RouteActive RouteState = iota
	RouteIdle
	RouteLost
)

func (s RouteState) String() string {
	switch s {
	case RouteActive:
		return "active"
	case RouteIdle:
		return "idle"
	case RouteLost:
		return "lost"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// EpNeighbourPair identifies a neighbour by the link endpoint it was
// learned on plus the neighbour's link-local identifier on that endpoint.
type EpNeighbourPair struct {
	EpIdx     uint32
	Neighbour rid.Ident32
}

// RouteInfo is the mutable, announcement-driven part of a route; absent
// (nil in RouteData.Route) for the router's own local addresses.
type RouteInfo struct {
	Data      []byte
	State     RouteState
	FirstSeen time.Time
	LastSeen  time.Time
}

// RouteData is the routes table's value.
type RouteData struct {
	Peer     rid.Address
	LinkPath []EpNeighbourPair
	RouteID  rid.Ident32
	Route    *RouteInfo
}

// RouteDataCodec implements Codec[RouteData].
type RouteDataCodec struct{}

func (RouteDataCodec) Encode(v RouteData) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(v.Peer.Bytes())

	writeUint32(&buf, uint32(len(v.LinkPath)))
	for _, p := range v.LinkPath {
		writeUint32(&buf, p.EpIdx)
		buf.Write(p.Neighbour.Bytes())
	}

	buf.Write(v.RouteID.Bytes())

	if v.Route == nil {
		buf.WriteByte(0)
	} else {
		buf.WriteByte(1)
		writeBytes(&buf, v.Route.Data)
		buf.WriteByte(byte(v.Route.State))
		writeTime(&buf, v.Route.FirstSeen)
		writeTime(&buf, v.Route.LastSeen)
	}

	return buf.Bytes(), nil
}

func (RouteDataCodec) Decode(raw []byte) (RouteData, error) {
	var v RouteData
	if len(raw) < rid.Len {
		return v, errShort("route peer")
	}
	peer, err := rid.AddressFromBytes(raw[:rid.Len])
	if err != nil {
		return v, err
	}
	v.Peer = peer
	raw = raw[rid.Len:]

	n, rest, err := readUint32(raw)
	if err != nil {
		return v, err
	}
	raw = rest
	v.LinkPath = make([]EpNeighbourPair, 0, n)
	for i := uint32(0); i < n; i++ {
		epIdx, rest, err := readUint32(raw)
		if err != nil {
			return v, err
		}
		raw = rest
		if len(raw) < rid.Len {
			return v, errShort("route link path neighbour")
		}
		neighbour, err := rid.FromBytes(raw[:rid.Len])
		if err != nil {
			return v, err
		}
		raw = raw[rid.Len:]
		v.LinkPath = append(v.LinkPath, EpNeighbourPair{EpIdx: epIdx, Neighbour: neighbour})
	}

	if len(raw) < rid.Len {
		return v, errShort("route id")
	}
	routeID, err := rid.FromBytes(raw[:rid.Len])
	if err != nil {
		return v, err
	}
	v.RouteID = routeID
	raw = raw[rid.Len:]

	if len(raw) < 1 {
		return v, errShort("route presence discriminator")
	}
	present := raw[0]
	raw = raw[1:]
	if present == 0 {
		return v, nil
	}

	data, rest, err := readBytes(raw)
	if err != nil {
		return v, err
	}
	raw = rest
	if len(raw) < 1 {
		return v, errShort("route state")
	}
	state := RouteState(raw[0])
	raw = raw[1:]
	firstSeen, rest, err := readTime(raw)
	if err != nil {
		return v, err
	}
	raw = rest
	lastSeen, _, err := readTime(raw)
	if err != nil {
		return v, err
	}
	v.Route = &RouteInfo{Data: data, State: state, FirstSeen: firstSeen, LastSeen: lastSeen}
	return v, nil
}

// MissedItem is a single queued-for-later delivery recorded against a
// subscription whose listener set was empty when it arrived.
type MissedItem struct {
	Letterhead frame.Letterhead
	Capability frame.ManifestFrameV1
}

// SubscriptionData is the subscriptions table's value. The row is removed
// entirely once Listeners becomes empty.
type SubscriptionData struct {
	Recipient   rid.Recipient
	Listeners   []rid.Address
	MissedItems map[rid.Recipient][]MissedItem
}

// SubscriptionDataCodec implements Codec[SubscriptionData].
type SubscriptionDataCodec struct{}

func (SubscriptionDataCodec) Encode(v SubscriptionData) ([]byte, error) {
	var buf bytes.Buffer
	encodeRecipient(&buf, v.Recipient)

	writeUint32(&buf, uint32(len(v.Listeners)))
	for _, l := range v.Listeners {
		buf.Write(l.Bytes())
	}

	writeUint32(&buf, uint32(len(v.MissedItems)))
	for recipient, items := range v.MissedItems {
		encodeRecipient(&buf, recipient)
		writeUint32(&buf, uint32(len(items)))
		for _, item := range items {
			if err := item.Letterhead.Generate(&buf); err != nil {
				return nil, err
			}
			if err := item.Capability.Generate(&buf); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

func (SubscriptionDataCodec) Decode(raw []byte) (SubscriptionData, error) {
	var v SubscriptionData
	recipient, rest, err := decodeRecipient(raw)
	if err != nil {
		return v, err
	}
	v.Recipient = recipient
	raw = rest

	nListeners, rest, err := readUint32(raw)
	if err != nil {
		return v, err
	}
	raw = rest
	v.Listeners = make([]rid.Address, 0, nListeners)
	for i := uint32(0); i < nListeners; i++ {
		if len(raw) < rid.Len {
			return v, errShort("subscription listener")
		}
		addr, err := rid.AddressFromBytes(raw[:rid.Len])
		if err != nil {
			return v, err
		}
		raw = raw[rid.Len:]
		v.Listeners = append(v.Listeners, addr)
	}

	nMissed, rest, err := readUint32(raw)
	if err != nil {
		return v, err
	}
	raw = rest
	if nMissed > 0 {
		v.MissedItems = make(map[rid.Recipient][]MissedItem, nMissed)
	}
	for i := uint32(0); i < nMissed; i++ {
		key, rest, err := decodeRecipient(raw)
		if err != nil {
			return v, err
		}
		raw = rest

		nItems, rest, err := readUint32(raw)
		if err != nil {
			return v, err
		}
		raw = rest

		items := make([]MissedItem, 0, nItems)
		for j := uint32(0); j < nItems; j++ {
			var lh frame.Letterhead
			lh.StreamName, raw, err = readFrameString(raw)
			if err != nil {
				return v, err
			}
			lh.ContentType, raw, err = readFrameString(raw)
			if err != nil {
				return v, err
			}
			raw2, manifest, err := frame.ParseManifestFrameV1(raw)
			if err != nil {
				return v, err
			}
			raw = raw2
			items = append(items, MissedItem{Letterhead: lh, Capability: manifest})
		}
		v.MissedItems[key] = items
	}
	return v, nil
}

// readFrameString mirrors pkg/frame's internal length-prefixed string
// encoding; Letterhead has no standalone parser since it never appears
// bare on the wire, only embedded in ManifestFrameV1, so subscription
// persistence reads its two strings the same way the manifest codec does.
func readFrameString(input []byte) (string, []byte, error) {
	if len(input) < 2 {
		return "", input, errShort("letterhead string length")
	}
	n := int(input[0])<<8 | int(input[1])
	input = input[2:]
	if len(input) < n {
		return "", input, errShort("letterhead string body")
	}
	return string(input[:n]), input[n:], nil
}

const (
	recipientKindAddress   = 1
	recipientKindNamespace = 2
)

func encodeRecipient(buf *bytes.Buffer, r rid.Recipient) {
	switch r.Kind {
	case rid.RecipientNamespace:
		buf.WriteByte(recipientKindNamespace)
	default:
		buf.WriteByte(recipientKindAddress)
	}
	buf.Write(r.ID.Bytes())
}

func decodeRecipient(raw []byte) (rid.Recipient, []byte, error) {
	var r rid.Recipient
	if len(raw) < 1+rid.Len {
		return r, raw, errShort("recipient")
	}
	kind := raw[0]
	id, err := rid.FromBytes(raw[1 : 1+rid.Len])
	if err != nil {
		return r, raw, err
	}
	if kind == recipientKindNamespace {
		r = rid.NewRecipientNamespace(id)
	} else {
		r = rid.NewRecipientAddress(rid.Address(id))
	}
	return r, raw[1+rid.Len:], nil
}

// IncompleteBlockData is the incomplete table's value: the set of chunk
// ordinals already received for a block, so the collector can resume
// after a restart instead of re-requesting the whole block.
type IncompleteBlockData struct {
	MaxNum uint8
	Buffer []uint8
}

// IncompleteBlockDataCodec implements Codec[IncompleteBlockData].
type IncompleteBlockDataCodec struct{}

func (IncompleteBlockDataCodec) Encode(v IncompleteBlockData) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(v.MaxNum)
	writeBytes(&buf, v.Buffer)
	return buf.Bytes(), nil
}

func (IncompleteBlockDataCodec) Decode(raw []byte) (IncompleteBlockData, error) {
	var v IncompleteBlockData
	if len(raw) < 1 {
		return v, errShort("incomplete block max_num")
	}
	v.MaxNum = raw[0]
	buffer, _, err := readBytes(raw[1:])
	if err != nil {
		return v, err
	}
	v.Buffer = buffer
	return v, nil
}

// ManifestEntry is the manifests table's value.
type ManifestEntry struct {
	Manifest  frame.ManifestFrameV1
	Recipient rid.Recipient
}

// ManifestEntryCodec implements Codec[ManifestEntry].
type ManifestEntryCodec struct{}

func (ManifestEntryCodec) Encode(v ManifestEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := v.Manifest.Generate(&buf); err != nil {
		return nil, err
	}
	encodeRecipient(&buf, v.Recipient)
	return buf.Bytes(), nil
}

func (ManifestEntryCodec) Decode(raw []byte) (ManifestEntry, error) {
	var v ManifestEntry
	rest, manifest, err := frame.ParseManifestFrameV1(raw)
	if err != nil {
		return v, err
	}
	v.Manifest = manifest
	recipient, _, err := decodeRecipient(rest)
	if err != nil {
		return v, err
	}
	v.Recipient = recipient
	return v, nil
}

// FrameEntry is the frames table's value, keyed by "<block_hash>::<num>".
type FrameEntry struct {
	Header  frame.CarrierFrameHeader
	Payload []byte
}

// FrameEntryCodec implements Codec[FrameEntry].
type FrameEntryCodec struct{}

func (FrameEntryCodec) Encode(v FrameEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := v.Header.Generate(&buf); err != nil {
		return nil, err
	}
	buf.Write(v.Payload)
	return buf.Bytes(), nil
}

func (FrameEntryCodec) Decode(raw []byte) (FrameEntry, error) {
	var v FrameEntry
	rest, hdr, err := frame.ParseCarrierFrameHeader(raw)
	if err != nil {
		return v, err
	}
	v.Header = hdr
	v.Payload = append([]byte(nil), rest...)
	return v, nil
}

// FrameEntryKey builds the "<block_hash>::<num>" composite key used by the
// frames table.
func FrameEntryKey(blockHash rid.Ident32, num uint8) string {
	return fmt.Sprintf("%s::%d", blockHash.String(), num)
}
