package link

import (
	"bytes"
	"sync"

	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/rid"
)

// NeighbourTable is the per-driver map from an opaque transport-level
// neighbour address (a UDP socket address, a MAC, a multicast group
// member) to the 32-byte router-key id learned from it via the two-
// message handshake: Announce(self_rk_id) -> Reply(self_rk_id). Every
// reference driver in this package embeds one.
type NeighbourTable[K comparable] struct {
	mu    sync.RWMutex
	ids   map[K]rid.Ident32
	addrs map[rid.Ident32]K
}

// NewNeighbourTable creates an empty table.
func NewNeighbourTable[K comparable]() *NeighbourTable[K] {
	return &NeighbourTable[K]{
		ids:   make(map[K]rid.Ident32),
		addrs: make(map[rid.Ident32]K),
	}
}

// Observe records that transport address key announced router-key id.
func (t *NeighbourTable[K]) Observe(key K, id rid.Ident32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[key] = id
	t.addrs[id] = key
}

// Lookup returns the router-key id learned for key, if any.
func (t *NeighbourTable[K]) Lookup(key K) (rid.Ident32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[key]
	return id, ok
}

// Addr returns the transport address a given router-key id was learned
// on, if any — used by Send(Single(id)) to find where to write bytes.
func (t *NeighbourTable[K]) Addr(id rid.Ident32) (K, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	k, ok := t.addrs[id]
	return k, ok
}

// Each calls fn once per (transport address, router-key id) pair. fn must
// not call back into Observe.
func (t *NeighbourTable[K]) Each(fn func(key K, id rid.Ident32)) {
	t.mu.RLock()
	type pair struct {
		key K
		id  rid.Ident32
	}
	snapshot := make([]pair, 0, len(t.ids))
	for k, id := range t.ids {
		snapshot = append(snapshot, pair{k, id})
	}
	t.mu.RUnlock()
	for _, p := range snapshot {
		fn(p.key, p.id)
	}
}

// handshakeModes identifies the two local-only handshake messages a
// driver exchanges with a freshly contacted neighbour before any ordinary
// carrier frame flows. They ride wrapped in a CarrierFrameHeader exactly
// like data frames, since every byte a driver writes to its transport
// must be frame-delimited the same way.
const (
	handshakeAnnounce = frame.ModeHandshakeAnnounce
	handshakeReply    = frame.ModeHandshakeReply
)

// BuildAnnounce frames selfRouterKeyID as an Announce handshake message.
func BuildAnnounce(selfRouterKeyID rid.Address) (Envelope, error) {
	return buildHandshake(handshakeAnnounce, selfRouterKeyID)
}

// BuildReply frames selfRouterKeyID as a Reply handshake message.
func BuildReply(selfRouterKeyID rid.Address) (Envelope, error) {
	return buildHandshake(handshakeReply, selfRouterKeyID)
}

func buildHandshake(mode frame.Modes, selfRouterKeyID rid.Address) (Envelope, error) {
	hdr := frame.CarrierFrameHeader{
		Version: frame.CurrentVersion,
		Modes:   mode,
		Sender:  selfRouterKeyID,
	}
	payload := selfRouterKeyID.Bytes()
	hdr.PayloadLength = uint16(len(payload))

	var buf bytes.Buffer
	if err := hdr.Generate(&buf); err != nil {
		return Envelope{}, err
	}
	return Envelope{Header: hdr, Payload: payload}, nil
}

// IsHandshake reports whether env carries one of the two handshake modes,
// and if so, the router-key id it announces.
func IsHandshake(env Envelope) (id rid.Ident32, isHandshake bool) {
	if !env.Header.Modes.Has(handshakeAnnounce) && !env.Header.Modes.Has(handshakeReply) {
		return rid.Ident32{}, false
	}
	if len(env.Payload) < rid.Len {
		return rid.Ident32{}, false
	}
	id, err := rid.FromBytes(env.Payload[:rid.Len])
	if err != nil {
		return rid.Ident32{}, false
	}
	return id, true
}

// IsAnnounce reports whether env is specifically the first handshake
// message (as opposed to the Reply).
func IsAnnounce(env Envelope) bool {
	return env.Header.Modes.Has(handshakeAnnounce)
}
