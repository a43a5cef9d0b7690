package keystore

import (
	"crypto/ed25519"
	"sync"

	"github.com/rs/xid"

	"github.com/ratmesh/ratman/pkg/rid"
)

// ClientID identifies the connection (client socket, or internal
// subsystem) an opened key or stream is scoped to. Generated with
// rs/xid for the same reason zerolog's request-id middleware does: a
// fast, sortable, lock-free, collision-free id with no coordination
// required between callers.
type ClientID = xid.ID

// NewClientID allocates a fresh ClientID.
func NewClientID() ClientID {
	return xid.New()
}

// cache replaces crypto.rs's two per-OS-thread maps (KEY_CACHE,
// SHARED_CACHE) with one mutex-guarded store keyed by ClientID: Go
// goroutines aren't pinned to OS threads, so a thread-local would silently
// scope to the wrong caller the moment the scheduler moved it. Scoping by
// the caller-supplied ClientID instead gives the same "only this client's
// session can see this key" isolation without relying on goroutine
// affinity.
type cache struct {
	mu      sync.RWMutex
	keys    map[ClientID]map[rid.Address]ed25519.PrivateKey
	streams map[ClientID]map[streamPair][32]byte
}

type streamPair struct {
	self rid.Address
	peer rid.Address
}

func newCache() *cache {
	return &cache{
		keys:    make(map[ClientID]map[rid.Address]ed25519.PrivateKey),
		streams: make(map[ClientID]map[streamPair][32]byte),
	}
}

func (c *cache) putKey(client ClientID, addr rid.Address, priv ed25519.PrivateKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[client] == nil {
		c.keys[client] = make(map[rid.Address]ed25519.PrivateKey)
	}
	c.keys[client][addr] = priv
}

func (c *cache) getKey(client ClientID, addr rid.Address) (ed25519.PrivateKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	priv, ok := c.keys[client][addr]
	return priv, ok
}

func (c *cache) dropKey(client ClientID, addr rid.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys[client], addr)
	if len(c.keys[client]) == 0 {
		delete(c.keys, client)
	}
}

func (c *cache) putShared(client ClientID, self, peer rid.Address, secret [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams[client] == nil {
		c.streams[client] = make(map[streamPair][32]byte)
	}
	c.streams[client][streamPair{self: self, peer: peer}] = secret
}

func (c *cache) getShared(client ClientID, self, peer rid.Address) ([32]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	secret, ok := c.streams[client][streamPair{self: self, peer: peer}]
	return secret, ok
}
