// Package subs implements the subscription manager: the recipient-to-
// subscription index, the persisted listener sets backing it, and the
// in-memory broadcast fan-out active listeners read completed messages
// from. Grounded on
// original_source/ratman/src/runtime/subs_man.rs.
package subs

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ratmesh/ratman/pkg/broadcast"
	"github.com/ratmesh/ratman/pkg/eris"
	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/rerr"
	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/store"
)

// DeliveredItem is one fully-decoded message handed to every active
// listener of a subscription.
type DeliveredItem struct {
	Letterhead frame.Letterhead
	Capability eris.ReadCapability
}

// Manager owns the subscriptions table, the in-memory recipient index
// built from it at startup, and the per-subscription broadcast groups
// active listeners subscribe to.
type Manager struct {
	mu         sync.Mutex
	tables     *store.Tables
	recipients map[rid.Recipient]rid.Ident32
	listeners  map[rid.Ident32]*broadcast.Group[DeliveredItem]
	log        zerolog.Logger
}

// Open rebuilds the in-memory recipient index from the persisted
// subscriptions table.
func Open(tables *store.Tables, log zerolog.Logger) (*Manager, error) {
	m := &Manager{
		tables:     tables,
		recipients: make(map[rid.Recipient]rid.Ident32),
		listeners:  make(map[rid.Ident32]*broadcast.Group[DeliveredItem]),
		log:        log.With().Str("component", "subs").Logger(),
	}

	entries, err := tables.Subscriptions.Iter()
	if err != nil {
		return nil, fmt.Errorf("subs: load subscriptions: %w", err)
	}
	for _, e := range entries {
		subID, err := rid.FromString(e.Key)
		if err != nil {
			return nil, fmt.Errorf("subs: parse subscription id %q: %w", e.Key, err)
		}
		m.recipients[e.Value.Recipient] = subID
	}
	return m, nil
}

// listenerGroup returns the broadcast group backing subID's active
// listeners, creating it on first use.
func (m *Manager) listenerGroup(subID rid.Ident32) *broadcast.Group[DeliveredItem] {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.listeners[subID]
	if !ok {
		g = broadcast.New[DeliveredItem]()
		m.listeners[subID] = g
	}
	return g
}

// CreateSubscription attaches addr as a listener to recipient: if a
// subscription already exists for recipient, addr joins its listener set;
// otherwise a fresh subscription is created. Returns the subscription id
// and a receiver streaming every future DeliveredItem for it.
func (m *Manager) CreateSubscription(addr rid.Address, recipient rid.Recipient) (rid.Ident32, *broadcast.Receiver[DeliveredItem], error) {
	entries, err := m.tables.Subscriptions.Iter()
	if err != nil {
		return rid.Ident32{}, nil, fmt.Errorf("subs: iterate subscriptions: %w", err)
	}
	for _, e := range entries {
		if e.Value.Recipient != recipient {
			continue
		}
		subID, err := rid.FromString(e.Key)
		if err != nil {
			return rid.Ident32{}, nil, fmt.Errorf("subs: parse subscription id %q: %w", e.Key, err)
		}
		if !containsAddr(e.Value.Listeners, addr) {
			e.Value.Listeners = append(e.Value.Listeners, addr)
			if err := m.tables.Subscriptions.Insert(e.Key, e.Value); err != nil {
				return rid.Ident32{}, nil, fmt.Errorf("subs: update subscription: %w", err)
			}
		}
		return subID, m.listenerGroup(subID).Subscribe(), nil
	}

	subID := rid.Random()
	data := store.SubscriptionData{Recipient: recipient, Listeners: []rid.Address{addr}}
	if err := m.tables.Subscriptions.Insert(subID.String(), data); err != nil {
		return rid.Ident32{}, nil, fmt.Errorf("subs: insert subscription: %w", err)
	}

	m.mu.Lock()
	m.recipients[recipient] = subID
	m.mu.Unlock()

	return subID, m.listenerGroup(subID).Subscribe(), nil
}

// DeleteSubscription removes addr from subID's listener set, deleting the
// subscription entirely once no listener remains.
func (m *Manager) DeleteSubscription(addr rid.Address, subID rid.Ident32) error {
	data, err := m.tables.Subscriptions.Get(subID.String())
	if err == store.ErrNotFound {
		return &rerr.ErrNoSuchSubscription{ID: subID}
	}
	if err != nil {
		return fmt.Errorf("subs: get subscription %s: %w", subID, err)
	}

	data.Listeners = removeAddr(data.Listeners, addr)
	if len(data.Listeners) == 0 {
		if err := m.tables.Subscriptions.Remove(subID.String()); err != nil {
			return fmt.Errorf("subs: remove subscription: %w", err)
		}
		m.mu.Lock()
		delete(m.recipients, data.Recipient)
		delete(m.listeners, subID)
		m.mu.Unlock()
		return nil
	}

	return m.tables.Subscriptions.Insert(subID.String(), data)
}

// RestoreSubscription validates that addr is a listener of subID and
// returns a fresh receiver onto its broadcast group, e.g. after a client
// reconnects.
func (m *Manager) RestoreSubscription(addr rid.Address, subID rid.Ident32) (*broadcast.Receiver[DeliveredItem], error) {
	data, err := m.tables.Subscriptions.Get(subID.String())
	if err == store.ErrNotFound {
		return nil, &rerr.ErrNoSuchSubscription{ID: subID}
	}
	if err != nil {
		return nil, fmt.Errorf("subs: get subscription %s: %w", subID, err)
	}
	if !containsAddr(data.Listeners, addr) {
		return nil, rerr.ErrNoAddress
	}
	return m.listenerGroup(subID).Subscribe(), nil
}

// Dispatch delivers item to to's subscription's active listeners. Returns
// false when no subscription exists for to, or a subscription exists but
// currently has no active listener attached, so the caller (the ingress
// assembler) can fall back to MissedItem in either case.
func (m *Manager) Dispatch(to rid.Recipient, item DeliveredItem) bool {
	m.mu.Lock()
	subID, ok := m.recipients[to]
	m.mu.Unlock()
	if !ok {
		return false
	}
	g := m.listenerGroup(subID)
	if g.Len() == 0 {
		return false
	}
	g.Send(item)
	return true
}

// MissedItem persists item against to's subscription for later retrieval,
// used when Dispatch found a subscription but it currently has no active
// listener streaming.
func (m *Manager) MissedItem(to rid.Recipient, letterhead frame.Letterhead, manifest frame.ManifestFrameV1) error {
	m.mu.Lock()
	subID, ok := m.recipients[to]
	m.mu.Unlock()
	if !ok {
		return &rerr.ErrNoSuchSubscription{}
	}

	data, err := m.tables.Subscriptions.Get(subID.String())
	if err != nil {
		return fmt.Errorf("subs: get subscription %s: %w", subID, err)
	}
	if data.MissedItems == nil {
		data.MissedItems = make(map[rid.Recipient][]store.MissedItem)
	}
	data.MissedItems[to] = append(data.MissedItems[to], store.MissedItem{Letterhead: letterhead, Capability: manifest})

	return m.tables.Subscriptions.Insert(subID.String(), data)
}

func containsAddr(addrs []rid.Address, addr rid.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

func removeAddr(addrs []rid.Address, addr rid.Address) []rid.Address {
	out := addrs[:0]
	for _, a := range addrs {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}
