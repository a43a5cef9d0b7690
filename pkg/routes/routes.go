// Package routes implements Ratman's address → best-link/neighbour
// mapping and the announcement-ingestion rules that keep it current.
package routes

import (
	"sync"
	"time"

	"github.com/ratmesh/ratman/pkg/store"
	"github.com/ratmesh/ratman/pkg/rid"
)

// Table is the route table: keyed by peer Address, backed by the store's
// routes table. A local mutex serialises the read-modify-write sequence
// Update needs around the single-row sqlite update, since the deque
// manipulation (push-front / remove-and-push-front) can't be expressed as
// one SQL statement.
type Table struct {
	mu     sync.Mutex
	routes *store.Table[store.RouteData]
}

// Open wires a route Table on top of the store's routes table.
func Open(tables *store.Tables) *Table {
	return &Table{routes: tables.Routes}
}

// Update folds one observation — "peer was heard on endpoint epIdx, from
// link-local neighbour id neighbour, carrying hint bytes" — into the
// route table. Four cases: fresh peer, same-front refresh,
// reorder-to-front, or new-neighbour push-front.
func (t *Table) Update(epNeighbour store.EpNeighbourPair, peer rid.Address, hint []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	existing, err := t.routes.Get(peer.String())
	if err == store.ErrNotFound {
		data := store.RouteData{
			Peer:     peer,
			LinkPath: []store.EpNeighbourPair{epNeighbour},
			RouteID:  rid.Random(),
			Route: &store.RouteInfo{
				Data:      hint,
				State:     store.RouteActive,
				FirstSeen: now,
				LastSeen:  now,
			},
		}
		return t.routes.Insert(peer.String(), data)
	}
	if err != nil {
		return err
	}

	if existing.Route == nil {
		// A local address should never also be announced as a remote
		// peer; ignore rather than clobber register_local_route's entry.
		return nil
	}

	if len(existing.LinkPath) > 0 && existing.LinkPath[0] == epNeighbour {
		existing.Route.LastSeen = now
		existing.Route.State = store.RouteActive
		existing.Route.Data = hint
		return t.routes.Insert(peer.String(), existing)
	}

	existing.LinkPath = pushFront(removeAll(existing.LinkPath, epNeighbour), epNeighbour)
	existing.Route.LastSeen = now
	existing.Route.State = store.RouteActive
	existing.Route.Data = hint
	return t.routes.Insert(peer.String(), existing)
}

func removeAll(path []store.EpNeighbourPair, target store.EpNeighbourPair) []store.EpNeighbourPair {
	out := path[:0:0]
	for _, p := range path {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}

func pushFront(path []store.EpNeighbourPair, head store.EpNeighbourPair) []store.EpNeighbourPair {
	return append([]store.EpNeighbourPair{head}, path...)
}

// Resolve returns the best (most recently heard) endpoint/neighbour pair
// to reach addr, if any route is known.
func (t *Table) Resolve(addr rid.Address) (store.EpNeighbourPair, bool, error) {
	data, err := t.routes.Get(addr.String())
	if err == store.ErrNotFound {
		return store.EpNeighbourPair{}, false, nil
	}
	if err != nil {
		return store.EpNeighbourPair{}, false, err
	}
	if len(data.LinkPath) == 0 {
		return store.EpNeighbourPair{}, false, nil
	}
	return data.LinkPath[0], true, nil
}

// IsLocal reports whether addr has a local (route == nil) entry.
func (t *Table) IsLocal(addr rid.Address) (bool, error) {
	data, err := t.routes.Get(addr.String())
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return data.Route == nil, nil
}

// Reachable reports whether any route — local or remote — is known for
// addr at all.
func (t *Table) Reachable(addr rid.Address) (bool, error) {
	_, err := t.routes.Get(addr.String())
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RegisterLocalRoute marks addr as one of this router's own local
// addresses: route = nil, no link path.
func (t *Table) RegisterLocalRoute(addr rid.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := store.RouteData{
		Peer:    addr,
		RouteID: rid.Random(),
		Route:   nil,
	}
	return t.routes.Insert(addr.String(), data)
}

// ScrubLocal removes addr's local route table entry entirely.
func (t *Table) ScrubLocal(addr rid.Address) error {
	return t.routes.Remove(addr.String())
}
