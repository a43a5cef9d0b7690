package journal

import (
	"sync"

	"github.com/ratmesh/ratman/pkg/rid"
)

// knownSet is the in-memory flood-deduplication set: a plain mutex-guarded
// map, not a table, since it only needs to survive for the life of one
// process and a sqlite round trip per frame would dominate switch
// latency. Restart loses it, which only costs one extra round of
// re-flooding per in-flight stream.
type knownSet struct {
	mu   sync.RWMutex
	seen map[rid.Ident32]struct{}
}

func newKnownSet() *knownSet {
	return &knownSet{seen: make(map[rid.Ident32]struct{})}
}

// isUnknown reports whether id has not yet been marked known.
func (k *knownSet) isUnknown(id rid.Ident32) bool {
	k.mu.RLock()
	_, ok := k.seen[id]
	k.mu.RUnlock()
	return !ok
}

// saveAsKnown marks id known. Returns true if this call is the one that
// transitioned it from unknown to known (the caller should flood only
// in that case).
func (k *knownSet) saveAsKnown(id rid.Ident32) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.seen[id]; ok {
		return false
	}
	k.seen[id] = struct{}{}
	return true
}
