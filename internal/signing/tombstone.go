package signing

import "sync"

// TombstoneSet remembers placement IDs deleted during the current viewing
// session. Delayed or out-of-order peer events referencing a tombstoned ID
// are discarded instead of resurrecting a phantom placement. Tombstoning is
// by ID, never by user: a signer who deletes one draft and creates another
// keeps the new one.
type TombstoneSet struct {
	mu  sync.Mutex
	ids map[PlacementID]struct{}
}

// NewTombstoneSet returns an empty tombstone set.
func NewTombstoneSet() *TombstoneSet {
	return &TombstoneSet{ids: make(map[PlacementID]struct{})}
}

// Add records a deleted placement ID.
func (t *TombstoneSet) Add(id PlacementID) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.ids[id] = struct{}{}
	t.mu.Unlock()
}

// Contains reports whether the ID has been deleted this session.
func (t *TombstoneSet) Contains(id PlacementID) bool {
	t.mu.Lock()
	_, ok := t.ids[id]
	t.mu.Unlock()
	return ok
}

// Len returns the number of tombstoned IDs.
func (t *TombstoneSet) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}
