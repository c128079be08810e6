package signing

import (
	"sync"

	"signsync/internal/geometry"
)

// Store holds the reconciled signature placements for one active document
// view. It is owned by a single document session and never shared across
// documents; mutations arrive from the socket reader, persistence callbacks
// and the UI, so access is serialized with a mutex.
type Store struct {
	mu         sync.Mutex
	viewer     UserID
	placements []SignaturePlacement
	tombstones *TombstoneSet
	dragging   map[PlacementID]struct{}

	listenerSeq int64
	listeners   map[int64]func()
}

// NewStore constructs an empty store for the given viewer.
func NewStore(viewer UserID) *Store {
	return &Store{
		viewer:     viewer,
		tombstones: NewTombstoneSet(),
		dragging:   make(map[PlacementID]struct{}),
		listeners:  make(map[int64]func()),
	}
}

// Viewer returns the owning viewer's identifier.
func (s *Store) Viewer() UserID {
	return s.viewer
}

// Tombstones exposes the session tombstone set.
func (s *Store) Tombstones() *TombstoneSet {
	return s.tombstones
}

// Snapshot returns a copy of the current placement list.
func (s *Store) Snapshot() []SignaturePlacement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SignaturePlacement, len(s.placements))
	copy(out, s.placements)
	return out
}

// Find returns the placement with the given ID, if present.
func (s *Store) Find(id PlacementID) (SignaturePlacement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.placements {
		if record.ID == id {
			return record, true
		}
	}
	return SignaturePlacement{}, false
}

// OwnDraft returns the viewer's draft placement, if one exists.
func (s *Store) OwnDraft() (SignaturePlacement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.placements {
		if record.UserID == s.viewer && record.Status == StatusDraft {
			return record, true
		}
	}
	return SignaturePlacement{}, false
}

// ApplyServer reconciles freshly fetched finals and drafts against the
// current in-memory list and publishes the merged result.
func (s *Store) ApplyServer(finals, drafts []SignaturePlacement) {
	s.mu.Lock()
	s.placements = Reconcile(ReconcileInput{
		Finals:     finals,
		Drafts:     drafts,
		Local:      s.placements,
		Viewer:     s.viewer,
		Tombstones: s.tombstones,
	})
	s.mu.Unlock()
	s.notify()
}

// Upsert inserts or replaces a single placement. Tombstoned IDs are ignored,
// which is what suppresses resurrected peer add events.
func (s *Store) Upsert(record SignaturePlacement) bool {
	if s.tombstones.Contains(record.ID) {
		return false
	}
	s.mu.Lock()
	replaced := false
	for index, existing := range s.placements {
		if existing.ID == record.ID {
			s.placements[index] = record
			replaced = true
			break
		}
	}
	if !replaced {
		s.placements = append(s.placements, record)
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// Remove tombstones the ID and drops the matching record. It returns the
// removed record so callers can roll back or broadcast it.
func (s *Store) Remove(id PlacementID) (SignaturePlacement, bool) {
	s.tombstones.Add(id)
	s.mu.Lock()
	var removed SignaturePlacement
	found := false
	kept := s.placements[:0]
	for _, record := range s.placements {
		if record.ID == id {
			removed = record
			found = true
			continue
		}
		kept = append(kept, record)
	}
	s.placements = kept
	delete(s.dragging, id)
	s.mu.Unlock()
	if found {
		s.notify()
	}
	return removed, found
}

// Discard drops a record without tombstoning it. Used to roll back an
// optimistic insert whose create call failed.
func (s *Store) Discard(id PlacementID) bool {
	s.mu.Lock()
	found := false
	kept := s.placements[:0]
	for _, record := range s.placements {
		if record.ID == id {
			found = true
			continue
		}
		kept = append(kept, record)
	}
	s.placements = kept
	delete(s.dragging, id)
	s.mu.Unlock()
	if found {
		s.notify()
	}
	return found
}

// ReplaceID swaps a provisional placement ID for the server-issued one.
func (s *Store) ReplaceID(provisional, canonical PlacementID) bool {
	s.mu.Lock()
	swapped := false
	for index, record := range s.placements {
		if record.ID == provisional {
			record.ID = canonical
			s.placements[index] = record
			swapped = true
			break
		}
	}
	if swapped {
		if _, wasDragging := s.dragging[provisional]; wasDragging {
			delete(s.dragging, provisional)
			s.dragging[canonical] = struct{}{}
		}
	}
	s.mu.Unlock()
	if swapped {
		s.notify()
	}
	return swapped
}

// UpdateGeometry replaces a placement's normalized geometry, page, and
// display cache.
func (s *Store) UpdateGeometry(id PlacementID, box geometry.NormalizedBox, page int, display *geometry.PixelBox) bool {
	s.mu.Lock()
	updated := false
	for index, record := range s.placements {
		if record.ID != id {
			continue
		}
		record.SetNormalizedBox(box)
		if page > 0 {
			record.PageNumber = page
		}
		if display != nil {
			record.Display = display
		}
		s.placements[index] = record
		updated = true
		break
	}
	s.mu.Unlock()
	if updated {
		s.notify()
	}
	return updated
}

// Clear drops every placement, used when the document reaches a terminal
// state mid-session.
func (s *Store) Clear() {
	s.mu.Lock()
	s.placements = nil
	s.dragging = make(map[PlacementID]struct{})
	s.mu.Unlock()
	s.notify()
}

// SetDragging marks or clears the actively-dragged flag for a placement.
// While set, viewport relayouts must not recompute the record's display box.
func (s *Store) SetDragging(id PlacementID, active bool) {
	s.mu.Lock()
	if active {
		s.dragging[id] = struct{}{}
	} else {
		delete(s.dragging, id)
	}
	s.mu.Unlock()
}

// IsDragging reports whether the placement is mid-gesture.
func (s *Store) IsDragging(id PlacementID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dragging[id]
	return ok
}

// Relayout recomputes the display cache of every placement from its
// normalized geometry for the given viewport, skipping records that are
// actively being dragged so the gesture does not visually snap.
func (s *Store) Relayout(parent geometry.ParentSize) error {
	if err := parent.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	for index, record := range s.placements {
		if _, active := s.dragging[record.ID]; active {
			continue
		}
		pixel, err := geometry.ToPixel(record.NormalizedBox(), parent)
		if err != nil {
			continue
		}
		record.Display = &pixel
		s.placements[index] = record
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// SubscribeChange registers a callback invoked after every store mutation.
// The returned function unsubscribes; callers must invoke it on teardown so
// handlers do not accumulate across mount cycles.
func (s *Store) SubscribeChange(callback func()) func() {
	s.mu.Lock()
	s.listenerSeq++
	id := s.listenerSeq
	s.listeners[id] = callback
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	callbacks := make([]func(), 0, len(s.listeners))
	for _, callback := range s.listeners {
		callbacks = append(callbacks, callback)
	}
	s.mu.Unlock()
	for _, callback := range callbacks {
		callback()
	}
}
