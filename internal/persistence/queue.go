package persistence

import (
	"context"
	"sync"

	"signsync/internal/signing"
)

// QueuedMutation is a deferred mutation captured while a create call for the
// targeted provisional ID was still in flight. It receives the canonical
// (possibly server-swapped) ID once the create resolves.
type QueuedMutation func(ctx context.Context, canonical signing.PlacementID)

// PendingCreates serializes create-then-mutate sequences on the same
// placement. A drag that lands between the optimistic insert and the create
// response is queued instead of racing the create call, and replays
// immediately after confirmation.
type PendingCreates struct {
	mu      sync.Mutex
	pending map[signing.PlacementID][]QueuedMutation
}

// NewPendingCreates returns an empty queue registry.
func NewPendingCreates() *PendingCreates {
	return &PendingCreates{pending: make(map[signing.PlacementID][]QueuedMutation)}
}

// Begin marks a provisional ID as having an in-flight create call.
func (p *PendingCreates) Begin(id signing.PlacementID) {
	p.mu.Lock()
	if _, exists := p.pending[id]; !exists {
		p.pending[id] = nil
	}
	p.mu.Unlock()
}

// Defer queues a mutation if the ID's create call has not resolved yet. It
// returns false when no create is pending, in which case the caller should
// apply the mutation directly.
func (p *PendingCreates) Defer(id signing.PlacementID, mutation QueuedMutation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	queue, inFlight := p.pending[id]
	if !inFlight {
		return false
	}
	p.pending[id] = append(queue, mutation)
	return true
}

// InFlight reports whether a create call is pending for the ID.
func (p *PendingCreates) InFlight(id signing.PlacementID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, inFlight := p.pending[id]
	return inFlight
}

// Resolve completes the create for a provisional ID and replays every queued
// mutation against the canonical ID, in arrival order.
func (p *PendingCreates) Resolve(ctx context.Context, provisional, canonical signing.PlacementID) {
	p.mu.Lock()
	queue := p.pending[provisional]
	delete(p.pending, provisional)
	p.mu.Unlock()
	for _, mutation := range queue {
		mutation(ctx, canonical)
	}
}

// Abort drops the queue for a failed create.
func (p *PendingCreates) Abort(id signing.PlacementID) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}
