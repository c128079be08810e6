package interaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"signsync/internal/geometry"
	"signsync/internal/signing"
	"signsync/internal/transport"
)

const (
	defaultThrottleInterval = 30 * time.Millisecond
	defaultHighlightWindow  = 500 * time.Millisecond
)

var (
	// ErrPlacementLocked indicates a gesture targeted a final or foreign record.
	ErrPlacementLocked = errors.New("interaction: placement is locked")
	// ErrUnknownPlacement indicates the gesture target is not in the store.
	ErrUnknownPlacement = errors.New("interaction: unknown placement")
	// ErrNoActiveGesture indicates a move or end call without a begun gesture.
	ErrNoActiveGesture = errors.New("interaction: no active gesture")
)

// PositionSaver persists the authoritative geometry on gesture end.
type PositionSaver func(ctx context.Context, id signing.PlacementID, box geometry.NormalizedBox, page int)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Store            *signing.Store
	DocumentID       signing.DocumentID
	Broadcast        func(transport.DragPayload)
	SavePosition     PositionSaver
	ThrottleInterval time.Duration
	HighlightWindow  time.Duration
	Clock            func() time.Time
	Logger           *zap.Logger
}

type gestureState struct {
	id     signing.PlacementID
	box    geometry.PixelBox
	origin geometry.PixelBox
	parent geometry.ParentSize
	page   int
	resize bool
	edge   geometry.ResizeEdge
}

// Controller translates drag and resize gestures on placements into local
// pixel feedback, throttled peer broadcasts, and a final position save. One
// controller serves one document session; remote updates arrive from the
// socket goroutine, so state is mutex-guarded.
type Controller struct {
	store     *signing.Store
	document  signing.DocumentID
	broadcast func(transport.DragPayload)
	save      PositionSaver
	throttle  time.Duration
	highlight time.Duration
	clock     func() time.Time
	logger    *zap.Logger

	mu             sync.Mutex
	gesture        *gestureState
	lastBroadcast  time.Time
	aspectRatios   map[signing.PlacementID]float64
	remoteTimers   map[signing.PlacementID]*time.Timer
	remoteActive   map[signing.PlacementID]struct{}
	marqueeEnabled bool
	closed         bool
}

// NewController constructs a Controller for the session's store.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("interaction: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	throttle := cfg.ThrottleInterval
	if throttle <= 0 {
		throttle = defaultThrottleInterval
	}
	highlight := cfg.HighlightWindow
	if highlight <= 0 {
		highlight = defaultHighlightWindow
	}
	return &Controller{
		store:          cfg.Store,
		document:       cfg.DocumentID,
		broadcast:      cfg.Broadcast,
		save:           cfg.SavePosition,
		throttle:       throttle,
		highlight:      highlight,
		clock:          clock,
		logger:         logger,
		aspectRatios:   make(map[signing.PlacementID]float64),
		remoteTimers:   make(map[signing.PlacementID]*time.Timer),
		remoteActive:   make(map[signing.PlacementID]struct{}),
		marqueeEnabled: true,
	}, nil
}

// Close cancels outstanding highlight timers.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	timers := c.remoteTimers
	c.remoteTimers = make(map[signing.PlacementID]*time.Timer)
	c.remoteActive = make(map[signing.PlacementID]struct{})
	c.mu.Unlock()
	for _, timer := range timers {
		timer.Stop()
	}
}

// SetAspectRatio records the width/height ratio hint computed from the
// signature image's natural dimensions on first load.
func (c *Controller) SetAspectRatio(id signing.PlacementID, ratio float64) {
	c.mu.Lock()
	if ratio > 0 {
		c.aspectRatios[id] = ratio
	} else {
		delete(c.aspectRatios, id)
	}
	c.mu.Unlock()
}

// SetMarqueeEnabled toggles rectangular selection; narrow viewports turn it
// off.
func (c *Controller) SetMarqueeEnabled(enabled bool) {
	c.mu.Lock()
	c.marqueeEnabled = enabled
	c.mu.Unlock()
}

// BeginDrag starts a drag gesture on the placement.
func (c *Controller) BeginDrag(id signing.PlacementID, parent geometry.ParentSize) error {
	return c.beginGesture(id, parent, false, geometry.EdgeBottomRight)
}

// BeginResize starts a resize gesture anchored opposite the grabbed edge.
func (c *Controller) BeginResize(id signing.PlacementID, edge geometry.ResizeEdge, parent geometry.ParentSize) error {
	return c.beginGesture(id, parent, true, edge)
}

func (c *Controller) beginGesture(id signing.PlacementID, parent geometry.ParentSize, resize bool, edge geometry.ResizeEdge) error {
	if err := parent.Validate(); err != nil {
		return err
	}
	record, found := c.store.Find(id)
	if !found {
		return ErrUnknownPlacement
	}
	if record.LockedFor(c.store.Viewer()) {
		return ErrPlacementLocked
	}

	box := geometry.PixelBox{}
	if record.Display != nil {
		box = *record.Display
	} else {
		computed, err := geometry.ToPixel(record.NormalizedBox(), parent)
		if err != nil {
			return err
		}
		box = computed
	}

	c.mu.Lock()
	c.gesture = &gestureState{
		id:     id,
		box:    box,
		origin: box,
		parent: parent,
		page:   record.PageNumber,
		resize: resize,
		edge:   edge,
	}
	c.lastBroadcast = time.Time{}
	c.mu.Unlock()

	c.store.SetDragging(id, true)
	return nil
}

// Move applies pointer deltas to the active gesture: immediate local pixel
// update, then a broadcast if the throttle window has elapsed. It never
// waits on the network.
func (c *Controller) Move(dx, dy float64) error {
	c.mu.Lock()
	gesture := c.gesture
	if gesture == nil {
		c.mu.Unlock()
		return ErrNoActiveGesture
	}

	if gesture.resize {
		ratio := c.aspectRatios[gesture.id]
		gesture.box = geometry.Resize(gesture.origin, gesture.edge, dx, dy, ratio)
	} else {
		gesture.box = gesture.origin.Translate(dx, dy)
	}

	now := c.clock()
	shouldBroadcast := c.lastBroadcast.IsZero() || now.Sub(c.lastBroadcast) >= c.throttle
	if shouldBroadcast {
		c.lastBroadcast = now
	}
	id := gesture.id
	box := gesture.box
	parent := gesture.parent
	page := gesture.page
	c.mu.Unlock()

	normalized, err := geometry.ToNormalized(box, parent)
	if err != nil {
		return err
	}
	display := box
	c.store.UpdateGeometry(id, normalized, page, &display)

	if shouldBroadcast && c.broadcast != nil {
		c.broadcast(transport.DragPayload{
			DocumentID:  c.document.String(),
			SignatureID: id.String(),
			PositionX:   normalized.X,
			PositionY:   normalized.Y,
			Width:       normalized.Width,
			Height:      normalized.Height,
			PageNumber:  page,
		})
	}
	return nil
}

// End finishes the active gesture: the final normalized geometry is computed
// once more and handed to the position saver, and the dragging flag clears.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	gesture := c.gesture
	c.gesture = nil
	c.mu.Unlock()
	if gesture == nil {
		return ErrNoActiveGesture
	}

	defer c.store.SetDragging(gesture.id, false)

	normalized, err := geometry.ToNormalized(gesture.box, gesture.parent)
	if err != nil {
		return err
	}
	display := gesture.box
	c.store.UpdateGeometry(gesture.id, normalized, gesture.page, &display)

	if c.save != nil {
		c.save(ctx, gesture.id, normalized, gesture.page)
	}
	return nil
}

// ApplyRemote applies a peer's position broadcast to a placement that is not
// being manipulated locally and flags it remotely active for the highlight
// window.
func (c *Controller) ApplyRemote(payload transport.DragPayload) {
	id := signing.PlacementID(payload.SignatureID)
	if c.store.IsDragging(id) {
		return
	}

	updated := c.store.UpdateGeometry(id, geometry.NormalizedBox{
		X:      payload.PositionX,
		Y:      payload.PositionY,
		Width:  payload.Width,
		Height: payload.Height,
	}, payload.PageNumber, nil)
	if !updated {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.remoteActive[id] = struct{}{}
	if timer, exists := c.remoteTimers[id]; exists {
		timer.Stop()
	}
	c.remoteTimers[id] = time.AfterFunc(c.highlight, func() {
		c.mu.Lock()
		delete(c.remoteActive, id)
		delete(c.remoteTimers, id)
		c.mu.Unlock()
	})
	c.mu.Unlock()
}

// RemotelyActive reports whether a peer edited the placement within the
// highlight window.
func (c *Controller) RemotelyActive(id signing.PlacementID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, active := c.remoteActive[id]
	return active
}

// SelectWithin computes the marquee selection: every placement whose display
// box intersects the drag rectangle. With additive set, the result extends
// the existing selection instead of replacing it.
func (c *Controller) SelectWithin(rect geometry.PixelBox, additive bool, existing []signing.PlacementID) []signing.PlacementID {
	c.mu.Lock()
	enabled := c.marqueeEnabled
	c.mu.Unlock()
	if !enabled {
		return existing
	}

	selected := make(map[signing.PlacementID]struct{})
	if additive {
		for _, id := range existing {
			selected[id] = struct{}{}
		}
	}

	result := make([]signing.PlacementID, 0, len(selected))
	if additive {
		result = append(result, existing...)
	}
	for _, record := range c.store.Snapshot() {
		if record.Display == nil {
			continue
		}
		if _, already := selected[record.ID]; already {
			continue
		}
		if rect.Intersects(*record.Display) {
			result = append(result, record.ID)
		}
	}
	return result
}
