package transport

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnState describes the channel's connection lifecycle for UI observers.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateReconnecting ConnState = "reconnecting"
)

const (
	defaultBackoffBase      = 500 * time.Millisecond
	defaultBackoffMax       = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultRefreshThrottle  = 30 * time.Second
)

var (
	// ErrChannelClosed indicates the channel was disposed and cannot reconnect.
	ErrChannelClosed = errors.New("transport: channel closed")
	// ErrAuthExpired surfaces when the handshake was rejected and the token
	// refresh did not recover it.
	ErrAuthExpired = errors.New("transport: authentication expired")
)

// TokenSource supplies and refreshes the bearer token used on the socket
// handshake.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	URL              string
	TokenSource      TokenSource
	Logger           *zap.Logger
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	HandshakeTimeout time.Duration
	RefreshThrottle  time.Duration
	Clock            func() time.Time
}

// Channel maintains one long-lived, auto-reconnecting socket connection with
// client-tracked room membership. It is constructed and disposed explicitly
// and passed by reference to whichever document session needs it; there is no
// package-level singleton.
type Channel struct {
	url              string
	tokens           TokenSource
	logger           *zap.Logger
	backoffBase      time.Duration
	backoffMax       time.Duration
	handshakeTimeout time.Duration
	refreshThrottle  time.Duration
	clock            func() time.Time

	mu            sync.Mutex
	conn          *websocket.Conn
	writeMu       sync.Mutex
	documentRooms map[string]struct{}
	groupRooms    map[string]struct{}
	handlerSeq    int64
	handlers      map[string]map[int64]func(json.RawMessage)
	stateSeq      int64
	stateWatchers map[int64]func(ConnState, error)
	lastRefresh   time.Time
	started       bool
	closed        bool
	kick          chan struct{}
	done          chan struct{}
}

// NewChannel constructs a Channel. Connect must be called to establish the
// connection.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport: socket url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	channel := &Channel{
		url:              cfg.URL,
		tokens:           cfg.TokenSource,
		logger:           logger,
		backoffBase:      cfg.BackoffBase,
		backoffMax:       cfg.BackoffMax,
		handshakeTimeout: cfg.HandshakeTimeout,
		refreshThrottle:  cfg.RefreshThrottle,
		clock:            clock,
		documentRooms:    make(map[string]struct{}),
		groupRooms:       make(map[string]struct{}),
		handlers:         make(map[string]map[int64]func(json.RawMessage)),
		stateWatchers:    make(map[int64]func(ConnState, error)),
		kick:             make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
	if channel.backoffBase <= 0 {
		channel.backoffBase = defaultBackoffBase
	}
	if channel.backoffMax <= 0 {
		channel.backoffMax = defaultBackoffMax
	}
	if channel.handshakeTimeout <= 0 {
		channel.handshakeTimeout = defaultHandshakeTimeout
	}
	if channel.refreshThrottle <= 0 {
		channel.refreshThrottle = defaultRefreshThrottle
	}
	return channel, nil
}

// Connect starts the connection loop. It is idempotent: calling it while a
// live connection or an in-flight reconnect exists is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Close disposes the channel. Pending reconnect attempts stop and the
// underlying connection is closed.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	close(c.done)
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// TriggerReconnect interrupts a backoff wait, used when the platform reports
// the network came back online.
func (c *Channel) TriggerReconnect() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Connected reports whether a live connection exists right now.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Channel) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempt++
			c.notifyState(StateReconnecting, err)
			c.logger.Warn("socket dial failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			if !c.waitBackoff(ctx, attempt) {
				return
			}
			continue
		}

		attempt = 0
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.notifyState(StateConnected, nil)
		c.rejoinRooms()

		readErr := c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()

		if c.isClosed() || ctx.Err() != nil {
			return
		}
		c.notifyState(StateDisconnected, readErr)
		c.logger.Info("socket disconnected", zap.Error(readErr))
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err == nil {
		return conn, nil
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		if refreshErr := c.refreshToken(ctx); refreshErr != nil {
			return nil, errors.Join(ErrAuthExpired, refreshErr)
		}
	}
	return nil, err
}

// refreshToken runs the token-refresh-then-retry sequence, throttled so
// repeated auth failures do not cause a refresh storm.
func (c *Channel) refreshToken(ctx context.Context) error {
	if c.tokens == nil {
		return ErrAuthExpired
	}
	now := c.clock()
	c.mu.Lock()
	if !c.lastRefresh.IsZero() && now.Sub(c.lastRefresh) < c.refreshThrottle {
		c.mu.Unlock()
		return nil
	}
	c.lastRefresh = now
	c.mu.Unlock()

	if _, err := c.tokens.Refresh(ctx); err != nil {
		c.logger.Warn("socket token refresh failed", zap.Error(err))
		return err
	}
	return nil
}

func (c *Channel) waitBackoff(ctx context.Context, attempt int) bool {
	delay := float64(c.backoffBase) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.backoffMax) {
		delay = float64(c.backoffMax)
	}
	// Randomized jitter keeps a fleet of clients from reconnecting in step.
	jittered := time.Duration(delay/2 + rand.Float64()*delay/2)

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.done:
		return false
	case <-c.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.logger.Warn("socket message decode failed", zap.Error(err))
			continue
		}
		c.dispatch(envelope.Event, envelope.Payload)
	}
}

func (c *Channel) dispatch(event string, payload json.RawMessage) {
	c.mu.Lock()
	callbacks := make([]func(json.RawMessage), 0, len(c.handlers[event]))
	for _, callback := range c.handlers[event] {
		callbacks = append(callbacks, callback)
	}
	c.mu.Unlock()
	for _, callback := range callbacks {
		callback(payload)
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emit sends an event if a connection is live. Disconnected channels drop the
// event silently: drag traffic is best-effort and callers must not depend on
// delivery.
func (c *Channel) emit(event string, payload any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := encodeEnvelope(event, payload)
	if err != nil {
		c.logger.Warn("socket encode failed", zap.String("event", event), zap.Error(err))
		return
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("socket write failed", zap.String("event", event), zap.Error(err))
	}
}

// JoinRoom joins the document-scoped room and remembers it for rejoin after
// reconnect.
func (c *Channel) JoinRoom(documentID string) {
	if documentID == "" {
		return
	}
	c.mu.Lock()
	c.documentRooms[documentID] = struct{}{}
	c.mu.Unlock()
	c.emit(EventJoinRoom, RoomPayload{Room: documentID})
}

// LeaveRoom leaves the document-scoped room and forgets it.
func (c *Channel) LeaveRoom(documentID string) {
	c.mu.Lock()
	delete(c.documentRooms, documentID)
	c.mu.Unlock()
	c.emit(EventLeaveRoom, RoomPayload{Room: documentID})
}

// JoinGroupRoom joins a group-scoped room and remembers it for rejoin.
func (c *Channel) JoinGroupRoom(groupID string) {
	if groupID == "" {
		return
	}
	c.mu.Lock()
	c.groupRooms[groupID] = struct{}{}
	c.mu.Unlock()
	c.emit(EventJoinGroupRoom, RoomPayload{Room: groupID})
}

// LeaveGroupRoom leaves a group-scoped room and forgets it.
func (c *Channel) LeaveGroupRoom(groupID string) {
	c.mu.Lock()
	delete(c.groupRooms, groupID)
	c.mu.Unlock()
	c.emit(EventLeaveGroupRoom, RoomPayload{Room: groupID})
}

// rejoinRooms re-establishes every tracked room after a reconnect, without
// caller intervention.
func (c *Channel) rejoinRooms() {
	c.mu.Lock()
	documents := make([]string, 0, len(c.documentRooms))
	for room := range c.documentRooms {
		documents = append(documents, room)
	}
	groups := make([]string, 0, len(c.groupRooms))
	for room := range c.groupRooms {
		groups = append(groups, room)
	}
	c.mu.Unlock()

	for _, room := range documents {
		c.emit(EventJoinRoom, RoomPayload{Room: room})
	}
	for _, room := range groups {
		c.emit(EventJoinGroupRoom, RoomPayload{Room: room})
	}
}

// EmitDrag broadcasts a throttled position update. Fire and forget.
func (c *Channel) EmitDrag(payload DragPayload) {
	c.emit(EventDragSignature, payload)
}

// EmitAddSignature announces a new placement to room peers.
func (c *Channel) EmitAddSignature(payload AddSignaturePayload) {
	c.emit(EventAddSignatureLive, payload)
}

// EmitRemoveSignature announces a deleted placement to room peers.
func (c *Channel) EmitRemoveSignature(payload RemoveSignaturePayload) {
	c.emit(EventRemoveSignatureLive, payload)
}

// NotifyDataChanged asks room peers to re-fetch authoritative state.
func (c *Channel) NotifyDataChanged(documentID string) {
	c.emit(EventTriggerReload, ReloadPayload{DocumentID: documentID})
}

func (c *Channel) subscribe(event string, callback func(json.RawMessage)) func() {
	c.mu.Lock()
	c.handlerSeq++
	id := c.handlerSeq
	if _, ok := c.handlers[event]; !ok {
		c.handlers[event] = make(map[int64]func(json.RawMessage))
	}
	c.handlers[event][id] = callback
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if callbacks, ok := c.handlers[event]; ok {
			delete(callbacks, id)
			if len(callbacks) == 0 {
				delete(c.handlers, event)
			}
		}
		c.mu.Unlock()
	}
}

// OnPositionUpdate subscribes to inbound drag broadcasts. The returned
// function unsubscribes.
func (c *Channel) OnPositionUpdate(callback func(DragPayload)) func() {
	return c.subscribe(EventUpdateSignaturePosition, func(raw json.RawMessage) {
		var payload DragPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.logger.Warn("position update decode failed", zap.Error(err))
			return
		}
		callback(payload)
	})
}

// OnAddSignatureLive subscribes to inbound peer placements.
func (c *Channel) OnAddSignatureLive(callback func(AddSignaturePayload)) func() {
	return c.subscribe(EventAddSignatureLive, func(raw json.RawMessage) {
		var payload AddSignaturePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.logger.Warn("add signature decode failed", zap.Error(err))
			return
		}
		callback(payload)
	})
}

// OnRemoveSignatureLive subscribes to inbound peer deletions.
func (c *Channel) OnRemoveSignatureLive(callback func(RemoveSignaturePayload)) func() {
	return c.subscribe(EventRemoveSignatureLive, func(raw json.RawMessage) {
		var payload RemoveSignaturePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.logger.Warn("remove signature decode failed", zap.Error(err))
			return
		}
		callback(payload)
	})
}

// OnRefetchData subscribes to reload triggers.
func (c *Channel) OnRefetchData(callback func(ReloadPayload)) func() {
	return c.subscribe(EventRefetchData, func(raw json.RawMessage) {
		var payload ReloadPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				c.logger.Warn("refetch trigger decode failed", zap.Error(err))
				return
			}
		}
		callback(payload)
	})
}

// OnStateChange subscribes to connect/disconnect/reconnecting transitions.
func (c *Channel) OnStateChange(callback func(ConnState, error)) func() {
	c.mu.Lock()
	c.stateSeq++
	id := c.stateSeq
	c.stateWatchers[id] = callback
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateWatchers, id)
		c.mu.Unlock()
	}
}

func (c *Channel) notifyState(state ConnState, err error) {
	c.mu.Lock()
	watchers := make([]func(ConnState, error), 0, len(c.stateWatchers))
	for _, watcher := range c.stateWatchers {
		watchers = append(watchers, watcher)
	}
	c.mu.Unlock()
	for _, watcher := range watchers {
		watcher(state, err)
	}
}
