package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signsync/internal/transport"
)

const (
	hubWriteTimeout  = 10 * time.Second
	hubPongTimeout   = 60 * time.Second
	hubPingInterval  = 30 * time.Second
	hubSendBuffer    = 32
	hubMaxMessageLen = 64 * 1024

	documentRoomPrefix = "doc:"
	groupRoomPrefix    = "group:"
)

// Hub tracks websocket members per room and relays placement events between
// them. Drag broadcasts come in as drag_signature and fan out to the other
// room members as update_signature_position; add, remove, and reload events
// relay under their inbound spellings. The sender never receives its own
// event back.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*hubClient]struct{}
}

type hubClient struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
	done   chan struct{}

	mu    sync.Mutex
	rooms map[string]struct{}

	closeOnce sync.Once
}

// NewHub constructs an empty relay hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*hubClient]struct{}),
	}
}

// Serve upgrades the request and pumps messages until the peer disconnects.
// The caller has already authenticated the user.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &hubClient{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, hubSendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
	go client.writePump()
	client.readPump()
}

func (h *Hub) join(client *hubClient, room string) {
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*hubClient]struct{})
		h.rooms[room] = members
	}
	members[client] = struct{}{}
	h.mu.Unlock()

	client.mu.Lock()
	client.rooms[room] = struct{}{}
	client.mu.Unlock()
}

func (h *Hub) leave(client *hubClient, room string) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	client.mu.Lock()
	delete(client.rooms, room)
	client.mu.Unlock()
}

func (h *Hub) drop(client *hubClient) {
	client.mu.Lock()
	rooms := make([]string, 0, len(client.rooms))
	for room := range client.rooms {
		rooms = append(rooms, room)
	}
	client.rooms = make(map[string]struct{})
	client.mu.Unlock()

	h.mu.Lock()
	for _, room := range rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, client)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	client.close()
}

// relay fans an event out to every room member except the sender. Slow
// consumers lose messages rather than stalling the room.
func (h *Hub) relay(room string, sender *hubClient, event string, payload any) {
	encoded, err := encodeEnvelope(event, payload)
	if err != nil {
		h.logger.Error("failed to encode relay payload",
			zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	members := make([]*hubClient, 0, len(h.rooms[room]))
	for member := range h.rooms[room] {
		if member != sender {
			members = append(members, member)
		}
	}
	h.mu.Unlock()

	for _, member := range members {
		select {
		case member.send <- encoded:
		default:
			h.logger.Warn("dropping relay for slow consumer",
				zap.String("room", room),
				zap.String("user_id", member.userID))
		}
	}
}

func (c *hubClient) readPump() {
	defer c.hub.drop(c)

	c.conn.SetReadLimit(hubMaxMessageLen)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongTimeout))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope transport.Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			c.hub.logger.Warn("dropping malformed socket frame",
				zap.String("user_id", c.userID), zap.Error(err))
			continue
		}
		c.handle(envelope)
	}
}

func (c *hubClient) handle(envelope transport.Envelope) {
	switch envelope.Event {
	case transport.EventJoinRoom:
		if room, ok := decodeRoom(envelope.Payload); ok {
			c.hub.join(c, documentRoomPrefix+room)
		}
	case transport.EventLeaveRoom:
		if room, ok := decodeRoom(envelope.Payload); ok {
			c.hub.leave(c, documentRoomPrefix+room)
		}
	case transport.EventJoinGroupRoom:
		if room, ok := decodeRoom(envelope.Payload); ok {
			c.hub.join(c, groupRoomPrefix+room)
		}
	case transport.EventLeaveGroupRoom:
		if room, ok := decodeRoom(envelope.Payload); ok {
			c.hub.leave(c, groupRoomPrefix+room)
		}
	case transport.EventDragSignature:
		var payload transport.DragPayload
		if json.Unmarshal(envelope.Payload, &payload) == nil && payload.DocumentID != "" {
			c.hub.relay(documentRoomPrefix+payload.DocumentID, c,
				transport.EventUpdateSignaturePosition, payload)
		}
	case transport.EventAddSignatureLive:
		var payload transport.AddSignaturePayload
		if json.Unmarshal(envelope.Payload, &payload) == nil && payload.DocumentID != "" {
			c.hub.relay(documentRoomPrefix+payload.DocumentID, c,
				transport.EventAddSignatureLive, payload)
		}
	case transport.EventRemoveSignatureLive:
		var payload transport.RemoveSignaturePayload
		if json.Unmarshal(envelope.Payload, &payload) == nil && payload.DocumentID != "" {
			c.hub.relay(documentRoomPrefix+payload.DocumentID, c,
				transport.EventRemoveSignatureLive, payload)
		}
	case transport.EventTriggerReload:
		var payload transport.ReloadPayload
		if json.Unmarshal(envelope.Payload, &payload) == nil && payload.DocumentID != "" {
			c.hub.relay(documentRoomPrefix+payload.DocumentID, c,
				transport.EventRefetchData, payload)
		}
	default:
		c.hub.logger.Debug("ignoring unknown socket event",
			zap.String("event", envelope.Event))
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func decodeRoom(payload json.RawMessage) (string, bool) {
	var room transport.RoomPayload
	if err := json.Unmarshal(payload, &room); err != nil || room.Room == "" {
		return "", false
	}
	return room.Room, true
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(transport.Envelope{Event: event, Payload: raw})
}
