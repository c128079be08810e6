package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type socketFixture struct {
	server *httptest.Server
	url    string

	mu         sync.Mutex
	rejectAuth bool
	conns      []*websocket.Conn
	received   chan Envelope
}

func newSocketFixture(t *testing.T) *socketFixture {
	t.Helper()
	fixture := &socketFixture{received: make(chan Envelope, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fixture.mu.Lock()
		reject := fixture.rejectAuth
		fixture.mu.Unlock()
		if reject {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fixture.mu.Lock()
		fixture.conns = append(fixture.conns, conn)
		fixture.mu.Unlock()
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var envelope Envelope
				if err := json.Unmarshal(data, &envelope); err != nil {
					continue
				}
				fixture.received <- envelope
			}
		}()
	}))
	t.Cleanup(fixture.server.Close)
	fixture.url = "ws" + strings.TrimPrefix(fixture.server.URL, "http")
	return fixture
}

func (f *socketFixture) dropConnections() {
	f.mu.Lock()
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (f *socketFixture) latestConn() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *socketFixture) waitEvent(t *testing.T, event string) Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case envelope := <-f.received:
			if envelope.Event == event {
				return envelope
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", event)
		}
	}
}

func newTestChannel(t *testing.T, fixture *socketFixture, tokens TokenSource) *Channel {
	t.Helper()
	channel, err := NewChannel(ChannelConfig{
		URL:         fixture.url,
		TokenSource: tokens,
		BackoffBase: 20 * time.Millisecond,
		BackoffMax:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build channel: %v", err)
	}
	t.Cleanup(channel.Close)
	return channel
}

func waitConnected(t *testing.T, channel *Channel) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if channel.Connected() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("channel never connected")
}

func TestChannelConnectIsIdempotent(t *testing.T) {
	fixture := newSocketFixture(t)
	channel := newTestChannel(t, fixture, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channel.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := channel.Connect(ctx); err != nil {
		t.Fatalf("second connect must be a no-op, got %v", err)
	}
	waitConnected(t, channel)

	fixture.mu.Lock()
	count := len(fixture.conns)
	fixture.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected a single connection, got %d", count)
	}
}

func TestChannelRejoinsRoomsAfterReconnect(t *testing.T) {
	fixture := newSocketFixture(t)
	channel := newTestChannel(t, fixture, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channel.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitConnected(t, channel)

	channel.JoinRoom("doc-a")
	channel.JoinRoom("doc-b")
	channel.JoinGroupRoom("group-1")
	fixture.waitEvent(t, EventJoinGroupRoom)

	// Kill the server side and wait for the automatic reconnect.
	fixture.dropConnections()

	seen := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case envelope := <-fixture.received:
			var room RoomPayload
			if err := json.Unmarshal(envelope.Payload, &room); err != nil {
				continue
			}
			switch {
			case envelope.Event == EventJoinRoom && (room.Room == "doc-a" || room.Room == "doc-b"):
				seen[room.Room] = true
			case envelope.Event == EventJoinGroupRoom && room.Room == "group-1":
				seen[room.Room] = true
			}
		case <-deadline:
			t.Fatalf("rejoin incomplete after reconnect, saw %v", seen)
		}
	}
}

func TestChannelLeaveRoomForgetsMembership(t *testing.T) {
	fixture := newSocketFixture(t)
	channel := newTestChannel(t, fixture, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channel.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitConnected(t, channel)

	channel.JoinRoom("doc-a")
	channel.LeaveRoom("doc-a")
	channel.JoinRoom("doc-b")
	fixture.waitEvent(t, EventLeaveRoom)

	fixture.dropConnections()

	envelope := fixture.waitEvent(t, EventJoinRoom)
	var room RoomPayload
	if err := json.Unmarshal(envelope.Payload, &room); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if room.Room != "doc-b" {
		t.Fatalf("left room must not be rejoined, got %s", room.Room)
	}
}

func TestChannelEmitIsNoOpWhileDisconnected(t *testing.T) {
	channel, err := NewChannel(ChannelConfig{URL: "ws://127.0.0.1:0/ws"})
	if err != nil {
		t.Fatalf("failed to build channel: %v", err)
	}
	defer channel.Close()

	// Never connected: every emit must silently drop instead of panicking
	// or blocking.
	channel.EmitDrag(DragPayload{DocumentID: "doc-a", SignatureID: "sig-1"})
	channel.EmitAddSignature(AddSignaturePayload{DocumentID: "doc-a"})
	channel.EmitRemoveSignature(RemoveSignaturePayload{DocumentID: "doc-a", SignatureID: "sig-1"})
	channel.NotifyDataChanged("doc-a")
}

func TestChannelDispatchesInboundEvents(t *testing.T) {
	fixture := newSocketFixture(t)
	channel := newTestChannel(t, fixture, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan DragPayload, 1)
	unsubscribe := channel.OnPositionUpdate(func(payload DragPayload) {
		updates <- payload
	})
	defer unsubscribe()

	if err := channel.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitConnected(t, channel)

	payload, err := encodeEnvelope(EventUpdateSignaturePosition, DragPayload{
		DocumentID:  "doc-a",
		SignatureID: "sig-1",
		PositionX:   0.25,
		PageNumber:  3,
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := fixture.latestConn().WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	select {
	case update := <-updates:
		if update.SignatureID != "sig-1" || update.PositionX != 0.25 || update.PageNumber != 3 {
			t.Fatalf("unexpected payload: %+v", update)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("inbound event never dispatched")
	}
}

func TestChannelUnsubscribeStopsDispatch(t *testing.T) {
	channel, err := NewChannel(ChannelConfig{URL: "ws://127.0.0.1:0/ws"})
	if err != nil {
		t.Fatalf("failed to build channel: %v", err)
	}
	defer channel.Close()

	calls := 0
	unsubscribe := channel.OnRefetchData(func(ReloadPayload) { calls++ })

	channel.dispatch(EventRefetchData, nil)
	if calls != 1 {
		t.Fatalf("expected one dispatch, got %d", calls)
	}

	unsubscribe()
	channel.dispatch(EventRefetchData, nil)
	if calls != 1 {
		t.Fatalf("unsubscribed handler must not fire, got %d calls", calls)
	}
}

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	refreshes int
	onRefresh func()
}

func (f *fakeTokens) Token(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) Refresh(context.Context) (string, error) {
	f.mu.Lock()
	f.refreshes++
	f.token = "refreshed"
	callback := f.onRefresh
	f.mu.Unlock()
	if callback != nil {
		callback()
	}
	return "refreshed", nil
}

func TestChannelRefreshesTokenOnAuthFailure(t *testing.T) {
	fixture := newSocketFixture(t)
	fixture.mu.Lock()
	fixture.rejectAuth = true
	fixture.mu.Unlock()

	tokens := &fakeTokens{token: "stale"}
	tokens.onRefresh = func() {
		fixture.mu.Lock()
		fixture.rejectAuth = false
		fixture.mu.Unlock()
	}

	channel := newTestChannel(t, fixture, tokens)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := channel.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitConnected(t, channel)

	tokens.mu.Lock()
	refreshes := tokens.refreshes
	tokens.mu.Unlock()
	if refreshes != 1 {
		t.Fatalf("expected exactly one token refresh, got %d", refreshes)
	}
}

func TestChannelThrottlesTokenRefresh(t *testing.T) {
	now := time.Unix(1700000000, 0)
	channel, err := NewChannel(ChannelConfig{
		URL:             "ws://127.0.0.1:0/ws",
		TokenSource:     &fakeTokens{token: "stale"},
		RefreshThrottle: time.Minute,
		Clock:           func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build channel: %v", err)
	}
	defer channel.Close()

	tokens := channel.tokens.(*fakeTokens)
	ctx := context.Background()

	if err := channel.refreshToken(ctx); err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	if err := channel.refreshToken(ctx); err != nil {
		t.Fatalf("throttled refresh must not error: %v", err)
	}
	if tokens.refreshes != 1 {
		t.Fatalf("refresh inside throttle window must be skipped, got %d", tokens.refreshes)
	}

	now = now.Add(2 * time.Minute)
	if err := channel.refreshToken(ctx); err != nil {
		t.Fatalf("post-window refresh failed: %v", err)
	}
	if tokens.refreshes != 2 {
		t.Fatalf("expected second refresh after window, got %d", tokens.refreshes)
	}
}
