package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shopsync/internal/sync/events"
)

func startHub(t *testing.T) (*WSHub, *events.Publisher, string) {
	t.Helper()
	hub := NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	pub := events.NewPublisher()
	pub.AddListener(hub.Broadcast)

	srv := httptest.NewServer(HandleWebSocket(hub))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, pub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *WSHub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == want }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWSHub_broadcastsEvents(t *testing.T) {
	hub, pub, url := startHub(t)
	a := dial(t, hub, url, 1)
	b := dial(t, hub, url, 2)

	pub.Publish(events.SyncCompleted{Applied: 2, DurationMs: 15})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readJSON(t, conn)
		assert.Equal(t, "sync_completed", msg["type"])
		assert.NotEmpty(t, msg["timestamp"])
		data := msg["data"].(map[string]interface{})
		assert.Equal(t, float64(2), data["applied"])
	}
}

func TestWSHub_subscriptionsFilter(t *testing.T) {
	hub, pub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"events": []string{"conflict_detected"},
	}))
	ack := readJSON(t, conn)
	assert.Equal(t, "subscribe_ack", ack["action"])

	pub.Publish(events.SyncStarted{Items: 1})
	pub.Publish(events.ConflictDetected{ConflictID: "c1", EntityType: "cart", EntityID: "p1"})

	msg := readJSON(t, conn)
	assert.Equal(t, "conflict_detected", msg["type"])
}

func TestWSHub_ping(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["action"])
}

func TestWSHub_unregistersClosedClients(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, hub, url, 1)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWSHub_broadcastNeverBlocks(t *testing.T) {
	hub := NewWSHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < wsSendBuffer*2; i++ {
			hub.Broadcast(events.Event{Type: events.TypeSyncProgress, Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked without a running hub")
	}
}

func TestLocalOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8787", true},
		{"https://evil.example.com", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, localOrigin(r), tt.origin)
	}
}

func TestEventEnvelopeShape(t *testing.T) {
	evt := events.Event{Type: events.TypeSyncError, Data: events.SyncError{Code: "SYNC_OFFLINE"}, Timestamp: time.Unix(0, 0).UTC()}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"sync_error","data":{"code":"SYNC_OFFLINE","message":"","retryable":false},"timestamp":"1970-01-01T00:00:00Z"}`, string(data))
}
