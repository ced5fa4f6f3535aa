package notify

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, contractID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?contractId=" + contractID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func TestHubDeliversToContractWatchers(t *testing.T) {
	hub := NewHub("*", nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	watcher := dial(t, srv, "ctr_1")
	other := dial(t, srv, "ctr_2")
	require.Eventually(t, func() bool { return hub.Clients("ctr_1") == 1 && hub.Clients("ctr_2") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Notify(context.Background(), Event{Type: EventCommentCreated, ContractID: "ctr_1", CommentID: "cmt_1"}))
	ev := readEvent(t, watcher)
	assert.Equal(t, EventCommentCreated, ev.Type)
	assert.Equal(t, "cmt_1", ev.CommentID)
	assert.False(t, ev.At.IsZero())

	require.NoError(t, other.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "other contract must not receive the event")
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub := NewHub("", nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "ctr_1")
	require.Eventually(t, func() bool { return hub.Clients("ctr_1") == 1 }, time.Second, 5*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients("ctr_1") == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, hub.Broadcast(Event{ContractID: "ctr_1"}))
}

func TestHubRejectsMissingContract(t *testing.T) {
	hub := NewHub("*", nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHubChecksOrigin(t *testing.T) {
	hub := NewHub("https://app.example", nil)
	req := httptest.NewRequest("GET", "/?contractId=ctr_1", nil)
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.upgrader.CheckOrigin(req))
	req.Header.Set("Origin", "https://app.example")
	assert.True(t, hub.upgrader.CheckOrigin(req))
}

func TestRedisRelayFansOutThroughChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub("*", nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	relay := NewRedisRelay(client, hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, ready) }()
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}

	conn := dial(t, srv, "ctr_1")
	require.Eventually(t, func() bool { return hub.Clients("ctr_1") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, relay.Notify(context.Background(), Event{
		Type:       EventAnchorDegraded,
		ContractID: "ctr_1",
		Payload:    map[string]any{"ids": []string{"cmt_9"}},
	}))
	ev := readEvent(t, conn)
	assert.Equal(t, EventAnchorDegraded, ev.Type)
	assert.Equal(t, []any{"cmt_9"}, ev.Payload["ids"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
