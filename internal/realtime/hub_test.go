package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func fakeClient(h *Hub) *Client {
	c := &Client{hub: h, send: make(chan []byte, sendBuffer)}
	h.register <- c
	return c
}

func recv(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		require.True(t, ok, "client channel closed")
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// ---------------------------------------------------------------------------
// Filter
// ---------------------------------------------------------------------------

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"empty filter", Filter{}, Event{Type: EventTenantDeprovisioned}, true},
		{"type hit", Filter{EventTypes: []EventType{EventTenantProvisioned, EventPackageSwitched}}, Event{Type: EventPackageSwitched}, true},
		{"type miss", Filter{EventTypes: []EventType{EventTenantProvisioned}}, Event{Type: EventSubscriptionRenewed}, false},
		{"tenant hit", Filter{TenantIDs: []string{"ten_a"}}, Event{Type: EventPackageSwitched, TenantID: "ten_a"}, true},
		{"tenant miss", Filter{TenantIDs: []string{"ten_a"}}, Event{Type: EventPackageSwitched, TenantID: "ten_b"}, false},
		{"pending signup has no tenant", Filter{TenantIDs: []string{"ten_a"}}, Event{Type: EventPaymentPending}, false},
		{"package and type", Filter{EventTypes: []EventType{EventTenantProvisioned}, PackageIDs: []int64{2}}, Event{Type: EventTenantProvisioned, PackageID: 2}, true},
		{"package miss", Filter{PackageIDs: []int64{2}}, Event{Type: EventTenantProvisioned, PackageID: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(&tt.event))
		})
	}
}

func TestBacklogKeepsNewest(t *testing.T) {
	b := newBacklog(3)
	for i := uint64(1); i <= 5; i++ {
		b.add(&Event{Seq: i, Type: EventTenantProvisioned})
	}
	got := b.since(0, Filter{})
	require.Len(t, got, 3)
	assert.Equal(t, uint64(3), got[0].Seq)
	assert.Equal(t, uint64(5), got[2].Seq)

	assert.Len(t, b.since(4, Filter{}), 1)
	assert.Empty(t, b.since(0, Filter{EventTypes: []EventType{EventPackageSwitched}}))
}

// ---------------------------------------------------------------------------
// Hub loop
// ---------------------------------------------------------------------------

func TestPublishAssignsSequence(t *testing.T) {
	h := testHub(t)
	c := fakeClient(h)

	h.Publish(EventTenantProvisioned, "ten_a", 2, map[string]string{"domain": "acme.peopledesk.test"})
	h.Publish(EventPackageSwitched, "ten_a", 3, nil)

	first := recv(t, c)
	assert.Equal(t, "tenant_provisioned", first["type"])
	assert.EqualValues(t, 1, first["seq"])
	assert.EqualValues(t, 2, first["packageId"])

	second := recv(t, c)
	assert.EqualValues(t, 2, second["seq"])

	stats := h.Stats()
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, uint64(2), stats.LastSeq)
}

func TestSubscribeNarrowsAndReplays(t *testing.T) {
	h := testHub(t)

	h.Publish(EventTenantProvisioned, "ten_a", 1, nil)
	h.Publish(EventSubscriptionRenewed, "ten_a", 1, nil)
	h.Publish(EventTenantProvisioned, "ten_b", 2, nil)
	time.Sleep(20 * time.Millisecond)

	c := fakeClient(h)
	h.subscribe <- subscribeRequest{
		client: c,
		filter: Filter{EventTypes: []EventType{EventTenantProvisioned}},
		since:  1,
	}

	ack := recv(t, c)
	assert.Equal(t, "subscribed", ack["type"])
	assert.EqualValues(t, 3, ack["lastSeq"])

	replayed := recv(t, c)
	assert.Equal(t, "ten_b", replayed["tenantId"])
	assertSilent(t, c)

	h.Publish(EventTenantDeprovisioned, "ten_b", 2, nil)
	assertSilent(t, c)
}

func TestUnregisterClosesChannel(t *testing.T) {
	h := testHub(t)
	c := fakeClient(h)
	h.unregister <- c

	select {
	case _, ok := <-c.send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}
	assert.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, h.Stats().PeakClients)
}

func TestSlowClientDisconnected(t *testing.T) {
	h := testHub(t)
	fakeClient(h)

	for i := 0; i < sendBuffer+5; i++ {
		h.Publish(EventPackageSwitched, "ten_a", 1, nil)
	}
	assert.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubStopsOnCancel(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---------------------------------------------------------------------------
// WebSocket end to end
// ---------------------------------------------------------------------------

func TestWebSocketSubscribe(t *testing.T) {
	h := testHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "unsubscribe"}))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "unknown action", msg["error"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"action": "subscribe",
		"filter": map[string]interface{}{"tenantIds": []string{"ten_a"}},
	}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "subscribed", msg["type"])

	h.Publish(EventTenantProvisioned, "ten_z", 1, nil)
	h.Publish(EventSubscriptionRenewed, "ten_a", 1, nil)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "subscription_renewed", msg["type"])
	assert.Equal(t, "ten_a", msg["tenantId"])
}
