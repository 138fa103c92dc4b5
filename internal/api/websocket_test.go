package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fwguard/internal/events"
)

func dialEvents(t *testing.T, h *harness, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(h.srv)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.srv.ws.Clients() == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg WSMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestEventsWS_QueryTopics(t *testing.T) {
	h := newHarness(t, nil)
	conn := dialEvents(t, h, "?topics="+string(events.EventUpdate))

	h.hub.NotifyUpdate(events.UpdateData{Kind: events.UpdateRules})

	msg := readMessage(t, conn)
	assert.Equal(t, string(events.EventUpdate), msg.Topic)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rules", data["kind"])
}

func TestEventsWS_Subscribe(t *testing.T) {
	h := newHarness(t, nil)
	conn := dialEvents(t, h, "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"action": "subscribe",
		"topics": []string{string(events.EventRuleChange)},
	}))

	// Subscription is applied asynchronously; publish until it lands.
	require.Eventually(t, func() bool {
		for c := range clientsOf(h.srv.ws) {
			if c.subscribed(string(events.EventRuleChange)) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	h.hub.NotifyUpdate(events.UpdateData{Kind: events.UpdatePrograms})
	h.hub.NotifyChange(events.RuleChangeData{Type: events.ChangeRemoved, Message: "gone"})

	msg := readMessage(t, conn)
	assert.Equal(t, string(events.EventRuleChange), msg.Topic, "unsubscribed topics are filtered")
}

func TestEventsWS_CloseDisconnects(t *testing.T) {
	h := newHarness(t, nil)
	conn := dialEvents(t, h, "?topics=a")

	h.srv.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, h.srv.ws.Clients())
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"http://fw.example:8470", true},
		{"https://fw.example:8470", true},
		{"https://evil.example", false},
		{"file://", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://fw.example:8470/api/ws/events", nil)
		r.Host = "fw.example:8470"
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, checkOrigin(r), tt.origin)
	}
}

func clientsOf(m *WSManager) map[*wsClient]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[*wsClient]bool, len(m.clients))
	for c := range m.clients {
		out[c] = true
	}
	return out
}
