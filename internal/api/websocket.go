package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/fwguard/internal/events"
	"grimm.is/fwguard/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-site websocket hijacking: only same-origin and localhost pages
	// may connect.
	CheckOrigin: checkOrigin,
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
		return true
	}
	if rest, ok := strings.CutPrefix(origin, "http://"); ok {
		return rest == r.Host
	}
	if rest, ok := strings.CutPrefix(origin, "https://"); ok {
		return rest == r.Host
	}
	return false
}

// WSMessage is a topic-tagged message sent to clients. Topics are the event
// types of the hub.
type WSMessage struct {
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	topics map[string]bool
}

func (c *wsClient) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

func (c *wsClient) setTopics(topics []string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		if on {
			c.topics[t] = true
		} else {
			delete(c.topics, t)
		}
	}
}

// WSManager forwards hub events to subscribed websocket clients.
type WSManager struct {
	hub    *events.Hub
	sub    <-chan events.Event
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWSManager subscribes to every event of hub.
func NewWSManager(hub *events.Hub, logger *logging.Logger) *WSManager {
	if logger == nil {
		logger = logging.Default()
	}
	m := &WSManager{
		hub:     hub,
		sub:     hub.Subscribe(1024),
		logger:  logger.WithComponent("websocket"),
		clients: make(map[*wsClient]bool),
		done:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.forward()
	return m
}

// Close disconnects every client and leaves the hub.
func (m *WSManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for c := range m.clients {
		delete(m.clients, c)
		close(c.send)
	}
	m.mu.Unlock()

	m.hub.Unsubscribe(m.sub)
	close(m.done)
	m.wg.Wait()
}

// Clients returns the number of connected clients.
func (m *WSManager) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *WSManager) forward() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev := <-m.sub:
			m.Publish(string(ev.Type), ev.Timestamp, ev.Data)
		}
	}
}

// Publish sends data to the clients subscribed to topic. Clients whose
// buffer is full miss the message.
func (m *WSManager) Publish(topic string, ts time.Time, data any) {
	msg, err := json.Marshal(WSMessage{Topic: topic, Timestamp: ts, Data: data})
	if err != nil {
		m.logger.Warn("failed to encode websocket message", "topic", topic, "error", err)
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for c := range m.clients {
		if !c.subscribed(topic) {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

func (m *WSManager) register(c *wsClient) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.clients[c] = true
	return true
}

func (m *WSManager) unregister(c *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clients[c] {
		delete(m.clients, c)
		close(c.send)
	}
}

// readPump applies subscription requests until the connection fails.
func (m *WSManager) readPump(c *wsClient) {
	defer func() {
		m.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			c.setTopics(msg.Topics, true)
		case "unsubscribe":
			c.setTopics(msg.Topics, false)
		}
	}
}

// writePump sends queued messages and keeps the connection alive with
// pings.
func (m *WSManager) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEventsWS upgrades the connection and registers a client. Initial
// topics may be given as a comma separated "topics" query parameter.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		WriteErrorCtx(w, r, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "client", getClientIP(r), "error", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		topics: make(map[string]bool),
	}
	if q := r.URL.Query().Get("topics"); q != "" {
		c.setTopics(strings.Split(q, ","), true)
	}
	if !s.ws.register(c) {
		conn.Close()
		return
	}

	go s.ws.writePump(c)
	go s.ws.readPump(c)
}
