package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fisaks/plcpulse/internal/config"
	"github.com/fisaks/plcpulse/internal/logging"
	"github.com/fisaks/plcpulse/internal/pulse"
)

// Event names on the push channel.
const (
	EventStatus        = "plc_connection_status"
	EventData          = "plc_data"
	EventError         = "error"
	EventConnectPLC    = "connect_plc"
	EventDisconnectPLC = "disconnect_plc"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// Envelope is the JSON frame exchanged with browser clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans supervisor events out to every connected WebSocket client and
// routes client commands to the Commander. A client whose send buffer is
// full is dropped.
type Hub struct {
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	clients   map[string]*client
	commander pulse.Commander
	closed    bool
	stateSeq  uint64 // bumped by every state broadcast
}

func New() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

func (h *Hub) SetCommander(c pulse.Commander) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commander = c
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	seq := h.stateSeq
	commander := h.commander
	h.mu.Unlock()
	logging.Info("websocket client connected", "client", c.id, "remote", r.RemoteAddr)

	// a new client starts from the current state; no samples are replayed
	if commander != nil {
		if frame, err := encode(EventStatus, commander.Status().State); err == nil {
			h.sendJoinStatus(c, seq, frame)
		}
	}

	go h.writePump(c)
	h.readPump(c)
}

/* =========================
   pulse.EventPublisher
   ========================= */

func (h *Hub) PublishState(state pulse.ConnectionState) { h.broadcast(EventStatus, state) }
func (h *Hub) PublishSample(sample pulse.Sample)        { h.broadcast(EventData, sample) }
func (h *Hub) PublishFault(fault pulse.Fault)           { h.broadcast(EventError, fault.Message) }

func (h *Hub) broadcast(event string, data interface{}) {
	frame, err := encode(event, data)
	if err != nil {
		logging.Error("websocket encode failed", "event", event, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if event == EventStatus {
		h.stateSeq++
	}
	for id, c := range h.clients {
		select {
		case c.send <- frame:
		default:
			logging.Warn("websocket client too slow, dropping", "client", id)
			h.removeLocked(c)
		}
	}
}

// sendJoinStatus queues the status read at join time unless a state
// broadcast reached the client since it registered. That broadcast is at
// least as new as the join status.
func (h *Hub) sendJoinStatus(c *client, seq uint64, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stateSeq != seq {
		return
	}
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.removeLocked(c)
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
}

/* =========================
   Pumps
   ========================= */

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		logging.Info("websocket client disconnected", "client", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn("websocket read", "client", c.id, "error", err)
			}
			return
		}
		h.handleMessage(c, msg)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleMessage(c *client, msg []byte) {
	var in Envelope
	if err := json.Unmarshal(msg, &in); err != nil {
		h.reply(c, "invalid message: "+err.Error())
		return
	}

	h.mu.RLock()
	commander := h.commander
	h.mu.RUnlock()
	if commander == nil {
		h.reply(c, "no device supervisor")
		return
	}

	switch in.Event {
	case EventConnectPLC:
		var cfg config.DeviceConfig
		if err := json.Unmarshal(in.Data, &cfg); err != nil {
			h.reply(c, "invalid device config: "+err.Error())
			return
		}
		if err := commander.Connect(cfg); err != nil {
			var cfgErr *config.ConfigError
			if errors.As(err, &cfgErr) {
				logging.Debug("connect rejected", "client", c.id, "problems", cfgErr.Problems)
			}
			h.reply(c, err.Error())
		}
	case EventDisconnectPLC:
		commander.Disconnect()
	default:
		h.reply(c, "unknown event "+in.Event)
	}
}

// reply sends an error frame to one client only.
func (h *Hub) reply(c *client, msg string) {
	frame, err := encode(EventError, msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.removeLocked(c)
	}
}

func encode(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
