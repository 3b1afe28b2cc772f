// Package hub owns the real-time transport fan-out: delivering a JSON
// payload to one connection, to a named group of connections, or to every
// connection. Delivery is fire-and-forget per recipient; a send to a
// connection that has gone away is a no-op.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// GroupAdmins is the broadcast group every admin connection joins for the
// lifetime of its session.
const GroupAdmins = "admins"

const writeWait = 1 * time.Second

// Conn is one registered WebSocket connection. Writes are serialized per
// connection; gorilla/websocket does not allow concurrent writers.
type Conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Conn
	groups map[string]map[string]struct{}
}

func New(log *slog.Logger) *Hub {
	return &Hub{
		log:    log,
		conns:  make(map[string]*Conn),
		groups: make(map[string]map[string]struct{}),
	}
}

// Register assigns the WebSocket a fresh connection id and makes it
// addressable for SendTo/SendToAll.
func (h *Hub) Register(ws *websocket.Conn) *Conn {
	c := &Conn{id: uuid.NewString(), ws: ws}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	return c
}

// Unregister removes the connection and all of its group memberships.
// Unknown ids are ignored.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	for name, members := range h.groups {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) AddToGroup(group, connID string) {
	h.mu.Lock()
	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]struct{})
		h.groups[group] = members
	}
	members[connID] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) RemoveFromGroup(group, connID string) {
	h.mu.Lock()
	if members, ok := h.groups[group]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()
}

// SendTo delivers a payload to one connection. Absent connections are
// silently skipped.
func (h *Hub) SendTo(connID string, v any) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	h.deliver(c, v)
}

// SendToGroup delivers a payload to every current member of a group.
// Membership is snapshotted at send time, not locked for the duration of
// any higher-level exchange.
func (h *Hub) SendToGroup(group string, v any) {
	h.mu.RLock()
	members := h.groups[group]
	targets := make([]*Conn, 0, len(members))
	for connID := range members {
		if c := h.conns[connID]; c != nil {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, v)
	}
}

// SendToAll delivers a payload to every registered connection.
func (h *Hub) SendToAll(v any) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, v)
	}
}

// Abort forcibly closes the underlying socket. The connection's read loop
// observes the close and runs normal disconnect cleanup.
func (h *Hub) Abort(connID string) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	_ = c.ws.Close()
}

func (h *Hub) deliver(c *Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error("marshal outbound payload", "err", err)
		return
	}
	if err := c.write(payload); err != nil {
		// Best-effort delivery. The reader side notices the broken socket
		// and tears the connection down.
		h.log.Debug("send failed", "conn_id", c.id, "err", err)
	}
}
