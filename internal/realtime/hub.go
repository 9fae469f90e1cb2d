package realtime

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const sendBufferSize = 32

// Authorizer lets the caller restrict a join payload before it takes effect,
// e.g. by intersecting it with the verified identity on the request. The
// returned Join is what actually gets subscribed.
type Authorizer func(r *http.Request, j Join) Join

// Hub maintains websocket connections and their room memberships, and fans
// lifecycle events out to rooms. Delivery is at-least-once only in the sense
// that connected clients receive every emit; a disconnected client misses
// events until it re-fetches state.
type Hub struct {
	log       *logrus.Logger
	upgrader  websocket.Upgrader
	authorize Authorizer

	mu      sync.RWMutex
	rooms   map[string]map[*conn]struct{}
	members map[*conn][]string
}

// NewHub creates a hub. authorize may be nil, in which case join payloads are
// taken as-is (useful in tests).
func NewHub(log *logrus.Logger, authorize Authorizer) *Hub {
	return &Hub{
		log:       log,
		authorize: authorize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms:   make(map[string]map[*conn]struct{}),
		members: make(map[*conn][]string),
	}
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// trySend queues msg without blocking. It reports false when the connection
// is closed or its buffer is full.
func (c *conn) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Printf("websocket upgrade failed: %v", err)
		return
	}

	c := &conn{ws: ws, send: make(chan []byte, sendBufferSize)}
	go c.writePump()
	h.readPump(r, c)
}

func (h *Hub) readPump(r *http.Request, c *conn) {
	defer h.drop(c)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var j Join
		if err := json.Unmarshal(raw, &j); err != nil {
			h.log.Printf("ignoring malformed client message: %v", err)
			continue
		}
		if j.Type != "join" {
			continue
		}
		if h.authorize != nil {
			j = h.authorize(r, j)
		}
		h.join(c, j.Rooms())
	}
}

func (c *conn) writePump() {
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// join replaces the connection's room membership with rooms.
func (h *Hub) join(c *conn, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, room := range h.members[c] {
		h.leaveLocked(c, room)
	}
	for _, room := range rooms {
		if h.rooms[room] == nil {
			h.rooms[room] = make(map[*conn]struct{})
		}
		h.rooms[room][c] = struct{}{}
	}
	h.members[c] = rooms
}

func (h *Hub) leaveLocked(c *conn, room string) {
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) drop(c *conn) {
	h.mu.Lock()
	for _, room := range h.members[c] {
		h.leaveLocked(c, room)
	}
	delete(h.members, c)
	h.mu.Unlock()

	c.close()
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.ws.Close()
}

// Emit delivers one event to the union of the given rooms. A connection in
// several of the rooms receives the event once. Sends are fire-and-forget: a
// client whose buffer is full is disconnected rather than blocking the caller.
func (h *Hub) Emit(event string, rooms []string, payload map[string]any) {
	raw, err := json.Marshal(Message{Event: event, Data: payload})
	if err != nil {
		h.log.Printf("failed to marshal %s event: %v", event, err)
		return
	}

	h.mu.RLock()
	targets := make(map[*conn]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		if !c.trySend(raw) {
			h.log.Printf("dropping slow websocket client")
			go h.drop(c)
		}
	}
}

// RoomSize returns the number of connections in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
