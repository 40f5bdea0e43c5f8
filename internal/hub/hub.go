// Package hub fans server events out to live websocket subscribers.
package hub

import "sync"

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Gate answers whether a subscriber holds a permission.
type Gate interface {
	Allows(perm string) bool
}

// Connection is one subscriber on one server's event stream. Access is
// the subscriber's standing when it connected; a nil Access only receives
// events that need no permission.
type Connection struct {
	ServerID  string
	UserID    string
	SessionID string
	Access    Gate
	Writer    Writer
}

func (c *Connection) allows(perm string) bool {
	if perm == "" {
		return true
	}
	return c.Access != nil && c.Access.Allows(perm)
}

type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{connections: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[conn.ServerID] == nil {
		h.connections[conn.ServerID] = make(map[*Connection]struct{})
	}
	h.connections[conn.ServerID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.connections[conn.ServerID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.ServerID)
	}
}

// snapshot collects matching connections of serverID, or of every server
// when serverID is empty.
func (h *Hub) snapshot(serverID string, match func(*Connection) bool) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var conns []*Connection
	collect := func(set map[*Connection]struct{}) {
		for c := range set {
			if match == nil || match(c) {
				conns = append(conns, c)
			}
		}
	}
	if serverID != "" {
		collect(h.connections[serverID])
		return conns
	}
	for _, set := range h.connections {
		collect(set)
	}
	return conns
}

// Broadcast writes message to every subscriber of serverID holding perm.
// An empty perm reaches everyone. Subscribers whose write fails are closed
// and dropped.
func (h *Hub) Broadcast(serverID, perm string, message []byte) {
	var failed []*Connection
	for _, c := range h.snapshot(serverID, func(c *Connection) bool { return c.allows(perm) }) {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	h.close(failed)
}

// Disconnect closes userID's subscriptions to serverID. It is used when
// the user's access to the server changes.
func (h *Hub) Disconnect(serverID, userID string) int {
	if serverID == "" {
		return 0
	}
	conns := h.snapshot(serverID, func(c *Connection) bool { return c.UserID == userID })
	h.close(conns)
	return len(conns)
}

// DisconnectUser closes every subscription of userID on any server,
// except those opened with keepSessionID.
func (h *Hub) DisconnectUser(userID, keepSessionID string) int {
	conns := h.snapshot("", func(c *Connection) bool {
		return c.UserID == userID && (keepSessionID == "" || c.SessionID != keepSessionID)
	})
	h.close(conns)
	return len(conns)
}

func (h *Hub) close(conns []*Connection) {
	for _, c := range conns {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}

func (h *Hub) Count(serverID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[serverID])
}
