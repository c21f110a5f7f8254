package ws

import (
	"sync"

	"github.com/gameoverstudios/deeperhub/internal/domain"
)

// Registry tracks live connections. It backs the health endpoint's
// connection count, user-targeted delivery, and shutdown drain.
type Registry struct {
	mu     sync.RWMutex
	byID   map[domain.ConnectionID]*Conn
	byUser map[domain.UserID]map[domain.ConnectionID]*Conn
	max    int
}

// NewRegistry creates a registry bounded at max concurrent connections.
func NewRegistry(max int) *Registry {
	return &Registry{
		byID:   make(map[domain.ConnectionID]*Conn),
		byUser: make(map[domain.UserID]map[domain.ConnectionID]*Conn),
		max:    max,
	}
}

// Add registers a connection. Returns false when the registry is at
// capacity; the caller refuses the upgrade.
func (r *Registry) Add(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.byID) >= r.max {
		return false
	}
	r.byID[c.ID] = c
	return true
}

// Bind indexes an authenticated connection under its user.
func (r *Registry) Bind(c *Conn, userID domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[domain.ConnectionID]*Conn)
		r.byUser[userID] = conns
	}
	conns[c.ID] = c
}

// Remove drops a connection and its user index entry.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, c.ID)
	if userID, _, ok := c.Identity(); ok {
		if conns := r.byUser[userID]; conns != nil {
			delete(conns, c.ID)
			if len(conns) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
}

// Get returns the connection for an ID.
func (r *Registry) Get(id domain.ConnectionID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ByUser returns all live connections bound to a user.
func (r *Registry) ByUser(userID domain.UserID) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Max returns the configured connection cap.
func (r *Registry) Max() int { return r.max }

// Drain closes every connection with 1001 going-away. Used on shutdown.
func (r *Registry) Drain() {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close(CloseGoingAway, "server shutdown")
	}
}
