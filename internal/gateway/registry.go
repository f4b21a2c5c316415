package gateway

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks every active connection, indexed by connection id
// and by owning user. Room membership lives on the rooms themselves;
// the registry answers "which sockets does this user have open".
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Client
	users map[string]map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Client),
		users: make(map[string]map[string]*Client),
	}
}

// Register assigns the client an opaque connection id and records it
// under its user.
func (r *Registry) Register(c *Client) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.id == "" {
		c.id = uuid.NewString()
	}
	r.conns[c.id] = c

	userId := c.identity.UserId
	if r.users[userId] == nil {
		r.users[userId] = make(map[string]*Client)
	}
	r.users[userId][c.id] = c

	return c.id
}

// Unregister removes the connection from both indexes. Unregistering
// an unknown or already-removed id is a no-op.
func (r *Registry) Unregister(connId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connId]
	if !ok {
		return
	}
	delete(r.conns, connId)

	userId := c.identity.UserId
	if userConns, ok := r.users[userId]; ok {
		delete(userConns, connId)
		if len(userConns) == 0 {
			delete(r.users, userId)
		}
	}
}

func (r *Registry) Get(connId string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connId]
	return c, ok
}

// ConnectionsForUser returns a point-in-time snapshot of the user's
// open connections. Entries may close between snapshot and delivery;
// deliveries to them are silently dropped.
func (r *Registry) ConnectionsForUser(userId string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Client, 0, len(r.users[userId]))
	for _, c := range r.users[userId] {
		conns = append(conns, c)
	}
	return conns
}

// All returns a snapshot of every active connection.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) NumConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}
