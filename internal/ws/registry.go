package ws

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNotAuthenticated = errors.New("connection not authenticated")
	ErrForbidden        = errors.New("identity not on roster")
)

// Roster answers whether an identity may join a room. Backed by the chat
// repository; the registry never caches the answer.
type Roster interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
}

// Registry is the in-memory room -> member connections mapping. All mutation
// goes through Join, Leave and RemoveEverywhere; the fanout reads snapshots
// under the same lock, so a snapshot can never observe a half-applied join.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]map[string]*Conn // chatID -> connID -> conn
	roster Roster
	log    *zap.SugaredLogger
}

func NewRegistry(roster Roster, log *zap.SugaredLogger) *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]*Conn),
		roster: roster,
		log:    log,
	}
}

// Join admits a connection into a room. Authenticated connections are
// checked against the roster by their verified identity; degraded ones by
// their claimed identity. Joining twice is a no-op.
func (r *Registry) Join(ctx context.Context, c *Conn, chatID string) error {
	switch c.State() {
	case StateAuthenticated, StateDegraded:
	default:
		return ErrNotAuthenticated
	}
	identity := c.Identity()
	if identity == "" {
		return ErrNotAuthenticated
	}

	// Roster lookup happens outside the lock; it hits the store.
	ok, err := r.roster.IsMember(ctx, chatID, identity)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.closed() {
		// lost the race with close; membership must not outlive the connection
		return ErrNotAuthenticated
	}
	members, ok := r.rooms[chatID]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[chatID] = members
	}
	members[c.ID] = c
	r.log.Debugw("joined room", "chat", chatID, "conn", c.ID, "identity", identity, "state", c.State().String())
	return nil
}

// Leave removes the connection from one room. Idempotent.
func (r *Registry) Leave(c *Conn, chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c, chatID)
}

// RemoveEverywhere strips the connection from every room it joined. Called
// by the gateway on close; idempotent.
func (r *Registry) RemoveEverywhere(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID := range r.rooms {
		r.removeLocked(c, chatID)
	}
}

func (r *Registry) removeLocked(c *Conn, chatID string) {
	members, ok := r.rooms[chatID]
	if !ok {
		return
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(r.rooms, chatID)
	}
}

// Members returns a point-in-time copy of a room's member set.
func (r *Registry) Members(chatID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[chatID]
	out := make([]*Conn, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// InRoom reports membership of a single connection; used by tests.
func (r *Registry) InRoom(c *Conn, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[chatID][c.ID]
	return ok
}
