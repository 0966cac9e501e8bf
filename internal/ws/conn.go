package ws

import (
	"sync"

	"github.com/google/uuid"
)

type AuthState int

const (
	StateUnauthenticated AuthState = iota
	StateAuthenticated
	// StateDegraded marks a connection whose handshake grace window expired
	// without a verified token. It may still join rooms, but only after the
	// registry re-validates its claimed identity against the roster, and it
	// never authorizes writes.
	StateDegraded
	StateRejected
)

func (s AuthState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateDegraded:
		return "degraded"
	case StateRejected:
		return "rejected"
	default:
		return "unauthenticated"
	}
}

// Conn is one persistent duplex channel to a single client. The gateway owns
// it; the registry only references it through membership sets.
type Conn struct {
	ID   string
	sock Socket

	mu           sync.Mutex
	state        AuthState
	identity     string
	authAttempts int
	malformed    int

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(sock Socket, queueSize int) *Conn {
	return &Conn{
		ID:    uuid.NewString(),
		sock:  sock,
		state: StateUnauthenticated,
		send:  make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

func (c *Conn) State() AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *Conn) setAuthenticated(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateAuthenticated
	c.identity = identity
}

func (c *Conn) setState(s AuthState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// degradeIfUnauthenticated flips an unauthenticated connection to degraded
// once the handshake grace window expires. Returns true if it transitioned.
func (c *Conn) degradeIfUnauthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnauthenticated {
		return false
	}
	c.state = StateDegraded
	return true
}

// setClaimedIdentity records an unverified identity for the degraded join
// path. It never upgrades the auth state.
func (c *Conn) setClaimedIdentity(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity == "" {
		c.identity = identity
	}
}

func (c *Conn) failAuth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authAttempts++
	return c.authAttempts
}

func (c *Conn) countMalformed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.malformed++
	return c.malformed
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue appends an outbound frame without ever blocking the caller. It
// reports false when the queue is full; the fanout responds by dropping the
// connection, not by waiting for it.
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return true // already closing; nothing to deliver, nothing to drop
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}
