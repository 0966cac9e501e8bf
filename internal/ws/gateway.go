package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/creatorly/chat-service/internal/auth"
	"github.com/creatorly/chat-service/internal/metrics"
	"github.com/creatorly/chat-service/internal/protocol"
)

// TokenVerifier validates handshake credentials.
type TokenVerifier interface {
	Verify(token string) (identity string, err error)
}

type Config struct {
	SendQueueSize      int
	MaxMessageBytes    int64
	IdleTimeout        time.Duration
	PingInterval       time.Duration
	WriteDeadline      time.Duration
	AuthGrace          time.Duration
	MaxAuthAttempts    int
	MaxMalformedFrames int
	InboundRate        rate.Limit
	InboundBurst       int
}

func (c Config) withDefaults() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteDeadline <= 0 {
		c.WriteDeadline = 10 * time.Second
	}
	if c.AuthGrace <= 0 {
		c.AuthGrace = 10 * time.Second
	}
	if c.MaxAuthAttempts <= 0 {
		c.MaxAuthAttempts = 3
	}
	if c.MaxMalformedFrames <= 0 {
		c.MaxMalformedFrames = 8
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 40
	}
	return c
}

// Gateway accepts persistent connections, drives their handshake and owns
// their lifecycle: one read loop and one write pump per connection, and an
// idempotent close that clears memberships before the connection is gone.
type Gateway struct {
	cfg      Config
	verifier TokenVerifier
	registry *Registry
	log      *zap.SugaredLogger

	// claimIdentity extracts an unverified subject for the degraded join
	// path; swapped out in tests.
	claimIdentity func(token string) (string, error)

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewGateway(cfg Config, verifier TokenVerifier, registry *Registry, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		cfg:           cfg.withDefaults(),
		verifier:      verifier,
		registry:      registry,
		log:           log,
		claimIdentity: auth.ClaimedIdentity,
		conns:         make(map[string]*Conn),
	}
}

// Serve runs a connection to completion. The websocket handler goroutine
// calls it and blocks until the connection is closed.
func (g *Gateway) Serve(sock Socket) {
	c := g.accept(sock)
	g.readLoop(c)
	g.Close(c, "read loop ended")
}

func (g *Gateway) accept(sock Socket) *Conn {
	c := newConn(sock, g.cfg.SendQueueSize)

	g.mu.Lock()
	g.conns[c.ID] = c
	g.mu.Unlock()
	metrics.ActiveConnections.Inc()

	go g.writePump(c)

	// handshake grace window: a client that never authenticates becomes
	// degraded rather than hanging in limbo
	grace := time.AfterFunc(g.cfg.AuthGrace, func() {
		if c.degradeIfUnauthenticated() {
			g.log.Infow("handshake grace expired, connection degraded", "conn", c.ID)
		}
	})
	go func() {
		<-c.done
		grace.Stop()
	}()

	g.log.Infow("connection accepted", "conn", c.ID)
	return c
}

func (g *Gateway) readLoop(c *Conn) {
	c.sock.SetReadLimit(g.cfg.MaxMessageBytes)
	_ = c.sock.SetReadDeadline(time.Now().Add(g.cfg.IdleTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(g.cfg.IdleTimeout))
	})

	limiter := rate.NewLimiter(g.cfg.InboundRate, g.cfg.InboundBurst)
	for {
		_, raw, err := c.sock.ReadMessage()
		if err != nil {
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(g.cfg.IdleTimeout))
		if !limiter.Allow() {
			g.Close(c, "inbound rate exceeded")
			return
		}
		if !g.handleInbound(c, raw) {
			return
		}
	}
}

// handleInbound dispatches one frame. It returns false once the connection
// has been closed and the read loop should stop.
func (g *Gateway) handleInbound(c *Conn, raw []byte) bool {
	env, err := protocol.Decode(raw)
	if err != nil {
		metrics.MalformedFramesTotal.Inc()
		n := c.countMalformed()
		g.log.Warnw("dropping malformed frame", "conn", c.ID, "count", n, "err", err)
		if n >= g.cfg.MaxMalformedFrames {
			g.Close(c, "protocol abuse")
			return false
		}
		return true
	}

	switch env.Type {
	case protocol.EventAuth:
		return g.handleAuth(c, env.Token)
	case protocol.EventJoinChat:
		g.handleJoin(c, env)
	case protocol.EventLeaveChat:
		g.registry.Leave(c, env.ChatID)
	default:
		// unknown or server-originated types are acked with a no-op
		g.log.Debugw("ignoring event", "conn", c.ID, "type", env.Type)
	}
	return true
}

func (g *Gateway) handleAuth(c *Conn, token string) bool {
	identity, err := g.verifier.Verify(token)
	if err == nil {
		c.setAuthenticated(identity)
		c.enqueue(protocol.AuthSuccess().Encode())
		g.log.Infow("connection authenticated", "conn", c.ID, "identity", identity)
		return true
	}

	reason := protocol.ReasonInvalidToken
	if errors.Is(err, auth.ErrMissingToken) {
		reason = protocol.ReasonMissingToken
	}
	c.enqueue(protocol.AuthError(reason).Encode())

	attempts := c.failAuth()
	g.log.Warnw("authentication failed", "conn", c.ID, "attempt", attempts, "reason", reason)
	if attempts >= g.cfg.MaxAuthAttempts {
		c.setState(StateRejected)
		g.Close(c, "too many failed auth attempts")
		return false
	}
	return true
}

func (g *Gateway) handleJoin(c *Conn, env *protocol.Envelope) {
	if env.ChatID == "" {
		c.enqueue(protocol.Rejected("", protocol.ReasonForbidden).Encode())
		return
	}

	switch c.State() {
	case StateAuthenticated:
	case StateDegraded:
		// the join may carry a token whose subject the roster check below
		// validates; the signature is not trusted on this path
		if c.Identity() == "" && env.Token != "" {
			if claimed, err := g.claimIdentity(env.Token); err == nil {
				c.setClaimedIdentity(claimed)
			}
		}
	default:
		c.enqueue(protocol.Rejected(env.ChatID, protocol.ReasonNotAuthenticated).Encode())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := g.registry.Join(ctx, c, env.ChatID)
	switch {
	case err == nil:
		c.enqueue(protocol.Joined(env.ChatID).Encode())
	case errors.Is(err, ErrNotAuthenticated):
		c.enqueue(protocol.Rejected(env.ChatID, protocol.ReasonNotAuthenticated).Encode())
	case errors.Is(err, ErrForbidden):
		c.enqueue(protocol.Rejected(env.ChatID, protocol.ReasonForbidden).Encode())
	default:
		g.log.Errorw("roster lookup failed", "conn", c.ID, "chat", env.ChatID, "err", err)
		c.enqueue(protocol.Rejected(env.ChatID, protocol.ReasonForbidden).Encode())
	}
}

func (g *Gateway) writePump(c *Conn) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(g.cfg.WriteDeadline))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				g.Close(c, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(g.cfg.WriteDeadline))
			if err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				g.Close(c, "ping failed")
				return
			}
		case <-c.done:
			_ = c.sock.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}

// Close tears a connection down: memberships first, then the write pump and
// the underlying socket. Safe to call any number of times.
func (g *Gateway) Close(c *Conn, reason string) {
	c.closeOnce.Do(func() {
		g.registry.RemoveEverywhere(c)
		close(c.done)

		g.mu.Lock()
		delete(g.conns, c.ID)
		g.mu.Unlock()
		metrics.ActiveConnections.Dec()

		g.log.Infow("connection closed", "conn", c.ID, "identity", c.Identity(), "reason", reason)
	})
}

// Shutdown closes every live connection; used on process exit.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()
	for _, c := range conns {
		g.Close(c, "server shutdown")
	}
}

// ConnCount is used by tests and the health endpoint.
func (g *Gateway) ConnCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}
