// Package chatclient is the Go client for the realtime chat service: a
// websocket connection with an explicit lifecycle state machine, plus a
// per-room reconciler that merges optimistic sends, durable-write responses
// and broadcasts into one message list.
package chatclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/creatorly/chat-service/internal/protocol"
	"github.com/creatorly/chat-service/pkg/models"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	// StateDegraded means the connection is live but carries no verified
	// identity: no credential could be obtained, so joins ride on a stale
	// token that the server re-validates against the roster.
	StateDegraded
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

var (
	ErrNoCredentials = errors.New("no credentials available")
	ErrRejected      = errors.New("join rejected")
	ErrClosed        = errors.New("client closed")
)

type Config struct {
	// Endpoint is the websocket URL, usually built with Endpoint().
	Endpoint string
	// RESTBase is the http(s) origin of the durable-write API.
	RESTBase string
	// Token fetches a fresh credential: cookie scan first, API fallback.
	// Returning ErrNoCredentials selects the degraded path.
	Token func(ctx context.Context) (string, error)
	// StaleToken optionally supplies a previously issued token for degraded
	// joins. May be nil.
	StaleToken func() string
	Logger     *zap.SugaredLogger

	AuthAttempts int
	WriteTimeout time.Duration
}

type Client struct {
	cfg  Config
	rest *RESTClient

	mu           sync.Mutex
	state        State
	established  bool // a handshake completed at least once
	reconnecting bool // a reconnect loop is already running
	conn         *websocket.Conn
	recs        map[string]*Reconciler
	joined      map[string]bool
	waiters     map[string]chan *protocol.Envelope

	writeMu sync.Mutex

	authCh    chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.AuthAttempts <= 0 {
		cfg.AuthAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:     cfg,
		state:   StateDisconnected,
		recs:    make(map[string]*Reconciler),
		joined:  make(map[string]bool),
		waiters: make(map[string]chan *protocol.Envelope),
		authCh:  make(chan *protocol.Envelope, 4),
		done:    make(chan struct{}),
	}
	var tokenForRest func() string
	if cfg.StaleToken != nil {
		tokenForRest = cfg.StaleToken
	}
	c.rest = NewRESTClient(cfg.RESTBase, tokenForRest)
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.cfg.Logger.Debugw("state transition", "from", prev.String(), "to", s.String())
	}
}

// Connect dials the gateway and runs the handshake. On success the client is
// ready (or degraded when no credential was available); either way the read
// loop is running and broadcasts flow into the reconcilers.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == StateClosing {
		return ErrClosed
	}
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	if err := c.handshake(ctx); err != nil {
		// detach before closing so the read loop sees a replaced connection,
		// not a disconnect
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

func (c *Client) handshake(ctx context.Context) error {
	token, err := c.fetchToken(ctx)
	if errors.Is(err, ErrNoCredentials) {
		// reachable without a verified identity; joins carry the stale token
		c.cfg.Logger.Warnw("no credentials, continuing degraded")
		c.setState(StateDegraded)
		c.markEstablished()
		return nil
	}
	if err != nil {
		return err
	}

	c.setState(StateAuthenticating)
	for attempt := 1; ; attempt++ {
		if err := c.writeEnvelope(&protocol.Envelope{Type: protocol.EventAuth, Token: token}); err != nil {
			return err
		}
		env, err := c.awaitAuth(ctx)
		if err != nil {
			return err
		}
		if env.Type == protocol.EventAuthSuccess {
			c.setState(StateReady)
			c.markEstablished()
			return nil
		}
		if attempt >= c.cfg.AuthAttempts {
			return fmt.Errorf("authentication failed: %s", env.Reason)
		}
		// the server allows a bounded number of retries with a fresh token
		if token, err = c.fetchToken(ctx); err != nil {
			return err
		}
	}
}

func (c *Client) markEstablished() {
	c.mu.Lock()
	c.established = true
	c.mu.Unlock()
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	if c.cfg.Token == nil {
		return "", ErrNoCredentials
	}
	return c.cfg.Token(ctx)
}

func (c *Client) awaitAuth(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case env := <-c.authCh:
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Join subscribes to a room. Requires Ready or Degraded state; degraded
// joins are re-validated server-side against the roster.
func (c *Client) Join(ctx context.Context, chatID string) error {
	switch c.State() {
	case StateReady, StateDegraded:
	default:
		return fmt.Errorf("cannot join in state %s", c.State())
	}

	c.mu.Lock()
	if _, ok := c.recs[chatID]; !ok {
		c.recs[chatID] = NewReconciler(chatID)
	}
	waiter := make(chan *protocol.Envelope, 1)
	c.waiters[chatID] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, chatID)
		c.mu.Unlock()
	}()

	env := &protocol.Envelope{Type: protocol.EventJoinChat, ChatID: chatID}
	if c.State() == StateDegraded && c.cfg.StaleToken != nil {
		env.Token = c.cfg.StaleToken()
	}
	if err := c.writeEnvelope(env); err != nil {
		return err
	}

	select {
	case reply := <-waiter:
		if reply.Type == protocol.EventJoinedChat {
			c.mu.Lock()
			c.joined[chatID] = true
			c.mu.Unlock()
			return nil
		}
		return fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Leave unsubscribes; idempotent.
func (c *Client) Leave(chatID string) error {
	c.mu.Lock()
	delete(c.joined, chatID)
	c.mu.Unlock()
	return c.writeEnvelope(&protocol.Envelope{Type: protocol.EventLeaveChat, ChatID: chatID})
}

// Send shows the message immediately as an optimistic entry, then performs
// the durable write over REST and resolves or rolls the entry back.
func (c *Client) Send(ctx context.Context, chatID, content string) (*models.Message, error) {
	rec := c.reconciler(chatID)
	placeholder := "tmp-" + uuid.NewString()
	rec.Apply(LocalSend{
		Placeholder: placeholder,
		Message:     models.Message{ChatID: chatID, Content: content, CreatedAt: time.Now().UTC()},
	})

	msg, err := c.rest.CreateMessage(ctx, CreateInput{ChatID: chatID, Content: content})
	if err != nil {
		rec.Apply(WriteFailed{Placeholder: placeholder})
		return nil, err
	}
	rec.Apply(WriteSucceeded{Placeholder: placeholder, Message: *msg})
	return msg, nil
}

// Delete removes a message durably, then locally. Other members learn about
// it from the broadcast.
func (c *Client) Delete(ctx context.Context, chatID, messageID string) error {
	if err := c.rest.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	c.reconciler(chatID).Apply(RemoteDeleted{MessageID: messageID})
	return nil
}

// Messages returns the reconciled list for a room.
func (c *Client) Messages(chatID string) []models.Message {
	return c.reconciler(chatID).Messages()
}

func (c *Client) reconciler(chatID string) *Reconciler {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recs[chatID]
	if !ok {
		rec = NewReconciler(chatID)
		c.recs[chatID] = rec
	}
	return rec
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn)
			return
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			c.cfg.Logger.Warnw("dropping malformed server frame", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.EventAuthSuccess, protocol.EventAuthError:
		select {
		case c.authCh <- env:
		default:
		}
	case protocol.EventJoinedChat, protocol.EventRejected:
		c.mu.Lock()
		waiter := c.waiters[env.ChatID]
		c.mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- env:
			default:
			}
		}
	case protocol.EventNewMessage:
		if env.Message != nil {
			c.reconciler(env.ChatID).Apply(RemoteNew{Message: *env.Message})
		}
	case protocol.EventMessageDeleted:
		c.reconciler(env.ChatID).Apply(RemoteDeleted{MessageID: env.MessageID})
	default:
		// server may grow event types; ignore what we do not know
	}
}

// handleDisconnect runs the reconnect path: re-dial with backoff,
// re-authenticate, rejoin every room, then repair the gap from history,
// since the fanout never re-delivers missed events. Only the death of the
// active connection counts as a loss; a stale connection abandoned by an
// earlier reconnect attempt must never restart the machinery.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	stale := conn != c.conn
	closing := c.state == StateClosing
	established := c.established
	busy := c.reconnecting
	if !stale {
		c.conn = nil
	}
	if stale || closing || !established || busy {
		c.mu.Unlock()
		// a failed first handshake is the caller's error to handle
		return
	}
	c.reconnecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	c.setState(StateDisconnected)
	c.cfg.Logger.Warnw("connection lost, reconnecting")

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0 // keep trying until closed
	ticker := backoff.NewTicker(b)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.reconnectOnce(ctx)
		cancel()
		if err == nil {
			return
		}
		c.cfg.Logger.Warnw("reconnect attempt failed", "err", err)
	}
}

func (c *Client) reconnectOnce(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	rooms := make([]string, 0, len(c.joined))
	for chatID := range c.joined {
		rooms = append(rooms, chatID)
	}
	c.mu.Unlock()

	for _, chatID := range rooms {
		if err := c.Join(ctx, chatID); err != nil {
			c.dropConn()
			return fmt.Errorf("rejoin %s: %w", chatID, err)
		}
		history, err := c.rest.ListMessages(ctx, chatID, 100)
		if err != nil {
			c.dropConn()
			return fmt.Errorf("history %s: %w", chatID, err)
		}
		c.reconciler(chatID).Apply(HistorySynced{Messages: history})
	}
	return nil
}

// dropConn discards the active connection after a failed reconnect attempt
// so its eventual death cannot pass for a fresh disconnect.
func (c *Client) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.setState(StateDisconnected)
}

func (c *Client) writeEnvelope(env *protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, env.Encode())
}

// Close tears the client down; safe to call twice.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}
