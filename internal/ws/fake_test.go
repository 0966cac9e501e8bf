package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/creatorly/chat-service/internal/protocol"
)

// fakeSocket scripts inbound frames and records outbound ones, standing in
// for a real websocket connection.
type fakeSocket struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-s.inbound:
		return websocket.TextMessage, frame, nil
	case <-s.closed:
		return 0, nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.written = append(s.written, cp)
	return nil
}

func (s *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (s *fakeSocket) SetReadLimit(int64)                        {}
func (s *fakeSocket) SetReadDeadline(time.Time) error           { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error          { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error)         {}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// envelopes decodes everything written so far.
func (s *fakeSocket) envelopes() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(s.written))
	for _, raw := range s.written {
		var e protocol.Envelope
		if err := json.Unmarshal(raw, &e); err == nil {
			out = append(out, &e)
		}
	}
	return out
}

// lastOfType returns the most recent written envelope of the given type.
func (s *fakeSocket) lastOfType(t protocol.EventType) *protocol.Envelope {
	var found *protocol.Envelope
	for _, e := range s.envelopes() {
		if e.Type == t {
			found = e
		}
	}
	return found
}

// fakeRoster is an in-memory chat roster.
type fakeRoster struct {
	mu      sync.Mutex
	members map[string]map[string]bool // chatID -> userID
	err     error
}

func newFakeRoster() *fakeRoster {
	return &fakeRoster{members: make(map[string]map[string]bool)}
}

func (r *fakeRoster) allow(chatID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[chatID] == nil {
		r.members[chatID] = make(map[string]bool)
	}
	r.members[chatID][userID] = true
}

func (r *fakeRoster) IsMember(_ context.Context, chatID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	return r.members[chatID][userID], nil
}

// fakeVerifier maps tokens to identities.
type fakeVerifier struct {
	tokens map[string]string
}

func (v *fakeVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", errors.New("missing token")
	}
	id, ok := v.tokens[token]
	if !ok {
		return "", errors.New("invalid token")
	}
	return id, nil
}
