package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorly/chat-service/internal/logger"
	"github.com/creatorly/chat-service/internal/protocol"
)

func frame(t *testing.T, e *protocol.Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return b
}

type gatewayFixture struct {
	gw     *Gateway
	roster *fakeRoster
	sock   *fakeSocket
}

func startGateway(t *testing.T, cfg Config) *gatewayFixture {
	t.Helper()
	roster := newFakeRoster()
	reg := NewRegistry(roster, logger.Nop())
	verifier := &fakeVerifier{tokens: map[string]string{"good-token": "alice"}}
	gw := NewGateway(cfg, verifier, reg, logger.Nop())

	sock := newFakeSocket()
	go gw.Serve(sock)
	t.Cleanup(func() { sock.Close() })

	return &gatewayFixture{gw: gw, roster: roster, sock: sock}
}

func (fx *gatewayFixture) waitFor(t *testing.T, typ protocol.EventType) *protocol.Envelope {
	t.Helper()
	var got *protocol.Envelope
	require.Eventually(t, func() bool {
		got = fx.sock.lastOfType(typ)
		return got != nil
	}, time.Second, 5*time.Millisecond, "no %s envelope written", typ)
	return got
}

func TestAuthThenJoinHappyPath(t *testing.T) {
	fx := startGateway(t, Config{})
	fx.roster.allow("7", "alice")

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventAuth, Token: "good-token"})
	fx.waitFor(t, protocol.EventAuthSuccess)

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventJoinChat, ChatID: "7"})
	joined := fx.waitFor(t, protocol.EventJoinedChat)
	assert.Equal(t, "7", joined.ChatID)
}

func TestAuthRetryThenSuccess(t *testing.T) {
	fx := startGateway(t, Config{})
	fx.roster.allow("7", "alice")

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventAuth, Token: "bad-token"})
	authErr := fx.waitFor(t, protocol.EventAuthError)
	assert.Equal(t, protocol.ReasonInvalidToken, authErr.Reason)

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventAuth, Token: "good-token"})
	fx.waitFor(t, protocol.EventAuthSuccess)

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventJoinChat, ChatID: "7"})
	fx.waitFor(t, protocol.EventJoinedChat)
}

func TestAuthClosesAfterMaxAttempts(t *testing.T) {
	fx := startGateway(t, Config{MaxAuthAttempts: 3})

	for i := 0; i < 3; i++ {
		fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventAuth, Token: "bad-token"})
	}
	require.Eventually(t, func() bool { return fx.sock.isClosed() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, fx.gw.ConnCount())
}

func TestJoinBeforeAuthIsRejected(t *testing.T) {
	fx := startGateway(t, Config{})
	fx.roster.allow("7", "alice")

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventJoinChat, ChatID: "7"})
	rej := fx.waitFor(t, protocol.EventRejected)
	assert.Equal(t, protocol.ReasonNotAuthenticated, rej.Reason)
	assert.Empty(t, fx.gw.registry.Members("7"))
}

func TestJoinWithoutRosterAccess(t *testing.T) {
	fx := startGateway(t, Config{})

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventAuth, Token: "good-token"})
	fx.waitFor(t, protocol.EventAuthSuccess)

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventJoinChat, ChatID: "7"})
	rej := fx.waitFor(t, protocol.EventRejected)
	assert.Equal(t, protocol.ReasonForbidden, rej.Reason)
	assert.Empty(t, fx.gw.registry.Members("7"))
}

func TestMalformedFramesAreDroppedThenAbuseCloses(t *testing.T) {
	fx := startGateway(t, Config{MaxMalformedFrames: 3})
	fx.roster.allow("7", "alice")

	// a couple of bad frames are tolerated
	fx.sock.inbound <- []byte(`{{{`)
	fx.sock.inbound <- []byte(`{"chatId":"7"}`)
	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventAuth, Token: "good-token"})
	fx.waitFor(t, protocol.EventAuthSuccess)
	assert.False(t, fx.sock.isClosed())

	// the third malformed frame crosses the threshold
	fx.sock.inbound <- []byte(`not json at all`)
	require.Eventually(t, func() bool { return fx.sock.isClosed() }, time.Second, 5*time.Millisecond)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	fx := startGateway(t, Config{})
	fx.roster.allow("7", "alice")

	fx.sock.inbound <- []byte(`{"type":"typing","chatId":"7"}`)
	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventAuth, Token: "good-token"})
	fx.waitFor(t, protocol.EventAuthSuccess)
	assert.False(t, fx.sock.isClosed())
}

func TestLeaveChat(t *testing.T) {
	fx := startGateway(t, Config{})
	fx.roster.allow("7", "alice")

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventAuth, Token: "good-token"})
	fx.waitFor(t, protocol.EventAuthSuccess)
	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventJoinChat, ChatID: "7"})
	fx.waitFor(t, protocol.EventJoinedChat)
	require.Eventually(t, func() bool { return len(fx.gw.registry.Members("7")) == 1 }, time.Second, 5*time.Millisecond)

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventLeaveChat, ChatID: "7"})
	require.Eventually(t, func() bool { return len(fx.gw.registry.Members("7")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseClearsMembershipsAndIsIdempotent(t *testing.T) {
	fx := startGateway(t, Config{})
	fx.roster.allow("7", "alice")
	fx.roster.allow("8", "alice")

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventAuth, Token: "good-token"})
	fx.waitFor(t, protocol.EventAuthSuccess)
	for _, chat := range []string{"7", "8"} {
		fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventJoinChat, ChatID: chat})
	}
	require.Eventually(t, func() bool {
		return len(fx.gw.registry.Members("7")) == 1 && len(fx.gw.registry.Members("8")) == 1
	}, time.Second, 5*time.Millisecond)

	var conn *Conn
	fx.gw.mu.Lock()
	for _, c := range fx.gw.conns {
		conn = c
	}
	fx.gw.mu.Unlock()
	require.NotNil(t, conn)

	fx.gw.Close(conn, "test")
	assert.Empty(t, fx.gw.registry.Members("7"))
	assert.Empty(t, fx.gw.registry.Members("8"))
	assert.Equal(t, 0, fx.gw.ConnCount())

	fx.gw.Close(conn, "test again")
	assert.Equal(t, 0, fx.gw.ConnCount())
}

func TestDegradedGraceWindowJoin(t *testing.T) {
	fx := startGateway(t, Config{AuthGrace: 10 * time.Millisecond})
	fx.roster.allow("7", "alice")
	fx.gw.claimIdentity = func(token string) (string, error) {
		return "alice", nil
	}

	// never authenticate; wait out the grace window
	var conn *Conn
	require.Eventually(t, func() bool {
		fx.gw.mu.Lock()
		defer fx.gw.mu.Unlock()
		for _, c := range fx.gw.conns {
			conn = c
		}
		return conn != nil && conn.State() == StateDegraded
	}, time.Second, 5*time.Millisecond)

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventJoinChat, ChatID: "7", Token: "stale-token"})
	fx.waitFor(t, protocol.EventJoinedChat)
	assert.Equal(t, StateDegraded, conn.State(), "degraded join must not count as verified auth")
}

func TestDegradedJoinOffRosterIsRejected(t *testing.T) {
	fx := startGateway(t, Config{AuthGrace: 10 * time.Millisecond})
	fx.gw.claimIdentity = func(token string) (string, error) {
		return "mallory", nil
	}

	require.Eventually(t, func() bool {
		fx.gw.mu.Lock()
		defer fx.gw.mu.Unlock()
		for _, c := range fx.gw.conns {
			if c.State() == StateDegraded {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	fx.sock.inbound <- frame(t, &protocol.Envelope{Type: protocol.EventJoinChat, ChatID: "7", Token: "stale-token"})
	rej := fx.waitFor(t, protocol.EventRejected)
	assert.Equal(t, protocol.ReasonForbidden, rej.Reason)
	assert.Empty(t, fx.gw.registry.Members("7"))
}

func TestInboundRateLimitCloses(t *testing.T) {
	fx := startGateway(t, Config{InboundRate: 1, InboundBurst: 2})

	for i := 0; i < 10; i++ {
		select {
		case fx.sock.inbound <- []byte(`{"type":"leave_chat","chatId":"7"}`):
		default:
		}
	}
	require.Eventually(t, func() bool { return fx.sock.isClosed() }, time.Second, 5*time.Millisecond)
}
