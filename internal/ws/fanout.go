package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/creatorly/chat-service/internal/metrics"
	"github.com/creatorly/chat-service/internal/protocol"
)

// Fanout delivers durable-write outcomes to every current member of a room.
// The single broadcast mutex keeps events for one room in the order their
// writes completed: two snapshot+enqueue passes can never interleave.
type Fanout struct {
	mu  sync.Mutex
	reg *Registry
	// drop disconnects a member whose send queue is full. Wired to the
	// gateway's Close; never blocks the broadcast.
	drop func(c *Conn, reason string)
	log  *zap.SugaredLogger
}

func NewFanout(reg *Registry, drop func(c *Conn, reason string), log *zap.SugaredLogger) *Fanout {
	return &Fanout{reg: reg, drop: drop, log: log}
}

// Broadcast enqueues the event onto each member's write queue. The member
// set is a snapshot: a connection joining mid-broadcast misses this event
// and catches up over REST. Connections belonging to excludeIdentity are
// skipped; the originator already has the result from its write response.
// Exclusion is per identity, so when the originator holds several
// connections the others also skip the event and pick it up from their next
// history fetch; delivery is exactly-once per member, not per connection.
func (f *Fanout) Broadcast(chatID string, env *protocol.Envelope, excludeIdentity string) {
	frame := env.Encode()

	f.mu.Lock()
	members := f.reg.Members(chatID)
	var overflowed []*Conn
	for _, c := range members {
		if excludeIdentity != "" && c.Identity() == excludeIdentity {
			continue
		}
		if c.enqueue(frame) {
			metrics.BroadcastsTotal.Inc()
			continue
		}
		overflowed = append(overflowed, c)
	}
	f.mu.Unlock()

	for _, c := range overflowed {
		metrics.DroppedConnectionsTotal.Inc()
		f.log.Warnw("dropping slow member", "chat", chatID, "conn", c.ID, "identity", c.Identity())
		f.drop(c, "send queue overflow")
	}
}
