package chatclient

import (
	"sync"

	"github.com/creatorly/chat-service/pkg/models"
)

// Reconciler owns one room's message list. Everything that can change the
// list — a local send, a durable-write outcome, a broadcast, a history
// re-fetch — arrives as an event through Apply; nothing else writes, so any
// interleaving of those sources converges to a duplicate-free, ordered list.
type Reconciler struct {
	mu      sync.Mutex
	chatID  string
	list    []models.Message
	pending map[string]bool // placeholder ids not yet resolved
}

func NewReconciler(chatID string) *Reconciler {
	return &Reconciler{chatID: chatID, pending: make(map[string]bool)}
}

// Event is one input to the reducer.
type Event interface{ reconcilerEvent() }

// LocalSend appends an optimistic entry the instant the user hits send.
type LocalSend struct {
	Placeholder string
	Message     models.Message
}

// WriteSucceeded carries the durable message from the REST response; it
// replaces the optimistic entry in place.
type WriteSucceeded struct {
	Placeholder string
	Message     models.Message
}

// WriteFailed rolls the optimistic entry back.
type WriteFailed struct {
	Placeholder string
}

// RemoteNew is an inbound new_message broadcast.
type RemoteNew struct {
	Message models.Message
}

// RemoteDeleted is an inbound message_deleted broadcast.
type RemoteDeleted struct {
	MessageID string
}

// HistorySynced replaces the durable portion of the list with the store's
// current state; unresolved optimistic entries survive at the tail.
type HistorySynced struct {
	Messages []models.Message
}

func (LocalSend) reconcilerEvent()      {}
func (WriteSucceeded) reconcilerEvent() {}
func (WriteFailed) reconcilerEvent()    {}
func (RemoteNew) reconcilerEvent()      {}
func (RemoteDeleted) reconcilerEvent()  {}
func (HistorySynced) reconcilerEvent()  {}

func (r *Reconciler) Apply(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case LocalSend:
		m := e.Message
		m.ID = e.Placeholder
		r.pending[e.Placeholder] = true
		r.list = append(r.list, m)

	case WriteSucceeded:
		delete(r.pending, e.Placeholder)
		if i := r.indexOf(e.Placeholder); i >= 0 {
			// the broadcast may have beaten the write response here
			if j := r.indexOf(e.Message.ID); j >= 0 && j != i {
				r.removeAt(i)
				return
			}
			r.list[i] = e.Message
			return
		}
		if r.indexOf(e.Message.ID) < 0 {
			r.list = append(r.list, e.Message)
		}

	case WriteFailed:
		delete(r.pending, e.Placeholder)
		if i := r.indexOf(e.Placeholder); i >= 0 {
			r.removeAt(i)
		}

	case RemoteNew:
		if r.indexOf(e.Message.ID) < 0 {
			r.list = append(r.list, e.Message)
		}

	case RemoteDeleted:
		if i := r.indexOf(e.MessageID); i >= 0 {
			r.removeAt(i)
		}

	case HistorySynced:
		fresh := make([]models.Message, 0, len(e.Messages)+len(r.pending))
		fresh = append(fresh, e.Messages...)
		for _, m := range r.list {
			if r.pending[m.ID] {
				fresh = append(fresh, m)
			}
		}
		r.list = fresh
	}
}

// Messages returns a copy of the current list.
func (r *Reconciler) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, len(r.list))
	copy(out, r.list)
	return out
}

func (r *Reconciler) indexOf(id string) int {
	for i := range r.list {
		if r.list[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) removeAt(i int) {
	r.list = append(r.list[:i], r.list[i+1:]...)
}
