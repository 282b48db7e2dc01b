package localsync

import (
	"sync"

	"github.com/ticbet/room-sync/internal/domain"
)

// per-session delivery buffer; a session that falls this far behind starts
// dropping direct-channel events and converges via the storage relay.
const busBuffer = 64

// Bus is the direct channel: a process-local named channel shared by every
// attached session. Delivery is immediate; senders never receive their own
// events back.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]chan domain.SyncEvent
}

func NewBus() *Bus {
	return &Bus{sessions: make(map[string]chan domain.SyncEvent)}
}

// Attach registers a session and returns its delivery channel.
func (b *Bus) Attach(sessionID string) <-chan domain.SyncEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.SyncEvent, busBuffer)
	b.sessions[sessionID] = ch
	return ch
}

// Detach removes a session and closes its channel.
func (b *Bus) Detach(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.sessions[sessionID]; ok {
		delete(b.sessions, sessionID)
		close(ch)
	}
}

// Post delivers the event to every attached session except the sender.
func (b *Bus) Post(ev domain.SyncEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.sessions {
		if id == ev.SenderID {
			continue
		}
		select {
		case ch <- ev:
		default:
			// слишком медленная сессия; догонит через storage relay
		}
	}
}
