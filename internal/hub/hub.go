package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ticbet/room-sync/internal/domain"
)

// subscriber buffer; a subscriber that falls this far behind is pruned.
const frameBuffer = 32

// Subscription is one open push stream, exclusively owned by the Hub's
// per-room set until pruned or unsubscribed.
type Subscription struct {
	ID           string
	RoomID       string
	ConnectedAt  time.Time
	LastActivity time.Time

	frames chan Frame
	closed bool
}

// Frames is the stream the transport layer drains.
func (s *Subscription) Frames() <-chan Frame { return s.frames }

// send delivers best-effort. Returns false when the subscription is closed
// or its buffer is full; the caller treats that as a dead connection.
// Must only be called with the hub lock held.
func (s *Subscription) send(f Frame) bool {
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		s.LastActivity = time.Now()
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

// Broadcaster is the Hub contract. The in-memory registry below is one
// implementation; a multi-instance deployment swaps in a distributed one
// behind the same interface without changing callers.
type Broadcaster interface {
	Subscribe(roomID string) *Subscription
	Publish(roomID string, room *domain.Room) int
	Unsubscribe(sub *Subscription)
}

// Hub keeps, per room id, the set of open subscriber streams and fans
// state-change notifications out to them. Delivery is at-most-once and
// best-effort: no acknowledgment, no retry, no replay, and duplicate
// publishes reach subscribers twice. Fan-out order is per-room FIFO within
// one process; nothing is guaranteed across replicas.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Subscription
	down  bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*Subscription)}
}

// Subscribe registers a new stream for the room and returns it. Returns nil
// after Shutdown. There is no subscriber limit per room.
func (h *Hub) Subscribe(roomID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.down {
		return nil
	}

	sub := &Subscription{
		ID:           uuid.NewString(),
		RoomID:       roomID,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		frames:       make(chan Frame, frameBuffer),
	}

	rs, ok := h.rooms[roomID]
	if !ok {
		rs = make(map[string]*Subscription)
		h.rooms[roomID] = rs
	}
	rs[sub.ID] = sub

	return sub
}

// Publish fans the snapshot out to every live subscriber of the room and
// returns the number of successful deliveries. Subscribers whose write
// fails are pruned; an emptied room entry is removed entirely. Publishing
// to a room with no subscribers is a logged no-op.
func (h *Hub) Publish(roomID string, room *domain.Room) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	rs, ok := h.rooms[roomID]
	if !ok {
		slog.Debug("hub publish: no subscribers", "room", roomID)
		return 0
	}

	frame := newFrame(FrameRoomStateChanged, roomID, "")
	frame.Data = room

	var failed []string
	delivered := 0
	for id, sub := range rs {
		if sub.send(frame) {
			delivered++
		} else {
			failed = append(failed, id)
		}
	}

	for _, id := range failed {
		rs[id].close()
		delete(rs, id)
		slog.Debug("hub publish: pruned dead subscriber", "room", roomID, "conn", id)
	}
	if len(rs) == 0 {
		delete(h.rooms, roomID)
	}

	return delivered
}

// Unsubscribe removes a subscription, closing its stream. The room entry is
// deleted once its last subscriber is gone.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if rs, ok := h.rooms[sub.RoomID]; ok {
		if _, ok := rs[sub.ID]; ok {
			rs[sub.ID].close()
			delete(rs, sub.ID)
		}
		if len(rs) == 0 {
			delete(h.rooms, sub.RoomID)
		}
	}
}

// Subscribers returns the live subscriber count for a room.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// Shutdown closes every subscription and rejects further subscribes.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.down = true
	for roomID, rs := range h.rooms {
		for id, sub := range rs {
			sub.close()
			delete(rs, id)
		}
		delete(h.rooms, roomID)
	}
}
