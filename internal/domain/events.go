package domain

import "time"

// Типы событий, которыми обмениваются сессии через Local Sync.
type SyncEventType string

const (
	EventRoomCreated    SyncEventType = "room_created"
	EventRoomUpdated    SyncEventType = "room_updated"
	EventRoomJoined     SyncEventType = "room_joined"
	EventRoomDeleted    SyncEventType = "room_deleted"
	EventRoomsRequested SyncEventType = "rooms_requested"
)

// SyncEvent is the unit of propagation between sessions. SenderID identifies
// the originating session so a session can discard its own echoes.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	Room      *Room         `json:"room,omitempty"`
	RoomID    string        `json:"roomId,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	SenderID  string        `json:"senderId"`
}

// Key returns the room id the event is about, regardless of shape.
func (e SyncEvent) Key() string {
	if e.Room != nil {
		return e.Room.ID
	}
	return e.RoomID
}
