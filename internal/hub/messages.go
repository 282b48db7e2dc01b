package hub

import (
	"time"

	"github.com/ticbet/room-sync/internal/domain"
)

// Frame types pushed to subscribers over the event stream.
const (
	FrameConnected        = "connected"
	FrameConnectionReady  = "connection_ready"
	FrameRoomStateChanged = "room_state_changed"
	FrameError            = "error"
)

type Frame struct {
	Type         string       `json:"type"`
	RoomID       string       `json:"roomId,omitempty"`
	ConnectionID string       `json:"connectionId,omitempty"`
	Data         *domain.Room `json:"data,omitempty"`
	Message      string       `json:"message,omitempty"`
	Timestamp    int64        `json:"timestamp,omitempty"`
}

func newFrame(typ, roomID, connID string) Frame {
	return Frame{
		Type:         typ,
		RoomID:       roomID,
		ConnectionID: connID,
		Timestamp:    time.Now().UnixMilli(),
	}
}
