package http

import "github.com/ticbet/room-sync/internal/domain"

type CreateRoomRequest struct {
	Creator   string  `json:"creator"`
	BetAmount float64 `json:"betAmount"`
}

type JoinRoomRequest struct {
	Player string `json:"player"`
}

type EnterRoomRequest struct {
	Player string `json:"player"`
}

type MoveRequest struct {
	Player   string `json:"player"`
	Position int    `json:"position"`
}

type PublishRequest struct {
	RoomID   string       `json:"roomId"`
	RoomData *domain.Room `json:"roomData"`
}

type PublishResponse struct {
	Success     bool `json:"success"`
	Subscribers int  `json:"subscribers"`
}

type RoomsListResponse struct {
	Items []*domain.Room `json:"items"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
