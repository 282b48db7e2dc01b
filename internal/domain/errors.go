package domain

import "errors"

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomFull        = errors.New("room is full")
	ErrAlreadyJoined   = errors.New("player already joined the room")
	ErrNotInRoom       = errors.New("player not in the room")
	ErrGameNotStarted  = errors.New("game has not started")
	ErrGameFinished    = errors.New("game is finished")
	ErrGameNotFinished = errors.New("game is not finished")
	ErrNotYourTurn     = errors.New("not your turn")
	ErrPositionTaken   = errors.New("position already taken")
	ErrInvalidPosition = errors.New("position out of range")
	ErrInvalidBet      = errors.New("bet amount must be positive")
)
