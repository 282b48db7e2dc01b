package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ticbet/room-sync/internal/domain"
)

func unixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

// roomRow is the flat row shape shared by both backends. Players, presence
// and the board travel as JSON arrays; timestamps as unix nanoseconds so
// last-write-wins comparisons stay exact across drivers.
type roomRow struct {
	id            string
	betAmount     float64
	players       string
	present       string
	board         string
	currentPlayer string
	gameState     string
	winner        string
	externalRef   string
	txRef         string
	createdAt     int64
	updatedAt     int64
}

func encodeRoom(r *domain.Room) (roomRow, error) {
	players, err := json.Marshal(r.Players)
	if err != nil {
		return roomRow{}, fmt.Errorf("encode players: %w", err)
	}
	present, err := json.Marshal(r.Present)
	if err != nil {
		return roomRow{}, fmt.Errorf("encode present: %w", err)
	}
	board, err := json.Marshal(r.Board)
	if err != nil {
		return roomRow{}, fmt.Errorf("encode board: %w", err)
	}
	return roomRow{
		id:            r.ID,
		betAmount:     r.BetAmount,
		players:       string(players),
		present:       string(present),
		board:         string(board),
		currentPlayer: r.CurrentPlayer,
		gameState:     string(r.State),
		winner:        r.Winner,
		externalRef:   r.ExternalRef,
		txRef:         r.TxRef,
		createdAt:     r.CreatedAt.UnixNano(),
		updatedAt:     r.UpdatedAt.UnixNano(),
	}, nil
}

func (row roomRow) decode() (*domain.Room, error) {
	r := &domain.Room{
		ID:            row.id,
		BetAmount:     row.betAmount,
		CurrentPlayer: row.currentPlayer,
		State:         domain.GameState(row.gameState),
		Winner:        row.winner,
		ExternalRef:   row.externalRef,
		TxRef:         row.txRef,
		CreatedAt:     unixNano(row.createdAt),
		UpdatedAt:     unixNano(row.updatedAt),
	}
	if err := json.Unmarshal([]byte(row.players), &r.Players); err != nil {
		return nil, fmt.Errorf("decode players: %w", err)
	}
	if err := json.Unmarshal([]byte(row.present), &r.Present); err != nil {
		return nil, fmt.Errorf("decode present: %w", err)
	}
	if err := json.Unmarshal([]byte(row.board), &r.Board); err != nil {
		return nil, fmt.Errorf("decode board: %w", err)
	}
	return r, nil
}
