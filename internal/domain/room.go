package domain

import "time"

type GameState string

const (
	StateWaiting  GameState = "waiting"
	StatePlaying  GameState = "playing"
	StateFinished GameState = "finished"
)

type Mark string

const (
	MarkEmpty Mark = ""
	MarkX     Mark = "X"
	MarkO     Mark = "O"
)

// Board is the 3x3 field in row-major order.
type Board [9]Mark

const MaxPlayers = 2

// Room is the unit of synchronization: one betting session between up to two
// players. Position 0 in Players is the creator and plays X; insertion order
// determines symbol assignment and the initial turn.
type Room struct {
	ID            string    `json:"roomId"`
	BetAmount     float64   `json:"betAmount"`
	Players       []string  `json:"players"`
	Present       []string  `json:"playersPresent"`
	Board         Board     `json:"board"`
	CurrentPlayer string    `json:"currentPlayer"`
	State         GameState `json:"gameState"`
	Winner        string    `json:"winner,omitempty"`
	ExternalRef   string    `json:"externalRef,omitempty"`
	TxRef         string    `json:"txRef,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (r *Room) HasPlayer(id string) bool {
	for _, p := range r.Players {
		if p == id {
			return true
		}
	}
	return false
}

func (r *Room) IsPresent(id string) bool {
	for _, p := range r.Present {
		if p == id {
			return true
		}
	}
	return false
}

// Symbol returns the mark a player writes: X for the creator, O for the
// second player, empty for anyone else.
func (r *Room) Symbol(id string) Mark {
	if len(r.Players) > 0 && r.Players[0] == id {
		return MarkX
	}
	if len(r.Players) > 1 && r.Players[1] == id {
		return MarkO
	}
	return MarkEmpty
}

// Opponent returns the other participant, or "" if there is none.
func (r *Room) Opponent(id string) string {
	for _, p := range r.Players {
		if p != id {
			return p
		}
	}
	return ""
}

// Clone returns a deep copy safe to hand out across goroutines.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Players = append([]string(nil), r.Players...)
	cp.Present = append([]string(nil), r.Present...)
	return &cp
}
