// Package ledger talks to the external escrow service that holds the bets.
// Every call is potentially slow, potentially failing, and not safe to retry
// blindly after partial success — callers must surface errors instead of
// retrying at this layer.
package ledger

import "context"

// CreateResult carries the transaction reference and the escrow object id.
// The escrow service returns the created identifier directly; there is no
// client-side guessing from transaction effects.
type CreateResult struct {
	TxRef       string `json:"txRef"`
	ExternalRef string `json:"externalRef"`
}

type RoomInfo struct {
	Player1 string `json:"player1"`
	Player2 string `json:"player2,omitempty"`
	IsFull  bool   `json:"isFull"`
}

type Ledger interface {
	// CreateRoom opens an escrow funded by the creator's bet.
	CreateRoom(ctx context.Context, creator string, amount float64) (CreateResult, error)

	// JoinRoom matches the creator's bet on an existing escrow.
	JoinRoom(ctx context.Context, externalRef string, amount float64) (string, error)

	// FinishRoom settles the escrow: pays the winner, or refunds both on a
	// draw (empty winner).
	FinishRoom(ctx context.Context, externalRef, winner string) (string, error)

	GetRoomInfo(ctx context.Context, externalRef string) (RoomInfo, error)
}
