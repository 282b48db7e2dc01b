// Package store persists the roomId -> Room table and the sync event relay
// log. Two backends exist: SQLite for the local/shared table used by the
// Local Sync Service and single-node deployments, Postgres for server
// deployments. Both apply last-write-wins on UpdatedAt when saving, which is
// the conflict policy between concurrently writing sessions.
package store

import (
	"context"
	"time"

	"github.com/ticbet/room-sync/internal/domain"
)

// RoomStore is the persisted key-value table mapping roomId -> Room.
type RoomStore interface {
	// SaveRoom upserts the snapshot. A stored row with a newer UpdatedAt
	// wins and the incoming write is silently dropped.
	SaveRoom(ctx context.Context, room *domain.Room) error
	GetRoom(ctx context.Context, id string) (*domain.Room, error)
	ListRooms(ctx context.Context) ([]*domain.Room, error)
	DeleteRoom(ctx context.Context, id string) error

	// DeleteExpired removes rooms older than the state-dependent threshold
	// (finished games expire sooner) and returns the removed ids.
	DeleteExpired(ctx context.Context, now time.Time, finishedTTL, activeTTL time.Duration) ([]string, error)

	Close() error
}

// StoredEvent is a relayed SyncEvent with its append sequence number.
type StoredEvent struct {
	Seq   int64
	Event domain.SyncEvent
}

// EventLog is the storage-relay channel: every sync event is appended here
// so sessions in other processes can pick it up by polling past their
// high-water mark.
type EventLog interface {
	AppendEvent(ctx context.Context, ev domain.SyncEvent) (int64, error)
	EventsAfter(ctx context.Context, seq int64, limit int) ([]StoredEvent, error)
	LatestSeq(ctx context.Context) (int64, error)
	PruneEvents(ctx context.Context, before time.Time) error
}
