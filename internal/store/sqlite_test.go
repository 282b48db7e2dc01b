package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ticbet/room-sync/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRoom(id string, at time.Time) *domain.Room {
	return &domain.Room{
		ID:            id,
		BetAmount:     10,
		Players:       []string{"alice"},
		Present:       []string{"alice"},
		State:         domain.StateWaiting,
		CurrentPlayer: "",
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func TestSaveAndGetRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	room := sampleRoom("r1", now)
	room.Players = []string{"alice", "bob"}
	room.Present = []string{"alice"}
	room.Board[4] = domain.MarkX
	room.State = domain.StatePlaying
	room.CurrentPlayer = "bob"

	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}

	got, err := s.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.ID != "r1" || got.BetAmount != 10 {
		t.Errorf("got %+v", got)
	}
	if len(got.Players) != 2 || got.Players[1] != "bob" {
		t.Errorf("players = %v", got.Players)
	}
	if got.Board[4] != domain.MarkX {
		t.Errorf("board cell 4 = %q, want X", got.Board[4])
	}
	if got.State != domain.StatePlaying || got.CurrentPlayer != "bob" {
		t.Errorf("state = %q turn = %q", got.State, got.CurrentPlayer)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v (exact round-trip)", got.UpdatedAt, now)
	}
}

func TestGetRoomNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRoom(context.Background(), "missing")
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
}

func TestSaveRoomLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	newer := sampleRoom("r1", base)
	newer.CurrentPlayer = "new"

	stale := sampleRoom("r1", base.Add(-time.Second))
	stale.CurrentPlayer = "stale"

	if err := s.SaveRoom(ctx, newer); err != nil {
		t.Fatalf("SaveRoom newer: %v", err)
	}
	if err := s.SaveRoom(ctx, stale); err != nil {
		t.Fatalf("SaveRoom stale: %v", err)
	}

	got, err := s.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRoom: %v", err)
	}
	if got.CurrentPlayer != "new" {
		t.Fatalf("stale write overwrote newer row: turn = %q", got.CurrentPlayer)
	}

	// Равный timestamp перезаписывает.
	equal := sampleRoom("r1", base)
	equal.CurrentPlayer = "equal"
	if err := s.SaveRoom(ctx, equal); err != nil {
		t.Fatalf("SaveRoom equal: %v", err)
	}
	got, _ = s.GetRoom(ctx, "r1")
	if got.CurrentPlayer != "equal" {
		t.Fatalf("equal-timestamp write dropped: turn = %q", got.CurrentPlayer)
	}
}

func TestListAndDeleteRooms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		if err := s.SaveRoom(ctx, sampleRoom(id, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("SaveRoom %s: %v", id, err)
		}
	}

	rooms, err := s.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms: %v", err)
	}
	if len(rooms) != 3 {
		t.Fatalf("ListRooms = %d rooms, want 3", len(rooms))
	}
	// newest first
	if rooms[0].ID != "c" {
		t.Errorf("first room = %q, want c", rooms[0].ID)
	}

	if err := s.DeleteRoom(ctx, "b"); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	if _, err := s.GetRoom(ctx, "b"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("deleted room still present: %v", err)
	}

	// deleting a missing room is not an error
	if err := s.DeleteRoom(ctx, "b"); err != nil {
		t.Fatalf("repeat DeleteRoom: %v", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	finishedOld := sampleRoom("finished-old", now.Add(-20*time.Minute))
	finishedOld.State = domain.StateFinished
	finishedFresh := sampleRoom("finished-fresh", now.Add(-time.Minute))
	finishedFresh.State = domain.StateFinished
	activeOld := sampleRoom("active-old", now.Add(-2*time.Hour))
	activeFresh := sampleRoom("active-fresh", now.Add(-time.Minute))

	for _, r := range []*domain.Room{finishedOld, finishedFresh, activeOld, activeFresh} {
		if err := s.SaveRoom(ctx, r); err != nil {
			t.Fatalf("SaveRoom %s: %v", r.ID, err)
		}
	}

	ids, err := s.DeleteExpired(ctx, now, 10*time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expired %v, want finished-old and active-old", ids)
	}
	for _, id := range ids {
		if id != "finished-old" && id != "active-old" {
			t.Errorf("unexpected expiry of %q", id)
		}
	}

	rooms, _ := s.ListRooms(ctx)
	if len(rooms) != 2 {
		t.Fatalf("%d rooms left, want 2", len(rooms))
	}
}

func TestEventLogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq0, err := s.LatestSeq(ctx)
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq0 != 0 {
		t.Fatalf("fresh log LatestSeq = %d, want 0", seq0)
	}

	room := sampleRoom("r1", time.Now())
	events := []domain.SyncEvent{
		{Type: domain.EventRoomCreated, Room: room, Timestamp: time.Now(), SenderID: "s1"},
		{Type: domain.EventRoomsRequested, Timestamp: time.Now(), SenderID: "s2"},
		{Type: domain.EventRoomDeleted, RoomID: "r1", Timestamp: time.Now(), SenderID: "s1"},
	}

	var lastSeq int64
	for _, ev := range events {
		seq, err := s.AppendEvent(ctx, ev)
		if err != nil {
			t.Fatalf("AppendEvent(%s): %v", ev.Type, err)
		}
		if seq <= lastSeq {
			t.Fatalf("seq %d not monotonic after %d", seq, lastSeq)
		}
		lastSeq = seq
	}

	got, err := s.EventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("EventsAfter = %d events, want 3", len(got))
	}
	if got[0].Event.Type != domain.EventRoomCreated || got[0].Event.Room == nil {
		t.Errorf("first event = %+v", got[0].Event)
	}
	if got[2].Event.RoomID != "r1" {
		t.Errorf("deleted event room id = %q", got[2].Event.RoomID)
	}

	// past a high-water mark only the tail comes back
	tail, err := s.EventsAfter(ctx, got[0].Seq, 10)
	if err != nil {
		t.Fatalf("EventsAfter(tail): %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail = %d events, want 2", len(tail))
	}

	if err := s.PruneEvents(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("PruneEvents: %v", err)
	}
	rest, _ := s.EventsAfter(ctx, 0, 10)
	if len(rest) != 0 {
		t.Fatalf("%d events survived prune, want 0", len(rest))
	}
}
