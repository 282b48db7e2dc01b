package localsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ticbet/room-sync/internal/domain"
	"github.com/ticbet/room-sync/internal/store"
)

func newSharedStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "shared.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeSource struct {
	rooms []*domain.Room
}

func (f *fakeSource) LocalRooms(ctx context.Context) []*domain.Room { return f.rooms }

func waitingRoom(id string) *domain.Room {
	now := time.Now()
	return &domain.Room{
		ID:        id,
		BetAmount: 5,
		Players:   []string{"alice"},
		State:     domain.StateWaiting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func collectEvents(svc *Service) <-chan domain.SyncEvent {
	ch := make(chan domain.SyncEvent, 16)
	svc.OnEvent(func(ev domain.SyncEvent) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan domain.SyncEvent, want domain.SyncEventType) domain.SyncEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("event %q never arrived", want)
		}
	}
}

// Two sessions in one process share a bus: events cross immediately.
func TestBusPropagation(t *testing.T) {
	shared := newSharedStore(t)
	bus := NewBus()
	ctx := context.Background()

	a := NewService(Config{SessionID: "a", PollInterval: time.Hour, HeartbeatInterval: time.Hour, SweepInterval: time.Hour}, bus, shared, shared, nil)
	b := NewService(Config{SessionID: "b", PollInterval: time.Hour, HeartbeatInterval: time.Hour, SweepInterval: time.Hour}, bus, shared, shared, nil)

	gotA := collectEvents(a)
	gotB := collectEvents(b)

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	room := waitingRoom("r1")
	a.Publish(domain.SyncEvent{Type: domain.EventRoomCreated, Room: room})

	ev := waitEvent(t, gotB, domain.EventRoomCreated)
	if ev.SenderID != "a" || ev.Room == nil || ev.Room.ID != "r1" {
		t.Fatalf("b received %+v", ev)
	}

	// Sender must not hear its own echo on the bus.
	select {
	case ev := <-gotA:
		t.Fatalf("a received its own event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// The shared rooms table converged on the receiving side.
	saved, err := shared.GetRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("shared table: %v", err)
	}
	if saved.BetAmount != 5 {
		t.Errorf("saved room = %+v", saved)
	}
}

// Separate buses model separate processes: events cross via the storage
// relay, filtered by the receiver's high-water mark and echo suppression.
func TestStorageRelayPropagation(t *testing.T) {
	shared := newSharedStore(t)
	ctx := context.Background()

	a := NewService(Config{SessionID: "a", PollInterval: 20 * time.Millisecond, HeartbeatInterval: time.Hour, SweepInterval: time.Hour}, NewBus(), shared, shared, nil)
	b := NewService(Config{SessionID: "b", PollInterval: 20 * time.Millisecond, HeartbeatInterval: time.Hour, SweepInterval: time.Hour}, NewBus(), shared, shared, nil)

	gotA := collectEvents(a)
	gotB := collectEvents(b)

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	a.Publish(domain.SyncEvent{Type: domain.EventRoomJoined, Room: waitingRoom("r2")})

	ev := waitEvent(t, gotB, domain.EventRoomJoined)
	if ev.SenderID != "a" {
		t.Fatalf("sender = %q", ev.SenderID)
	}

	// a polls the same log but must skip its own entries
	select {
	case ev := <-gotA:
		t.Fatalf("a received its own relayed event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

// Events appended before a session starts are not replayed to it.
func TestStartSkipsBacklog(t *testing.T) {
	shared := newSharedStore(t)
	ctx := context.Background()

	if _, err := shared.AppendEvent(ctx, domain.SyncEvent{
		Type: domain.EventRoomCreated, Room: waitingRoom("old"),
		Timestamp: time.Now(), SenderID: "ancient",
	}); err != nil {
		t.Fatalf("seed backlog: %v", err)
	}

	svc := NewService(Config{SessionID: "late", PollInterval: 20 * time.Millisecond, HeartbeatInterval: time.Hour, SweepInterval: time.Hour}, NewBus(), shared, shared, nil)
	got := collectEvents(svc)

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop()

	select {
	case ev := <-got:
		t.Fatalf("backlog replayed: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

// A rooms_requested heartbeat makes peers re-share their waiting rooms into
// the shared table, which is how a brand-new session discovers them.
func TestRoomsRequestedShares(t *testing.T) {
	shared := newSharedStore(t)
	bus := NewBus()
	ctx := context.Background()

	holder := NewService(Config{SessionID: "holder", PollInterval: time.Hour, HeartbeatInterval: time.Hour, SweepInterval: time.Hour},
		bus, shared, shared, &fakeSource{rooms: []*domain.Room{waitingRoom("lobby")}})
	asker := NewService(Config{SessionID: "asker", PollInterval: time.Hour, HeartbeatInterval: time.Hour, SweepInterval: time.Hour},
		bus, shared, shared, nil)

	holderEvents := collectEvents(holder)

	if err := holder.Start(ctx); err != nil {
		t.Fatalf("start holder: %v", err)
	}
	defer holder.Stop()
	if err := asker.Start(ctx); err != nil {
		t.Fatalf("start asker: %v", err)
	}
	defer asker.Stop()

	asker.Publish(domain.SyncEvent{Type: domain.EventRoomsRequested})
	waitEvent(t, holderEvents, domain.EventRoomsRequested)

	room, err := shared.GetRoom(ctx, "lobby")
	if err != nil {
		t.Fatalf("lobby room not shared: %v", err)
	}
	if room.State != domain.StateWaiting {
		t.Errorf("shared room = %+v", room)
	}
}

// A session that misses every event still converges: the heartbeat makes
// peers re-save their waiting rooms into the shared table.
func TestHeartbeatConvergence(t *testing.T) {
	shared := newSharedStore(t)
	ctx := context.Background()

	// Separate buses: the asker's heartbeat reaches the holder only via the
	// storage relay.
	holder := NewService(Config{SessionID: "holder", PollInterval: 20 * time.Millisecond, HeartbeatInterval: time.Hour, SweepInterval: time.Hour},
		NewBus(), shared, shared, &fakeSource{rooms: []*domain.Room{waitingRoom("lobby")}})
	asker := NewService(Config{SessionID: "asker", PollInterval: time.Hour, HeartbeatInterval: 30 * time.Millisecond, SweepInterval: time.Hour},
		NewBus(), shared, shared, nil)

	if err := holder.Start(ctx); err != nil {
		t.Fatalf("start holder: %v", err)
	}
	defer holder.Stop()
	if err := asker.Start(ctx); err != nil {
		t.Fatalf("start asker: %v", err)
	}
	defer asker.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := shared.GetRoom(ctx, "lobby"); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("lobby room never converged via heartbeat")
}

func TestBusDropsWhenReceiverIsFull(t *testing.T) {
	bus := NewBus()
	_ = bus.Attach("sleepy")

	// The receiver never drains; Post must not block the publisher.
	done := make(chan struct{})
	go func() {
		for i := 0; i < busBuffer*2; i++ {
			bus.Post(domain.SyncEvent{Type: domain.EventRoomUpdated, SenderID: "chatty"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Post blocked on a full receiver")
	}
	bus.Detach("sleepy")
}
