// Package manager owns the authoritative copy of every room this session
// knows about. It is the only component that mutates a Room: each mutation
// persists the snapshot, pushes it out through the hub and the local sync
// overlay, and notifies local listeners — in that order.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ticbet/room-sync/internal/domain"
	"github.com/ticbet/room-sync/internal/game"
	"github.com/ticbet/room-sync/internal/ledger"
	"github.com/ticbet/room-sync/internal/store"
)

// SnapshotPublisher pushes full room snapshots to hub subscribers.
type SnapshotPublisher interface {
	Publish(roomID string, room *domain.Room) int
}

// EventPublisher relays sync events to other sessions (the local sync
// overlay implements this).
type EventPublisher interface {
	Publish(ev domain.SyncEvent)
}

// KeyFunc selects the identifier rooms are indexed by. The default keys by
// room id; KeyByExternalRef keys by the escrow object id instead.
type KeyFunc func(*domain.Room) string

func KeyByRoomID(r *domain.Room) string      { return r.ID }
func KeyByExternalRef(r *domain.Room) string { return r.ExternalRef }

type Options struct {
	Store  store.RoomStore // required
	Ledger ledger.Ledger   // optional; rooms carry no escrow without it
	Hub    SnapshotPublisher
	Sync   EventPublisher
	Key    KeyFunc

	// RequirePresence gates the waiting -> playing transition on both
	// players having entered the room, not merely joined it.
	RequirePresence bool

	FinishedTTL   time.Duration // default 10m
	ActiveTTL     time.Duration // default 1h
	SweepInterval time.Duration // default 1m
}

type Manager struct {
	opts Options

	// opMu serializes mutations: the event-loop original got single-writer
	// semantics for free, here the lock makes check-then-commit atomic.
	opMu sync.Mutex

	mu        sync.RWMutex
	rooms     map[string]*domain.Room
	listeners []func(*domain.Room)

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("manager: store is required")
	}
	if opts.Key == nil {
		opts.Key = KeyByRoomID
	}
	if opts.FinishedTTL <= 0 {
		opts.FinishedTTL = 10 * time.Minute
	}
	if opts.ActiveTTL <= 0 {
		opts.ActiveTTL = time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Manager{
		opts:  opts,
		rooms: make(map[string]*domain.Room),
		stop:  make(chan struct{}),
	}, nil
}

// Start loads persisted rooms and launches the garbage-collection sweep.
func (m *Manager) Start(ctx context.Context) error {
	rooms, err := m.opts.Store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("manager: load rooms: %w", err)
	}

	m.mu.Lock()
	for _, r := range rooms {
		m.rooms[m.opts.Key(r)] = r
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.sweepLoop()

	slog.Info("room manager started", "rooms", len(rooms))
	return nil
}

func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
}

// OnChange registers a listener invoked with a snapshot after every applied
// mutation, including those arriving from other sessions.
func (m *Manager) OnChange(fn func(*domain.Room)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// CreateRoom opens the escrow first; a ledger failure leaves no local state
// behind. The creator occupies position 0 (plays X) and is marked present.
func (m *Manager) CreateRoom(ctx context.Context, creator string, bet float64) (*domain.Room, error) {
	if creator == "" {
		return nil, domain.ErrNotInRoom
	}
	if bet <= 0 {
		return nil, domain.ErrInvalidBet
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	var res ledger.CreateResult
	if m.opts.Ledger != nil {
		var err error
		res, err = m.opts.Ledger.CreateRoom(ctx, creator, bet)
		if err != nil {
			return nil, fmt.Errorf("ledger create: %w", err)
		}
	}

	now := time.Now()
	room := &domain.Room{
		ID:          uuid.NewString(),
		BetAmount:   bet,
		Players:     []string{creator},
		Present:     []string{creator},
		State:       domain.StateWaiting,
		ExternalRef: res.ExternalRef,
		TxRef:       res.TxRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := m.commit(ctx, room, domain.EventRoomCreated); err != nil {
		return nil, err
	}
	return room.Clone(), nil
}

// JoinRoom adds a second participant. The matching ledger bet is placed
// before any local mutation; on ledger failure the room is untouched.
func (m *Manager) JoinRoom(ctx context.Context, key, player string) (*domain.Room, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur, err := m.getRoom(ctx, key)
	if err != nil {
		return nil, err
	}

	switch {
	case cur.State == domain.StateFinished:
		return nil, domain.ErrGameFinished
	case cur.HasPlayer(player):
		return nil, domain.ErrAlreadyJoined
	case len(cur.Players) >= domain.MaxPlayers:
		return nil, domain.ErrRoomFull
	}

	var txRef string
	if m.opts.Ledger != nil && cur.ExternalRef != "" {
		txRef, err = m.opts.Ledger.JoinRoom(ctx, cur.ExternalRef, cur.BetAmount)
		if err != nil {
			return nil, fmt.Errorf("ledger join: %w", err)
		}
	}

	room := cur.Clone()
	room.Players = append(room.Players, player)
	room.Present = append(room.Present, player)
	if txRef != "" {
		room.TxRef = txRef
	}
	m.maybeStart(room)
	room.UpdatedAt = time.Now()

	if err := m.commit(ctx, room, domain.EventRoomJoined); err != nil {
		return nil, err
	}
	return room.Clone(), nil
}

// EnterRoom marks a participant as actively present. Under RequirePresence
// this is what completes the start gate. Re-entering is a no-op.
func (m *Manager) EnterRoom(ctx context.Context, key, player string) (*domain.Room, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur, err := m.getRoom(ctx, key)
	if err != nil {
		return nil, err
	}
	if !cur.HasPlayer(player) {
		return nil, domain.ErrNotInRoom
	}
	if cur.IsPresent(player) {
		return cur.Clone(), nil
	}
	if cur.State == domain.StateFinished {
		return nil, domain.ErrGameFinished
	}

	room := cur.Clone()
	room.Present = append(room.Present, player)
	m.maybeStart(room)
	room.UpdatedAt = time.Now()

	if err := m.commit(ctx, room, domain.EventRoomUpdated); err != nil {
		return nil, err
	}
	return room.Clone(), nil
}

// maybeStart applies the waiting -> playing transition once the configured
// gate is satisfied. The creator always moves first.
func (m *Manager) maybeStart(room *domain.Room) {
	if room.State != domain.StateWaiting || len(room.Players) < domain.MaxPlayers {
		return
	}
	if m.opts.RequirePresence {
		for _, p := range room.Players {
			if !room.IsPresent(p) {
				return
			}
		}
	}
	room.State = domain.StatePlaying
	room.CurrentPlayer = room.Players[0]
}

// MakeMove applies one move:
// reject unless the game is playing, it is the player's turn, and the cell
// is empty; write the player's symbol; hand the turn over; evaluate the 8
// win lines; finish on a win or a full board (winner empty on a draw).
// Every accepted move is persisted and broadcast, finished or not.
func (m *Manager) MakeMove(ctx context.Context, key string, position int, player string) (*domain.Room, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur, err := m.getRoom(ctx, key)
	if err != nil {
		return nil, err
	}

	switch cur.State {
	case domain.StateWaiting:
		return nil, domain.ErrGameNotStarted
	case domain.StateFinished:
		return nil, domain.ErrGameFinished
	}
	if position < 0 || position >= len(cur.Board) {
		return nil, domain.ErrInvalidPosition
	}
	if !cur.HasPlayer(player) {
		return nil, domain.ErrNotInRoom
	}
	if cur.CurrentPlayer != player {
		return nil, domain.ErrNotYourTurn
	}
	if cur.Board[position] != domain.MarkEmpty {
		return nil, domain.ErrPositionTaken
	}

	room := cur.Clone()
	room.Board[position] = room.Symbol(player)
	room.CurrentPlayer = room.Opponent(player)

	if w := game.Winner(room.Board); w != domain.MarkEmpty {
		room.State = domain.StateFinished
		room.Winner = player
	} else if game.Full(room.Board) {
		room.State = domain.StateFinished
		room.Winner = "" // ничья
	}
	room.UpdatedAt = time.Now()

	if err := m.commit(ctx, room, domain.EventRoomUpdated); err != nil {
		return nil, err
	}
	return room.Clone(), nil
}

// FinishRoom settles the escrow for a finished game. Local state is only
// updated after the ledger call succeeds.
func (m *Manager) FinishRoom(ctx context.Context, key string) (*domain.Room, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur, err := m.getRoom(ctx, key)
	if err != nil {
		return nil, err
	}
	if cur.State != domain.StateFinished {
		return nil, domain.ErrGameNotFinished
	}
	if m.opts.Ledger == nil || cur.ExternalRef == "" {
		return cur.Clone(), nil
	}

	txRef, err := m.opts.Ledger.FinishRoom(ctx, cur.ExternalRef, cur.Winner)
	if err != nil {
		return nil, fmt.Errorf("ledger finish: %w", err)
	}

	room := cur.Clone()
	room.TxRef = txRef
	room.UpdatedAt = time.Now()

	if err := m.commit(ctx, room, domain.EventRoomUpdated); err != nil {
		return nil, err
	}
	return room.Clone(), nil
}

func (m *Manager) GetRoom(ctx context.Context, key string) (*domain.Room, error) {
	room, err := m.getRoom(ctx, key)
	if err != nil {
		return nil, err
	}
	return room.Clone(), nil
}

func (m *Manager) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r.Clone())
	}
	return out, nil
}

// LocalRooms implements localsync.RoomSource.
func (m *Manager) LocalRooms(ctx context.Context) []*domain.Room {
	rooms, _ := m.ListRooms(ctx)
	return rooms
}

// ApplyEvent merges a room snapshot arriving from another session.
// Last-write-wins on UpdatedAt; stale snapshots are dropped.
func (m *Manager) ApplyEvent(ev domain.SyncEvent) {
	switch ev.Type {
	case domain.EventRoomCreated, domain.EventRoomUpdated, domain.EventRoomJoined:
		if ev.Room == nil {
			return
		}
		incoming := ev.Room.Clone()
		key := m.opts.Key(incoming)

		m.mu.Lock()
		existing, ok := m.rooms[key]
		if ok && existing.UpdatedAt.After(incoming.UpdatedAt) {
			m.mu.Unlock()
			return
		}
		m.rooms[key] = incoming
		m.mu.Unlock()

		m.notify(incoming)

	case domain.EventRoomDeleted:
		m.mu.Lock()
		for key, r := range m.rooms {
			if r.ID == ev.RoomID {
				delete(m.rooms, key)
				break
			}
		}
		m.mu.Unlock()
	}
}

// getRoom resolves memory first, then the store (caching the result).
func (m *Manager) getRoom(ctx context.Context, key string) (*domain.Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[key]
	m.mu.RUnlock()
	if ok {
		return room, nil
	}

	room, err := m.opts.Store.GetRoom(ctx, key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.rooms[m.opts.Key(room)] = room
	m.mu.Unlock()
	return room, nil
}

// commit persists the snapshot, swaps it into the local table, then
// propagates. Persistence failures abort the mutation; propagation failures
// degrade gracefully because local state is the source of truth for this
// session and remote sessions reconcile on the next broadcast or heartbeat.
func (m *Manager) commit(ctx context.Context, room *domain.Room, evType domain.SyncEventType) error {
	if err := m.opts.Store.SaveRoom(ctx, room); err != nil {
		return fmt.Errorf("persist room %s: %w", room.ID, err)
	}

	m.mu.Lock()
	m.rooms[m.opts.Key(room)] = room
	m.mu.Unlock()

	snapshot := room.Clone()
	if m.opts.Hub != nil {
		m.opts.Hub.Publish(m.opts.Key(room), snapshot)
	}
	if m.opts.Sync != nil {
		m.opts.Sync.Publish(domain.SyncEvent{
			Type:      evType,
			Room:      snapshot,
			Timestamp: room.UpdatedAt,
		})
	}

	m.notify(snapshot)
	return nil
}

func (m *Manager) notify(room *domain.Room) {
	m.mu.RLock()
	listeners := append(([]func(*domain.Room))(nil), m.listeners...)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(room.Clone())
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep garbage-collects aged rooms: finished games expire sooner than
// waiting or active ones.
func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := m.opts.Store.DeleteExpired(ctx, time.Now(), m.opts.FinishedTTL, m.opts.ActiveTTL)
	if err != nil {
		slog.Warn("room sweep failed", "err", err)
		return
	}

	for _, id := range ids {
		m.mu.Lock()
		for key, r := range m.rooms {
			if r.ID == id {
				delete(m.rooms, key)
				break
			}
		}
		m.mu.Unlock()

		if m.opts.Sync != nil {
			m.opts.Sync.Publish(domain.SyncEvent{
				Type:      domain.EventRoomDeleted,
				RoomID:    id,
				Timestamp: time.Now(),
			})
		}
	}
	if len(ids) > 0 {
		slog.Info("rooms garbage-collected", "count", len(ids))
	}
}
