// Package localsync propagates room sync events between same-host sessions
// without going through the broadcast hub. Two complementary channels are
// used: a process-local bus (immediate) and a persisted event log that other
// processes poll (slower, wider-reaching). A periodic rooms_requested
// heartbeat guarantees eventual convergence of the shared rooms table even
// when both channels miss an event.
package localsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ticbet/room-sync/internal/domain"
	"github.com/ticbet/room-sync/internal/store"
)

// RoomSource exposes the rooms a session holds locally, so it can answer
// rooms_requested heartbeats from newly opened sessions.
type RoomSource interface {
	LocalRooms(ctx context.Context) []*domain.Room
}

type Config struct {
	SessionID string // generated when empty

	PollInterval      time.Duration // storage-relay poll, default 2s
	HeartbeatInterval time.Duration // rooms_requested cadence, default 30s
	SweepInterval     time.Duration // expiry sweep cadence, default 1m

	FinishedTTL time.Duration // default 10m
	ActiveTTL   time.Duration // default 1h

	// RecentWindow: non-waiting rooms younger than this are still re-shared
	// on heartbeat.
	RecentWindow time.Duration // default 5m
}

func (c *Config) defaults() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.FinishedTTL <= 0 {
		c.FinishedTTL = 10 * time.Minute
	}
	if c.ActiveTTL <= 0 {
		c.ActiveTTL = time.Hour
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 5 * time.Minute
	}
}

// Service is one session's endpoint on the overlay.
type Service struct {
	cfg    Config
	bus    *Bus
	rooms  store.RoomStore // shared persisted rooms table
	events store.EventLog  // shared storage relay
	source RoomSource

	mu       sync.Mutex
	lastSeq  int64
	handlers []func(domain.SyncEvent)
	running  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewService(cfg Config, bus *Bus, rooms store.RoomStore, events store.EventLog, source RoomSource) *Service {
	cfg.defaults()
	return &Service{
		cfg:    cfg,
		bus:    bus,
		rooms:  rooms,
		events: events,
		source: source,
		stop:   make(chan struct{}),
	}
}

func (s *Service) SessionID() string { return s.cfg.SessionID }

// OnEvent registers a handler for events originating in other sessions.
// Register before Start.
func (s *Service) OnEvent(fn func(domain.SyncEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

// Start attaches to the bus, records the relay high-water mark (no backlog
// replay) and launches the poll, heartbeat and sweep loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	seq, err := s.events.LatestSeq(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSeq = seq
	s.mu.Unlock()

	busCh := s.bus.Attach(s.cfg.SessionID)

	s.wg.Add(4)
	go s.busLoop(busCh)
	go s.pollLoop()
	go s.heartbeatLoop()
	go s.sweepLoop()

	slog.Info("local sync started", "session", s.cfg.SessionID, "relay_seq", seq)
	return nil
}

// Stop detaches from the bus and waits for the loops to drain.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	s.bus.Detach(s.cfg.SessionID)
	s.wg.Wait()
}

// Publish sends the event out through both channels. Failures on the
// storage relay degrade gracefully: the bus delivery already happened and
// remote sessions reconcile on the next heartbeat.
func (s *Service) Publish(ev domain.SyncEvent) {
	ev.SenderID = s.cfg.SessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	s.bus.Post(ev)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.events.AppendEvent(ctx, ev); err != nil {
		slog.Warn("sync event relay append failed", "type", ev.Type, "err", err)
	}
}

func (s *Service) busLoop(ch <-chan domain.SyncEvent) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Service) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Service) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PollInterval)
	defer cancel()

	s.mu.Lock()
	last := s.lastSeq
	s.mu.Unlock()

	batch, err := s.events.EventsAfter(ctx, last, 200)
	if err != nil {
		slog.Warn("sync relay poll failed", "err", err)
		return
	}
	for _, se := range batch {
		last = se.Seq
		if se.Event.SenderID == s.cfg.SessionID {
			continue // собственное эхо
		}
		s.handle(se.Event)
	}

	s.mu.Lock()
	if last > s.lastSeq {
		s.lastSeq = last
	}
	s.mu.Unlock()
}

// handle converges the shared rooms table and notifies subscribers.
func (s *Service) handle(ev domain.SyncEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch ev.Type {
	case domain.EventRoomCreated, domain.EventRoomUpdated, domain.EventRoomJoined:
		if ev.Room != nil {
			if err := s.rooms.SaveRoom(ctx, ev.Room); err != nil {
				slog.Warn("sync save room failed", "room", ev.Room.ID, "err", err)
			}
		}
	case domain.EventRoomDeleted:
		if ev.RoomID != "" {
			if err := s.rooms.DeleteRoom(ctx, ev.RoomID); err != nil {
				slog.Warn("sync delete room failed", "room", ev.RoomID, "err", err)
			}
		}
	case domain.EventRoomsRequested:
		s.shareLocalRooms(ctx)
	}

	s.mu.Lock()
	handlers := append(([]func(domain.SyncEvent))(nil), s.handlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (s *Service) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Publish(domain.SyncEvent{Type: domain.EventRoomsRequested})
		}
	}
}

// shareLocalRooms answers a rooms_requested heartbeat: waiting and recently
// created rooms this session holds are re-saved to the shared table, which
// is how a new session discovers rooms it never saw an event for.
func (s *Service) shareLocalRooms(ctx context.Context) {
	if s.source == nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.RecentWindow)
	for _, room := range s.source.LocalRooms(ctx) {
		if room.State != domain.StateWaiting && room.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.rooms.SaveRoom(ctx, room); err != nil {
			slog.Warn("share local room failed", "room", room.ID, "err", err)
		}
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := s.rooms.DeleteExpired(ctx, time.Now(), s.cfg.FinishedTTL, s.cfg.ActiveTTL)
	if err != nil {
		slog.Warn("room expiry sweep failed", "err", err)
		return
	}
	for _, id := range ids {
		s.Publish(domain.SyncEvent{Type: domain.EventRoomDeleted, RoomID: id})
	}
	if len(ids) > 0 {
		slog.Info("expired rooms swept", "count", len(ids))
	}

	if err := s.events.PruneEvents(ctx, time.Now().Add(-s.cfg.ActiveTTL)); err != nil {
		slog.Debug("event log prune failed", "err", err)
	}
}
