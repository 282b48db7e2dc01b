package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ticbet/room-sync/internal/domain"
	"github.com/ticbet/room-sync/internal/hub"
)

// sseServer emits the hub handshake and then frames pushed to it.
type sseServer struct {
	t       *testing.T
	frames  chan hub.Frame
	ready   bool // emit connection_ready after connected
	dropAll atomic.Bool

	mu       sync.Mutex
	connects int
}

func newSSEServer(t *testing.T, ready bool) *sseServer {
	return &sseServer{t: t, frames: make(chan hub.Frame, 16), ready: ready}
}

func (s *sseServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *sseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.connects++
	s.mu.Unlock()

	if s.dropAll.Load() {
		// close without any payload; client should retry
		return
	}

	flusher := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")

	send := func(f hub.Frame) {
		data, err := json.Marshal(f)
		if err != nil {
			s.t.Errorf("marshal frame: %v", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	send(hub.Frame{Type: hub.FrameConnected, RoomID: "room-1", ConnectionID: "conn-1"})
	if s.ready {
		send(hub.Frame{Type: hub.FrameConnectionReady, RoomID: "room-1", ConnectionID: "conn-1"})
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case f := <-s.frames:
			send(f)
		}
	}
}

func waitForState(t *testing.T, states <-chan State, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %q never reached", want)
		}
	}
}

func TestClientReachesReadyAndReceivesSnapshots(t *testing.T) {
	backend := newSSEServer(t, true)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	states := make(chan State, 16)
	roomCh := make(chan *domain.Room, 4)

	c, err := New(Config{
		BaseURL: srv.URL,
		RoomID:  "room-1",
		OnState: func(s State) { states <- s },
		OnRoom:  func(r *domain.Room) { roomCh <- r },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Connect(ctx)
	defer c.Disconnect()

	waitForState(t, states, StateReady, 3*time.Second)
	if c.ConnectionID() != "conn-1" {
		t.Errorf("ConnectionID = %q", c.ConnectionID())
	}

	backend.frames <- hub.Frame{
		Type:   hub.FrameRoomStateChanged,
		RoomID: "room-1",
		Data:   &domain.Room{ID: "room-1", State: domain.StatePlaying, CurrentPlayer: "bob"},
	}

	select {
	case room := <-roomCh:
		if room.CurrentPlayer != "bob" {
			t.Errorf("snapshot turn = %q", room.CurrentPlayer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("snapshot never delivered")
	}

	got := c.Room()
	if got == nil || got.ID != "room-1" {
		t.Errorf("Room() = %+v", got)
	}
}

func TestClientRetriesThenFails(t *testing.T) {
	backend := newSSEServer(t, true)
	backend.dropAll.Store(true)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	states := make(chan State, 32)
	c, err := New(Config{
		BaseURL:    srv.URL,
		RoomID:     "room-1",
		MaxRetries: 2,
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
		OnState:    func(s State) { states <- s },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Connect(context.Background())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}

	if c.State() != StateFailed {
		t.Fatalf("state = %q, want failed", c.State())
	}
	if c.Err() == nil {
		t.Fatal("Err() should report why retries were exhausted")
	}
	// initial try + MaxRetries reconnects
	if got := backend.connections(); got != 3 {
		t.Errorf("connections = %d, want 3", got)
	}
}

func TestClientRecoversAfterDrop(t *testing.T) {
	backend := newSSEServer(t, true)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	states := make(chan State, 32)
	c, err := New(Config{
		BaseURL:    srv.URL,
		RoomID:     "room-1",
		MaxRetries: 1000, // plenty of headroom while the server misbehaves
		BackoffMin: 5 * time.Millisecond,
		BackoffMax: 20 * time.Millisecond,
		OnState:    func(s State) { states <- s },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Connect(ctx)
	defer c.Disconnect()

	waitForState(t, states, StateReady, 3*time.Second)

	// Server starts dropping: client should fall back to reconnecting...
	backend.dropAll.Store(true)
	srv.CloseClientConnections()
	waitForState(t, states, StateDisconnected, 3*time.Second)

	// ...and recover once the server behaves again.
	backend.dropAll.Store(false)
	waitForState(t, states, StateReady, 3*time.Second)
}

func TestClientHandshakeTimeout(t *testing.T) {
	// connected arrives but connection_ready never does
	backend := newSSEServer(t, false)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, err := New(Config{
		BaseURL:      srv.URL,
		RoomID:       "room-1",
		MaxRetries:   1,
		BackoffMin:   5 * time.Millisecond,
		BackoffMax:   10 * time.Millisecond,
		ReadyTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Connect(context.Background())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stalled handshake was never torn down")
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %q, want failed", c.State())
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	backend := newSSEServer(t, true)
	backend.dropAll.Store(true)
	srv := httptest.NewServer(backend)
	defer srv.Close()

	c, err := New(Config{
		BaseURL:    srv.URL,
		RoomID:     "room-1",
		MaxRetries: 100,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Connect(context.Background())
	time.Sleep(20 * time.Millisecond)
	c.Disconnect()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Disconnect did not stop the run loop")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %q, want disconnected", c.State())
	}
}

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	c, err := New(Config{
		BaseURL:    "http://localhost:0",
		RoomID:     "room-1",
		BackoffMin: 100 * time.Millisecond,
		BackoffMax: 400 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	prev := time.Duration(0)
	for i := 0; i < 8; i++ {
		d := c.boff.Duration()
		if d < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", i, d, prev)
		}
		if d > 400*time.Millisecond {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
		}
		prev = d
	}
	if prev != 400*time.Millisecond {
		t.Errorf("backoff never reached the cap: %v", prev)
	}
}

func TestBroadcastRoomUpdate(t *testing.T) {
	var gotBody struct {
		RoomID   string       `json:"roomId"`
		RoomData *domain.Room `json:"roomData"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, RoomID: "room-1"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	room := &domain.Room{ID: "room-1", State: domain.StatePlaying}
	if err := c.BroadcastRoomUpdate(context.Background(), room); err != nil {
		t.Fatalf("BroadcastRoomUpdate: %v", err)
	}
	if gotBody.RoomID != "room-1" || gotBody.RoomData == nil {
		t.Fatalf("server saw %+v", gotBody)
	}
}
