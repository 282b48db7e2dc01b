// Package ws exposes the broadcast hub over a websocket endpoint for
// consumers that prefer a duplex socket to the push stream.
package ws

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ticbet/room-sync/internal/hub"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Server struct {
	hub        *hub.Hub
	readyDelay time.Duration
}

func NewServer(h *hub.Hub, readyDelay time.Duration) *Server {
	if readyDelay <= 0 {
		readyDelay = 100 * time.Millisecond
	}
	return &Server{hub: h, readyDelay: readyDelay}
}

// HandleWS upgrades the connection and mirrors the push-stream handshake:
// connected, then connection_ready, then room_state_changed frames.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if roomID == "" {
		roomID = r.URL.Query().Get("roomId")
	}
	if roomID == "" {
		http.Error(w, "missing roomId", http.StatusBadRequest)
		return
	}

	sub := s.hub.Subscribe(roomID)
	if sub == nil {
		http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.Unsubscribe(sub)
		slog.Error("ws upgrade failed", slog.Any("err", err))
		return
	}

	go s.writeLoop(conn, sub, roomID)
	go s.readLoop(conn, sub)
}

func (s *Server) writeLoop(conn *websocket.Conn, sub *hub.Subscription, roomID string) {
	ping := time.NewTicker(pingPeriod)
	ready := time.NewTimer(s.readyDelay)
	defer func() {
		ping.Stop()
		ready.Stop()
		s.hub.Unsubscribe(sub)
		conn.Close()
	}()

	if err := s.writeFrame(conn, hub.Frame{
		Type:         hub.FrameConnected,
		RoomID:       roomID,
		ConnectionID: sub.ID,
		Timestamp:    time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	for {
		select {
		case <-ready.C:
			if err := s.writeFrame(conn, hub.Frame{
				Type:         hub.FrameConnectionReady,
				RoomID:       roomID,
				ConnectionID: sub.ID,
				Timestamp:    time.Now().UnixMilli(),
			}); err != nil {
				return
			}
		case frame, ok := <-sub.Frames():
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.writeFrame(conn, frame); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame hub.Frame) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		slog.Debug("ws write failed", "conn", frame.ConnectionID, slog.Any("err", err))
		return err
	}
	return nil
}

// readLoop only watches for the close handshake; subscribers are read-only.
func (s *Server) readLoop(conn *websocket.Conn, sub *hub.Subscription) {
	defer func() {
		s.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws closed unexpectedly", slog.Any("err", err))
			}
			return
		}
	}
}
