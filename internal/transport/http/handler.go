package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ticbet/room-sync/internal/domain"
	"github.com/ticbet/room-sync/internal/hub"
	"github.com/ticbet/room-sync/internal/manager"
	"github.com/ticbet/room-sync/pkg/errs"
	"github.com/ticbet/room-sync/pkg/httputil"
)

type Handler struct {
	hub *hub.Hub
	mgr *manager.Manager

	// readyDelay separates the connected frame from connection_ready so a
	// freshly attached client finishes wiring its handlers first.
	readyDelay     time.Duration
	heartbeatEvery time.Duration
}

func NewHandler(h *hub.Hub, mgr *manager.Manager, readyDelay, heartbeat time.Duration) *Handler {
	if readyDelay <= 0 {
		readyDelay = 100 * time.Millisecond
	}
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return &Handler{
		hub:            h,
		mgr:            mgr,
		readyDelay:     readyDelay,
		heartbeatEvery: heartbeat,
	}
}

// GET /rooms/{id}/events — long-lived push stream of data: <json> frames.
func (h *Handler) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if roomID == "" {
		roomID = r.URL.Query().Get("roomId")
	}
	if roomID == "" {
		httputil.Error(w, http.StatusBadRequest, "missing roomId")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.hub.Subscribe(roomID)
	if sub == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "hub is shutting down")
		return
	}
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeFrame(w, flusher, hub.Frame{
		Type:         hub.FrameConnected,
		RoomID:       roomID,
		ConnectionID: sub.ID,
		Timestamp:    time.Now().UnixMilli(),
	})

	readyTimer := time.NewTimer(h.readyDelay)
	defer readyTimer.Stop()

	heartbeat := time.NewTicker(h.heartbeatEvery)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("subscriber disconnected", "room", roomID, "conn", sub.ID)
			return
		case <-readyTimer.C:
			writeFrame(w, flusher, hub.Frame{
				Type:         hub.FrameConnectionReady,
				RoomID:       roomID,
				ConnectionID: sub.ID,
				Timestamp:    time.Now().UnixMilli(),
			})
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case frame, ok := <-sub.Frames():
			if !ok {
				return
			}
			writeFrame(w, flusher, frame)
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame hub.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("encode frame failed", slog.Any("err", err))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// POST /rooms/{id}/broadcast — the hub's publish entry point.
func (h *Handler) PublishRoom(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RoomID == "" {
		req.RoomID = chi.URLParam(r, "id")
	}
	if req.RoomID == "" {
		httputil.Error(w, http.StatusBadRequest, "missing roomId")
		return
	}
	if req.RoomData == nil {
		httputil.Error(w, http.StatusBadRequest, "missing roomData")
		return
	}

	n := h.hub.Publish(req.RoomID, req.RoomData)
	httputil.JSON(w, http.StatusOK, PublishResponse{Success: true, Subscribers: n})
}

// POST /rooms
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Creator == "" {
		httputil.Error(w, http.StatusBadRequest, "missing creator")
		return
	}

	room, err := h.mgr.CreateRoom(r.Context(), req.Creator, req.BetAmount)
	if err != nil {
		h.writeDomainError(w, "CreateRoom", err)
		return
	}
	httputil.JSON(w, http.StatusCreated, room)
}

// GET /rooms
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.mgr.ListRooms(r.Context())
	if err != nil {
		h.writeDomainError(w, "ListRooms", err)
		return
	}
	if rooms == nil {
		rooms = []*domain.Room{}
	}
	httputil.JSON(w, http.StatusOK, RoomsListResponse{Items: rooms})
}

// GET /rooms/{id}
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.mgr.GetRoom(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "GetRoom", err)
		return
	}
	httputil.JSON(w, http.StatusOK, room)
}

// POST /rooms/{id}/join
func (h *Handler) JoinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Player == "" {
		httputil.Error(w, http.StatusBadRequest, "missing player")
		return
	}

	room, err := h.mgr.JoinRoom(r.Context(), chi.URLParam(r, "id"), req.Player)
	if err != nil {
		h.writeDomainError(w, "JoinRoom", err)
		return
	}
	httputil.JSON(w, http.StatusOK, room)
}

// POST /rooms/{id}/enter
func (h *Handler) EnterRoom(w http.ResponseWriter, r *http.Request) {
	var req EnterRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Player == "" {
		httputil.Error(w, http.StatusBadRequest, "missing player")
		return
	}

	room, err := h.mgr.EnterRoom(r.Context(), chi.URLParam(r, "id"), req.Player)
	if err != nil {
		h.writeDomainError(w, "EnterRoom", err)
		return
	}
	httputil.JSON(w, http.StatusOK, room)
}

// POST /rooms/{id}/move
func (h *Handler) MakeMove(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Player == "" {
		httputil.Error(w, http.StatusBadRequest, "missing player")
		return
	}

	room, err := h.mgr.MakeMove(r.Context(), chi.URLParam(r, "id"), req.Position, req.Player)
	if err != nil {
		h.writeDomainError(w, "MakeMove", err)
		return
	}
	httputil.JSON(w, http.StatusOK, room)
}

// POST /rooms/{id}/finish
func (h *Handler) FinishRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.mgr.FinishRoom(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, "FinishRoom", err)
		return
	}
	httputil.JSON(w, http.StatusOK, room)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		httputil.Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrRoomFull),
		errors.Is(err, domain.ErrAlreadyJoined),
		errors.Is(err, domain.ErrNotYourTurn),
		errors.Is(err, domain.ErrPositionTaken),
		errors.Is(err, domain.ErrGameFinished),
		errors.Is(err, domain.ErrGameNotFinished),
		errors.Is(err, domain.ErrGameNotStarted):
		httputil.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidPosition),
		errors.Is(err, domain.ErrInvalidBet),
		errors.Is(err, domain.ErrNotInRoom):
		httputil.Error(w, http.StatusBadRequest, err.Error())
	default:
		// Non-domain failures (ledger upstream, storage) map through errs.
		slog.Error("handler."+op+":", slog.Any("err", err))
		httputil.Error(w, errs.ToHTTP(err), err.Error())
	}
}
