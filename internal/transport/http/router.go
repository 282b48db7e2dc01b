package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"

	"github.com/ticbet/room-sync/internal/transport/ws"
	"github.com/ticbet/room-sync/pkg/httputil"
)

func NewRouter(h *Handler, wsServer *ws.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httputil.MiddlewareRequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)

	// long-lived streams, вне Timeout-группы
	r.Get("/rooms/{id}/events", h.SubscribeEvents)
	r.Get("/events", h.SubscribeEvents) // ?roomId= form
	if wsServer != nil {
		r.Get("/ws/rooms/{id}", wsServer.HandleWS)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(httputil.MiddlewareLogging)
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		pr.Route("/rooms", func(rm chi.Router) {
			rm.Post("/", h.CreateRoom)
			rm.Get("/", h.ListRooms)

			rm.Route("/{id}", func(rr chi.Router) {
				rr.Get("/", h.GetRoom)
				rr.Post("/join", h.JoinRoom)
				rr.Post("/enter", h.EnterRoom)
				rr.Post("/move", h.MakeMove)
				rr.Post("/finish", h.FinishRoom)
				rr.Post("/broadcast", h.PublishRoom)
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
