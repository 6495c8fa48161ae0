// Package httpapi is the REST and WebSocket gateway in front of the dispatch
// core.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/garage-dispatch/internal/chat"
	"github.com/example/garage-dispatch/internal/dispatch"
	"github.com/example/garage-dispatch/internal/geo"
	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/notify"
	"github.com/example/garage-dispatch/internal/realtime"
	"github.com/example/garage-dispatch/internal/tracking"
)

type Deps struct {
	Coordinator *dispatch.Coordinator
	Chat        *chat.Manager
	Tracking    *tracking.Manager
	Hub         *notify.Hub
	Registry    *realtime.Registry
	Directory   geo.Directory
	Auth        Authenticator
	Logger      *slog.Logger
	// Ready reports dependency health for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
	// FrameTimeout bounds the handling of one inbound socket frame.
	FrameTimeout time.Duration
}

type Server struct {
	Deps
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Auth == nil {
		d.Auth = HeaderAuthenticator{}
	}
	if d.FrameTimeout <= 0 {
		d.FrameTimeout = 5 * time.Second
	}
	s := &Server{
		Deps:   d,
		logger: d.Logger.With("component", "httpapi"),
		mux:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checks belong to the gateway in front of this service.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	d.Registry.OnPresence(func(p models.Participant, online bool) {
		if online {
			return
		}
		d.Chat.Disconnect(p.ID)
		d.Tracking.Disconnect(p.ID)
	})
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bookings", s.authed(s.handleCreateBooking)).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", s.authed(s.handleGetBooking)).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/cancel", s.authed(s.handleCancelBooking)).Methods(http.MethodPost)
	api.HandleFunc("/garages/{id}/pending", s.authed(s.handlePending)).Methods(http.MethodGet)
	api.HandleFunc("/notifications", s.authed(s.handleListNotifications)).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", s.authed(s.handleReadAll)).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{id}/read", s.authed(s.handleReadNotification)).Methods(http.MethodPost)
	api.HandleFunc("/support/tickets", s.authed(s.handleOpenTicket)).Methods(http.MethodPost)
	api.HandleFunc("/support/tickets/{id}", s.authed(s.handleUpdateTicket)).Methods(http.MethodPatch)

	s.mux.HandleFunc("/internal/garages", s.authed(s.handleUpsertGarage)).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("not ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
