package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/garage-dispatch/internal/chat"
	"github.com/example/garage-dispatch/internal/dispatch"
	"github.com/example/garage-dispatch/internal/models"
)

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request, p models.Participant) {
	var req dispatch.BookingRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.Coordinator.Submit(r.Context(), p, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request, p models.Participant) {
	b, err := s.Coordinator.Get(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request, p models.Participant) {
	b, err := s.Coordinator.Cancel(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request, p models.Participant) {
	garageID := mux.Vars(r)["id"]
	if p.Role != models.RoleAdmin && p.ID != garageID {
		s.writeError(w, r, &models.NotEligibleError{ActorID: p.ID, Resource: "garage " + garageID})
		return
	}
	list, err := s.Coordinator.PendingFor(r.Context(), garageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": list})
}

type garageUpsert struct {
	models.Garage
	Mechanics []string `json:"mechanics,omitempty"`
}

func (s *Server) handleUpsertGarage(w http.ResponseWriter, r *http.Request, p models.Participant) {
	if p.Role != models.RoleAdmin {
		s.writeError(w, r, &models.NotEligibleError{ActorID: p.ID, Resource: "garage directory", Reason: "admin only"})
		return
	}
	var req garageUpsert
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if (req.Loc.Lat != 0 || req.Loc.Lon != 0) && !req.Loc.Valid() {
		s.writeError(w, r, &models.ValidationError{Field: "loc", Reason: "coordinates out of range"})
		return
	}
	if err := s.Directory.UpsertGarage(r.Context(), req.Garage); err != nil {
		s.writeError(w, r, err)
		return
	}
	for _, m := range req.Mechanics {
		if err := s.Directory.SetMechanicGarage(r.Context(), m, req.ID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request, p models.Participant) {
	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	list, err := s.Hub.List(r.Context(), p.ID, unreadOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request, p models.Participant) {
	if err := s.Hub.MarkRead(r.Context(), p.ID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReadAll(w http.ResponseWriter, r *http.Request, p models.Participant) {
	n, err := s.Hub.MarkAllRead(r.Context(), p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (s *Server) handleOpenTicket(w http.ResponseWriter, r *http.Request, p models.Participant) {
	var req chat.TicketRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.Chat.OpenSupportTicket(r.Context(), p, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleUpdateTicket(w http.ResponseWriter, r *http.Request, p models.Participant) {
	var req struct {
		Status models.TicketStatus `json:"status"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.Chat.UpdateTicketStatus(r.Context(), p, mux.Vars(r)["id"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
