// Package realtime tracks live participant connections and delivers events to
// them. Delivery is best-effort: nothing is queued for offline participants.
package realtime

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/observability"
	"github.com/example/garage-dispatch/internal/protocol"
)

// Conn is a single live connection handle.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close(code int, reason string)
}

// PresenceFunc observes a participant going online (first connection) or
// offline (last connection gone).
type PresenceFunc func(p models.Participant, online bool)

type session struct {
	role  models.Role
	conns map[string]Conn
}

type Registry struct {
	mu           sync.RWMutex
	participants map[string]*session // participantID -> session
	owners       map[string]string   // connID -> participantID
	presence     []PresenceFunc
	logger       *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		participants: make(map[string]*session),
		owners:       make(map[string]string),
		logger:       logger.With("component", "registry"),
	}
}

// OnPresence registers fn to be called on online/offline edges. Register
// hooks before serving traffic.
func (r *Registry) OnPresence(fn PresenceFunc) {
	r.mu.Lock()
	r.presence = append(r.presence, fn)
	r.mu.Unlock()
}

// Register attaches conn to participant p. A participant may hold several
// connections at once (multi-device).
func (r *Registry) Register(p models.Participant, conn Conn) {
	r.mu.Lock()
	s, ok := r.participants[p.ID]
	if !ok {
		s = &session{role: p.Role, conns: make(map[string]Conn)}
		r.participants[p.ID] = s
	}
	s.role = p.Role
	s.conns[conn.ID()] = conn
	r.owners[conn.ID()] = p.ID
	hooks := r.presence
	r.mu.Unlock()

	observability.ConnectionsOpen.Inc()
	if !ok {
		observability.ParticipantsOnline.WithLabelValues(string(p.Role)).Inc()
		for _, fn := range hooks {
			fn(p, true)
		}
	}
}

// Unregister detaches conn. It is a no-op for unknown handles.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	pid, ok := r.owners[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.owners, conn.ID())
	s := r.participants[pid]
	delete(s.conns, conn.ID())
	offline := len(s.conns) == 0
	if offline {
		delete(r.participants, pid)
	}
	hooks := r.presence
	r.mu.Unlock()

	observability.ConnectionsOpen.Dec()
	if offline {
		p := models.Participant{ID: pid, Role: s.role}
		observability.ParticipantsOnline.WithLabelValues(string(s.role)).Dec()
		for _, fn := range hooks {
			fn(p, false)
		}
	}
}

func (r *Registry) Online(participantID string) bool {
	return r.Connections(participantID) > 0
}

func (r *Registry) Connections(participantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.participants[participantID]; ok {
		return len(s.conns)
	}
	return 0
}

// Send delivers ev to every connection of participantID. It returns a
// TransportError when the participant is offline or no connection accepted
// the payload.
func (r *Registry) Send(participantID string, ev protocol.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	conns := r.snapshot(participantID)
	if len(conns) == 0 {
		observability.EventsUndelivered.WithLabelValues(ev.Type).Inc()
		return &models.TransportError{ParticipantID: participantID}
	}
	var errs []error
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(conns) {
		observability.EventsUndelivered.WithLabelValues(ev.Type).Inc()
		return &models.TransportError{ParticipantID: participantID, Err: errors.Join(errs...)}
	}
	observability.EventsDelivered.WithLabelValues(ev.Type).Inc()
	return nil
}

// BroadcastToRole sends ev to every online participant with the given role for
// which pred returns true (nil pred matches all). It returns the number of
// participants reached.
func (r *Registry) BroadcastToRole(role models.Role, pred func(participantID string) bool, ev protocol.Event) int {
	r.mu.RLock()
	targets := make([]string, 0)
	for id, s := range r.participants {
		if s.role == role && (pred == nil || pred(id)) {
			targets = append(targets, id)
		}
	}
	r.mu.RUnlock()

	reached := 0
	for _, id := range targets {
		if err := r.Send(id, ev); err == nil {
			reached++
		} else {
			r.logger.Debug("broadcast delivery failed", "participant", id, "event", ev.Type, "error", err)
		}
	}
	return reached
}

// Close drops every connection. Presence hooks are not fired.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []Conn
	for _, s := range r.participants {
		for _, c := range s.conns {
			all = append(all, c)
		}
	}
	r.participants = make(map[string]*session)
	r.owners = make(map[string]string)
	r.mu.Unlock()

	for _, c := range all {
		c.Close(1001, "server shutdown")
	}
}

func (r *Registry) snapshot(participantID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.participants[participantID]
	if !ok {
		return nil
	}
	out := make([]Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}
