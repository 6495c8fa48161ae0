// Package tracking runs live-location sessions keyed by booking id.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/observability"
	"github.com/example/garage-dispatch/internal/protocol"
)

// TopicLocation is the fan-out topic every accepted update is published on.
const TopicLocation = "tracking.location"

type Sender interface {
	Send(participantID string, ev protocol.Event) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, event any)
}

// ETA estimates travel time in seconds between two points.
type ETA interface {
	Estimate(from, to models.Coord) float64
}

// Spec describes who takes part in a session.
type Spec struct {
	BookingID string
	Pickup    models.Coord
	// Subscribers may watch the session; Contributors may post positions.
	Subscribers  []string
	Contributors []string
	// Updates from MechanicID carry an ETA to Pickup.
	MechanicID string
}

// Point is one entry of a session trail.
type Point struct {
	ParticipantID string       `json:"participant_id"`
	Location      models.Coord `json:"location"`
	At            time.Time    `json:"at"`
}

type session struct {
	mu           sync.Mutex
	spec         Spec
	allowed      map[string]bool
	contributors map[string]bool
	subscribers  map[string]bool
	last         map[string]protocol.LocationPayload
	trail        []Point
	startedAt    time.Time
}

type Options struct {
	ETA       ETA
	Archive   TrailArchive
	Publisher Publisher
	Logger    *slog.Logger
}

type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	sender  Sender
	eta     ETA
	archive TrailArchive
	pub     Publisher
	logger  *slog.Logger
	now     func() time.Time
}

func NewManager(sender Sender, opts Options) *Manager {
	if opts.Archive == nil {
		opts.Archive = NopArchive{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*session),
		sender:   sender,
		eta:      opts.ETA,
		archive:  opts.Archive,
		pub:      opts.Publisher,
		logger:   opts.Logger.With("component", "tracking"),
		now:      time.Now,
	}
}

// Start opens the session for spec.BookingID. Starting a running session is
// a no-op.
func (m *Manager) Start(_ context.Context, spec Spec) error {
	if spec.BookingID == "" {
		return &models.ValidationError{Field: "booking_id", Reason: "required"}
	}
	if len(spec.Contributors) == 0 {
		return &models.ValidationError{Field: "contributors", Reason: "at least one contributor is required"}
	}
	s := &session{
		spec:         spec,
		allowed:      toSet(spec.Subscribers),
		contributors: toSet(spec.Contributors),
		subscribers:  make(map[string]bool),
		last:         make(map[string]protocol.LocationPayload),
		startedAt:    m.now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[spec.BookingID]; ok {
		return nil
	}
	m.sessions[spec.BookingID] = s
	observability.TrackingSessions.Inc()
	m.logger.Info("tracking started", "booking", spec.BookingID, "contributors", spec.Contributors)
	return nil
}

// Stop ends the session, drops its subscribers and archives the trail.
// Stopping an unknown session is a no-op.
func (m *Manager) Stop(ctx context.Context, bookingID string) error {
	m.mu.Lock()
	s, ok := m.sessions[bookingID]
	if ok {
		delete(m.sessions, bookingID)
		observability.TrackingSessions.Dec()
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	trail := s.trail
	s.trail = nil
	s.subscribers = map[string]bool{}
	s.last = map[string]protocol.LocationPayload{}
	s.mu.Unlock()

	m.logger.Info("tracking stopped", "booking", bookingID, "points", len(trail), "duration", m.now().Sub(s.startedAt).String())
	if len(trail) == 0 {
		return nil
	}
	if err := m.archive.Archive(ctx, bookingID, trail); err != nil {
		return fmt.Errorf("tracking: archive trail %s: %w", bookingID, err)
	}
	return nil
}

// UpdateLocation records participantID's position and fans it out to the
// session's subscribers. Updates from one sender are applied and delivered
// in order.
func (m *Manager) UpdateLocation(ctx context.Context, bookingID, participantID string, lat, lon float64) error {
	loc := models.Coord{Lat: lat, Lon: lon}
	if !loc.Valid() {
		return &models.ValidationError{Field: "location", Reason: fmt.Sprintf("(%v,%v) is out of range", lat, lon)}
	}
	s, err := m.session(bookingID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.contributors[participantID] {
		return &models.NotEligibleError{ActorID: participantID, Resource: "tracking " + bookingID, Reason: "not a contributor"}
	}
	at := m.now().UTC()
	update := protocol.LocationPayload{BookingID: bookingID, ParticipantID: participantID, Location: loc, At: at}
	if m.eta != nil && participantID == s.spec.MechanicID && s.spec.Pickup.Valid() {
		secs := m.eta.Estimate(loc, s.spec.Pickup)
		update.ETASeconds = &secs
	}
	s.last[participantID] = update
	s.trail = append(s.trail, Point{ParticipantID: participantID, Location: loc, At: at})
	observability.LocationUpdates.Inc()

	ev := protocol.Event{Type: protocol.LocationUpdate, Data: update}
	for id := range s.subscribers {
		if err := m.sender.Send(id, ev); err != nil {
			m.logger.Debug("location undelivered", "booking", bookingID, "subscriber", id, "error", err)
		}
	}
	if m.pub != nil {
		m.pub.Publish(ctx, TopicLocation, update)
	}
	return nil
}

// Subscribe adds subscriberID to the session and pushes the latest known
// position of every contributor, nothing older.
func (m *Manager) Subscribe(_ context.Context, bookingID, subscriberID string) ([]protocol.LocationPayload, error) {
	s, err := m.session(bookingID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allowed[subscriberID] && !s.contributors[subscriberID] {
		return nil, &models.NotEligibleError{ActorID: subscriberID, Resource: "tracking " + bookingID, Reason: "not a booking participant"}
	}
	s.subscribers[subscriberID] = true

	latest := make([]protocol.LocationPayload, 0, len(s.last))
	for _, p := range s.last {
		latest = append(latest, p)
	}
	sort.Slice(latest, func(i, j int) bool { return latest[i].ParticipantID < latest[j].ParticipantID })
	for _, p := range latest {
		if err := m.sender.Send(subscriberID, protocol.Event{Type: protocol.LocationUpdate, Data: p}); err != nil {
			m.logger.Debug("location undelivered", "booking", bookingID, "subscriber", subscriberID, "error", err)
		}
	}
	return latest, nil
}

func (m *Manager) Unsubscribe(bookingID, subscriberID string) {
	s, err := m.session(bookingID)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.subscribers, subscriberID)
	s.mu.Unlock()
}

// Disconnect drops subscriberID from every session; it is the presence hook
// for a participant whose last connection closed.
func (m *Manager) Disconnect(subscriberID string) {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.mu.Lock()
		delete(s.subscribers, subscriberID)
		s.mu.Unlock()
	}
}

// Latest returns the last known position of participantID.
func (m *Manager) Latest(bookingID, participantID string) (protocol.LocationPayload, bool) {
	s, err := m.session(bookingID)
	if err != nil {
		return protocol.LocationPayload{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.last[participantID]
	return p, ok
}

func (m *Manager) Active(bookingID string) bool {
	_, err := m.session(bookingID)
	return err == nil
}

func (m *Manager) session(bookingID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[bookingID]
	if !ok {
		return nil, fmt.Errorf("tracking: session %s: %w", bookingID, models.ErrNotFound)
	}
	return s, nil
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id != "" {
			out[id] = true
		}
	}
	return out
}
