// Package dispatch turns a customer request into exactly one committed
// garage+booking pairing, or a clean rejection, and drives the booking
// through the rest of its lifecycle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/garage-dispatch/internal/geo"
	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/notify"
	"github.com/example/garage-dispatch/internal/observability"
	"github.com/example/garage-dispatch/internal/protocol"
	"github.com/example/garage-dispatch/internal/storage"
	"github.com/example/garage-dispatch/internal/tracking"
)

// Reasons carried by booking:closed and the rejection metric.
const (
	ReasonTaken       = "taken"
	ReasonDeclined    = "declined"
	ReasonTimeout     = "timeout"
	ReasonNoGarages   = "no_garages"
	ReasonCancelled   = "cancelled"
	ReasonAllDeclined = "all_declined"
	ReasonRejected    = "rejected"
)

type Sender interface {
	Send(participantID string, ev protocol.Event) error
}

// Roster maps mechanics to the garage they work for.
type Roster interface {
	GarageOf(ctx context.Context, mechanicID string) (string, error)
}

type Notifier interface {
	Notify(ctx context.Context, participantID string, r notify.Record) (*models.Notification, error)
	Publish(ctx context.Context, topic string, event any)
}

// ChatRooms provisions and archives booking chat rooms.
type ChatRooms interface {
	Provision(b *models.Booking) string
	Archive(roomID string)
}

type Tracker interface {
	Start(ctx context.Context, spec tracking.Spec) error
	Stop(ctx context.Context, bookingID string) error
}

// Settler captures or releases the payment hold a booking carries.
type Settler interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

type Deps struct {
	Store    storage.BookingStore
	Sender   Sender
	Locator  geo.Locator
	Roster   Roster
	Notifier Notifier
	Chat     ChatRooms
	Tracking Tracker
	Settler  Settler
	Logger   *slog.Logger
	// Deadline bounds how long a race stays open; zero disables it.
	Deadline time.Duration
}

type Coordinator struct {
	Deps

	mu    sync.Mutex
	races map[string]*race
	now   func() time.Time
}

func NewCoordinator(d Deps) *Coordinator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	d.Logger = d.Logger.With("component", "dispatch")
	return &Coordinator{Deps: d, races: make(map[string]*race), now: time.Now}
}

// BookingRequest is what a customer submits.
type BookingRequest struct {
	Service         models.ServiceRequest `json:"service"`
	Pickup          models.Location       `json:"pickup"`
	ScheduledFor    time.Time             `json:"scheduled_for"`
	PaymentIntentID string                `json:"payment_intent_id"`
}

func (r *BookingRequest) Validate() error {
	r.Service.Category = strings.TrimSpace(r.Service.Category)
	if r.Service.Category == "" {
		return &models.ValidationError{Field: "service.category", Reason: "required"}
	}
	hasCoord := r.Pickup.Lat != 0 || r.Pickup.Lon != 0
	if hasCoord && !r.Pickup.Coord.Valid() {
		return &models.ValidationError{Field: "pickup", Reason: "coordinates out of range"}
	}
	if !hasCoord && r.Pickup.Pincode == "" {
		return &models.ValidationError{Field: "pickup", Reason: "coordinates or pincode required"}
	}
	return nil
}

// Submit creates a pending booking and broadcasts it to every eligible
// garage. With no eligible garage the booking is rejected straight away.
func (c *Coordinator) Submit(ctx context.Context, customer models.Participant, req BookingRequest) (*models.Booking, error) {
	if customer.Role != models.RoleCustomer {
		return nil, &models.NotEligibleError{ActorID: customer.ID, Resource: "bookings", Reason: "only customers submit bookings"}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	garages, err := c.Locator.Eligible(ctx, req.Pickup)
	if err != nil {
		return nil, fmt.Errorf("dispatch: eligible garages: %w", err)
	}

	now := c.now().UTC()
	b := &models.Booking{
		ID:              uuid.NewString(),
		CustomerID:      customer.ID,
		Service:         req.Service,
		Pickup:          req.Pickup,
		ScheduledFor:    req.ScheduledFor,
		Status:          models.StatusPending,
		PaymentIntentID: req.PaymentIntentID,
		History:         []models.StatusChange{{To: models.StatusPending, ActorID: customer.ID, At: now}},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.Store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("dispatch: create booking: %w", err)
	}
	observability.Transitions.WithLabelValues(string(models.StatusPending)).Inc()

	r := newRace(b.ID, b.CustomerID, garages, now)
	c.mu.Lock()
	c.races[b.ID] = r
	c.mu.Unlock()
	observability.RacesOpened.Inc()
	c.Logger.Info("race opened", "booking", b.ID, "garages", len(garages))

	if len(garages) == 0 {
		if rejected := c.reject(ctx, r, ReasonNoGarages); rejected != nil {
			return rejected, nil
		}
		return c.Store.Get(ctx, b.ID)
	}

	if c.Deadline > 0 {
		r.mu.Lock()
		r.timer = time.AfterFunc(c.Deadline, func() { c.expire(b.ID) })
		r.mu.Unlock()
	}
	ev := protocol.NewBooking(b)
	for _, g := range garages {
		if err := c.Sender.Send(g, ev); err != nil {
			c.Logger.Debug("garage offline at broadcast", "booking", b.ID, "garage", g, "error", err)
		}
	}
	c.publishStatus(ctx, b)
	return b, nil
}

// Accept claims a pending booking for garage. The first accept to win the
// compare-and-swap wins the race; later ones fail with a StaleStateError and
// their garage is sent booking:closed unless it already had a terminal event.
// A repeated accept from the winner returns the booking unchanged.
func (c *Coordinator) Accept(ctx context.Context, bookingID string, garage models.Participant) (*models.Booking, error) {
	if garage.Role != models.RoleGarage {
		return nil, &models.NotEligibleError{ActorID: garage.ID, Resource: "booking " + bookingID, Reason: "only garages accept bookings"}
	}
	r := c.race(bookingID)
	if r == nil {
		return c.acceptWithoutRace(ctx, bookingID, garage)
	}
	if !r.isNotified(garage.ID) {
		return nil, &models.NotEligibleError{ActorID: garage.ID, Resource: "booking " + bookingID, Reason: "garage was not notified"}
	}
	if !r.beginAccept(garage.ID) {
		return nil, &models.StaleStateError{BookingID: bookingID, Expected: models.StatusPending, Actual: models.StatusPending, Target: models.StatusAccepted}
	}
	defer r.endAccept(garage.ID)

	b, err := c.Store.Transition(ctx, models.Change{
		BookingID: bookingID,
		From:      models.StatusPending,
		To:        models.StatusAccepted,
		Actor:     garage,
	})
	if err != nil {
		if !errors.Is(err, models.ErrStaleState) {
			return nil, fmt.Errorf("dispatch: accept %s: %w", bookingID, err)
		}
		cur, getErr := c.Store.Get(ctx, bookingID)
		if getErr == nil && cur.WinnerGarageID == garage.ID {
			return cur, nil
		}
		observability.StaleAccepts.Inc()
		if r.signalOnce(garage.ID) {
			c.send(garage.ID, protocol.Closed(bookingID, closedReason(cur)))
		}
		c.Logger.Info("late accept", "booking", bookingID, "garage", garage.ID)
		return nil, err
	}

	c.win(ctx, r, b)
	return b, nil
}

// acceptWithoutRace handles accepts for bookings whose race is already over
// or was never opened by this process.
func (c *Coordinator) acceptWithoutRace(ctx context.Context, bookingID string, garage models.Participant) (*models.Booking, error) {
	b, err := c.Store.Get(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: accept %s: %w", bookingID, err)
	}
	if b.WinnerGarageID == garage.ID {
		return b, nil
	}
	if b.Status == models.StatusPending {
		return nil, &models.NotEligibleError{ActorID: garage.ID, Resource: "booking " + bookingID, Reason: "garage was not notified"}
	}
	observability.StaleAccepts.Inc()
	return nil, &models.StaleStateError{BookingID: bookingID, Expected: models.StatusPending, Actual: b.Status}
}

// closedReason names why a pending booking is no longer open to a garage
// whose accept lost.
func closedReason(cur *models.Booking) string {
	if cur == nil {
		return ReasonTaken
	}
	switch cur.Status {
	case models.StatusCancelled:
		return ReasonCancelled
	case models.StatusRejected:
		return ReasonRejected
	}
	return ReasonTaken
}

func (c *Coordinator) win(ctx context.Context, r *race, b *models.Booking) {
	losers, ok := r.finish(b.WinnerGarageID)
	c.dropRace(b.ID)
	if !ok {
		c.Logger.Warn("race already finished at win", "booking", b.ID)
	}
	observability.RacesWon.Inc()
	observability.RaceDuration.Observe(c.now().Sub(r.openedAt).Seconds())
	observability.Transitions.WithLabelValues(string(models.StatusAccepted)).Inc()
	c.Logger.Info("race won", "booking", b.ID, "garage", b.WinnerGarageID, "losers", len(losers))

	closed := protocol.Closed(b.ID, ReasonTaken)
	for _, g := range losers {
		c.send(g, closed)
	}
	c.send(b.WinnerGarageID, protocol.Stored(b))
	c.send(b.CustomerID, protocol.Accepted(b))
	if c.Chat != nil {
		c.Chat.Provision(b)
	}
	c.notify(ctx, b.CustomerID, notify.Record{
		Type:    "booking_accepted",
		Message: "A garage accepted your booking",
		Payload: map[string]any{"booking_id": b.ID, "garage_id": b.WinnerGarageID},
	})
	c.publishStatus(ctx, b)
}

// Decline records that garage passed on the booking and acknowledges it
// with booking:closed. Once every notified garage has declined the booking
// is rejected.
func (c *Coordinator) Decline(ctx context.Context, bookingID string, garage models.Participant) error {
	if garage.Role != models.RoleGarage {
		return &models.NotEligibleError{ActorID: garage.ID, Resource: "booking " + bookingID, Reason: "only garages decline bookings"}
	}
	r := c.race(bookingID)
	if r == nil {
		b, err := c.Store.Get(ctx, bookingID)
		if err != nil {
			return fmt.Errorf("dispatch: decline %s: %w", bookingID, err)
		}
		return &models.StaleStateError{BookingID: bookingID, Expected: models.StatusPending, Actual: b.Status}
	}
	if !r.isNotified(garage.ID) {
		return &models.NotEligibleError{ActorID: garage.ID, Resource: "booking " + bookingID, Reason: "garage was not notified"}
	}

	r.mu.Lock()
	if r.accepting[garage.ID] {
		r.mu.Unlock()
		// The garage's own accept is in flight; that outcome stands.
		return &models.StaleStateError{BookingID: bookingID, Expected: models.StatusPending, Actual: models.StatusPending}
	}
	r.declined[garage.ID] = true
	owed := r.signalLocked(garage.ID)
	allDeclined := !r.done && len(r.declined) == len(r.notified)
	r.mu.Unlock()

	storeErr := c.Store.AddClosedFor(ctx, bookingID, garage.ID)
	if owed {
		c.send(garage.ID, protocol.Closed(bookingID, ReasonDeclined))
	}
	c.Logger.Info("garage declined", "booking", bookingID, "garage", garage.ID)
	if allDeclined {
		c.reject(ctx, r, ReasonAllDeclined)
	}
	if storeErr != nil {
		return fmt.Errorf("dispatch: decline %s: %w", bookingID, storeErr)
	}
	return nil
}

func (c *Coordinator) expire(bookingID string) {
	r := c.race(bookingID)
	if r == nil {
		return
	}
	c.reject(context.Background(), r, ReasonTimeout)
}

// reject moves the booking to rejected and closes the race. It returns nil
// when the booking left pending in the meantime.
func (c *Coordinator) reject(ctx context.Context, r *race, reason string) *models.Booking {
	b, err := c.Store.Transition(ctx, models.Change{
		BookingID: r.bookingID,
		From:      models.StatusPending,
		To:        models.StatusRejected,
		Actor:     models.System,
	})
	if err != nil {
		if !errors.Is(err, models.ErrStaleState) {
			c.Logger.Error("reject booking", "booking", r.bookingID, "error", err)
		}
		return nil
	}
	silent, _ := r.finish("")
	c.dropRace(b.ID)
	observability.RacesRejected.WithLabelValues(reason).Inc()
	observability.Transitions.WithLabelValues(string(models.StatusRejected)).Inc()
	c.Logger.Info("race rejected", "booking", b.ID, "reason", reason)

	closed := protocol.Closed(b.ID, reason)
	for _, g := range silent {
		c.send(g, closed)
	}
	c.send(b.CustomerID, protocol.Rejected(b))
	c.notify(ctx, b.CustomerID, notify.Record{
		Type:    "booking_rejected",
		Message: "No garage could take your booking",
		Payload: map[string]any{"booking_id": b.ID, "reason": reason},
	})
	c.publishStatus(ctx, b)
	return b
}

// PendingFor lists the open races garageID was notified of and has not
// answered yet. It is a reconciliation read for clients that missed the
// broadcast; the broadcast stays authoritative.
func (c *Coordinator) PendingFor(ctx context.Context, garageID string) ([]*models.Booking, error) {
	c.mu.Lock()
	var ids []string
	for id, r := range c.races {
		if r.pendingFor(garageID) {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	out := make([]*models.Booking, 0, len(ids))
	for _, id := range ids {
		b, err := c.Store.Get(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dispatch: pending for %s: %w", garageID, err)
		}
		if b.Status == models.StatusPending {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Get returns a booking to a participant allowed to see it: its customer,
// winning garage or mechanic, a garage notified of its open race, or an
// admin.
func (c *Coordinator) Get(ctx context.Context, bookingID string, viewer models.Participant) (*models.Booking, error) {
	b, err := c.Store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if viewer.Role == models.RoleAdmin || b.Involves(viewer.ID) {
		return b, nil
	}
	if r := c.race(bookingID); r != nil && r.isNotified(viewer.ID) {
		return b, nil
	}
	return nil, &models.NotEligibleError{ActorID: viewer.ID, Resource: "booking " + bookingID}
}

// Close stops every pending deadline timer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.races {
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		r.mu.Unlock()
	}
}

func (c *Coordinator) race(bookingID string) *race {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.races[bookingID]
}

func (c *Coordinator) dropRace(bookingID string) {
	c.mu.Lock()
	delete(c.races, bookingID)
	c.mu.Unlock()
}

func (c *Coordinator) send(participantID string, ev protocol.Event) {
	if participantID == "" {
		return
	}
	if err := c.Sender.Send(participantID, ev); err != nil {
		c.Logger.Debug("event undelivered", "participant", participantID, "type", ev.Type, "error", err)
	}
}

func (c *Coordinator) notify(ctx context.Context, participantID string, r notify.Record) {
	if c.Notifier == nil || participantID == "" {
		return
	}
	if _, err := c.Notifier.Notify(ctx, participantID, r); err != nil {
		c.Logger.Error("durable notification failed", "participant", participantID, "type", r.Type, "error", err)
	}
}

func (c *Coordinator) publishStatus(ctx context.Context, b *models.Booking) {
	if c.Notifier == nil {
		return
	}
	c.Notifier.Publish(ctx, notify.TopicBookingStatus, protocol.Status(b).Data)
}
