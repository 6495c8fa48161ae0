package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/notify"
	"github.com/example/garage-dispatch/internal/observability"
	"github.com/example/garage-dispatch/internal/protocol"
	"github.com/example/garage-dispatch/internal/tracking"
)

// predecessor of each status Advance may move a booking into.
var advanceFrom = map[models.BookingStatus]models.BookingStatus{
	models.StatusOnWay:     models.StatusAssigned,
	models.StatusArrived:   models.StatusOnWay,
	models.StatusWorking:   models.StatusArrived,
	models.StatusCompleted: models.StatusWorking,
}

// AssignMechanic hands an accepted booking to one of the winning garage's
// mechanics.
func (c *Coordinator) AssignMechanic(ctx context.Context, bookingID string, garage models.Participant, mechanicID string) (*models.Booking, error) {
	if mechanicID == "" {
		return nil, &models.ValidationError{Field: "mechanic_id", Reason: "required"}
	}
	b, err := c.Store.Get(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: assign %s: %w", bookingID, err)
	}
	if b.WinnerGarageID == "" || b.WinnerGarageID != garage.ID {
		return nil, &models.NotEligibleError{ActorID: garage.ID, Resource: "booking " + bookingID, Reason: "not the winning garage"}
	}
	if c.Roster == nil {
		return nil, &models.NotEligibleError{ActorID: mechanicID, Resource: "garage " + garage.ID, Reason: "no mechanic roster"}
	}
	owner, err := c.Roster.GarageOf(ctx, mechanicID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		owner = ""
	case err != nil:
		return nil, fmt.Errorf("dispatch: roster lookup %s: %w", mechanicID, err)
	}
	if owner != garage.ID {
		return nil, &models.NotEligibleError{ActorID: mechanicID, Resource: "garage " + garage.ID, Reason: "mechanic does not belong to the garage"}
	}

	b, err = c.Store.Transition(ctx, models.Change{
		BookingID:  bookingID,
		From:       models.StatusAccepted,
		To:         models.StatusAssigned,
		Actor:      garage,
		MechanicID: mechanicID,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: assign %s: %w", bookingID, err)
	}
	if c.Chat != nil {
		c.Chat.Provision(b)
	}
	c.statusChanged(ctx, b, garage.ID)
	c.notify(ctx, mechanicID, notify.Record{
		Type:    "booking_assigned",
		Message: "You have been assigned a booking",
		Payload: map[string]any{"booking_id": b.ID, "garage_id": b.WinnerGarageID},
	})
	return b, nil
}

// Advance moves an assigned booking along on-way, arrived, working and
// completed. Only the assigned mechanic, the winning garage or an admin may
// do so. Tracking starts on on-way; completion stops it, archives the chat
// room and captures the payment.
func (c *Coordinator) Advance(ctx context.Context, bookingID string, actor models.Participant, to models.BookingStatus) (*models.Booking, error) {
	from, ok := advanceFrom[to]
	if !ok {
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot advance to %q", to)}
	}
	b, err := c.Store.Get(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: advance %s: %w", bookingID, err)
	}
	if !c.operates(b, actor) {
		return nil, &models.NotEligibleError{ActorID: actor.ID, Resource: "booking " + bookingID, Reason: "not the assigned mechanic or garage"}
	}
	b, err = c.Store.Transition(ctx, models.Change{BookingID: bookingID, From: from, To: to, Actor: actor})
	if err != nil {
		return nil, fmt.Errorf("dispatch: advance %s: %w", bookingID, err)
	}

	switch to {
	case models.StatusOnWay:
		if c.Tracking != nil {
			if err := c.Tracking.Start(ctx, trackingSpec(b)); err != nil {
				c.Logger.Error("start tracking", "booking", b.ID, "error", err)
			}
		}
	case models.StatusCompleted:
		c.wrapUp(ctx, b, true)
	}
	c.statusChanged(ctx, b, actor.ID)
	return b, nil
}

// Cancel aborts a booking on behalf of its customer or an admin. A pending
// booking's race is closed so later accepts lose the compare-and-swap.
func (c *Coordinator) Cancel(ctx context.Context, bookingID string, actor models.Participant) (*models.Booking, error) {
	b, err := c.Store.Get(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: cancel %s: %w", bookingID, err)
	}
	if actor.Role != models.RoleAdmin && actor.ID != b.CustomerID {
		return nil, &models.NotEligibleError{ActorID: actor.ID, Resource: "booking " + bookingID, Reason: "only the customer or an admin may cancel"}
	}
	from := b.Status
	b, err = c.Store.Transition(ctx, models.Change{BookingID: bookingID, From: from, To: models.StatusCancelled, Actor: actor})
	if err != nil {
		return nil, fmt.Errorf("dispatch: cancel %s: %w", bookingID, err)
	}

	if r := c.race(bookingID); r != nil {
		silent, _ := r.finish("")
		c.dropRace(bookingID)
		observability.RacesRejected.WithLabelValues(ReasonCancelled).Inc()
		closed := protocol.Closed(bookingID, ReasonCancelled)
		for _, g := range silent {
			c.send(g, closed)
		}
	}
	c.wrapUp(ctx, b, false)
	c.statusChanged(ctx, b, actor.ID)
	if b.WinnerGarageID != "" {
		c.notify(ctx, b.WinnerGarageID, notify.Record{
			Type:    "booking_cancelled",
			Message: "A booking you accepted was cancelled",
			Payload: map[string]any{"booking_id": b.ID},
		})
	}
	c.Logger.Info("booking cancelled", "booking", b.ID, "from", from, "actor", actor.ID)
	return b, nil
}

// StartTracking opens the tracking session of an in-progress booking. It is
// idempotent; Advance to on-way already starts it.
func (c *Coordinator) StartTracking(ctx context.Context, bookingID string, actor models.Participant) error {
	b, err := c.Store.Get(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("dispatch: start tracking %s: %w", bookingID, err)
	}
	if !c.operates(b, actor) {
		return &models.NotEligibleError{ActorID: actor.ID, Resource: "booking " + bookingID, Reason: "not the assigned mechanic or garage"}
	}
	if !b.Status.Active() {
		return &models.StaleStateError{BookingID: bookingID, Expected: models.StatusOnWay, Actual: b.Status}
	}
	if c.Tracking == nil {
		return nil
	}
	return c.Tracking.Start(ctx, trackingSpec(b))
}

func (c *Coordinator) StopTracking(ctx context.Context, bookingID string, actor models.Participant) error {
	b, err := c.Store.Get(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("dispatch: stop tracking %s: %w", bookingID, err)
	}
	if !c.operates(b, actor) {
		return &models.NotEligibleError{ActorID: actor.ID, Resource: "booking " + bookingID, Reason: "not the assigned mechanic or garage"}
	}
	if c.Tracking == nil {
		return nil
	}
	return c.Tracking.Stop(ctx, bookingID)
}

func (c *Coordinator) operates(b *models.Booking, actor models.Participant) bool {
	if actor.Role == models.RoleAdmin {
		return true
	}
	return actor.ID != "" && (actor.ID == b.MechanicID || actor.ID == b.WinnerGarageID)
}

// wrapUp releases per-booking resources once it reaches a terminal state.
func (c *Coordinator) wrapUp(ctx context.Context, b *models.Booking, capture bool) {
	if c.Tracking != nil {
		if err := c.Tracking.Stop(ctx, b.ID); err != nil {
			c.Logger.Error("stop tracking", "booking", b.ID, "error", err)
		}
	}
	if c.Chat != nil {
		c.Chat.Archive(models.BookingRoomID(b.ID))
	}
	if c.Settler == nil || b.PaymentIntentID == "" {
		return
	}
	var err error
	if capture {
		err = c.Settler.Capture(ctx, b.PaymentIntentID)
	} else {
		err = c.Settler.Cancel(ctx, b.PaymentIntentID)
	}
	if err != nil {
		c.Logger.Error("payment settlement failed", "booking", b.ID, "payment_intent", b.PaymentIntentID, "capture", capture, "error", err)
	}
}

// statusChanged pushes booking:status to every participant of b except the
// actor, records a durable notification for the customer and publishes the
// change.
func (c *Coordinator) statusChanged(ctx context.Context, b *models.Booking, actorID string) {
	observability.Transitions.WithLabelValues(string(b.Status)).Inc()
	ev := protocol.Status(b)
	for _, id := range []string{b.CustomerID, b.WinnerGarageID, b.MechanicID} {
		if id != actorID {
			c.send(id, ev)
		}
	}
	if actorID != b.CustomerID {
		c.notify(ctx, b.CustomerID, notify.Record{
			Type:    "booking_" + statusSlug(b.Status),
			Message: "Your booking is now " + string(b.Status),
			Payload: map[string]any{"booking_id": b.ID, "status": string(b.Status)},
		})
	}
	c.publishStatus(ctx, b)
}

func trackingSpec(b *models.Booking) tracking.Spec {
	return tracking.Spec{
		BookingID:    b.ID,
		Pickup:       b.Pickup.Coord,
		Subscribers:  []string{b.CustomerID, b.WinnerGarageID},
		Contributors: []string{b.MechanicID, b.CustomerID},
		MechanicID:   b.MechanicID,
	}
}

func statusSlug(s models.BookingStatus) string {
	if s == models.StatusOnWay {
		return "on_way"
	}
	return string(s)
}
