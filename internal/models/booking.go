package models

import (
	"slices"
	"time"
)

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusAccepted  BookingStatus = "accepted"
	StatusAssigned  BookingStatus = "assigned"
	StatusOnWay     BookingStatus = "on-way"
	StatusArrived   BookingStatus = "arrived"
	StatusWorking   BookingStatus = "working"
	StatusCompleted BookingStatus = "completed"
	StatusCancelled BookingStatus = "cancelled"
	StatusRejected  BookingStatus = "rejected"
)

// transitions lists every legal edge of the booking state machine.
var transitions = map[BookingStatus][]BookingStatus{
	StatusPending:  {StatusAccepted, StatusCancelled, StatusRejected},
	StatusAccepted: {StatusAssigned, StatusCancelled},
	StatusAssigned: {StatusOnWay, StatusCancelled},
	StatusOnWay:    {StatusArrived},
	StatusArrived:  {StatusWorking},
	StatusWorking:  {StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to BookingStatus) bool {
	return slices.Contains(transitions[from], to)
}

func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusRejected
}

// Active reports whether a mechanic is out servicing the booking.
func (s BookingStatus) Active() bool {
	return s == StatusOnWay || s == StatusArrived || s == StatusWorking
}

func (s BookingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusAssigned, StatusOnWay, StatusArrived,
		StatusWorking, StatusCompleted, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

type ServiceRequest struct {
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	VehicleID   string `json:"vehicle_id,omitempty"`
}

type Location struct {
	Coord
	Address string `json:"address,omitempty"`
	Pincode string `json:"pincode,omitempty"`
}

type StatusChange struct {
	From    BookingStatus `json:"from,omitempty"`
	To      BookingStatus `json:"to"`
	ActorID string        `json:"actor_id"`
	At      time.Time     `json:"at"`
}

type Booking struct {
	ID              string         `json:"id"`
	CustomerID      string         `json:"customer_id"`
	Service         ServiceRequest `json:"service"`
	Pickup          Location       `json:"pickup"`
	ScheduledFor    time.Time      `json:"scheduled_for"`
	Status          BookingStatus  `json:"status"`
	WinnerGarageID  string         `json:"winner_garage_id,omitempty"`
	MechanicID      string         `json:"mechanic_id,omitempty"`
	ClosedFor       []string       `json:"closed_for,omitempty"`
	PaymentIntentID string         `json:"payment_intent_id,omitempty"`
	History         []StatusChange `json:"history,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a copy that shares no slices with b.
func (b *Booking) Clone() *Booking {
	c := *b
	c.ClosedFor = slices.Clone(b.ClosedFor)
	c.History = slices.Clone(b.History)
	return &c
}

// Involves reports whether participant id is the customer, the winning garage
// or the assigned mechanic of the booking.
func (b *Booking) Involves(id string) bool {
	return id != "" && (id == b.CustomerID || id == b.WinnerGarageID || id == b.MechanicID)
}

// Change is a compare-and-swap request against a booking's status.
type Change struct {
	BookingID string
	From      BookingStatus
	To        BookingStatus
	Actor     Participant
	// MechanicID is written when To is StatusAssigned.
	MechanicID string
}

// Apply validates c against b and mutates b in place. It is shared by every
// BookingStore implementation so the rules live in one place.
func (c Change) Apply(b *Booking, now time.Time) error {
	if b.Status != c.From {
		return &StaleStateError{BookingID: b.ID, Expected: c.From, Actual: b.Status}
	}
	if !CanTransition(c.From, c.To) {
		return &StaleStateError{BookingID: b.ID, Expected: c.From, Actual: b.Status, Target: c.To}
	}
	switch c.To {
	case StatusAccepted:
		if b.WinnerGarageID != "" {
			return &StaleStateError{BookingID: b.ID, Expected: c.From, Actual: b.Status}
		}
		if c.Actor.ID == "" {
			return &ValidationError{Field: "actor", Reason: "winning garage is required"}
		}
		b.WinnerGarageID = c.Actor.ID
	case StatusAssigned:
		if c.MechanicID == "" {
			return &ValidationError{Field: "mechanic_id", Reason: "required"}
		}
		b.MechanicID = c.MechanicID
	}
	b.Status = c.To
	b.UpdatedAt = now
	b.History = append(b.History, StatusChange{From: c.From, To: c.To, ActorID: c.Actor.ID, At: now})
	return nil
}
