// Package protocol defines the tagged event schema exchanged over participant
// sockets. Every frame is {"type": <name>, "data": <payload>} and each type has
// exactly one payload shape.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/example/garage-dispatch/internal/models"
)

// Outbound event types.
const (
	BookingNew      = "booking:new"
	BookingStored   = "booking:stored"
	BookingClosed   = "booking:closed"
	BookingAccepted = "booking:accepted"
	BookingRejected = "booking:rejected"
	BookingStatus   = "booking:status"
	Notification    = "notification"
	ReceiveMessage  = "receiveMessage"
	Typing          = "typing"
	StopTyping      = "stopTyping"
	LocationUpdate  = "locationUpdate"
	Ack             = "ack"
	Error           = "error"
)

// Event is an outbound frame.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

func (e Event) Encode() ([]byte, error) { return json.Marshal(e) }

type BookingPayload struct {
	Booking *models.Booking `json:"booking"`
}

type ClosedPayload struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

type StatusPayload struct {
	BookingID string               `json:"booking_id"`
	Status    models.BookingStatus `json:"status"`
	GarageID  string               `json:"garage_id,omitempty"`
	Mechanic  string               `json:"mechanic_id,omitempty"`
	At        time.Time            `json:"at"`
}

type TypingPayload struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}

type LocationPayload struct {
	BookingID     string       `json:"booking_id"`
	ParticipantID string       `json:"participant_id"`
	Location      models.Coord `json:"location"`
	ETASeconds    *float64     `json:"eta_seconds,omitempty"`
	At            time.Time    `json:"at"`
}

type AckPayload struct {
	For    string `json:"for"`
	Result any    `json:"result,omitempty"`
}

type ErrorPayload struct {
	For     string `json:"for,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Closed tells a garage it can drop a booking: somebody else won, it declined,
// the race timed out or the customer cancelled.
func Closed(bookingID, reason string) Event {
	return Event{Type: BookingClosed, Data: ClosedPayload{BookingID: bookingID, Reason: reason}}
}

func NewBooking(b *models.Booking) Event {
	return Event{Type: BookingNew, Data: BookingPayload{Booking: b}}
}

func Stored(b *models.Booking) Event {
	return Event{Type: BookingStored, Data: BookingPayload{Booking: b}}
}

func Accepted(b *models.Booking) Event {
	return Event{Type: BookingAccepted, Data: BookingPayload{Booking: b}}
}

func Rejected(b *models.Booking) Event {
	return Event{Type: BookingRejected, Data: BookingPayload{Booking: b}}
}

func Status(b *models.Booking) Event {
	return Event{Type: BookingStatus, Data: StatusPayload{
		BookingID: b.ID,
		Status:    b.Status,
		GarageID:  b.WinnerGarageID,
		Mechanic:  b.MechanicID,
		At:        b.UpdatedAt,
	}}
}
