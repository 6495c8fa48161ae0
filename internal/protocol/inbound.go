package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/garage-dispatch/internal/models"
)

// Inbound event types.
const (
	JoinRoom          = "joinRoom"
	LeaveRoom         = "leaveRoom"
	SendMessage       = "sendMessage"
	TypingStart       = "typing"
	TypingStop        = "stopTyping"
	MarkRead          = "markRead"
	BookingAccept     = "booking:accept"
	BookingDecline    = "booking:decline"
	BookingAssign     = "booking:assign"
	BookingAdvance    = "booking:advance"
	TrackingStart     = "tracking:start"
	TrackingStop      = "tracking:stop"
	TrackingUpdate    = "tracking:update"
	TrackingSubscribe = "tracking:subscribe"
)

// Payload is implemented by every inbound payload type.
type Payload interface {
	Validate() error
}

type RoomRequest struct {
	RoomID string `json:"room_id"`
}

func (r *RoomRequest) Validate() error { return required("room_id", r.RoomID) }

type SendMessageRequest struct {
	RoomID  string             `json:"room_id"`
	Content string             `json:"content"`
	Type    models.MessageType `json:"message_type,omitempty"`
}

func (r *SendMessageRequest) Validate() error {
	if err := required("room_id", r.RoomID); err != nil {
		return err
	}
	if err := required("content", r.Content); err != nil {
		return err
	}
	if r.Type == "" {
		r.Type = models.MessageText
	}
	if !r.Type.Valid() {
		return &models.ValidationError{Field: "message_type", Reason: fmt.Sprintf("unknown type %q", r.Type)}
	}
	return nil
}

type BookingRequest struct {
	BookingID string `json:"booking_id"`
}

func (r *BookingRequest) Validate() error { return required("booking_id", r.BookingID) }

type AssignRequest struct {
	BookingID  string `json:"booking_id"`
	MechanicID string `json:"mechanic_id"`
}

func (r *AssignRequest) Validate() error {
	if err := required("booking_id", r.BookingID); err != nil {
		return err
	}
	return required("mechanic_id", r.MechanicID)
}

type AdvanceRequest struct {
	BookingID string               `json:"booking_id"`
	Status    models.BookingStatus `json:"status"`
}

func (r *AdvanceRequest) Validate() error {
	if err := required("booking_id", r.BookingID); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	return nil
}

type LocationRequest struct {
	BookingID string  `json:"booking_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
}

func (r *LocationRequest) Validate() error {
	if err := required("booking_id", r.BookingID); err != nil {
		return err
	}
	if !(models.Coord{Lat: r.Lat, Lon: r.Lon}).Valid() {
		return &models.ValidationError{Field: "location", Reason: "out of range"}
	}
	return nil
}

// Inbound is a decoded frame.
type Inbound struct {
	Type    string
	Payload Payload
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func payloadFor(typ string) (Payload, bool) {
	switch typ {
	case JoinRoom, LeaveRoom, TypingStart, TypingStop, MarkRead:
		return &RoomRequest{}, true
	case SendMessage:
		return &SendMessageRequest{}, true
	case BookingAccept, BookingDecline, TrackingStart, TrackingStop, TrackingSubscribe:
		return &BookingRequest{}, true
	case BookingAssign:
		return &AssignRequest{}, true
	case BookingAdvance:
		return &AdvanceRequest{}, true
	case TrackingUpdate:
		return &LocationRequest{}, true
	}
	return nil, false
}

// Decode parses a raw frame into its typed payload. Unknown types, unknown
// fields and missing required fields are all ValidationErrors.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := strictUnmarshal(raw, &env); err != nil {
		return Inbound{}, &models.ValidationError{Reason: err.Error()}
	}
	p, ok := payloadFor(env.Type)
	if !ok {
		return Inbound{}, &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported event %q", env.Type)}
	}
	if len(env.Data) == 0 {
		return Inbound{}, &models.ValidationError{Field: "data", Reason: "required"}
	}
	if err := strictUnmarshal(env.Data, p); err != nil {
		return Inbound{}, &models.ValidationError{Field: "data", Reason: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return Inbound{}, err
	}
	return Inbound{Type: env.Type, Payload: p}, nil
}

func strictUnmarshal(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return &models.ValidationError{Field: field, Reason: "required"}
	}
	return nil
}
