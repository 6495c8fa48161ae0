package models

import (
	"strings"
	"time"
)

type RoomType string

const (
	RoomBooking      RoomType = "booking"
	RoomAdminSupport RoomType = "admin_support"
)

const bookingRoomPrefix = "booking_"

// BookingRoomID derives the chat room of a booking. Customer and garage
// compute the same id independently.
func BookingRoomID(bookingID string) string { return bookingRoomPrefix + bookingID }

// BookingIDFromRoom is the inverse of BookingRoomID.
func BookingIDFromRoom(roomID string) (string, bool) {
	id, ok := strings.CutPrefix(roomID, bookingRoomPrefix)
	return id, ok && id != ""
}

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageFile     MessageType = "file"
	MessageLocation MessageType = "location"
)

func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageFile || t == MessageLocation
}

type Message struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"room_id"`
	SenderID   string      `json:"sender_id"`
	SenderRole Role        `json:"sender_role"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	CreatedAt  time.Time   `json:"created_at"`
	ReadBy     []string    `json:"read_by,omitempty"`
}

type TicketStatus string

const (
	TicketOpen       TicketStatus = "open"
	TicketInProgress TicketStatus = "in_progress"
	TicketResolved   TicketStatus = "resolved"
	TicketClosed     TicketStatus = "closed"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketInProgress, TicketResolved, TicketClosed:
		return true
	}
	return false
}

type TicketPriority string

const (
	PriorityLow    TicketPriority = "low"
	PriorityMedium TicketPriority = "medium"
	PriorityHigh   TicketPriority = "high"
	PriorityUrgent TicketPriority = "urgent"
)

func (p TicketPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type SupportTicket struct {
	ID         string         `json:"id"`
	RoomID     string         `json:"room_id"`
	CustomerID string         `json:"customer_id"`
	Subject    string         `json:"subject"`
	Category   string         `json:"category"`
	Priority   TicketPriority `json:"priority"`
	Status     TicketStatus   `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ChatRoom is the durable state of a room. Live subscriptions and typing
// indicators are not part of it.
type ChatRoom struct {
	ID        string          `json:"id"`
	Type      RoomType        `json:"type"`
	BookingID string          `json:"booking_id,omitempty"`
	Members   map[string]Role `json:"members"`
	Unread    map[string]int  `json:"unread,omitempty"`
	Archived  bool            `json:"archived"`
	CreatedAt time.Time       `json:"created_at"`
}
