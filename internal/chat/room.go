package chat

import (
	"sync"
	"time"

	"github.com/example/garage-dispatch/internal/models"
)

// room caches the durable state of a chat room next to its live
// subscriptions and typing indicators. It is guarded by its own mutex; Send
// holds it across append and fan-out so every subscriber sees a sender's
// messages in the order they were sent.
type room struct {
	mu        sync.Mutex
	id        string
	typ       models.RoomType
	bookingID string
	createdAt time.Time
	members   map[string]models.Role
	active    map[string]bool
	unread    map[string]int
	typing    map[string]time.Time
	archived  bool
}

func newRoom(id string, typ models.RoomType, now time.Time) *room {
	return &room{
		id:        id,
		typ:       typ,
		createdAt: now,
		members:   make(map[string]models.Role),
		active:    make(map[string]bool),
		unread:    make(map[string]int),
		typing:    make(map[string]time.Time),
	}
}

func roomFromRecord(rec *models.ChatRoom) *room {
	r := newRoom(rec.ID, rec.Type, rec.CreatedAt)
	r.bookingID = rec.BookingID
	r.archived = rec.Archived
	for id, role := range rec.Members {
		r.members[id] = role
	}
	for id, n := range rec.Unread {
		r.unread[id] = n
	}
	return r
}

// record snapshots the durable part of r. The caller holds r.mu.
func (r *room) record() *models.ChatRoom {
	rec := &models.ChatRoom{
		ID:        r.id,
		Type:      r.typ,
		BookingID: r.bookingID,
		Members:   make(map[string]models.Role, len(r.members)),
		Unread:    make(map[string]int, len(r.unread)),
		Archived:  r.archived,
		CreatedAt: r.createdAt,
	}
	for id, role := range r.members {
		rec.Members[id] = role
	}
	for id, n := range r.unread {
		if n > 0 {
			rec.Unread[id] = n
		}
	}
	return rec
}

func (r *room) isMember(id string) bool {
	_, ok := r.members[id]
	return ok
}

// subscribers returns active subscribers except skip.
func (r *room) subscribers(skip string) []string {
	out := make([]string, 0, len(r.active))
	for id, on := range r.active {
		if on && id != skip {
			out = append(out, id)
		}
	}
	return out
}

// typers lists participants whose typing indicator has not expired at now.
func (r *room) typers(now time.Time) []string {
	var out []string
	for id, exp := range r.typing {
		if now.Before(exp) {
			out = append(out, id)
		}
	}
	return out
}

func bookingMembers(b *models.Booking) map[string]models.Role {
	m := map[string]models.Role{b.CustomerID: models.RoleCustomer}
	if b.WinnerGarageID != "" {
		m[b.WinnerGarageID] = models.RoleGarage
	}
	if b.MechanicID != "" {
		m[b.MechanicID] = models.RoleMechanic
	}
	return m
}
