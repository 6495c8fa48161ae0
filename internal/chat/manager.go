// Package chat manages booking and support chat rooms: membership, message
// delivery, unread counters and typing indicators.
package chat

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

	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/observability"
	"github.com/example/garage-dispatch/internal/protocol"
	"github.com/example/garage-dispatch/internal/storage"
)

const (
	DefaultTypingTTL    = 5 * time.Second
	DefaultHistoryLimit = 50
	maxContentLength    = 4000
)

// TopicMessage is the fan-out topic every stored message is published on.
const TopicMessage = "chat.message"

type Sender interface {
	Send(participantID string, ev protocol.Event) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, event any)
}

// BookingReader resolves booking rooms to their participants.
type BookingReader interface {
	Get(ctx context.Context, id string) (*models.Booking, error)
}

type Options struct {
	TypingTTL    time.Duration
	HistoryLimit int
	// Store keeps rooms, messages and tickets; nil keeps them in memory.
	Store     storage.MessageStore
	Publisher Publisher
	Logger    *slog.Logger
}

type Manager struct {
	mu       sync.Mutex
	rooms    map[string]*room
	ticketMu sync.Mutex

	store    storage.MessageStore
	bookings BookingReader
	sender   Sender
	pub      Publisher
	ttl      time.Duration
	history  int
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(bookings BookingReader, sender Sender, opts Options) *Manager {
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryMessageStore()
	}
	return &Manager{
		rooms:    make(map[string]*room),
		store:    opts.Store,
		bookings: bookings,
		sender:   sender,
		pub:      opts.Publisher,
		ttl:      opts.TypingTTL,
		history:  opts.HistoryLimit,
		logger:   opts.Logger.With("component", "chat"),
		now:      time.Now,
	}
}

// Provision creates or refreshes the chat room of b so that its customer,
// winning garage and mechanic are members.
func (m *Manager) Provision(b *models.Booking) string {
	id := models.BookingRoomID(b.ID)
	ctx := context.Background()
	r, err := m.load(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		m.logger.Error("load room", "room", id, "error", err)
	}
	created := r == nil
	if created {
		fresh := newRoom(id, models.RoomBooking, m.now().UTC())
		fresh.bookingID = b.ID
		r = m.insert(fresh)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	changed := created
	for pid, role := range bookingMembers(b) {
		if r.members[pid] != role {
			r.members[pid] = role
			changed = true
		}
	}
	if changed {
		m.persistLocked(ctx, r)
	}
	return id
}

// Join subscribes p to roomID, resets its unread counter and returns the
// recent history. Joining twice is harmless.
func (m *Manager) Join(ctx context.Context, roomID string, p models.Participant) ([]models.Message, error) {
	r, err := m.memberRoom(ctx, roomID, p)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[p.ID] = true
	if r.unread[p.ID] != 0 {
		r.unread[p.ID] = 0
		m.persistLocked(ctx, r)
	}
	history, err := m.store.ListMessages(ctx, roomID, m.history)
	if err != nil {
		return nil, fmt.Errorf("chat: history %s: %w", roomID, err)
	}
	return history, nil
}

// Leave ends the live subscription. Membership stays, so later messages
// count as unread.
func (m *Manager) Leave(roomID, participantID string) {
	r := m.lookup(roomID)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.active, participantID)
	wasTyping := m.clearTypingLocked(r, participantID)
	subs := r.subscribers(participantID)
	r.mu.Unlock()
	if wasTyping {
		m.fanOut(subs, protocol.Event{Type: protocol.StopTyping, Data: protocol.TypingPayload{RoomID: roomID, ParticipantID: participantID}})
	}
}

// Send stores a message and delivers it to the room's active subscribers.
// Members who are not subscribed get their unread counter incremented.
func (m *Manager) Send(ctx context.Context, roomID string, sender models.Participant, content string, typ models.MessageType) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &models.ValidationError{Field: "content", Reason: "required"}
	}
	if len(content) > maxContentLength {
		return nil, &models.ValidationError{Field: "content", Reason: fmt.Sprintf("longer than %d bytes", maxContentLength)}
	}
	if typ == "" {
		typ = models.MessageText
	}
	if !typ.Valid() {
		return nil, &models.ValidationError{Field: "message_type", Reason: fmt.Sprintf("unknown type %q", typ)}
	}
	r, err := m.memberRoom(ctx, roomID, sender)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.archived {
		r.mu.Unlock()
		return nil, &models.NotEligibleError{ActorID: sender.ID, Resource: roomID, Reason: "room archived"}
	}
	msg := models.Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   sender.ID,
		SenderRole: sender.Role,
		Content:    content,
		Type:       typ,
		CreatedAt:  m.now().UTC(),
		ReadBy:     []string{sender.ID},
	}
	if err := m.store.AppendMessage(ctx, &msg); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("chat: store message in %s: %w", roomID, err)
	}
	bumped := false
	for pid := range r.members {
		if pid != sender.ID && !r.active[pid] {
			r.unread[pid]++
			bumped = true
		}
	}
	if bumped {
		m.persistLocked(ctx, r)
	}
	wasTyping := m.clearTypingLocked(r, sender.ID)
	subs := r.subscribers("")
	if wasTyping {
		m.fanOut(r.subscribers(sender.ID), protocol.Event{Type: protocol.StopTyping, Data: protocol.TypingPayload{RoomID: roomID, ParticipantID: sender.ID}})
	}
	m.fanOut(subs, protocol.Event{Type: protocol.ReceiveMessage, Data: msg})
	typLabel := string(r.typ)
	r.mu.Unlock()

	observability.ChatMessages.WithLabelValues(typLabel).Inc()
	if m.pub != nil {
		m.pub.Publish(ctx, TopicMessage, msg)
	}
	out := msg
	out.ReadBy = append([]string(nil), msg.ReadBy...)
	return &out, nil
}

// SetTyping marks p as typing until the configured TTL elapses. Repeated
// calls extend the expiry and emit a single typing event.
func (m *Manager) SetTyping(ctx context.Context, roomID string, p models.Participant) error {
	r, err := m.memberRoom(ctx, roomID, p)
	if err != nil {
		return err
	}
	now := m.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.archived {
		return &models.NotEligibleError{ActorID: p.ID, Resource: roomID, Reason: "room archived"}
	}
	exp, ok := r.typing[p.ID]
	r.typing[p.ID] = now.Add(m.ttl)
	if ok && now.Before(exp) {
		return nil
	}
	m.fanOut(r.subscribers(p.ID), protocol.Event{Type: protocol.Typing, Data: protocol.TypingPayload{RoomID: roomID, ParticipantID: p.ID}})
	return nil
}

func (m *Manager) ClearTyping(ctx context.Context, roomID string, p models.Participant) error {
	r, err := m.memberRoom(ctx, roomID, p)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.clearTypingLocked(r, p.ID) {
		m.fanOut(r.subscribers(p.ID), protocol.Event{Type: protocol.StopTyping, Data: protocol.TypingPayload{RoomID: roomID, ParticipantID: p.ID}})
	}
	return nil
}

// Typing returns the participants currently typing in roomID. Expired
// indicators are filtered out even if Sweep has not run yet.
func (m *Manager) Typing(roomID string) []string {
	r := m.lookup(roomID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.typers(m.now())
	sort.Strings(out)
	return out
}

// Sweep drops typing indicators that expired at or before now and emits
// stopTyping for each. It returns how many were dropped.
func (m *Manager) Sweep(now time.Time) int {
	dropped := 0
	for _, r := range m.snapshot() {
		r.mu.Lock()
		for pid, exp := range r.typing {
			if now.Before(exp) {
				continue
			}
			delete(r.typing, pid)
			dropped++
			m.fanOut(r.subscribers(pid), protocol.Event{Type: protocol.StopTyping, Data: protocol.TypingPayload{RoomID: r.id, ParticipantID: pid}})
		}
		r.mu.Unlock()
	}
	return dropped
}

// MarkRead marks every message in roomID as read by p and resets its
// unread counter. It returns the number of messages newly marked.
func (m *Manager) MarkRead(ctx context.Context, roomID string, p models.Participant) (int, error) {
	r, err := m.memberRoom(ctx, roomID, p)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	marked, err := m.store.MarkMessagesRead(ctx, roomID, p.ID)
	if err != nil {
		return 0, fmt.Errorf("chat: mark read %s: %w", roomID, err)
	}
	if r.unread[p.ID] != 0 {
		r.unread[p.ID] = 0
		m.persistLocked(ctx, r)
	}
	return marked, nil
}

// History returns up to limit of the most recent messages; limit <= 0
// returns all of them.
func (m *Manager) History(ctx context.Context, roomID string, p models.Participant, limit int) ([]models.Message, error) {
	_, err := m.memberRoom(ctx, roomID, p)
	if err != nil {
		return nil, err
	}
	history, err := m.store.ListMessages(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: history %s: %w", roomID, err)
	}
	return history, nil
}

func (m *Manager) Unread(roomID, participantID string) int {
	r, _ := m.load(context.Background(), roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[participantID]
}

// Archive makes roomID read-only. Archiving twice is a no-op.
func (m *Manager) Archive(roomID string) {
	ctx := context.Background()
	r, err := m.load(ctx, roomID)
	if r == nil {
		if !errors.Is(err, models.ErrNotFound) {
			m.logger.Error("load room", "room", roomID, "error", err)
		}
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.archived {
		return
	}
	r.archived = true
	m.persistLocked(ctx, r)
	for pid := range r.typing {
		delete(r.typing, pid)
		m.fanOut(r.subscribers(pid), protocol.Event{Type: protocol.StopTyping, Data: protocol.TypingPayload{RoomID: r.id, ParticipantID: pid}})
	}
	m.logger.Info("room archived", "room", roomID)
}

func (m *Manager) Archived(roomID string) bool {
	r, _ := m.load(context.Background(), roomID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.archived
}

// Disconnect is the presence hook for a participant whose last connection
// closed: it ends every live subscription and clears typing indicators.
func (m *Manager) Disconnect(participantID string) {
	for _, r := range m.snapshot() {
		r.mu.Lock()
		delete(r.active, participantID)
		if m.clearTypingLocked(r, participantID) {
			m.fanOut(r.subscribers(participantID), protocol.Event{Type: protocol.StopTyping, Data: protocol.TypingPayload{RoomID: r.id, ParticipantID: participantID}})
		}
		r.mu.Unlock()
	}
}

func (m *Manager) lookup(roomID string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID]
}

// load returns the cached room or hydrates it from the store.
func (m *Manager) load(ctx context.Context, roomID string) (*room, error) {
	if r := m.lookup(roomID); r != nil {
		return r, nil
	}
	rec, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return m.insert(roomFromRecord(rec)), nil
}

// insert caches r unless another goroutine cached the same room first, in
// which case that room is returned.
func (m *Manager) insert(r *room) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[r.id]; ok {
		return cur
	}
	m.rooms[r.id] = r
	return r
}

// persistLocked writes the durable state of r. Live delivery does not
// depend on it, so a failure is logged. The caller holds r.mu.
func (m *Manager) persistLocked(ctx context.Context, r *room) {
	if err := m.store.SaveRoom(ctx, r.record()); err != nil {
		m.logger.Error("persist room", "room", r.id, "error", err)
	}
}

func (m *Manager) snapshot() []*room {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

// memberRoom resolves roomID and checks that p may act in it. Booking rooms
// are created lazily and their membership refreshed from the booking, so a
// mechanic assigned after the room opened can join. Admins may enter any
// room and become members on first access.
func (m *Manager) memberRoom(ctx context.Context, roomID string, p models.Participant) (*room, error) {
	if roomID == "" {
		return nil, &models.ValidationError{Field: "room_id", Reason: "required"}
	}
	r, err := m.load(ctx, roomID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("chat: load room %s: %w", roomID, err)
	}
	if r != nil {
		r.mu.Lock()
		ok := r.isMember(p.ID)
		r.mu.Unlock()
		if ok {
			return r, nil
		}
	}

	if bookingID, isBooking := models.BookingIDFromRoom(roomID); isBooking && m.bookings != nil {
		b, err := m.bookings.Get(ctx, bookingID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("chat: room %s: %w", roomID, models.ErrNotFound)
		case err != nil:
			return nil, fmt.Errorf("chat: load booking %s: %w", bookingID, err)
		}
		m.Provision(b)
		r = m.lookup(roomID)
	}
	if r == nil {
		return nil, fmt.Errorf("chat: room %s: %w", roomID, models.ErrNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isMember(p.ID) {
		return r, nil
	}
	if p.Role == models.RoleAdmin {
		r.members[p.ID] = models.RoleAdmin
		m.persistLocked(ctx, r)
		return r, nil
	}
	return nil, &models.NotEligibleError{ActorID: p.ID, Resource: roomID, Reason: "not a member"}
}

func (m *Manager) clearTypingLocked(r *room, participantID string) bool {
	exp, ok := r.typing[participantID]
	if !ok {
		return false
	}
	delete(r.typing, participantID)
	return m.now().Before(exp)
}

func (m *Manager) fanOut(ids []string, ev protocol.Event) {
	for _, id := range ids {
		if err := m.sender.Send(id, ev); err != nil {
			m.logger.Debug("chat event undelivered", "participant", id, "type", ev.Type, "error", err)
		}
	}
}
