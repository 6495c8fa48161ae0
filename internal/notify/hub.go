// Package notify is the in-process event fan-out plus durable per-participant
// notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/observability"
	"github.com/example/garage-dispatch/internal/protocol"
	"github.com/example/garage-dispatch/internal/storage"
)

// Topics published by the core.
const (
	TopicBookingStatus = "booking.status"
	TopicChatMessage   = "chat.message"
	TopicLocation      = "tracking.location"
	// TopicAll subscribes to every topic.
	TopicAll = "*"
)

// Sender delivers an event to a participant's live connections.
type Sender interface {
	Send(participantID string, ev protocol.Event) error
}

// Handler receives published events. It runs on the publisher's goroutine
// and must not block.
type Handler func(ctx context.Context, topic string, event any)

type subscription struct {
	id int
	fn Handler
}

// Record is the content of a durable notification.
type Record struct {
	Type    string
	Message string
	Payload map[string]any
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int

	store  storage.NotificationStore
	sender Sender
	logger *slog.Logger
	now    func() time.Time
}

func NewHub(store storage.NotificationStore, sender Sender, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string][]subscription),
		store:  store,
		sender: sender,
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// Subscribe registers fn for topic and returns a function that removes it.
func (h *Hub) Subscribe(topic string, fn Handler) (cancel func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[topic] = append(h.subs[topic], subscription{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.subs[topic]
		for i, s := range list {
			if s.id == id {
				h.subs[topic] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish hands event to every subscriber of topic, then to TopicAll
// subscribers, synchronously and in subscription order.
func (h *Hub) Publish(ctx context.Context, topic string, event any) {
	h.mu.RLock()
	targets := make([]subscription, 0, len(h.subs[topic])+len(h.subs[TopicAll]))
	targets = append(targets, h.subs[topic]...)
	if topic != TopicAll {
		targets = append(targets, h.subs[TopicAll]...)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.fn(ctx, topic, event)
	}
}

// Notify persists a notification for participantID and pushes it live. The
// record is written even when the participant is offline; a failed push is
// logged, not returned.
func (h *Hub) Notify(ctx context.Context, participantID string, r Record) (*models.Notification, error) {
	if participantID == "" {
		return nil, &models.ValidationError{Field: "participant_id", Reason: "required"}
	}
	n := &models.Notification{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		Type:          r.Type,
		Message:       r.Message,
		Payload:       r.Payload,
		CreatedAt:     h.now().UTC(),
	}
	if err := h.store.SaveNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("notify: save: %w", err)
	}
	observability.Notifications.WithLabelValues(r.Type).Inc()
	if err := h.sender.Send(participantID, protocol.Event{Type: protocol.Notification, Data: n}); err != nil {
		if errors.Is(err, models.ErrTransport) {
			h.logger.Debug("notification stored for offline participant", "participant", participantID, "type", r.Type)
		} else {
			h.logger.Warn("notification push failed", "participant", participantID, "error", err)
		}
	}
	return n, nil
}

func (h *Hub) List(ctx context.Context, participantID string, unreadOnly bool) ([]models.Notification, error) {
	return h.store.ListNotifications(ctx, participantID, unreadOnly)
}

func (h *Hub) MarkRead(ctx context.Context, participantID, id string) error {
	return h.store.MarkRead(ctx, participantID, id)
}

func (h *Hub) MarkAllRead(ctx context.Context, participantID string) (int, error) {
	return h.store.MarkAllRead(ctx, participantID)
}
