package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/garage-dispatch/internal/models"
)

const supportRoomPrefix = "support_"

type TicketRequest struct {
	Subject  string                `json:"subject"`
	Category string                `json:"category"`
	Priority models.TicketPriority `json:"priority"`
}

func (r *TicketRequest) Validate() error {
	r.Subject = strings.TrimSpace(r.Subject)
	if r.Subject == "" {
		return &models.ValidationError{Field: "subject", Reason: "required"}
	}
	if r.Priority == "" {
		r.Priority = models.PriorityMedium
	}
	if !r.Priority.Valid() {
		return &models.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", r.Priority)}
	}
	if r.Category == "" {
		r.Category = "general"
	}
	return nil
}

// OpenSupportTicket opens a ticket and its admin_support room with the
// requester as the only member. Admins join on demand.
func (m *Manager) OpenSupportTicket(ctx context.Context, requester models.Participant, req TicketRequest) (*models.SupportTicket, error) {
	if requester.Role == models.RoleAdmin {
		return nil, &models.NotEligibleError{ActorID: requester.ID, Resource: "support ticket", Reason: "admins cannot open tickets"}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	t := &models.SupportTicket{
		ID:         uuid.NewString(),
		RoomID:     supportRoomPrefix + uuid.NewString(),
		CustomerID: requester.ID,
		Subject:    req.Subject,
		Category:   req.Category,
		Priority:   req.Priority,
		Status:     models.TicketOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r := newRoom(t.RoomID, models.RoomAdminSupport, now)
	r.members[requester.ID] = requester.Role
	if err := m.store.SaveRoom(ctx, r.record()); err != nil {
		return nil, fmt.Errorf("chat: open ticket: %w", err)
	}
	if err := m.store.SaveTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("chat: open ticket: %w", err)
	}
	m.insert(r)

	m.logger.Info("support ticket opened", "ticket", t.ID, "room", t.RoomID, "priority", t.Priority)
	return t, nil
}

// UpdateTicketStatus changes a ticket's status. Only admins may do so;
// closing a ticket archives its room.
func (m *Manager) UpdateTicketStatus(ctx context.Context, actor models.Participant, ticketID string, status models.TicketStatus) (*models.SupportTicket, error) {
	if actor.Role != models.RoleAdmin {
		return nil, &models.NotEligibleError{ActorID: actor.ID, Resource: "ticket " + ticketID, Reason: "admin only"}
	}
	if !status.Valid() {
		return nil, &models.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	m.ticketMu.Lock()
	t, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		m.ticketMu.Unlock()
		return nil, fmt.Errorf("chat: ticket %s: %w", ticketID, err)
	}
	t.Status = status
	t.UpdatedAt = m.now().UTC()
	err = m.store.SaveTicket(ctx, t)
	m.ticketMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("chat: update ticket %s: %w", ticketID, err)
	}

	if status == models.TicketClosed {
		m.Archive(t.RoomID)
	}
	return t, nil
}

func (m *Manager) Ticket(ctx context.Context, ticketID string) (*models.SupportTicket, error) {
	t, err := m.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("chat: ticket %s: %w", ticketID, err)
	}
	return t, nil
}
