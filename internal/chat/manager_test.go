package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/garage-dispatch/internal/models"
	"github.com/example/garage-dispatch/internal/protocol"
	"github.com/example/garage-dispatch/internal/storage"
	"github.com/example/garage-dispatch/internal/testutil"
)

var (
	customer = models.Participant{ID: "c1", Role: models.RoleCustomer}
	garage   = models.Participant{ID: "g1", Role: models.RoleGarage}
	mechanic = models.Participant{ID: "m1", Role: models.RoleMechanic}
	admin    = models.Participant{ID: "a1", Role: models.RoleAdmin}
	outsider = models.Participant{ID: "g2", Role: models.RoleGarage}
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T) (*Manager, *testutil.Outbox, *clock, string) {
	t.Helper()
	store := storage.NewMemoryStore()
	b := &models.Booking{ID: "b1", CustomerID: customer.ID, Status: models.StatusAccepted, WinnerGarageID: garage.ID}
	require.NoError(t, store.Create(context.Background(), b))

	out := testutil.NewOutbox()
	clk := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	m := NewManager(store, out, Options{TypingTTL: 3 * time.Second})
	m.now = clk.now
	return m, out, clk, models.BookingRoomID(b.ID)
}

func TestJoinLazilyCreatesBookingRoom(t *testing.T) {
	m, _, _, room := setup(t)
	ctx := context.Background()

	_, err := m.Join(ctx, room, customer)
	require.NoError(t, err)
	_, err = m.Join(ctx, room, customer)
	require.NoError(t, err, "join is idempotent")

	_, err = m.Join(ctx, room, outsider)
	assert.True(t, errors.Is(err, models.ErrNotEligible))

	_, err = m.Join(ctx, models.BookingRoomID("missing"), customer)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestUnreadCountsForNonSubscribedMembers(t *testing.T) {
	m, out, _, room := setup(t)
	ctx := context.Background()

	_, err := m.Join(ctx, room, customer)
	require.NoError(t, err)

	msg, err := m.Send(ctx, room, customer, "where are you?", "")
	require.NoError(t, err)
	assert.Equal(t, models.MessageText, msg.Type)

	assert.Equal(t, 0, m.Unread(room, customer.ID), "sender never counts its own message")
	assert.Equal(t, 1, m.Unread(room, garage.ID), "member not subscribed")
	assert.Equal(t, 1, out.Count(customer.ID, protocol.ReceiveMessage))
	assert.Zero(t, out.Count(garage.ID, protocol.ReceiveMessage))

	history, err := m.Join(ctx, room, garage)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 0, m.Unread(room, garage.ID), "join resets unread")

	_, err = m.Send(ctx, room, customer, "hello?", models.MessageText)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Unread(room, garage.ID), "active subscriber")
	assert.Equal(t, 1, out.Count(garage.ID, protocol.ReceiveMessage))

	m.Leave(room, garage.ID)
	_, err = m.Send(ctx, room, customer, "still there?", models.MessageText)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Unread(room, garage.ID), "membership survives leave")
}

func TestSendValidation(t *testing.T) {
	m, _, _, room := setup(t)
	ctx := context.Background()

	_, err := m.Send(ctx, room, customer, "   ", models.MessageText)
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = m.Send(ctx, room, customer, "hi", "video")
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = m.Send(ctx, room, outsider, "hi", models.MessageText)
	assert.True(t, errors.Is(err, models.ErrNotEligible))
}

func TestArchivedRoomRejectsSends(t *testing.T) {
	m, _, _, room := setup(t)
	ctx := context.Background()
	_, err := m.Send(ctx, room, customer, "thanks", models.MessageText)
	require.NoError(t, err)

	m.Archive(room)
	_, err = m.Send(ctx, room, garage, "bye", models.MessageText)
	assert.True(t, errors.Is(err, models.ErrNotEligible))

	history, err := m.History(ctx, room, garage, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "archived rooms stay readable")
}

func TestTypingExpiry(t *testing.T) {
	m, out, clk, room := setup(t)
	ctx := context.Background()
	_, err := m.Join(ctx, room, garage)
	require.NoError(t, err)

	require.NoError(t, m.SetTyping(ctx, room, customer))
	require.NoError(t, m.SetTyping(ctx, room, customer))
	assert.Equal(t, 1, out.Count(garage.ID, protocol.Typing), "refresh does not re-announce")
	assert.Equal(t, []string{customer.ID}, m.Typing(room))

	clk.advance(3 * time.Second)
	assert.Empty(t, m.Typing(room), "expired indicators are hidden before the sweep")

	assert.Equal(t, 1, m.Sweep(clk.now()))
	assert.Equal(t, 1, out.Count(garage.ID, protocol.StopTyping))
	assert.Equal(t, 0, m.Sweep(clk.now()))
}

func TestSendClearsTyping(t *testing.T) {
	m, out, _, room := setup(t)
	ctx := context.Background()
	_, err := m.Join(ctx, room, garage)
	require.NoError(t, err)

	require.NoError(t, m.SetTyping(ctx, room, customer))
	_, err = m.Send(ctx, room, customer, "on my way", models.MessageText)
	require.NoError(t, err)

	assert.Empty(t, m.Typing(room))
	assert.Equal(t, 1, out.Count(garage.ID, protocol.StopTyping))
}

func TestDisconnectDropsSubscriptionsAndTyping(t *testing.T) {
	m, out, _, room := setup(t)
	ctx := context.Background()
	_, err := m.Join(ctx, room, customer)
	require.NoError(t, err)
	_, err = m.Join(ctx, room, garage)
	require.NoError(t, err)
	require.NoError(t, m.SetTyping(ctx, room, garage))

	m.Disconnect(garage.ID)
	assert.Equal(t, 1, out.Count(customer.ID, protocol.StopTyping))

	_, err = m.Send(ctx, room, customer, "hello", models.MessageText)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Unread(room, garage.ID))
}

func TestMechanicJoinsAfterAssignment(t *testing.T) {
	m, _, _, room := setup(t)
	ctx := context.Background()

	_, err := m.Join(ctx, room, mechanic)
	require.True(t, errors.Is(err, models.ErrNotEligible))

	m.Provision(&models.Booking{ID: "b1", CustomerID: customer.ID, WinnerGarageID: garage.ID, MechanicID: mechanic.ID})
	_, err = m.Join(ctx, room, mechanic)
	assert.NoError(t, err)
}

func TestMarkRead(t *testing.T) {
	m, _, _, room := setup(t)
	ctx := context.Background()
	for _, text := range []string{"one", "two"} {
		_, err := m.Send(ctx, room, customer, text, models.MessageText)
		require.NoError(t, err)
	}
	n, err := m.MarkRead(ctx, room, garage)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, m.Unread(room, garage.ID))

	n, err = m.MarkRead(ctx, room, garage)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSupportTickets(t *testing.T) {
	m, _, _, _ := setup(t)
	ctx := context.Background()

	ticket, err := m.OpenSupportTicket(ctx, customer, TicketRequest{Subject: "refund", Priority: models.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, models.TicketOpen, ticket.Status)
	assert.Equal(t, "general", ticket.Category)

	_, err = m.Join(ctx, ticket.RoomID, outsider)
	assert.True(t, errors.Is(err, models.ErrNotEligible))
	_, err = m.Join(ctx, ticket.RoomID, admin)
	require.NoError(t, err)

	_, err = m.UpdateTicketStatus(ctx, customer, ticket.ID, models.TicketResolved)
	assert.True(t, errors.Is(err, models.ErrNotEligible))

	updated, err := m.UpdateTicketStatus(ctx, admin, ticket.ID, models.TicketClosed)
	require.NoError(t, err)
	assert.Equal(t, models.TicketClosed, updated.Status)
	assert.True(t, m.Archived(ticket.RoomID))

	_, err = m.UpdateTicketStatus(ctx, admin, "nope", models.TicketClosed)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestChatStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	bookings := storage.NewMemoryStore()
	require.NoError(t, bookings.Create(ctx, &models.Booking{ID: "b1", CustomerID: customer.ID, Status: models.StatusAccepted, WinnerGarageID: garage.ID}))
	messages := storage.NewMemoryMessageStore()
	room := models.BookingRoomID("b1")

	first := NewManager(bookings, testutil.NewOutbox(), Options{Store: messages})
	_, err := first.Send(ctx, room, customer, "brakes are squeaking", models.MessageText)
	require.NoError(t, err)
	ticket, err := first.OpenSupportTicket(ctx, customer, TicketRequest{Subject: "invoice"})
	require.NoError(t, err)
	_, err = first.UpdateTicketStatus(ctx, admin, ticket.ID, models.TicketClosed)
	require.NoError(t, err)

	second := NewManager(bookings, testutil.NewOutbox(), Options{Store: messages})
	assert.Equal(t, 1, second.Unread(room, garage.ID))
	history, err := second.History(ctx, room, garage, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "brakes are squeaking", history[0].Content)

	got, err := second.Ticket(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketClosed, got.Status)
	assert.True(t, second.Archived(ticket.RoomID))
	_, err = second.Send(ctx, ticket.RoomID, customer, "hello?", models.MessageText)
	assert.True(t, errors.Is(err, models.ErrNotEligible), "archived after restart")

	n, err := second.MarkRead(ctx, room, garage)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	third := NewManager(bookings, testutil.NewOutbox(), Options{Store: messages})
	assert.Zero(t, third.Unread(room, garage.ID))
}
