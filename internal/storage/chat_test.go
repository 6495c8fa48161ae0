package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/garage-dispatch/internal/models"
)

func seedRoom(t *testing.T, s *MemoryMessageStore, id string) {
	t.Helper()
	require.NoError(t, s.SaveRoom(context.Background(), &models.ChatRoom{
		ID:      id,
		Type:    models.RoomBooking,
		Members: map[string]models.Role{"c1": models.RoleCustomer, "g1": models.RoleGarage},
	}))
}

func TestMemoryMessageStoreAppendThenList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()
	seedRoom(t, s, "booking_b1")

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendMessage(ctx, &models.Message{
			ID: fmt.Sprint("m", i), RoomID: "booking_b1", SenderID: "c1", Content: fmt.Sprint(i),
			CreatedAt: base.Add(time.Duration(i) * time.Second), ReadBy: []string{"c1"},
		}))
	}
	err := s.AppendMessage(ctx, &models.Message{ID: "x", RoomID: "booking_missing"})
	assert.True(t, errors.Is(err, models.ErrNotFound))

	all, err := s.ListMessages(ctx, "booking_b1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "m0", all[0].ID, "oldest first")

	recent, err := s.ListMessages(ctx, "booking_b1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, []string{"m3", "m4"}, []string{recent[0].ID, recent[1].ID})

	recent[0].ReadBy[0] = "mutated"
	again, _ := s.ListMessages(ctx, "booking_b1", 2)
	assert.Equal(t, "c1", again[0].ReadBy[0], "list returns copies")
}

func TestMemoryMessageStoreReadByUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()
	seedRoom(t, s, "booking_b1")
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendMessage(ctx, &models.Message{ID: fmt.Sprint(i), RoomID: "booking_b1", SenderID: "c1", ReadBy: []string{"c1"}}))
	}

	n, err := s.MarkMessagesRead(ctx, "booking_b1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = s.MarkMessagesRead(ctx, "booking_b1", "g1")
	require.NoError(t, err)
	assert.Zero(t, n, "already read")
	n, _ = s.MarkMessagesRead(ctx, "booking_b1", "c1")
	assert.Zero(t, n, "senders have read their own messages")

	msgs, _ := s.ListMessages(ctx, "booking_b1", 0)
	for _, m := range msgs {
		assert.ElementsMatch(t, []string{"c1", "g1"}, m.ReadBy)
	}
}

func TestMemoryMessageStoreRoomsAndTickets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessageStore()
	seedRoom(t, s, "booking_b1")

	r, err := s.GetRoom(ctx, "booking_b1")
	require.NoError(t, err)
	r.Members["intruder"] = models.RoleGarage
	r.Archived = true
	again, _ := s.GetRoom(ctx, "booking_b1")
	assert.NotContains(t, again.Members, "intruder")
	assert.False(t, again.Archived)

	require.NoError(t, s.SaveRoom(ctx, r))
	again, _ = s.GetRoom(ctx, "booking_b1")
	assert.True(t, again.Archived, "save overwrites")

	_, err = s.GetRoom(ctx, "nope")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	require.NoError(t, s.SaveTicket(ctx, &models.SupportTicket{ID: "t1", RoomID: "support_1", Status: models.TicketOpen}))
	tk, err := s.GetTicket(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketOpen, tk.Status)
	_, err = s.GetTicket(ctx, "t2")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}
