package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/garage-dispatch/internal/models"
)

func pendingBooking(id string) *models.Booking {
	now := time.Now()
	return &models.Booking{ID: id, CustomerID: "c1", Status: models.StatusPending, CreatedAt: now, UpdatedAt: now}
}

func garage(id string) models.Participant { return models.Participant{ID: id, Role: models.RoleGarage} }

func TestMemoryStoreConcurrentAcceptExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, pendingBooking("b1")))

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		stale   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(g string) {
			defer wg.Done()
			_, err := s.Transition(ctx, models.Change{BookingID: "b1", From: models.StatusPending, To: models.StatusAccepted, Actor: garage(g)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, g)
			case errors.Is(err, models.ErrStaleState):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("g%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, stale)
	b, err := s.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, winners[0], b.WinnerGarageID)
	assert.Equal(t, models.StatusAccepted, b.Status)
}

func TestMemoryStoreRejectsTransitionsOutOfTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, pendingBooking("b1")))
	_, err := s.Transition(ctx, models.Change{BookingID: "b1", From: models.StatusPending, To: models.StatusCancelled, Actor: models.Participant{ID: "c1", Role: models.RoleCustomer}})
	require.NoError(t, err)

	_, err = s.Transition(ctx, models.Change{BookingID: "b1", From: models.StatusCancelled, To: models.StatusAccepted, Actor: garage("g1")})
	assert.True(t, errors.Is(err, models.ErrStaleState))
	_, err = s.Transition(ctx, models.Change{BookingID: "b1", From: models.StatusPending, To: models.StatusAccepted, Actor: garage("g1")})
	assert.True(t, errors.Is(err, models.ErrStaleState))
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, pendingBooking("b1")))
	b, _ := s.Get(ctx, "b1")
	b.Status = models.StatusCompleted
	again, _ := s.Get(ctx, "b1")
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestMemoryStoreAddClosedForIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, pendingBooking("b1")))
	require.NoError(t, s.AddClosedFor(ctx, "b1", "g1"))
	require.NoError(t, s.AddClosedFor(ctx, "b1", "g1"))
	b, _ := s.Get(ctx, "b1")
	assert.Equal(t, []string{"g1"}, b.ClosedFor)
	assert.True(t, errors.Is(s.AddClosedFor(ctx, "nope", "g1"), models.ErrNotFound))
}

func TestMemoryNotificationStoreReadFlags(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNotificationStore()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveNotification(ctx, &models.Notification{ID: fmt.Sprint(i), ParticipantID: "c1", Type: "t"}))
	}
	require.NoError(t, s.MarkRead(ctx, "c1", "1"))
	require.NoError(t, s.MarkRead(ctx, "c1", "1"))
	assert.True(t, errors.Is(s.MarkRead(ctx, "c2", "1"), models.ErrNotFound))

	unread, _ := s.ListNotifications(ctx, "c1", true)
	assert.Len(t, unread, 2)
	assert.Equal(t, "2", unread[0].ID, "newest first")

	n, err := s.MarkAllRead(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, _ = s.MarkAllRead(ctx, "c1")
	assert.Zero(t, n)
}

func TestDecodePayloadReportsCorruptJSON(t *testing.T) {
	got, err := decodePayload([]byte(`{"booking_id":"b1"}`))
	require.NoError(t, err)
	assert.Equal(t, "b1", got["booking_id"])

	got, err = decodePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = decodePayload([]byte(`{"booking_id":`))
	assert.Error(t, err)
}
