package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/garage-dispatch/internal/models"
)

// BookingStore persists bookings. Transition is the system's only concurrency
// control: it must check the current status and write the new one atomically,
// failing with *models.StaleStateError on mismatch.
type BookingStore interface {
	Create(ctx context.Context, b *models.Booking) error
	Get(ctx context.Context, id string) (*models.Booking, error)
	Transition(ctx context.Context, c models.Change) (*models.Booking, error)
	AddClosedFor(ctx context.Context, id, garageID string) error
	ListByCustomer(ctx context.Context, customerID string) ([]*models.Booking, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bookings: make(map[string]*models.Booking), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, b *models.Booking) error {
	if b.ID == "" {
		return &models.ValidationError{Field: "id", Reason: "required"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bookings[b.ID]; exists {
		return fmt.Errorf("storage: booking %s already exists", b.ID)
	}
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("storage: booking %s: %w", id, models.ErrNotFound)
	}
	return b.Clone(), nil
}

func (m *MemoryStore) Transition(_ context.Context, c models.Change) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[c.BookingID]
	if !ok {
		return nil, fmt.Errorf("storage: booking %s: %w", c.BookingID, models.ErrNotFound)
	}
	next := cur.Clone()
	if err := c.Apply(next, m.now()); err != nil {
		return nil, err
	}
	m.bookings[c.BookingID] = next
	return next.Clone(), nil
}

func (m *MemoryStore) AddClosedFor(_ context.Context, id, garageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return fmt.Errorf("storage: booking %s: %w", id, models.ErrNotFound)
	}
	if !slices.Contains(b.ClosedFor, garageID) {
		b.ClosedFor = append(b.ClosedFor, garageID)
	}
	return nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID string) ([]*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Booking
	for _, b := range m.bookings {
		if b.CustomerID == customerID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ BookingStore = (*MemoryStore)(nil)
