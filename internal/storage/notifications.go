package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/example/garage-dispatch/internal/models"
)

// NotificationStore keeps durable per-participant notifications so offline
// participants see them on next login.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, participantID string, unreadOnly bool) ([]models.Notification, error)
	MarkRead(ctx context.Context, participantID, id string) error
	MarkAllRead(ctx context.Context, participantID string) (int, error)
}

type MemoryNotificationStore struct {
	mu    sync.RWMutex
	items map[string][]*models.Notification // participantID -> oldest first
}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{items: make(map[string][]*models.Notification)}
}

func (m *MemoryNotificationStore) SaveNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.items[n.ParticipantID] = append(m.items[n.ParticipantID], &cp)
	return nil
}

func (m *MemoryNotificationStore) ListNotifications(_ context.Context, participantID string, unreadOnly bool) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	list := m.items[participantID]
	for i := len(list) - 1; i >= 0; i-- {
		if unreadOnly && list[i].Read {
			continue
		}
		out = append(out, *list[i])
	}
	return out, nil
}

// MarkRead is idempotent; a notification owned by someone else is NotFound.
func (m *MemoryNotificationStore) MarkRead(_ context.Context, participantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.items[participantID] {
		if n.ID == id {
			n.Read = true
			return nil
		}
	}
	return fmt.Errorf("storage: notification %s: %w", id, models.ErrNotFound)
}

func (m *MemoryNotificationStore) MarkAllRead(_ context.Context, participantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flipped := 0
	for _, n := range m.items[participantID] {
		if !n.Read {
			n.Read = true
			flipped++
		}
	}
	return flipped, nil
}

type PostgresNotificationStore struct {
	db *sql.DB
}

func NewPostgresNotificationStore(db *sql.DB) *PostgresNotificationStore {
	return &PostgresNotificationStore{db: db}
}

func (p *PostgresNotificationStore) SaveNotification(ctx context.Context, n *models.Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("storage: encode payload: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO notifications(id, participant_id, type, message, payload, read, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`, n.ID, n.ParticipantID, n.Type, n.Message, payload, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert notification: %w", err)
	}
	return nil
}

func (p *PostgresNotificationStore) ListNotifications(ctx context.Context, participantID string, unreadOnly bool) ([]models.Notification, error) {
	q := `SELECT id, participant_id, type, message, payload, read, created_at FROM notifications WHERE participant_id=$1`
	if unreadOnly {
		q += ` AND NOT read`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, participantID)
	if err != nil {
		return nil, fmt.Errorf("storage: list notifications: %w", err)
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var payload []byte
		if err := rows.Scan(&n.ID, &n.ParticipantID, &n.Type, &n.Message, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan notification: %w", err)
		}
		if n.Payload, err = decodePayload(payload); err != nil {
			return nil, fmt.Errorf("storage: notification %s payload: %w", n.ID, err)
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, rows.Err()
}

func (p *PostgresNotificationStore) MarkRead(ctx context.Context, participantID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET read=TRUE WHERE id=$1 AND participant_id=$2`, id, participantID)
	if err != nil {
		return fmt.Errorf("storage: mark read %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: notification %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (p *PostgresNotificationStore) MarkAllRead(ctx context.Context, participantID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET read=TRUE WHERE participant_id=$1 AND NOT read`, participantID)
	if err != nil {
		return 0, fmt.Errorf("storage: mark all read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

var (
	_ NotificationStore = (*MemoryNotificationStore)(nil)
	_ NotificationStore = (*PostgresNotificationStore)(nil)
)

func decodePayload(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
