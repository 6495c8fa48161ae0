package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/example/garage-dispatch/internal/models"
)

// MessageStore keeps chat rooms, their message log and support tickets.
// Rooms are never deleted, only archived.
type MessageStore interface {
	SaveRoom(ctx context.Context, r *models.ChatRoom) error
	GetRoom(ctx context.Context, id string) (*models.ChatRoom, error)
	AppendMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns the last limit messages of roomID oldest first;
	// limit <= 0 returns all of them.
	ListMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error)
	// MarkMessagesRead adds participantID to the read-by set of every message
	// in roomID and returns how many messages changed.
	MarkMessagesRead(ctx context.Context, roomID, participantID string) (int, error)
	SaveTicket(ctx context.Context, t *models.SupportTicket) error
	GetTicket(ctx context.Context, id string) (*models.SupportTicket, error)
}

type MemoryMessageStore struct {
	mu       sync.RWMutex
	rooms    map[string]*models.ChatRoom
	messages map[string][]models.Message // roomID -> oldest first
	tickets  map[string]models.SupportTicket
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		rooms:    make(map[string]*models.ChatRoom),
		messages: make(map[string][]models.Message),
		tickets:  make(map[string]models.SupportTicket),
	}
}

func (m *MemoryMessageStore) SaveRoom(_ context.Context, r *models.ChatRoom) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[r.ID] = copyRoom(r)
	return nil
}

func (m *MemoryMessageStore) GetRoom(_ context.Context, id string) (*models.ChatRoom, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("storage: room %s: %w", id, models.ErrNotFound)
	}
	return copyRoom(r), nil
}

func (m *MemoryMessageStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[msg.RoomID]; !ok {
		return fmt.Errorf("storage: room %s: %w", msg.RoomID, models.ErrNotFound)
	}
	cp := *msg
	cp.ReadBy = append([]string(nil), msg.ReadBy...)
	m.messages[msg.RoomID] = append(m.messages[msg.RoomID], cp)
	return nil
}

func (m *MemoryMessageStore) ListMessages(_ context.Context, roomID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.messages[roomID]
	start := 0
	if limit > 0 && len(list) > limit {
		start = len(list) - limit
	}
	out := make([]models.Message, 0, len(list)-start)
	for _, msg := range list[start:] {
		msg.ReadBy = append([]string(nil), msg.ReadBy...)
		out = append(out, msg)
	}
	return out, nil
}

func (m *MemoryMessageStore) MarkMessagesRead(_ context.Context, roomID, participantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marked := 0
	list := m.messages[roomID]
	for i := range list {
		if !containsString(list[i].ReadBy, participantID) {
			list[i].ReadBy = append(list[i].ReadBy, participantID)
			marked++
		}
	}
	return marked, nil
}

func (m *MemoryMessageStore) SaveTicket(_ context.Context, t *models.SupportTicket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.ID] = *t
	return nil
}

func (m *MemoryMessageStore) GetTicket(_ context.Context, id string) (*models.SupportTicket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, fmt.Errorf("storage: ticket %s: %w", id, models.ErrNotFound)
	}
	return &t, nil
}

func copyRoom(r *models.ChatRoom) *models.ChatRoom {
	cp := *r
	cp.Members = make(map[string]models.Role, len(r.Members))
	for k, v := range r.Members {
		cp.Members[k] = v
	}
	cp.Unread = make(map[string]int, len(r.Unread))
	for k, v := range r.Unread {
		cp.Unread[k] = v
	}
	return &cp
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type PostgresMessageStore struct {
	db *sql.DB
}

func NewPostgresMessageStore(db *sql.DB) *PostgresMessageStore {
	return &PostgresMessageStore{db: db}
}

func (p *PostgresMessageStore) SaveRoom(ctx context.Context, r *models.ChatRoom) error {
	members, err := json.Marshal(r.Members)
	if err != nil {
		return fmt.Errorf("storage: encode members: %w", err)
	}
	unread, err := json.Marshal(r.Unread)
	if err != nil {
		return fmt.Errorf("storage: encode unread: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO chat_rooms(id, type, booking_id, members, unread, archived, created_at)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET members=EXCLUDED.members, unread=EXCLUDED.unread, archived=EXCLUDED.archived`,
		r.ID, r.Type, r.BookingID, members, unread, r.Archived, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: save room %s: %w", r.ID, err)
	}
	return nil
}

func (p *PostgresMessageStore) GetRoom(ctx context.Context, id string) (*models.ChatRoom, error) {
	var (
		r               models.ChatRoom
		bookingID       sql.NullString
		members, unread []byte
	)
	err := p.db.QueryRowContext(ctx, `SELECT id, type, booking_id, members, unread, archived, created_at FROM chat_rooms WHERE id=$1`, id).
		Scan(&r.ID, &r.Type, &bookingID, &members, &unread, &r.Archived, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: room %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get room %s: %w", id, err)
	}
	r.BookingID = bookingID.String
	if err := json.Unmarshal(members, &r.Members); err != nil {
		return nil, fmt.Errorf("storage: room %s members: %w", id, err)
	}
	if err := json.Unmarshal(unread, &r.Unread); err != nil {
		return nil, fmt.Errorf("storage: room %s unread: %w", id, err)
	}
	return &r, nil
}

func (p *PostgresMessageStore) AppendMessage(ctx context.Context, m *models.Message) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO chat_messages(id, room_id, sender_id, sender_role, content, type, read_by, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.RoomID, m.SenderID, m.SenderRole, m.Content, m.Type, pq.Array(m.ReadBy), m.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: append message to %s: %w", m.RoomID, err)
	}
	return nil
}

func (p *PostgresMessageStore) ListMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	// A NULL limit means no limit.
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id, room_id, sender_id, sender_role, content, type, read_by, created_at FROM (
			SELECT * FROM chat_messages WHERE room_id=$1 ORDER BY seq DESC LIMIT $2
		) recent ORDER BY seq`, roomID, lim)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages %s: %w", roomID, err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderRole, &m.Content, &m.Type, pq.Array(&m.ReadBy), &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresMessageStore) MarkMessagesRead(ctx context.Context, roomID, participantID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE chat_messages SET read_by=array_append(read_by, $2)
		WHERE room_id=$1 AND NOT ($2 = ANY(read_by))`, roomID, participantID)
	if err != nil {
		return 0, fmt.Errorf("storage: mark messages read %s: %w", roomID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresMessageStore) SaveTicket(ctx context.Context, t *models.SupportTicket) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO support_tickets(id, room_id, customer_id, subject, category, priority, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, priority=EXCLUDED.priority, updated_at=EXCLUDED.updated_at`,
		t.ID, t.RoomID, t.CustomerID, t.Subject, t.Category, t.Priority, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: save ticket %s: %w", t.ID, err)
	}
	return nil
}

func (p *PostgresMessageStore) GetTicket(ctx context.Context, id string) (*models.SupportTicket, error) {
	var t models.SupportTicket
	err := p.db.QueryRowContext(ctx, `SELECT id, room_id, customer_id, subject, category, priority, status, created_at, updated_at
		FROM support_tickets WHERE id=$1`, id).
		Scan(&t.ID, &t.RoomID, &t.CustomerID, &t.Subject, &t.Category, &t.Priority, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: ticket %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get ticket %s: %w", id, err)
	}
	return &t, nil
}
