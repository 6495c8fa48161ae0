package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/garage-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

// Open connects to Postgres through lib/pq and pings once.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `id, customer_id, service, pickup_lat, pickup_lon, pickup_address, pickup_pincode,
	scheduled_for, status, winner_garage_id, mechanic_id, closed_for, payment_intent_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *models.Booking) error {
	svc, err := json.Marshal(b.Service)
	if err != nil {
		return fmt.Errorf("storage: encode service: %w", err)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO bookings(`+bookingColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),NULLIF($11,''),$12,$13,$14,$15)`,
		b.ID, b.CustomerID, svc, b.Pickup.Lat, b.Pickup.Lon, b.Pickup.Address, b.Pickup.Pincode,
		b.ScheduledFor, b.Status, b.WinnerGarageID, b.MechanicID, pq.Array(b.ClosedFor), b.PaymentIntentID,
		b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert booking %s: %w", b.ID, err)
	}
	for _, h := range b.History {
		if err := insertHistory(ctx, tx, b.ID, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: booking %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get booking %s: %w", id, err)
	}
	if b.History, err = p.history(ctx, id); err != nil {
		return nil, err
	}
	return b, nil
}

// Transition locks the row, validates the change with the shared rules and
// writes it guarded by the expected status, all in one transaction.
func (p *PostgresStore) Transition(ctx context.Context, c models.Change) (*models.Booking, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanBooking(tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1 FOR UPDATE`, c.BookingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("storage: booking %s: %w", c.BookingID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: lock booking %s: %w", c.BookingID, err)
	}
	now := time.Now().UTC()
	if err := c.Apply(cur, now); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE bookings SET status=$1, winner_garage_id=NULLIF($2,''), mechanic_id=NULLIF($3,''), updated_at=$4
		WHERE id=$5 AND status=$6`, cur.Status, cur.WinnerGarageID, cur.MechanicID, now, c.BookingID, c.From)
	if err != nil {
		return nil, fmt.Errorf("storage: update booking %s: %w", c.BookingID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &models.StaleStateError{BookingID: c.BookingID, Expected: c.From}
	}
	if err := insertHistory(ctx, tx, c.BookingID, cur.History[len(cur.History)-1]); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit: %w", err)
	}
	if cur.History, err = p.history(ctx, c.BookingID); err != nil {
		return nil, err
	}
	return cur, nil
}

func (p *PostgresStore) AddClosedFor(ctx context.Context, id, garageID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET closed_for = array_append(closed_for, $2)
		WHERE id=$1 AND NOT ($2 = ANY(closed_for))`, id, garageID)
	if err != nil {
		return fmt.Errorf("storage: close booking %s for %s: %w", id, garageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM bookings WHERE id=$1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("storage: booking %s: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("storage: booking %s: %w", id, models.ErrNotFound)
		}
	}
	return nil
}

func (p *PostgresStore) ListByCustomer(ctx context.Context, customerID string) ([]*models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE customer_id=$1 ORDER BY created_at DESC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("storage: list bookings: %w", err)
	}
	defer rows.Close()
	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan booking: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) history(ctx context.Context, id string) ([]models.StatusChange, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT from_status, to_status, actor_id, at FROM booking_status_history
		WHERE booking_id=$1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: history %s: %w", id, err)
	}
	defer rows.Close()
	var out []models.StatusChange
	for rows.Next() {
		var h models.StatusChange
		var from sql.NullString
		if err := rows.Scan(&from, &h.To, &h.ActorID, &h.At); err != nil {
			return nil, fmt.Errorf("storage: scan history: %w", err)
		}
		h.From = models.BookingStatus(from.String)
		out = append(out, h)
	}
	return out, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, bookingID string, h models.StatusChange) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO booking_status_history(booking_id, from_status, to_status, actor_id, at)
		VALUES($1, NULLIF($2,''), $3, $4, $5)`, bookingID, h.From, h.To, h.ActorID, h.At)
	if err != nil {
		return fmt.Errorf("storage: insert history %s: %w", bookingID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b             models.Booking
		svc           []byte
		winner, mech  sql.NullString
		paymentIntent sql.NullString
		closedFor     []string
	)
	err := row.Scan(&b.ID, &b.CustomerID, &svc, &b.Pickup.Lat, &b.Pickup.Lon, &b.Pickup.Address, &b.Pickup.Pincode,
		&b.ScheduledFor, &b.Status, &winner, &mech, pq.Array(&closedFor), &paymentIntent, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(svc) > 0 {
		if err := json.Unmarshal(svc, &b.Service); err != nil {
			return nil, fmt.Errorf("decode service: %w", err)
		}
	}
	b.WinnerGarageID = winner.String
	b.MechanicID = mech.String
	b.PaymentIntentID = paymentIntent.String
	b.ClosedFor = closedFor
	return &b, nil
}

var _ BookingStore = (*PostgresStore)(nil)
