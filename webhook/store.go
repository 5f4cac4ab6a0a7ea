package webhook

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/TEENet-io/ramp-go/database"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is one event on its way to the partner endpoint.
type Delivery struct {
	ID          string
	Event       *Event
	Status      DeliveryStatus
	Attempt     int
	MaxAttempts int
	NextRetryAt *time.Time
	LastError   string
	CreatedAt   time.Time
}

type Store interface {
	Insert(ctx context.Context, d *Delivery) error
	// Due lists pending deliveries whose next attempt is at or before now,
	// oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	Update(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, bool, error)
}

type sqlDelivery struct {
	ID            string
	EventType     string
	TransactionID string
	Event         string
	Status        string
	Attempt       int
	MaxAttempts   int
	NextRetryAt   sql.NullInt64
	LastError     string
	CreatedAt     int64
}

func (s *sqlDelivery) encode(d *Delivery) (*sqlDelivery, error) {
	ev, err := json.Marshal(d.Event)
	if err != nil {
		return nil, err
	}
	s.ID = d.ID
	s.EventType = string(d.Event.EventType)
	s.TransactionID = d.Event.Payload.TransactionID
	s.Event = string(ev)
	s.Status = string(d.Status)
	s.Attempt = d.Attempt
	s.MaxAttempts = d.MaxAttempts
	if d.NextRetryAt != nil {
		s.NextRetryAt = sql.NullInt64{Int64: d.NextRetryAt.UnixMilli(), Valid: true}
	}
	s.LastError = d.LastError
	s.CreatedAt = d.CreatedAt.UnixMilli()
	return s, nil
}

func (s *sqlDelivery) dest() []interface{} {
	return []interface{}{
		&s.ID, &s.EventType, &s.TransactionID, &s.Event, &s.Status,
		&s.Attempt, &s.MaxAttempts, &s.NextRetryAt, &s.LastError, &s.CreatedAt,
	}
}

func (s *sqlDelivery) decode() (*Delivery, error) {
	ev := &Event{}
	if err := json.Unmarshal([]byte(s.Event), ev); err != nil {
		return nil, err
	}
	d := &Delivery{
		ID:          s.ID,
		Event:       ev,
		Status:      DeliveryStatus(s.Status),
		Attempt:     s.Attempt,
		MaxAttempts: s.MaxAttempts,
		LastError:   s.LastError,
		CreatedAt:   time.UnixMilli(s.CreatedAt).UTC(),
	}
	if s.NextRetryAt.Valid {
		at := time.UnixMilli(s.NextRetryAt.Int64).UTC()
		d.NextRetryAt = &at
	}
	return d, nil
}

type SQLiteStore struct {
	stmtCache *database.StmtCache
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(deliveryTable); err != nil {
		return nil, err
	}
	return &SQLiteStore{stmtCache: database.NewStmtCache(db)}, nil
}

func (s *SQLiteStore) Close() {
	s.stmtCache.Clear()
}

func (s *SQLiteStore) Insert(ctx context.Context, d *Delivery) error {
	stmt, err := s.stmtCache.Prepare(`INSERT INTO webhook_deliveries (` + deliveryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	row, err := (&sqlDelivery{}).encode(d)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, row.ID, row.EventType, row.TransactionID, row.Event, row.Status,
		row.Attempt, row.MaxAttempts, row.NextRetryAt, row.LastError, row.CreatedAt)
	return err
}

func (s *SQLiteStore) Due(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	stmt, err := s.stmtCache.Prepare(`SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE status = 'pending' AND (nextRetryAt IS NULL OR nextRetryAt <= ?)
		ORDER BY createdAt, id LIMIT ?`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		row := &sqlDelivery{}
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		d, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, d *Delivery) error {
	stmt, err := s.stmtCache.Prepare(`UPDATE webhook_deliveries
		SET status = ?, attempt = ?, nextRetryAt = ?, lastError = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	row, err := (&sqlDelivery{}).encode(d)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, row.Status, row.Attempt, row.NextRetryAt, row.LastError, row.ID)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Delivery, bool, error) {
	stmt, err := s.stmtCache.Prepare(`SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = ?`)
	if err != nil {
		return nil, false, err
	}
	row := &sqlDelivery{}
	if err := stmt.QueryRowContext(ctx, id).Scan(row.dest()...); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	d, err := row.decode()
	if err != nil {
		return nil, false, err
	}
	return d, true, nil
}
