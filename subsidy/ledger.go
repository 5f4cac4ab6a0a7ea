package subsidy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/database"
	"github.com/mattn/go-sqlite3"
)

// Ledger stores one record per ramp and phase.
type Ledger interface {
	// Insert fails with ErrRecordExists when the ramp and phase already
	// carry a record.
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, rampID, phase string) (*Record, bool, error)
	// SetStatus settles a pending record.
	SetStatus(ctx context.Context, id string, status Status, at time.Time) error
	// SumFor adds up what a ramp received or has in flight in token over
	// all phases. Failed records do not count.
	SumFor(ctx context.Context, rampID string, token agreement.SubsidyToken) (*big.Int, error)
	List(ctx context.Context, rampID string) ([]*Record, error)
}

type sqlRecord struct {
	ID          string
	RampID      string
	Phase       string
	Network     string
	Token       string
	Payer       string
	Amount      string
	TxRef       string
	Status      string
	Tx          sql.NullString
	SubmittedAt int64
	PaidAt      sql.NullInt64
}

func (s *sqlRecord) encode(r *Record) (*sqlRecord, error) {
	s.ID = r.ID
	s.RampID = r.RampID
	s.Phase = r.Phase
	s.Network = string(r.Network)
	s.Token = string(r.Token)
	s.Payer = r.Payer
	s.Amount = r.Amount.String()
	s.TxRef = r.TxRef
	s.Status = string(r.Status)
	if r.Tx != nil {
		data, err := json.Marshal(r.Tx)
		if err != nil {
			return nil, err
		}
		s.Tx = sql.NullString{String: string(data), Valid: true}
	}
	s.SubmittedAt = r.SubmittedAt.UnixMilli()
	if r.PaidAt != nil {
		s.PaidAt = sql.NullInt64{Int64: r.PaidAt.UnixMilli(), Valid: true}
	}
	return s, nil
}

func (s *sqlRecord) dest() []interface{} {
	return []interface{}{&s.ID, &s.RampID, &s.Phase, &s.Network, &s.Token, &s.Payer, &s.Amount, &s.TxRef,
		&s.Status, &s.Tx, &s.SubmittedAt, &s.PaidAt}
}

func (s *sqlRecord) decode() (*Record, error) {
	amount, ok := new(big.Int).SetString(s.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("subsidy %s: bad amount %q", s.ID, s.Amount)
	}
	r := &Record{
		ID:          s.ID,
		RampID:      s.RampID,
		Phase:       s.Phase,
		Network:     agreement.Network(s.Network),
		Token:       agreement.SubsidyToken(s.Token),
		Payer:       s.Payer,
		Amount:      amount,
		TxRef:       s.TxRef,
		Status:      Status(s.Status),
		SubmittedAt: time.UnixMilli(s.SubmittedAt).UTC(),
	}
	if s.Tx.Valid {
		r.Tx = &agreement.PresignedTx{}
		if err := json.Unmarshal([]byte(s.Tx.String), r.Tx); err != nil {
			return nil, fmt.Errorf("subsidy %s: bad tx: %w", s.ID, err)
		}
	}
	if s.PaidAt.Valid {
		at := time.UnixMilli(s.PaidAt.Int64).UTC()
		r.PaidAt = &at
	}
	return r, nil
}

type SQLiteLedger struct {
	stmtCache *database.StmtCache
}

func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	if _, err := db.Exec(subsidyTable); err != nil {
		return nil, err
	}
	return &SQLiteLedger{stmtCache: database.NewStmtCache(db)}, nil
}

func (l *SQLiteLedger) Close() {
	l.stmtCache.Clear()
}

func (l *SQLiteLedger) Insert(ctx context.Context, r *Record) error {
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	query := `INSERT INTO subsidies (` + subsidyColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	row, err := (&sqlRecord{}).encode(r)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, row.ID, row.RampID, row.Phase, row.Network, row.Token, row.Payer, row.Amount, row.TxRef,
		row.Status, row.Tx, row.SubmittedAt, row.PaidAt)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s/%s", ErrRecordExists, r.RampID, r.Phase)
	}
	return err
}

func (l *SQLiteLedger) Get(ctx context.Context, rampID, phase string) (*Record, bool, error) {
	query := `SELECT ` + subsidyColumns + ` FROM subsidies WHERE rampId = ? AND phase = ?`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	row := &sqlRecord{}
	if err := stmt.QueryRowContext(ctx, rampID, phase).Scan(row.dest()...); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	r, err := row.decode()
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (l *SQLiteLedger) SetStatus(ctx context.Context, id string, status Status, at time.Time) error {
	var paidAt sql.NullInt64
	switch status {
	case StatusPaid:
		paidAt = sql.NullInt64{Int64: at.UnixMilli(), Valid: true}
	case StatusFailed:
	default:
		return fmt.Errorf("%w: cannot move to %q", ErrInvalidRequest, status)
	}
	query := `UPDATE subsidies SET status = ?, paidAt = ? WHERE id = ? AND status = 'pending'`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, string(status), paidAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	return nil
}

// Amounts are text, so the sum is taken here rather than in sql.
func (l *SQLiteLedger) SumFor(ctx context.Context, rampID string, token agreement.SubsidyToken) (*big.Int, error) {
	query := `SELECT amount FROM subsidies WHERE rampId = ? AND token = ? AND status != 'failed'`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, rampID, string(token))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sum := new(big.Int)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("bad subsidy amount %q", s)
		}
		sum.Add(sum, v)
	}
	return sum, rows.Err()
}

func (l *SQLiteLedger) List(ctx context.Context, rampID string) ([]*Record, error) {
	query := `SELECT ` + subsidyColumns + ` FROM subsidies WHERE rampId = ? ORDER BY submittedAt, phase`
	stmt, err := l.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, rampID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		row := &sqlRecord{}
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		r, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
