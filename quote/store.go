package quote

import (
	"context"
	"database/sql"
	"time"

	"github.com/TEENet-io/ramp-go/database"
)

// Store persists quote tickets.
type Store interface {
	Insert(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, bool, error)
	// CompareAndSetStatus moves id from `from` to `to`, false if the ticket
	// was not in `from`.
	CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error)
	// ExpirePending marks pending tickets that expired before now.
	ExpirePending(ctx context.Context, now time.Time) (int64, error)
}

type SQLiteStore struct {
	stmtCache *database.StmtCache
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(quoteTable); err != nil {
		return nil, err
	}
	return &SQLiteStore{stmtCache: database.NewStmtCache(db)}, nil
}

func (s *SQLiteStore) Close() {
	s.stmtCache.Clear()
}

func (s *SQLiteStore) Insert(ctx context.Context, t *Ticket) error {
	query := `INSERT INTO quote_tickets (` + quoteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := s.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	row := (&sqlTicket{}).encode(t)
	_, err = stmt.ExecContext(ctx, row.args()...)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Ticket, bool, error) {
	query := `SELECT ` + quoteColumns + ` FROM quote_tickets WHERE id = ?`
	stmt, err := s.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	row := &sqlTicket{}
	if err := stmt.QueryRowContext(ctx, id).Scan(row.dest()...); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	t, err := row.decode()
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}

func (s *SQLiteStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	query := `UPDATE quote_tickets SET status = ? WHERE id = ? AND status = ?`
	stmt, err := s.stmtCache.Prepare(query)
	if err != nil {
		return false, err
	}

	res, err := stmt.ExecContext(ctx, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE quote_tickets SET status = 'expired' WHERE status = 'pending' AND expiresAt < ?`
	stmt, err := s.stmtCache.Prepare(query)
	if err != nil {
		return 0, err
	}

	res, err := stmt.ExecContext(ctx, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
