package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/ramp-go/database"
	"github.com/mattn/go-sqlite3"
)

var ErrNotReserved = errors.New("idempotency key not reserved")

const keyTable = `
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		idemKey     TEXT NOT NULL,
		route       TEXT NOT NULL,
		requestHash TEXT NOT NULL,
		completed   INTEGER NOT NULL DEFAULT 0,
		status      INTEGER NOT NULL DEFAULT 0,
		body        BLOB,
		createdAt   INTEGER NOT NULL,
		expiresAt   INTEGER NOT NULL,
		PRIMARY KEY (idemKey, route)
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_keys (expiresAt);`

const keyColumns = ` idemKey, route, requestHash, completed, status, body, createdAt, expiresAt `

// Record is the stored outcome of the first call made with (Key, Route).
// A record that is not Completed marks a call still in flight.
type Record struct {
	Key         string
	Route       string
	RequestHash string
	Completed   bool
	Response    Response
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type Store interface {
	// Lookup returns the unexpired record of (key, route).
	Lookup(ctx context.Context, key, route string, now time.Time) (*Record, bool, error)
	// Reserve claims (key, route) for a new call. It reports false when an
	// unexpired record already holds the pair.
	Reserve(ctx context.Context, rec *Record, now time.Time) (bool, error)
	Complete(ctx context.Context, key, route string, resp Response) error
	// Release drops a reservation whose call did not produce a response
	// worth keeping.
	Release(ctx context.Context, key, route string) error
	// Purge deletes records expired at now.
	Purge(ctx context.Context, now time.Time) (int64, error)
}

type SQLiteStore struct {
	stmtCache *database.StmtCache
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(keyTable); err != nil {
		return nil, err
	}
	return &SQLiteStore{stmtCache: database.NewStmtCache(db)}, nil
}

func (s *SQLiteStore) Close() {
	s.stmtCache.Clear()
}

func (s *SQLiteStore) Lookup(ctx context.Context, key, route string, now time.Time) (*Record, bool, error) {
	stmt, err := s.stmtCache.Prepare(`SELECT` + keyColumns + `FROM idempotency_keys WHERE idemKey = ? AND route = ? AND expiresAt > ?`)
	if err != nil {
		return nil, false, err
	}

	var (
		rec                  Record
		completed            int
		createdAt, expiresAt int64
	)
	err = stmt.QueryRowContext(ctx, key, route, now.UnixMilli()).Scan(
		&rec.Key, &rec.Route, &rec.RequestHash, &completed, &rec.Response.Status, &rec.Response.Body, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	rec.Completed = completed == 1
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &rec, true, nil
}

func (s *SQLiteStore) Reserve(ctx context.Context, rec *Record, now time.Time) (bool, error) {
	reserved := false
	err := s.stmtCache.WithTx(ctx, func(tx *sql.Tx) error {
		del, err := s.stmtCache.TxStmt(ctx, tx, `DELETE FROM idempotency_keys WHERE idemKey = ? AND route = ? AND expiresAt <= ?`)
		if err != nil {
			return err
		}
		if _, err := del.ExecContext(ctx, rec.Key, rec.Route, now.UnixMilli()); err != nil {
			return err
		}

		ins, err := s.stmtCache.TxStmt(ctx, tx, `INSERT INTO idempotency_keys (`+keyColumns+`) VALUES (?, ?, ?, 0, 0, NULL, ?, ?)`)
		if err != nil {
			return err
		}
		_, err = ins.ExecContext(ctx, rec.Key, rec.Route, rec.RequestHash, rec.CreatedAt.UnixMilli(), rec.ExpiresAt.UnixMilli())
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return nil
		}
		if err != nil {
			return err
		}
		reserved = true
		return nil
	})
	return reserved, err
}

func (s *SQLiteStore) Complete(ctx context.Context, key, route string, resp Response) error {
	stmt, err := s.stmtCache.Prepare(`UPDATE idempotency_keys SET completed = 1, status = ?, body = ? WHERE idemKey = ? AND route = ? AND completed = 0`)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, resp.Status, resp.Body, key, route)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotReserved, route, key)
	}
	return nil
}

func (s *SQLiteStore) Release(ctx context.Context, key, route string) error {
	stmt, err := s.stmtCache.Prepare(`DELETE FROM idempotency_keys WHERE idemKey = ? AND route = ? AND completed = 0`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, key, route)
	return err
}

func (s *SQLiteStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	stmt, err := s.stmtCache.Prepare(`DELETE FROM idempotency_keys WHERE expiresAt <= ?`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
