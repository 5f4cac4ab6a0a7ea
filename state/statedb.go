package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/ramp-go/database"
	"github.com/mattn/go-sqlite3"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrRampNotFound   = errors.New("ramp not found")
	ErrRampExists     = errors.New("ramp or quote already registered")
	ErrLockContention = errors.New("ramp processing lock held")
	ErrLockNotHeld    = errors.New("ramp processing lock not held by caller")
)

const DefaultLockStaleAfter = 5 * time.Minute

type StateDB struct {
	stmtCache  *database.StmtCache
	staleAfter time.Duration
	now        func() time.Time
}

func NewStateDB(db *sql.DB) (*StateDB, error) {
	if _, err := db.Exec(rampTable); err != nil {
		return nil, err
	}

	return &StateDB{
		stmtCache:  database.NewStmtCache(db),
		staleAfter: DefaultLockStaleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (st *StateDB) Close() {
	st.stmtCache.Clear()
}

// SetLockStaleAfter sets the age past which a held lock is considered
// abandoned and may be taken over.
func (st *StateDB) SetLockStaleAfter(d time.Duration) {
	st.staleAfter = d
}

func (st *StateDB) SetClock(now func() time.Time) {
	st.now = now
}

func (st *StateDB) InsertRamp(ctx context.Context, r *RampState) error {
	if r.ProcessingLock.Locked {
		return fmt.Errorf("ramp %s inserted while locked", r.ID)
	}
	query := `INSERT INTO ramp_states (` + rampColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}

	row, err := (&sqlRamp{}).encode(r)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, row.ID, row.Type, row.QuoteID, row.CurrentPhase, row.Locked, row.LockedAt,
		row.CleanupAttempted, row.Data, row.CreatedAt, row.UpdatedAt)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%w: %s (quote %s)", ErrRampExists, r.ID, r.QuoteID)
	}
	return err
}

func (st *StateDB) GetRamp(ctx context.Context, id string) (*RampState, bool, error) {
	return st.getBy(ctx, "id", id)
}

func (st *StateDB) GetRampByQuote(ctx context.Context, quoteID string) (*RampState, bool, error) {
	return st.getBy(ctx, "quoteId", quoteID)
}

func (st *StateDB) getBy(ctx context.Context, column, value string) (*RampState, bool, error) {
	query := `SELECT ` + rampColumns + ` FROM ramp_states WHERE ` + column + ` = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, false, err
	}

	row := &sqlRamp{}
	if err := stmt.QueryRowContext(ctx, value).Scan(row.dest()...); err != nil {
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

// TryAcquireLock takes the processing lock of ramp id with a compare and
// set on the lock columns and returns the ramp holding it. A lock older
// than the staleness threshold is taken over.
func (st *StateDB) TryAcquireLock(ctx context.Context, id string) (*RampState, error) {
	r, ok, err := st.GetRamp(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRampNotFound, id)
	}

	now := st.now()
	var seen int64
	if l := r.ProcessingLock; l.Locked && l.LockedAt != nil {
		if now.Sub(*l.LockedAt) < st.staleAfter {
			return nil, fmt.Errorf("%w: %s since %s", ErrLockContention, id, l.LockedAt.Format(time.RFC3339))
		}
		seen = l.LockedAt.UnixNano()
		logger.WithFields(logger.Fields{
			"ramp":     id,
			"lockedAt": l.LockedAt,
		}).Warn("reclaiming stale processing lock")
	}

	token := now.UnixNano()
	if token == seen {
		token++
	}
	query := `UPDATE ramp_states SET locked = 1, lockedAt = ? WHERE id = ? AND locked = ? AND IFNULL(lockedAt, 0) = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}
	res, err := stmt.ExecContext(ctx, token, id, r.ProcessingLock.Locked, seen)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, fmt.Errorf("%w: %s", ErrLockContention, id)
	}

	// the unlocked columns recur after every release, so the row read above
	// may predate another holder's whole acquire, update and release cycle
	return st.getLocked(ctx, id, token)
}

func (st *StateDB) getLocked(ctx context.Context, id string, token int64) (*RampState, error) {
	query := `SELECT ` + rampColumns + ` FROM ramp_states WHERE id = ? AND locked = 1 AND lockedAt = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	row := &sqlRamp{}
	if err := stmt.QueryRowContext(ctx, id, token).Scan(row.dest()...); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrLockContention, id)
		}
		return nil, err
	}
	return row.decode()
}

// UpdateRamp writes r back. It fails with ErrLockNotHeld unless r carries
// the lock currently stored.
func (st *StateDB) UpdateRamp(ctx context.Context, r *RampState) error {
	token, err := lockToken(r)
	if err != nil {
		return err
	}
	r.UpdatedAt = st.now()

	row, err := (&sqlRamp{}).encode(r)
	if err != nil {
		return err
	}
	query := `UPDATE ramp_states SET currentPhase = ?, cleanupAttempted = ?, data = ?, updatedAt = ?
		WHERE id = ? AND locked = 1 AND lockedAt = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, row.CurrentPhase, row.CleanupAttempted, row.Data, row.UpdatedAt, r.ID, token)
	if err != nil {
		return err
	}
	return expectOne(res, r.ID)
}

// ReleaseLock gives up the lock carried by r.
func (st *StateDB) ReleaseLock(ctx context.Context, r *RampState) error {
	token, err := lockToken(r)
	if err != nil {
		return err
	}
	query := `UPDATE ramp_states SET locked = 0, lockedAt = NULL WHERE id = ? AND locked = 1 AND lockedAt = ?`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, r.ID, token)
	if err != nil {
		return err
	}
	if err := expectOne(res, r.ID); err != nil {
		return err
	}
	r.ProcessingLock = ProcessingLock{}
	return nil
}

// GetActiveRamps lists ramps the machine still has work for: non terminal
// ones and completed ones whose cleanup never ran.
func (st *StateDB) GetActiveRamps(ctx context.Context) ([]*RampState, error) {
	query := `SELECT ` + rampColumns + ` FROM ramp_states
		WHERE currentPhase NOT IN ('complete', 'failed') OR (currentPhase = 'complete' AND cleanupAttempted = 0)
		ORDER BY createdAt, id`
	stmt, err := st.stmtCache.Prepare(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ramps []*RampState
	for rows.Next() {
		row := &sqlRamp{}
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		r, err := row.decode()
		if err != nil {
			return nil, err
		}
		ramps = append(ramps, r)
	}
	return ramps, rows.Err()
}

func lockToken(r *RampState) (int64, error) {
	if !r.ProcessingLock.Locked || r.ProcessingLock.LockedAt == nil {
		return 0, fmt.Errorf("%w: %s", ErrLockNotHeld, r.ID)
	}
	return r.ProcessingLock.LockedAt.UnixNano(), nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, id)
	}
	return nil
}
