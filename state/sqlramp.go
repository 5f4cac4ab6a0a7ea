package state

import (
	"database/sql"
	"encoding/json"
	"time"
)

// sqlRamp mirrors a ramp_states row. Timestamps are unix milliseconds,
// except lockedAt which is nanoseconds: it doubles as the lock token.
type sqlRamp struct {
	ID               string
	Type             string
	QuoteID          string
	CurrentPhase     string
	Locked           bool
	LockedAt         sql.NullInt64
	CleanupAttempted bool
	Data             string
	CreatedAt        int64
	UpdatedAt        int64
}

func (s *sqlRamp) encode(r *RampState) (*sqlRamp, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}

	s.ID = r.ID
	s.Type = string(r.Type)
	s.QuoteID = r.QuoteID
	s.CurrentPhase = r.CurrentPhase
	s.Locked = r.ProcessingLock.Locked
	if r.ProcessingLock.LockedAt != nil {
		s.LockedAt = sql.NullInt64{Int64: r.ProcessingLock.LockedAt.UnixNano(), Valid: true}
	}
	s.CleanupAttempted = r.PostCompleteState.Attempted()
	s.Data = string(data)
	s.CreatedAt = r.CreatedAt.UnixMilli()
	s.UpdatedAt = r.UpdatedAt.UnixMilli()
	return s, nil
}

func (s *sqlRamp) dest() []interface{} {
	return []interface{}{
		&s.ID, &s.Type, &s.QuoteID, &s.CurrentPhase, &s.Locked, &s.LockedAt,
		&s.CleanupAttempted, &s.Data, &s.CreatedAt, &s.UpdatedAt,
	}
}

// decode trusts the columns over the json copy.
func (s *sqlRamp) decode() (*RampState, error) {
	r := &RampState{}
	if err := json.Unmarshal([]byte(s.Data), r); err != nil {
		return nil, err
	}

	r.CurrentPhase = s.CurrentPhase
	r.ProcessingLock = ProcessingLock{Locked: s.Locked}
	if s.LockedAt.Valid {
		at := time.Unix(0, s.LockedAt.Int64).UTC()
		r.ProcessingLock.LockedAt = &at
	}
	r.CreatedAt = time.UnixMilli(s.CreatedAt).UTC()
	r.UpdatedAt = time.UnixMilli(s.UpdatedAt).UTC()
	return r, nil
}
