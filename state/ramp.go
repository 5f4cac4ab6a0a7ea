package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
)

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// PhaseEntry records how an attempt at Phase ended. Next is set when the
// ramp left the phase.
type PhaseEntry struct {
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   Outcome   `json:"outcome"`
	Next      string    `json:"next,omitempty"`
}

type ErrorLog struct {
	Timestamp   time.Time `json:"timestamp"`
	Phase       string    `json:"phase"`
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail"`
	Attempt     int       `json:"attempt"`
	Recoverable bool      `json:"recoverable"`
}

type ProcessingLock struct {
	Locked   bool       `json:"locked"`
	LockedAt *time.Time `json:"lockedAt,omitempty"`
}

type CleanupState struct {
	CleanupAt        *time.Time `json:"cleanupAt,omitempty"`
	CleanupCompleted bool       `json:"cleanupCompleted"`
	Error            string     `json:"error,omitempty"`
}

type PostCompleteState struct {
	Cleanup CleanupState `json:"cleanup"`
}

// Attempted reports whether cleanup already ran, successfully or not.
func (p *PostCompleteState) Attempted() bool {
	return p.Cleanup.CleanupAt != nil
}

// Deposit is what the ramp waits for in the initial phase.
type Deposit struct {
	Network agreement.Network `json:"network"`
	Address string            `json:"address"`
	Asset   string            `json:"asset"`
	Amount  string            `json:"amount"` // base units
}

// SubsidyPlan is the top up a phase asks for, fixed at registration.
type SubsidyPlan struct {
	Network    agreement.Network      `json:"network"`
	Token      agreement.SubsidyToken `json:"token"`
	Recipient  string                 `json:"recipient"`
	Target     string                 `json:"target"`               // base units
	MaxSubsidy string                 `json:"maxSubsidy,omitempty"` // whole token units
}

// SubsidyDetail is the settled subsidy of a phase.
type SubsidyDetail struct {
	Token   agreement.SubsidyToken `json:"token"`
	Amount  string                 `json:"amount,omitempty"`
	Payer   string                 `json:"payer,omitempty"`
	TxRef   string                 `json:"txRef,omitempty"`
	Skipped bool                   `json:"skipped,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
}

// RampState is the aggregate advanced by the state machine. It is mutated
// only while its processing lock is held.
type RampState struct {
	ID            string              `json:"id"`
	Type          agreement.Direction `json:"type"`
	QuoteID       string              `json:"quoteId"`
	UserID        string              `json:"userId,omitempty"`
	SessionID     string              `json:"sessionId,omitempty"`
	PaymentMethod string              `json:"paymentMethod"`

	CurrentPhase string       `json:"currentPhase"`
	Plan         []string     `json:"plan"`
	PhaseHistory []PhaseEntry `json:"phaseHistory"`
	// Failed attempts at CurrentPhase and when the next one is due.
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`

	Ephemerals   map[agreement.Network]string      `json:"ephemerals"`
	Deposit      *Deposit                          `json:"deposit,omitempty"`
	UnsignedTxs  []*agreement.UnsignedTx           `json:"unsignedTxs"`
	PresignedTxs map[string]*agreement.PresignedTx `json:"presignedTxs"`
	ConfirmedTxs map[string]string                 `json:"confirmedTxs"`
	// Presigned offset each network account has moved to.
	NonceShift     map[agreement.Network]int    `json:"nonceShift"`
	NonceSequences map[agreement.Network]uint64 `json:"nonceSequences"`

	Subsidies      map[string]*SubsidyPlan   `json:"subsidies"`
	SubsidyDetails map[string]*SubsidyDetail `json:"subsidyDetails"`

	ProcessingLock    ProcessingLock    `json:"processingLock"`
	ErrorLogs         []ErrorLog        `json:"errorLogs"`
	PostCompleteState PostCompleteState `json:"postCompleteState"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewRampState returns a ramp at the initial phase with empty logs.
func NewRampState(id string, direction agreement.Direction, quoteID string, now time.Time) *RampState {
	return &RampState{
		ID:             id,
		Type:           direction,
		QuoteID:        quoteID,
		CurrentPhase:   PhaseInitial,
		Ephemerals:     make(map[agreement.Network]string),
		PresignedTxs:   make(map[string]*agreement.PresignedTx),
		ConfirmedTxs:   make(map[string]string),
		NonceShift:     make(map[agreement.Network]int),
		NonceSequences: make(map[agreement.Network]uint64),
		Subsidies:      make(map[string]*SubsidyPlan),
		SubsidyDetails: make(map[string]*SubsidyDetail),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (r *RampState) Terminal() bool {
	return r.CurrentPhase == PhaseComplete || r.CurrentPhase == PhaseFailed
}

// NextPlanned is the phase following CurrentPhase in the plan.
func (r *RampState) NextPlanned() (string, bool) {
	for i, p := range r.Plan {
		if p == r.CurrentPhase && i+1 < len(r.Plan) {
			return r.Plan[i+1], true
		}
	}
	return "", false
}

// MoveTo closes the current phase with outcome and enters next. Attempts
// are reset for the new phase.
func (r *RampState) MoveTo(next string, outcome Outcome, now time.Time) {
	r.PhaseHistory = append(r.PhaseHistory, PhaseEntry{
		Phase:     r.CurrentPhase,
		Timestamp: now,
		Outcome:   outcome,
		Next:      next,
	})
	r.CurrentPhase = next
	r.Attempts = 0
	r.NextAttemptAt = nil
}

// RecordRetry logs a failed attempt that stays in the current phase.
func (r *RampState) RecordRetry(entry ErrorLog, retryAt time.Time) {
	r.Attempts++
	entry.Attempt = r.Attempts
	r.ErrorLogs = append(r.ErrorLogs, entry)
	r.PhaseHistory = append(r.PhaseHistory, PhaseEntry{
		Phase:     r.CurrentPhase,
		Timestamp: entry.Timestamp,
		Outcome:   OutcomeRetry,
	})
	r.NextAttemptAt = &retryAt
}

// RecordFailure logs a fatal error and moves the ramp to failed.
func (r *RampState) RecordFailure(entry ErrorLog) {
	r.Attempts++
	entry.Attempt = r.Attempts
	r.ErrorLogs = append(r.ErrorLogs, entry)
	r.MoveTo(PhaseFailed, OutcomeFailed, entry.Timestamp)
}

// Due reports whether the ramp may be worked on at now.
func (r *RampState) Due(now time.Time) bool {
	return r.NextAttemptAt == nil || !now.Before(*r.NextAttemptAt)
}

func (r *RampState) Clone() *RampState {
	data, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("ramp %s: %v", r.ID, err))
	}
	c := &RampState{}
	if err := json.Unmarshal(data, c); err != nil {
		panic(fmt.Sprintf("ramp %s: %v", r.ID, err))
	}
	return c
}

func (r *RampState) String() string {
	return fmt.Sprintf("Ramp { ID: %s, Type: %s, Phase: %s, Attempts: %d, Locked: %v }",
		r.ID, r.Type, r.CurrentPhase, r.Attempts, r.ProcessingLock.Locked)
}
