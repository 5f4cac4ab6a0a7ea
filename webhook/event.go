package webhook

import (
	"context"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/state"
)

type EventType string

const (
	TransactionCreated EventType = "TRANSACTION_CREATED"
	StatusChange       EventType = "STATUS_CHANGE"
)

type TransactionStatus string

const (
	StatusPending  TransactionStatus = "PENDING"
	StatusComplete TransactionStatus = "COMPLETE"
	StatusFailed   TransactionStatus = "FAILED"
)

// StatusOf maps a ramp phase to the status partners see.
func StatusOf(phase string) TransactionStatus {
	switch phase {
	case state.PhaseComplete:
		return StatusComplete
	case state.PhaseFailed:
		return StatusFailed
	default:
		return StatusPending
	}
}

type Payload struct {
	QuoteID           string              `json:"quoteId"`
	SessionID         string              `json:"sessionId"`
	TransactionID     string              `json:"transactionId"`
	TransactionStatus TransactionStatus   `json:"transactionStatus"`
	TransactionType   agreement.Direction `json:"transactionType"`
}

type Event struct {
	EventType EventType `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// NewEvent describes ramp r as of now.
func NewEvent(t EventType, r *state.RampState, now time.Time) *Event {
	return &Event{
		EventType: t,
		Timestamp: now,
		Payload: Payload{
			QuoteID:           r.QuoteID,
			SessionID:         r.SessionID,
			TransactionID:     r.ID,
			TransactionStatus: StatusOf(r.CurrentPhase),
			TransactionType:   r.Type,
		},
	}
}

// Notifier accepts lifecycle events for at-least-once delivery. Notify only
// enqueues, delivery happens later.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}

// Nop drops every event. Used when no webhook endpoint is configured.
type Nop struct{}

func (Nop) Notify(context.Context, *Event) error { return nil }
