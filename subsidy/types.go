package subsidy

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/shopspring/decimal"
)

var (
	ErrNoPool          = errors.New("no funding pool for network and token")
	ErrPoolUnderfunded = errors.New("funding pool below minimum funding ratio")
	ErrRecordExists    = errors.New("subsidy already recorded for ramp and phase")
	ErrNotPending      = errors.New("subsidy record not pending")
	ErrInvalidRequest  = errors.New("invalid subsidy request")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Record is one ledger entry, written as soon as the transfer is submitted.
// Only its status moves afterwards, from pending to paid or failed.
type Record struct {
	ID          string                 `json:"id"`
	RampID      string                 `json:"rampId"`
	Phase       string                 `json:"phase"`
	Network     agreement.Network      `json:"network"`
	Token       agreement.SubsidyToken `json:"token"`
	Payer       string                 `json:"payer"`
	Amount      *big.Int               `json:"amount"` // token base units
	TxRef       string                 `json:"txRef"`
	Status      Status                 `json:"status"`
	Tx          *agreement.PresignedTx `json:"tx,omitempty"`
	SubmittedAt time.Time              `json:"submittedAt"`
	PaidAt      *time.Time             `json:"paidAt,omitempty"`
}

// FundingPool is a platform account paying subsidies in one token on one
// network.
type FundingPool interface {
	Network() agreement.Network
	Token() agreement.SubsidyToken
	Address() string
	Decimals() int32
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
	// Submit sends a transfer of amount to `to` without waiting for it.
	Submit(ctx context.Context, phase, to string, amount *big.Int) (tx *agreement.PresignedTx, txRef string, err error)
	// Confirm returns once a submitted transfer is included. It fails with
	// ErrPaymentFailed when the transfer did not go through and with
	// ErrPaymentUnconfirmed when it is still pending.
	Confirm(ctx context.Context, tx *agreement.PresignedTx, txRef string) error
}

// Request asks for `Recipient` to hold at least Target of Token.
type Request struct {
	RampID    string
	Phase     string
	Network   agreement.Network
	Token     agreement.SubsidyToken
	Recipient string
	Target    *big.Int
	// Partner cap in whole token units, nil falls back to the token default.
	MaxSubsidy *decimal.Decimal
}

// Outcome of Subsidize. Paid and Skipped are exclusive.
type Outcome struct {
	Record  *Record
	Paid    bool
	Skipped bool
	Reason  string
	// The payment was cut down to the remaining cap.
	Capped bool
}

func paid(r *Record, capped bool) Outcome {
	return Outcome{Record: r, Paid: true, Capped: capped}
}

func skip(reason string) Outcome {
	return Outcome{Skipped: true, Reason: reason}
}
