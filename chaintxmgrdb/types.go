package chaintxmgrdb

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
)

var ErrDuplicateSubmission = errors.New("variant already monitored")

// MonitoredTx is one submitted presigned variant of a ramp phase.
type MonitoredTx struct {
	TxIdentifier string            // chain native tx id, primary key
	RampID       string            // ramp the variant belongs to
	Phase        string            // phase of the ramp
	Network      agreement.Network // network it was submitted to
	Offset       int               // nonce offset within the presigned run

	SentBlockchainLedgerNumber  *big.Int  // default nil (unknown), ledger when sent
	FoundBlockchainLedgerNumber *big.Int  // default nil (unknown), ledger of inclusion
	SentAt                      time.Time // wall clock of submission, drives the timeout
	TxStatus                    agreement.MonitoredTxStatus
}

// Defines what the DB should do
// Regardless of the underlying implementation
type ChainTxMgrDB interface {
	// Release the resource that db occupies, no error returned.
	Close()

	// Insert a submitted variant. Fails with ErrDuplicateSubmission when
	// TxIdentifier is already monitored.
	InsertMonitoredTx(ctx context.Context, tx *MonitoredTx) error

	// Get one Tx by identifier, nil if not found.
	GetMonitoredTxByTxIdentifier(ctx context.Context, identifier string) (*MonitoredTx, error)

	// Variants submitted for a ramp phase, by offset.
	GetMonitoredTxByRef(ctx context.Context, rampID, phase string) ([]*MonitoredTx, error)

	// Get Tx(s) by status
	GetMonitoredTxByStatus(ctx context.Context, status ...agreement.MonitoredTxStatus) ([]*MonitoredTx, error)

	// Record a resubmission of the same variant.
	UpdateSent(ctx context.Context, identifier string, sentAt *big.Int, at time.Time) error

	// Record the inclusion ledger number.
	UpdateFound(ctx context.Context, identifier string, foundAt *big.Int) error

	UpdateTxStatus(ctx context.Context, identifier string, status agreement.MonitoredTxStatus) error
}
