package agreement

import (
	"context"
	"errors"
	"math/big"
)

var (
	// The account nonce (sequence) of a presigned variant was taken by
	// another transaction. The next variant of the run is the way forward.
	ErrNonceUsed = errors.New("nonce already used")
	// The node refused the transaction for good (bad payload, bad signature).
	ErrTxRejected = errors.New("transaction rejected")
)

// ChainWorker submits presigned transactions to one network and reports on
// their inclusion. Implemented per chain family (evmman, substrateman,
// stellarman).
type ChainWorker interface {
	Network() Network

	// Latest ledger number (block number, ledger sequence).
	GetLatestLedgerNumber(ctx context.Context) (*big.Int, error)

	// Submit the signed tx and return its chain-native identifier.
	// Resubmitting an already known tx must not be an error.
	Submit(ctx context.Context, tx *PresignedTx) (txId string, err error)

	// Status of a previously submitted tx. foundAt is nil unless the tx is
	// included.
	GetTxStatus(ctx context.Context, tx *PresignedTx, txId string) (status MonitoredTxStatus, foundAt *big.Int, err error)
}

// Signer signs one unsigned payload at a given nonce (sequence). The result
// must differ from a signature at another nonce only in the sequence field.
type Signer interface {
	Family() Family
	SignAt(ctx context.Context, tx *UnsignedTx, key EphemeralKey, nonce uint64) (txData string, err error)
}

// NonceSource reports the next usable nonce (sequence) of an account.
type NonceSource interface {
	NextNonce(ctx context.Context, address string) (uint64, error)
}
