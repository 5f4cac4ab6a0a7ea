package chaintxmgr

import (
	"errors"
	"fmt"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/presign"
	"github.com/TEENet-io/ramp-go/retry"
)

var (
	ErrNoPresignedTx     = errors.New("no presigned transaction for required step")
	ErrNoWorker          = errors.New("no chain worker for network")
	ErrNoBalanceReader   = errors.New("no balance reader for deposit network")
	ErrNoSubsidizer      = errors.New("subsidy planned but no subsidizer configured")
	ErrVariantsExhausted = errors.New("presigned variants exhausted")
	ErrTxReverted        = errors.New("transaction reverted on chain")
	ErrDepositTimeout    = errors.New("deposit not received in time")
	ErrBrokenPlan        = errors.New("ramp plan cannot continue")
	ErrAlreadyTerminal   = errors.New("ramp already terminal")
)

type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindDispatch   ErrorKind = "dispatch"
	KindSigning    ErrorKind = "signing"
	KindCancelled  ErrorKind = "cancelled"
)

// PhaseError is a failed attempt at a phase. Recoverable errors are retried
// per the phase's retry policy, the others fail the ramp at once.
type PhaseError struct {
	Kind        ErrorKind
	Recoverable bool
	Err         error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func validationErr(err error) *PhaseError {
	return &PhaseError{Kind: KindValidation, Err: err}
}

func transientErr(err error) *PhaseError {
	return &PhaseError{Kind: KindTransient, Recoverable: true, Err: err}
}

func dispatchErr(err error, recoverable bool) *PhaseError {
	return &PhaseError{Kind: KindDispatch, Recoverable: recoverable, Err: err}
}

// Classify maps an arbitrary error onto the taxonomy. Anything not known to
// be permanent is transient.
func Classify(err error) *PhaseError {
	var pe *PhaseError
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.Is(err, presign.ErrMissingEphemeralKey), errors.Is(err, presign.ErrSigningFailed):
		return &PhaseError{Kind: KindSigning, Err: err}
	case errors.Is(err, agreement.ErrTxRejected), retry.IsPermanent(err):
		return dispatchErr(err, false)
	default:
		return transientErr(err)
	}
}
