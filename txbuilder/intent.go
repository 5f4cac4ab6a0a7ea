package txbuilder

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/TEENet-io/ramp-go/agreement"
)

var (
	ErrNoBuilder              = errors.New("no builder registered for network")
	ErrUnsupportedIntent      = errors.New("intent not supported by builder")
	ErrInvalidIntent          = errors.New("invalid intent")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrUnsupportedCorridor    = errors.New("unsupported cross-chain corridor")
	ErrInvalidBeneficiary     = errors.New("invalid beneficiary for destination")
	ErrReadSimulationRejected = errors.New("read simulation rejected")
)

// Intent describes one logical on-chain action of a ramp. Fields that do not
// apply to Kind are ignored by the builders.
type Intent struct {
	Network agreement.Network
	Kind    agreement.TxKind
	Phase   string

	// Ephemeral account executing the intent and its base nonce (sequence
	// number on stellar).
	Signer string
	Nonce  uint64

	// Asset identifier in the source network's registry: contract address
	// (evm, nabla wrappers), currency id hex (substrate), CODE:ISSUER or
	// "native" (stellar).
	Asset  string
	Amount *big.Int

	// transfer/payment/merge destination, xcm beneficiary or redeem target
	Recipient string
	// transfer split over several recipients in one transaction, Amount
	// being their sum
	Payees []Payee
	// approve
	Spender string

	// swap
	AssetOut  string
	QuotedOut *big.Int

	// xcm
	DestNetwork agreement.Network

	Memo string
}

// Payee is one recipient of a split transfer.
type Payee struct {
	Recipient string
	Amount    *big.Int
}

func (i *Intent) String() string {
	return fmt.Sprintf("%s/%s/%s", i.Network, i.Phase, i.Kind)
}

// Validate checks the fields Kind depends on.
func (i *Intent) Validate() error {
	if !i.Network.Valid() {
		return fmt.Errorf("%w: unknown network %q", ErrInvalidIntent, i.Network)
	}
	if i.Phase == "" || i.Signer == "" {
		return fmt.Errorf("%w: phase and signer required", ErrInvalidIntent)
	}

	needAmount := true
	switch i.Kind {
	case agreement.KindTransfer, agreement.KindPayment:
		if len(i.Payees) > 0 {
			if err := i.validatePayees(); err != nil {
				return err
			}
			break
		}
		if i.Recipient == "" {
			return fmt.Errorf("%w: %s without recipient", ErrInvalidIntent, i.Kind)
		}
	case agreement.KindApprove:
		if i.Spender == "" {
			return fmt.Errorf("%w: approve without spender", ErrInvalidIntent)
		}
	case agreement.KindSwap:
		if i.AssetOut == "" || i.QuotedOut == nil || i.QuotedOut.Sign() <= 0 {
			return fmt.Errorf("%w: swap needs output asset and quoted amount", ErrInvalidIntent)
		}
	case agreement.KindXcm:
		if !i.DestNetwork.Valid() || i.DestNetwork == i.Network {
			return fmt.Errorf("%w: bad xcm destination %q", ErrInvalidIntent, i.DestNetwork)
		}
		if i.Recipient == "" {
			return fmt.Errorf("%w: xcm without beneficiary", ErrInvalidIntent)
		}
	case agreement.KindRedeem:
		if i.Recipient == "" {
			return fmt.Errorf("%w: redeem without stellar recipient", ErrInvalidIntent)
		}
	case agreement.KindMerge, agreement.KindCleanup:
		needAmount = false
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedIntent, i.Kind)
	}

	if needAmount && (i.Amount == nil || i.Amount.Sign() <= 0) {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidIntent)
	}
	return nil
}

func (i *Intent) validatePayees() error {
	if i.Kind != agreement.KindTransfer {
		return fmt.Errorf("%w: payees on %s", ErrInvalidIntent, i.Kind)
	}
	sum := new(big.Int)
	for _, p := range i.Payees {
		if p.Recipient == "" || p.Amount == nil || p.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: payee needs recipient and positive amount", ErrInvalidIntent)
		}
		sum.Add(sum, p.Amount)
	}
	if i.Amount == nil || i.Amount.Cmp(sum) != 0 {
		return fmt.Errorf("%w: amount %v is not the payee sum %s", ErrInvalidIntent, i.Amount, sum)
	}
	return nil
}

// Result is the explicit outcome of a build: either a transaction or a
// skipped step, never both.
type Result struct {
	Tx      *agreement.UnsignedTx
	Skipped bool
	Reason  string
}

func Built(tx *agreement.UnsignedTx) Result {
	return Result{Tx: tx}
}

func Skip(reason string) Result {
	return Result{Skipped: true, Reason: reason}
}

// Envelope wraps a family-specific payload into the uniform tx envelope.
func Envelope(i *Intent, raw []byte) *agreement.UnsignedTx {
	return &agreement.UnsignedTx{
		Network:    i.Network,
		Kind:       i.Kind,
		Phase:      i.Phase,
		Signer:     i.Signer,
		Nonce:      i.Nonce,
		RawPayload: raw,
	}
}
