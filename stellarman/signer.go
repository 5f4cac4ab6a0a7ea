package stellarman

import (
	"context"
	"errors"
	"fmt"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/txnbuild"
)

var (
	ErrMalformedPayload = errors.New("malformed stellar payload")
	ErrKeyMismatch      = errors.New("key does not control the source account")
)

// Signer derives a fresh envelope for each requested sequence from the
// unsigned base envelope and signs it. The upper time bound widens by one
// window step per offset above the base sequence.
type Signer struct{}

func NewSigner() *Signer {
	return &Signer{}
}

func (s *Signer) Family() agreement.Family {
	return agreement.FamilyStellar
}

func (s *Signer) SignAt(_ context.Context, tx *agreement.UnsignedTx, key agreement.EphemeralKey, nonce uint64) (string, error) {
	p, base, err := decodePayload(tx.RawPayload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if nonce < tx.Nonce {
		return "", fmt.Errorf("%w: sequence %d below base %d", ErrMalformedPayload, nonce, tx.Nonce)
	}

	kp, err := keypair.ParseFull(key.Secret)
	if err != nil {
		return "", err
	}
	source := base.SourceAccount().AccountID
	if kp.Address() != source || source != tx.Signer {
		return "", fmt.Errorf("%w: %s", ErrKeyMismatch, source)
	}

	offset := int64(nonce - tx.Nonce)
	tb := base.Timebounds()
	maxTime := tb.MaxTime
	if maxTime != txnbuild.TimeoutInfinite {
		maxTime += offset * p.WindowStep
	}

	variant, err := newEnvelope(source, int64(nonce), base.Operations(), base.BaseFee(), base.Memo(),
		txnbuild.NewTimebounds(tb.MinTime, maxTime))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	signed, err := variant.Sign(p.Passphrase, kp)
	if err != nil {
		return "", err
	}
	return signed.Base64()
}

// NewEphemeralKey creates a random stellar keypair. The account does not
// exist on the ledger until it is funded.
func NewEphemeralKey() (agreement.EphemeralKey, error) {
	kp, err := keypair.Random()
	if err != nil {
		return agreement.EphemeralKey{}, err
	}
	return agreement.EphemeralKey{
		Family:  agreement.FamilyStellar,
		Address: kp.Address(),
		Secret:  kp.Seed(),
	}, nil
}

// KeyFromSecret loads an existing account, such as a funding account, from
// its S... seed.
func KeyFromSecret(secret string) (agreement.EphemeralKey, error) {
	kp, err := keypair.ParseFull(secret)
	if err != nil {
		return agreement.EphemeralKey{}, err
	}
	return agreement.EphemeralKey{
		Family:  agreement.FamilyStellar,
		Address: kp.Address(),
		Secret:  kp.Seed(),
	}, nil
}

// DecodeSigned parses a signed variant produced by SignAt.
func DecodeSigned(txData string) (*txnbuild.Transaction, error) {
	gtx, err := txnbuild.TransactionFromXDR(txData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	tx, ok := gtx.Transaction()
	if !ok {
		return nil, fmt.Errorf("%w: fee bump envelope", ErrMalformedPayload)
	}
	return tx, nil
}
