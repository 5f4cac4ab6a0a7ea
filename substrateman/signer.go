package substrateman

import (
	"context"
	"errors"
	"fmt"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/common"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
)

var (
	ErrMalformedPayload = errors.New("malformed substrate payload")
	ErrKeyMismatch      = errors.New("key does not control the signer address")
)

// Signer signs the call of an unsigned payload as an immortal extrinsic at
// the requested account nonce.
type Signer struct{}

func NewSigner() *Signer {
	return &Signer{}
}

func (s *Signer) Family() agreement.Family {
	return agreement.FamilySubstrate
}

func (s *Signer) SignAt(_ context.Context, tx *agreement.UnsignedTx, key agreement.EphemeralKey, nonce uint64) (string, error) {
	p, err := decodePayload(tx.RawPayload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	args, err := codec.HexDecodeString(p.Args)
	if err != nil {
		return "", fmt.Errorf("%w: args: %v", ErrMalformedPayload, err)
	}
	genesis, err := types.NewHashFromHexString(p.GenesisHash)
	if err != nil {
		return "", fmt.Errorf("%w: genesis hash: %v", ErrMalformedPayload, err)
	}

	kp, err := signature.KeyringPairFromSecret(key.Secret, p.SS58Prefix)
	if err != nil {
		return "", err
	}
	if kp.Address != tx.Signer {
		return "", fmt.Errorf("%w: %s != %s", ErrKeyMismatch, kp.Address, tx.Signer)
	}

	ext := types.NewExtrinsic(types.Call{CallIndex: p.CallIndex, Args: args})
	err = ext.Sign(kp, types.SignatureOptions{
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		Nonce:              types.NewUCompactFromUInt(nonce),
		Tip:                types.NewUCompactFromUInt(p.Tip),
		SpecVersion:        types.NewU32(p.SpecVersion),
		GenesisHash:        genesis,
		BlockHash:          genesis,
		TransactionVersion: types.NewU32(p.TxVersion),
	})
	if err != nil {
		return "", err
	}

	return codec.EncodeToHex(ext)
}

// NewEphemeralKey derives an sr25519 account from a fresh random seed.
func NewEphemeralKey(ss58Prefix uint16) (agreement.EphemeralKey, error) {
	seed := codec.HexEncodeToString(common.RandBytes(32))
	return KeyFromSecret(seed, ss58Prefix)
}

// KeyFromSecret loads an account from a hex seed or a mnemonic.
func KeyFromSecret(secret string, ss58Prefix uint16) (agreement.EphemeralKey, error) {
	kp, err := signature.KeyringPairFromSecret(secret, ss58Prefix)
	if err != nil {
		return agreement.EphemeralKey{}, err
	}
	return agreement.EphemeralKey{
		Family:  agreement.FamilySubstrate,
		Address: kp.Address,
		Secret:  secret,
	}, nil
}

// DecodeSigned parses a signed variant produced by SignAt.
func DecodeSigned(txData string) (*types.Extrinsic, error) {
	ext := &types.Extrinsic{}
	if err := codec.DecodeFromHex(txData, ext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return ext, nil
}
