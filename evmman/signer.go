package evmman

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformedPayload = errors.New("malformed evm payload")
	ErrKeyMismatch      = errors.New("key does not control the signer address")
)

// Signer re-encodes the unsigned transaction at the requested nonce and
// signs it for the chain id carried in the payload.
type Signer struct{}

func NewSigner() *Signer {
	return &Signer{}
}

func (s *Signer) Family() agreement.Family {
	return agreement.FamilyEVM
}

func (s *Signer) SignAt(_ context.Context, tx *agreement.UnsignedTx, key agreement.EphemeralKey, nonce uint64) (string, error) {
	unsigned := new(types.Transaction)
	if err := unsigned.UnmarshalBinary(tx.RawPayload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if unsigned.Type() != types.DynamicFeeTxType || unsigned.ChainId() == nil || unsigned.ChainId().Sign() == 0 {
		return "", fmt.Errorf("%w: need a dynamic fee tx with chain id", ErrMalformedPayload)
	}

	sk, err := crypto.HexToECDSA(common.Trim0xPrefix(key.Secret))
	if err != nil {
		return "", err
	}
	if addr := crypto.PubkeyToAddress(sk.PublicKey); !strings.EqualFold(addr.Hex(), tx.Signer) {
		return "", fmt.Errorf("%w: %s != %s", ErrKeyMismatch, addr.Hex(), tx.Signer)
	}

	variant := types.NewTx(&types.DynamicFeeTx{
		ChainID:    unsigned.ChainId(),
		Nonce:      nonce,
		GasTipCap:  unsigned.GasTipCap(),
		GasFeeCap:  unsigned.GasFeeCap(),
		Gas:        unsigned.Gas(),
		To:         unsigned.To(),
		Value:      unsigned.Value(),
		Data:       unsigned.Data(),
		AccessList: unsigned.AccessList(),
	})

	signed, err := types.SignTx(variant, types.LatestSignerForChainID(unsigned.ChainId()), sk)
	if err != nil {
		return "", err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hexutil.Encode(raw), nil
}

// NewEphemeralKey generates a fresh secp256k1 account.
func NewEphemeralKey() (agreement.EphemeralKey, error) {
	sk, err := crypto.GenerateKey()
	if err != nil {
		return agreement.EphemeralKey{}, err
	}
	return agreement.EphemeralKey{
		Family:  agreement.FamilyEVM,
		Address: crypto.PubkeyToAddress(sk.PublicKey).Hex(),
		Secret:  common.ByteSliceToPureHexStr(crypto.FromECDSA(sk)),
	}, nil
}

// DecodeSigned parses a signed variant produced by SignAt.
func DecodeSigned(txData string) (*types.Transaction, error) {
	raw, err := hexutil.Decode(txData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return tx, nil
}
