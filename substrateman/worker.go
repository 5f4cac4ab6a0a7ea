package substrateman

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/centrifuge/go-substrate-rpc-client/v4/client"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

type rpcClient interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Worker talks to a substrate node over json rpc. Substrate nodes do not
// index extrinsics by hash, inclusion is inferred from the signer's account
// nonce moving past the variant's nonce.
type Worker struct {
	network agreement.Network
	rpc     rpcClient
}

func NewWorker(network agreement.Network, rpc rpcClient) *Worker {
	return &Worker{network: network, rpc: rpc}
}

// Dial connects to cfg.URL, loads the runtime info and returns the worker
// and a builder reading contracts through it.
func Dial(ctx context.Context, cfg *Config) (*Worker, *Builder, error) {
	c, err := client.Connect(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	w := NewWorker(cfg.Network, c)

	rt, err := w.RuntimeInfo(ctx)
	if err != nil {
		return nil, nil, err
	}
	return w, NewBuilder(cfg, rt, w), nil
}

func (w *Worker) Network() agreement.Network {
	return w.network
}

func (w *Worker) GetLatestLedgerNumber(ctx context.Context) (*big.Int, error) {
	var head struct {
		Number string `json:"number"`
	}
	if err := w.rpc.CallContext(ctx, &head, "chain_getHeader"); err != nil {
		return nil, err
	}
	n, err := parseHexUint(head.Number)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(n), nil
}

// ExtrinsicHash is the blake2b-256 hash of the encoded extrinsic, the id
// returned by author_submitExtrinsic.
func ExtrinsicHash(txData string) (string, error) {
	raw, err := codec.HexDecodeString(txData)
	if err != nil {
		return "", err
	}
	h := blake2b.Sum256(raw)
	return codec.HexEncodeToString(h[:]), nil
}

func (w *Worker) Submit(ctx context.Context, ptx *agreement.PresignedTx) (string, error) {
	txId, err := ExtrinsicHash(ptx.TxData)
	if err != nil {
		return "", errors.Join(agreement.ErrTxRejected, err)
	}

	var hash string
	err = w.rpc.CallContext(ctx, &hash, "author_submitExtrinsic", ptx.TxData)
	if err == nil {
		logger.WithFields(logger.Fields{
			"network": w.network,
			"phase":   ptx.Phase,
			"nonce":   ptx.Nonce,
			"txId":    txId,
		}).Debug("submitted extrinsic")
		return txId, nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already imported"):
		return txId, nil
	case strings.Contains(msg, "outdated"), strings.Contains(msg, "stale"):
		return txId, errors.Join(agreement.ErrNonceUsed, err)
	case strings.Contains(msg, "bad signature"), strings.Contains(msg, "could not decode"),
		strings.Contains(msg, "bad proof"), strings.Contains(msg, "invalid transaction: call"):
		return txId, errors.Join(agreement.ErrTxRejected, err)
	}
	return "", err
}

func (w *Worker) GetTxStatus(ctx context.Context, ptx *agreement.PresignedTx, _ string) (agreement.MonitoredTxStatus, *big.Int, error) {
	next, err := w.NextNonce(ctx, ptx.Signer)
	if err != nil {
		return "", nil, err
	}
	if next > ptx.Nonce {
		at, err := w.GetLatestLedgerNumber(ctx)
		if err != nil {
			return "", nil, err
		}
		return agreement.Success, at, nil
	}

	var pending []string
	if err := w.rpc.CallContext(ctx, &pending, "author_pendingExtrinsics"); err != nil {
		return "", nil, err
	}
	for _, ext := range pending {
		if strings.EqualFold(ext, ptx.TxData) {
			return agreement.Pending, nil, nil
		}
	}
	return agreement.Limbo, nil, nil
}

func (w *Worker) NextNonce(ctx context.Context, address string) (uint64, error) {
	var n uint64
	if err := w.rpc.CallContext(ctx, &n, "system_accountNextIndex", address); err != nil {
		return 0, err
	}
	return n, nil
}

func (w *Worker) RuntimeInfo(ctx context.Context) (RuntimeInfo, error) {
	var genesis string
	if err := w.rpc.CallContext(ctx, &genesis, "chain_getBlockHash", 0); err != nil {
		return RuntimeInfo{}, err
	}
	var rv types.RuntimeVersion
	if err := w.rpc.CallContext(ctx, &rv, "state_getRuntimeVersion"); err != nil {
		return RuntimeInfo{}, err
	}
	return RuntimeInfo{
		GenesisHash: genesis,
		SpecVersion: uint32(rv.SpecVersion),
		TxVersion:   uint32(rv.TransactionVersion),
	}, nil
}

// ReadContract dry-runs a contract message through ContractsApi_call.
func (w *Worker) ReadContract(ctx context.Context, caller, contract string, input []byte) (ContractReturn, error) {
	origin, err := AccountIDFromAddress(caller)
	if err != nil {
		return ContractReturn{}, err
	}
	dest, err := AccountIDFromAddress(contract)
	if err != nil {
		return ContractReturn{}, err
	}

	args, err := newArgWriter().
		raw(origin[:]).
		raw(dest[:]).
		u128(big.NewInt(0)).
		raw([]byte{0}). // gas limit: none
		raw([]byte{0}). // storage deposit limit: none
		encode(input).
		done()
	if err != nil {
		return ContractReturn{}, err
	}

	var res string
	if err := w.rpc.CallContext(ctx, &res, "state_call", "ContractsApi_call", codec.HexEncodeToString(args)); err != nil {
		return ContractReturn{}, err
	}
	raw, err := codec.HexDecodeString(res)
	if err != nil {
		return ContractReturn{}, fmt.Errorf("%w: %v", ErrContractResult, err)
	}
	flags, data, err := decodeContractResult(raw)
	if err != nil {
		return ContractReturn{}, err
	}
	return ContractReturn{Flags: flags, Data: data}, nil
}
