package evmman

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	logger "github.com/sirupsen/logrus"
)

type ethereumClient interface {
	ethereum.BlockNumberReader
	ethereum.TransactionReader
	ethereum.TransactionSender
	ethereum.ContractCaller
	BalanceAt(ctx context.Context, account ethcommon.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account ethcommon.Address) (uint64, error)
}

// Worker submits presigned variants to one evm network and follows their
// receipts.
type Worker struct {
	network agreement.Network
	client  ethereumClient
}

func NewWorker(network agreement.Network, client ethereumClient) *Worker {
	return &Worker{network: network, client: client}
}

// Dial connects to cfg.URL and returns the worker and builder sharing the
// connection.
func Dial(cfg *Config) (*Worker, *Builder, error) {
	client, err := ethclient.Dial(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	return NewWorker(cfg.Network, client), NewBuilder(cfg, client), nil
}

func (w *Worker) Network() agreement.Network {
	return w.network
}

func (w *Worker) GetLatestLedgerNumber(ctx context.Context) (*big.Int, error) {
	n, err := w.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(n), nil
}

func (w *Worker) Submit(ctx context.Context, ptx *agreement.PresignedTx) (string, error) {
	tx, err := DecodeSigned(ptx.TxData)
	if err != nil {
		return "", errors.Join(agreement.ErrTxRejected, err)
	}
	txId := tx.Hash().Hex()

	err = w.client.SendTransaction(ctx, tx)
	if err == nil {
		logger.WithFields(logger.Fields{
			"network": w.network,
			"phase":   ptx.Phase,
			"nonce":   tx.Nonce(),
			"txId":    txId,
		}).Debug("submitted evm tx")
		return txId, nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"):
		return txId, nil
	case strings.Contains(msg, "nonce too low"):
		return txId, errors.Join(agreement.ErrNonceUsed, err)
	case strings.Contains(msg, "invalid sender"), strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "invalid chain id"):
		return txId, errors.Join(agreement.ErrTxRejected, err)
	}
	return "", err
}

func (w *Worker) GetTxStatus(ctx context.Context, _ *agreement.PresignedTx, txId string) (agreement.MonitoredTxStatus, *big.Int, error) {
	hash := ethcommon.HexToHash(txId)

	receipt, err := w.client.TransactionReceipt(ctx, hash)
	if err == nil {
		if receipt.Status == types.ReceiptStatusSuccessful {
			return agreement.Success, receipt.BlockNumber, nil
		}
		return agreement.Reverted, receipt.BlockNumber, nil
	}
	if !errors.Is(err, ethereum.NotFound) {
		return "", nil, err
	}

	_, isPending, err := w.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return agreement.Limbo, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if isPending {
		return agreement.Pending, nil, nil
	}
	// mined but the receipt is not indexed yet
	return agreement.Pending, nil, nil
}

func (w *Worker) NextNonce(ctx context.Context, address string) (uint64, error) {
	return w.client.PendingNonceAt(ctx, ethcommon.HexToAddress(address))
}

// Balance of address in the native coin (asset "" or "native") or in the
// erc20 token at asset.
func (w *Worker) Balance(ctx context.Context, address, asset string) (*big.Int, error) {
	owner := ethcommon.HexToAddress(address)
	if isNative(asset) {
		return w.client.BalanceAt(ctx, owner, nil)
	}
	if !ethcommon.IsHexAddress(asset) {
		return nil, fmt.Errorf("not a token address: %q", asset)
	}

	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, err
	}
	token := ethcommon.HexToAddress(asset)
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return unpackUint256("balanceOf", erc20ABI, out)
}
