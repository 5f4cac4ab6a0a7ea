package stellarman

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/stellar/go/clients/horizonclient"
	hProtocol "github.com/stellar/go/protocols/horizon"
	logger "github.com/sirupsen/logrus"
)

type horizonClient interface {
	Root() (hProtocol.Root, error)
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransactionXDR(transactionXdr string) (hProtocol.Transaction, error)
	TransactionDetail(txHash string) (hProtocol.Transaction, error)
}

// Worker submits presigned envelopes through Horizon. It is also the
// sequence source of stellar accounts and the account reader of the builder.
type Worker struct {
	network        agreement.Network
	passphrase     string
	sequenceWindow time.Duration
	client         horizonClient
}

func NewWorker(cfg *Config, client horizonClient) *Worker {
	return &Worker{
		network:        cfg.Network,
		passphrase:     cfg.Passphrase,
		sequenceWindow: cfg.SequenceWindow,
		client:         client,
	}
}

// Dial returns a worker talking to cfg.HorizonURL and a builder reading
// accounts through it.
func Dial(cfg *Config) (*Worker, *Builder) {
	w := NewWorker(cfg, &horizonclient.Client{HorizonURL: cfg.HorizonURL})
	return w, NewBuilder(cfg, w)
}

func (w *Worker) Network() agreement.Network {
	return w.network
}

func (w *Worker) GetLatestLedgerNumber(_ context.Context) (*big.Int, error) {
	root, err := w.client.Root()
	if err != nil {
		return nil, err
	}
	return big.NewInt(int64(root.HorizonSequence)), nil
}

// TxHash is the hex hash of a signed envelope under the worker's network.
func (w *Worker) TxHash(txData string) (string, error) {
	tx, err := DecodeSigned(txData)
	if err != nil {
		return "", err
	}
	return tx.HashHex(w.passphrase)
}

func (w *Worker) Submit(_ context.Context, ptx *agreement.PresignedTx) (string, error) {
	txId, err := w.TxHash(ptx.TxData)
	if err != nil {
		return "", errors.Join(agreement.ErrTxRejected, err)
	}

	_, err = w.client.SubmitTransactionXDR(ptx.TxData)
	if err == nil {
		logger.WithFields(logger.Fields{
			"network": w.network,
			"phase":   ptx.Phase,
			"seq":     ptx.Nonce,
			"txId":    txId,
		}).Debug("submitted stellar tx")
		return txId, nil
	}

	hErr := horizonclient.GetError(err)
	if hErr == nil {
		return "", err
	}
	codes, cerr := hErr.ResultCodes()
	if cerr != nil {
		// timeouts and the like carry no result codes, the tx may still land
		return "", err
	}

	switch codes.TransactionCode {
	case "tx_bad_seq":
		return txId, errors.Join(agreement.ErrNonceUsed, fmt.Errorf("%s", codes.TransactionCode))
	case "tx_too_late", "tx_bad_auth", "tx_bad_auth_extra", "tx_malformed", "tx_failed",
		"tx_no_source_account", "tx_insufficient_balance", "tx_bad_min_seq_age_or_gap":
		return txId, errors.Join(agreement.ErrTxRejected, fmt.Errorf("%s %v", codes.TransactionCode, codes.OperationCodes))
	}
	return "", err
}

func (w *Worker) GetTxStatus(_ context.Context, _ *agreement.PresignedTx, txId string) (agreement.MonitoredTxStatus, *big.Int, error) {
	tx, err := w.client.TransactionDetail(txId)
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return agreement.Limbo, nil, nil
		}
		return "", nil, err
	}
	at := big.NewInt(int64(tx.Ledger))
	if !tx.Successful {
		return agreement.Reverted, at, nil
	}
	return agreement.Success, at, nil
}

// Account implements AccountReader.
func (w *Worker) Account(_ context.Context, address string) (*hProtocol.Account, error) {
	acc, err := w.client.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		if horizonclient.IsNotFoundError(err) {
			return nil, nil
		}
		return nil, err
	}
	return &acc, nil
}

// NextNonce returns the sequence the next transaction of address must use.
// An account that does not exist yet gets the sequence it would hold if it
// were created at the end of the sequence window, a new account starting at
// ledger << 32.
func (w *Worker) NextNonce(ctx context.Context, address string) (uint64, error) {
	acc, err := w.Account(ctx, address)
	if err != nil {
		return 0, err
	}
	if acc != nil {
		return uint64(acc.Sequence) + 1, nil
	}

	latest, err := w.GetLatestLedgerNumber(ctx)
	if err != nil {
		return 0, err
	}
	return ProjectedSequence(latest.Uint64(), w.sequenceWindow), nil
}

// ProjectedSequence is the first sequence of an account created window after
// ledger.
func ProjectedSequence(ledger uint64, window time.Duration) uint64 {
	ahead := uint64((window + LedgerCloseTime - 1) / LedgerCloseTime)
	return (ledger + ahead) << 32
}

// Balance of address in asset ("native" or CODE:ISSUER), in stroops.
func (w *Worker) Balance(ctx context.Context, address, asset string) (*big.Int, error) {
	a, err := parseAsset(asset)
	if err != nil {
		return nil, err
	}
	acc, err := w.Account(ctx, address)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return big.NewInt(0), nil
	}
	for _, bal := range acc.Balances {
		native := bal.Type == "native"
		if native == a.IsNative() && (native || (bal.Code == a.GetCode() && bal.Issuer == a.GetIssuer())) {
			return ParseAmount(bal.Balance)
		}
	}
	return big.NewInt(0), nil
}
