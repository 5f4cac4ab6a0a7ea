package subsidy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/presign"
	"github.com/TEENet-io/ramp-go/txbuilder"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrPaymentFailed      = errors.New("subsidy payment failed on chain")
	ErrPaymentUnconfirmed = errors.New("subsidy payment not included in time")
)

// BalanceReader is implemented by the chain workers.
type BalanceReader interface {
	Balance(ctx context.Context, address, asset string) (*big.Int, error)
}

type PoolConfig struct {
	Network  agreement.Network
	Token    agreement.SubsidyToken
	Asset    string // asset id understood by the network's builder
	Decimals int32
	Key      agreement.EphemeralKey

	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// ChainPool pays subsidies with an ordinary transfer signed by the funding
// key, through the same builder, signer and worker the ramps use.
type ChainPool struct {
	cfg     PoolConfig
	builder txbuilder.Builder
	signer  agreement.Signer
	worker  agreement.ChainWorker
	nonces  agreement.NonceSource
	reader  BalanceReader

	// one payment in flight per funding account
	mu sync.Mutex
}

func NewChainPool(cfg PoolConfig, builder txbuilder.Builder, signer agreement.Signer, worker agreement.ChainWorker, nonces agreement.NonceSource, reader BalanceReader) *ChainPool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &ChainPool{
		cfg:     cfg,
		builder: builder,
		signer:  signer,
		worker:  worker,
		nonces:  nonces,
		reader:  reader,
	}
}

func (p *ChainPool) Network() agreement.Network    { return p.cfg.Network }
func (p *ChainPool) Token() agreement.SubsidyToken { return p.cfg.Token }
func (p *ChainPool) Address() string               { return p.cfg.Key.Address }
func (p *ChainPool) Decimals() int32               { return p.cfg.Decimals }

func (p *ChainPool) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	return p.reader.Balance(ctx, address, p.cfg.Asset)
}

func (p *ChainPool) Submit(ctx context.Context, phase, to string, amount *big.Int) (*agreement.PresignedTx, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	nonce, err := p.nonces.NextNonce(ctx, p.Address())
	if err != nil {
		return nil, "", err
	}

	res, err := p.builder.Build(ctx, &txbuilder.Intent{
		Network:   p.cfg.Network,
		Kind:      agreement.KindTransfer,
		Phase:     phase,
		Signer:    p.Address(),
		Nonce:     nonce,
		Asset:     p.cfg.Asset,
		Amount:    amount,
		Recipient: to,
	})
	if err != nil {
		return nil, "", err
	}
	if res.Skipped {
		return nil, "", fmt.Errorf("transfer skipped: %s", res.Reason)
	}

	txData, err := p.signer.SignAt(ctx, res.Tx, p.cfg.Key, nonce)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s transfer at nonce %d: %v", presign.ErrSigningFailed, phase, nonce, err)
	}
	ptx := &agreement.PresignedTx{
		Network: p.cfg.Network,
		Kind:    agreement.KindTransfer,
		Phase:   phase,
		Signer:  p.Address(),
		Nonce:   nonce,
		TxData:  txData,
	}

	txId, err := p.worker.Submit(ctx, ptx)
	if err != nil {
		return nil, "", err
	}
	logger.WithFields(logger.Fields{
		"network": p.cfg.Network,
		"token":   p.cfg.Token,
		"phase":   phase,
		"to":      to,
		"amount":  amount,
		"txId":    txId,
	}).Info("subsidy payment submitted")

	return ptx, txId, nil
}

// Confirm polls the worker until the transfer is included or the confirm
// timeout passes.
func (p *ChainPool) Confirm(ctx context.Context, ptx *agreement.PresignedTx, txId string) error {
	if ptx == nil {
		return fmt.Errorf("%w: %s has no submitted tx", ErrPaymentUnconfirmed, txId)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, _, err := p.worker.GetTxStatus(ctx, ptx, txId)
		if err != nil {
			logger.WithField("txId", txId).Warnf("failed to get subsidy tx status: %v", err)
		}
		switch status {
		case agreement.Success:
			return nil
		case agreement.Reverted, agreement.MalForm:
			return fmt.Errorf("%w: %s %s", ErrPaymentFailed, txId, status)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrPaymentUnconfirmed, txId)
		case <-ticker.C:
		}
	}
}
