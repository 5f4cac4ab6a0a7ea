package evmman

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	logger "github.com/sirupsen/logrus"
)

// ChainReader is the read-only part of an ethereum client the builder needs.
type ChainReader interface {
	ethereum.ContractCaller
	ethereum.GasPricer1559
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Builder builds unsigned EIP-1559 transactions. The raw payload is the
// binary encoding of the unsigned transaction at the intent's base nonce.
type Builder struct {
	cfg    *Config
	reader ChainReader
	now    func() time.Time
}

func NewBuilder(cfg *Config, reader ChainReader) *Builder {
	return &Builder{
		cfg:    cfg,
		reader: reader,
		now:    time.Now,
	}
}

func (b *Builder) Family() agreement.Family {
	return agreement.FamilyEVM
}

func (b *Builder) Supports(kind agreement.TxKind) bool {
	switch kind {
	case agreement.KindTransfer, agreement.KindApprove, agreement.KindSwap, agreement.KindXcm:
		return true
	}
	return false
}

func (b *Builder) Build(ctx context.Context, intent *txbuilder.Intent) (txbuilder.Result, error) {
	if intent.Network != b.cfg.Network {
		return txbuilder.Result{}, fmt.Errorf("%w: builder for %s got %s", txbuilder.ErrInvalidIntent, b.cfg.Network, intent.Network)
	}

	var (
		to    ethcommon.Address
		value = new(big.Int)
		data  []byte
		err   error
	)

	switch intent.Kind {
	case agreement.KindTransfer:
		to, value, data, err = b.transfer(intent)
	case agreement.KindApprove:
		var skip bool
		skip, err = b.allowanceCovers(ctx, intent)
		if err != nil {
			return txbuilder.Result{}, err
		}
		if skip {
			return txbuilder.Skip("allowance covers amount"), nil
		}
		to = ethcommon.HexToAddress(intent.Asset)
		data, err = packApprove(ethcommon.HexToAddress(intent.Spender), intent.Amount)
	case agreement.KindSwap:
		to, data, err = b.swap(ctx, intent)
	case agreement.KindXcm:
		to, data, err = b.xcm(intent)
	default:
		return txbuilder.Result{}, fmt.Errorf("%w: %s", txbuilder.ErrUnsupportedIntent, intent.Kind)
	}
	if err != nil {
		return txbuilder.Result{}, err
	}

	tipCap, feeCap, err := b.fees(ctx)
	if err != nil {
		return txbuilder.Result{}, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.cfg.ChainID,
		Nonce:     intent.Nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       b.cfg.Margins.GasLimit(b.cfg.GasLimits[intent.Kind]),
		To:        &to,
		Value:     value,
		Data:      data,
	})
	raw, err := tx.MarshalBinary()
	if err != nil {
		return txbuilder.Result{}, err
	}

	logger.WithFields(logger.Fields{
		"network": intent.Network,
		"phase":   intent.Phase,
		"kind":    intent.Kind,
		"nonce":   intent.Nonce,
	}).Debug("built evm tx")

	return txbuilder.Built(txbuilder.Envelope(intent, raw)), nil
}

func (b *Builder) transfer(intent *txbuilder.Intent) (ethcommon.Address, *big.Int, []byte, error) {
	recipient := ethcommon.HexToAddress(intent.Recipient)
	if isNative(intent.Asset) {
		return recipient, new(big.Int).Set(intent.Amount), nil, nil
	}
	data, err := packTransfer(recipient, intent.Amount)
	return ethcommon.HexToAddress(intent.Asset), new(big.Int), data, err
}

func (b *Builder) allowanceCovers(ctx context.Context, intent *txbuilder.Intent) (bool, error) {
	data, err := packAllowance(ethcommon.HexToAddress(intent.Signer), ethcommon.HexToAddress(intent.Spender))
	if err != nil {
		return false, err
	}
	token := ethcommon.HexToAddress(intent.Asset)
	out, err := b.reader.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("allowance read: %w", err)
	}
	allowance, err := unpackUint256("allowance", erc20ABI, out)
	if err != nil {
		return false, err
	}
	return allowance.Cmp(intent.Amount) >= 0, nil
}

func (b *Builder) swap(ctx context.Context, intent *txbuilder.Intent) (ethcommon.Address, []byte, error) {
	if b.cfg.RouterAddress == (ethcommon.Address{}) {
		return ethcommon.Address{}, nil, fmt.Errorf("%w: no router on %s", txbuilder.ErrUnsupportedIntent, b.cfg.Network)
	}

	path := []ethcommon.Address{ethcommon.HexToAddress(intent.Asset), ethcommon.HexToAddress(intent.AssetOut)}
	query, err := packGetAmountsOut(intent.Amount, path)
	if err != nil {
		return ethcommon.Address{}, nil, err
	}
	router := b.cfg.RouterAddress
	out, err := b.reader.CallContract(ctx, ethereum.CallMsg{To: &router, Data: query}, nil)
	if err != nil {
		return ethcommon.Address{}, nil, fmt.Errorf("router quote: %w", err)
	}
	amounts, err := unpackAmountsOut(out)
	if err != nil {
		return ethcommon.Address{}, nil, err
	}

	minOut := b.cfg.Margins.MinOut(intent.QuotedOut)
	expected := amounts[len(amounts)-1]
	if expected.Cmp(minOut) < 0 {
		return ethcommon.Address{}, nil, fmt.Errorf("%w: router returns %s, minimum %s", txbuilder.ErrInsufficientLiquidity, expected, minOut)
	}

	to := intent.Recipient
	if to == "" {
		to = intent.Signer
	}
	deadline := big.NewInt(b.now().Add(b.cfg.SwapDeadline).Unix())
	data, err := packSwap(intent.Amount, minOut, path, ethcommon.HexToAddress(to), deadline)
	return router, data, err
}

func (b *Builder) xcm(intent *txbuilder.Intent) (ethcommon.Address, []byte, error) {
	if b.cfg.Network != agreement.Moonbeam {
		return ethcommon.Address{}, nil, fmt.Errorf("%w: %s -> %s", txbuilder.ErrUnsupportedCorridor, b.cfg.Network, intent.DestNetwork)
	}

	dest, err := DestinationMultilocation(intent.DestNetwork, intent.Recipient)
	if err != nil {
		return ethcommon.Address{}, nil, err
	}
	fee, ok := b.cfg.XcmFee[intent.DestNetwork]
	if !ok {
		return ethcommon.Address{}, nil, fmt.Errorf("%w: no fee reserve for %s", txbuilder.ErrUnsupportedCorridor, intent.DestNetwork)
	}

	data, err := packXcmTransfer(ethcommon.HexToAddress(intent.Asset), intent.Amount, fee, dest, b.cfg.XcmWeight)
	return b.cfg.XcmPrecompile, data, err
}

func (b *Builder) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := b.reader.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := b.reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee == nil {
		return tip, new(big.Int).Set(tip), nil
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	return tip, feeCap.Add(feeCap, tip), nil
}

func isNative(asset string) bool {
	return asset == "" || asset == "native"
}
