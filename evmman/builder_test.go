package evmman

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/common"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	allowance  *big.Int
	amountsOut *big.Int
	baseFee    *big.Int
	fail       error
}

func (f *fakeReader) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	switch {
	case bytes.Equal(msg.Data[:4], erc20ABI.Methods["allowance"].ID):
		return erc20ABI.Methods["allowance"].Outputs.Pack(f.allowance)
	case bytes.Equal(msg.Data[:4], routerABI.Methods["getAmountsOut"].ID):
		args, err := routerABI.Methods["getAmountsOut"].Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		return routerABI.Methods["getAmountsOut"].Outputs.Pack([]*big.Int{args[0].(*big.Int), f.amountsOut})
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeReader) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1000000000), nil
}

func (f *fakeReader) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

var (
	ephemeral = "0x1111111111111111111111111111111111111111"
	token     = "0x2222222222222222222222222222222222222222"
	tokenOut  = "0x3333333333333333333333333333333333333333"
	spender   = "0x4444444444444444444444444444444444444444"
	router    = ethcommon.HexToAddress("0x5555555555555555555555555555555555555555")
)

func newTestBuilder(reader *fakeReader) *Builder {
	cfg := DefaultConfig(agreement.Moonbeam, big.NewInt(1284))
	cfg.RouterAddress = router
	return NewBuilder(cfg, reader)
}

func decodeUnsigned(t *testing.T, res txbuilder.Result) *types.Transaction {
	require.NotNil(t, res.Tx)
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(res.Tx.RawPayload))
	return tx
}

func approveIntent(amount int64) *txbuilder.Intent {
	return &txbuilder.Intent{
		Network: agreement.Moonbeam,
		Kind:    agreement.KindApprove,
		Phase:   "squidRouterApprove",
		Signer:  ephemeral,
		Nonce:   3,
		Asset:   token,
		Amount:  big.NewInt(amount),
		Spender: spender,
	}
}

func TestApproveSkippedWhenAllowanceCovers(t *testing.T) {
	b := newTestBuilder(&fakeReader{allowance: big.NewInt(1000), baseFee: big.NewInt(100)})

	res, err := b.Build(context.Background(), approveIntent(999))
	assert.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Nil(t, res.Tx)

	res, err = b.Build(context.Background(), approveIntent(1000))
	assert.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestApproveBuilt(t *testing.T) {
	b := newTestBuilder(&fakeReader{allowance: big.NewInt(10), baseFee: big.NewInt(100)})

	res, err := b.Build(context.Background(), approveIntent(1000))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, agreement.KindApprove, res.Tx.Kind)
	assert.Equal(t, uint64(3), res.Tx.Nonce)

	tx := decodeUnsigned(t, res)
	assert.Equal(t, uint64(3), tx.Nonce())
	assert.Equal(t, ethcommon.HexToAddress(token), *tx.To())
	assert.Equal(t, "1284", tx.ChainId().String())
	assert.Equal(t, uint64(110000), tx.Gas())
	assert.Equal(t, "1000000200", tx.GasFeeCap().String())

	method := erc20ABI.Methods["approve"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, ethcommon.HexToAddress(spender), args[0])
	assert.Equal(t, "1000", args[1].(*big.Int).String())
}

func TestAllowanceReadFailure(t *testing.T) {
	b := newTestBuilder(&fakeReader{fail: errors.New("rpc timeout")})
	_, err := b.Build(context.Background(), approveIntent(1000))
	assert.ErrorContains(t, err, "rpc timeout")
}

func swapIntent() *txbuilder.Intent {
	return &txbuilder.Intent{
		Network:   agreement.Moonbeam,
		Kind:      agreement.KindSwap,
		Phase:     "squidRouterSwap",
		Signer:    ephemeral,
		Asset:     token,
		Amount:    big.NewInt(1000),
		AssetOut:  tokenOut,
		QuotedOut: big.NewInt(1000),
	}
}

func TestSwapMinimumOutput(t *testing.T) {
	b := newTestBuilder(&fakeReader{amountsOut: big.NewInt(995), baseFee: big.NewInt(100)})

	res, err := b.Build(context.Background(), swapIntent())
	require.NoError(t, err)
	tx := decodeUnsigned(t, res)
	assert.Equal(t, router, *tx.To())

	method := routerABI.Methods["swapExactTokensForTokens"]
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "1000", args[0].(*big.Int).String())
	// 1% under the quoted amount
	assert.Equal(t, "990", args[1].(*big.Int).String())
	assert.Equal(t, []ethcommon.Address{ethcommon.HexToAddress(token), ethcommon.HexToAddress(tokenOut)}, args[2])
	assert.Equal(t, ethcommon.HexToAddress(ephemeral), args[3])
}

func TestSwapInsufficientLiquidity(t *testing.T) {
	b := newTestBuilder(&fakeReader{amountsOut: big.NewInt(989), baseFee: big.NewInt(100)})

	_, err := b.Build(context.Background(), swapIntent())
	assert.ErrorIs(t, err, txbuilder.ErrInsufficientLiquidity)
}

func TestXcmToPendulum(t *testing.T) {
	b := newTestBuilder(&fakeReader{baseFee: big.NewInt(100)})
	beneficiary := "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"

	res, err := b.Build(context.Background(), &txbuilder.Intent{
		Network:     agreement.Moonbeam,
		Kind:        agreement.KindXcm,
		Phase:       "moonbeamToPendulumXcm",
		Signer:      ephemeral,
		Asset:       token,
		Amount:      big.NewInt(5000000),
		DestNetwork: agreement.Pendulum,
		Recipient:   beneficiary,
	})
	require.NoError(t, err)
	tx := decodeUnsigned(t, res)
	assert.Equal(t, DefaultXcmPrecompile, *tx.To())
	assert.Equal(t, xtokensABI.Methods["transferWithFee"].ID, tx.Data()[:4])

	dest, err := DestinationMultilocation(agreement.Pendulum, beneficiary)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), dest.Parents)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x08, 0x2e}, dest.Interior[0])
	pub, _, _ := common.SS58Decode(beneficiary)
	assert.Equal(t, append(append([]byte{0x01}, pub...), 0x00), dest.Interior[1])

	expected, err := packXcmTransfer(ethcommon.HexToAddress(token), big.NewInt(5000000), big.NewInt(1000000), dest, 4000000000)
	require.NoError(t, err)
	assert.Equal(t, expected, tx.Data())
}

func TestXcmUnsupportedCorridors(t *testing.T) {
	_, err := DestinationMultilocation(agreement.Stellar, "GABC")
	assert.ErrorIs(t, err, txbuilder.ErrUnsupportedCorridor)

	_, err = DestinationMultilocation(agreement.Pendulum, "0x1234")
	assert.ErrorIs(t, err, txbuilder.ErrInvalidBeneficiary)

	cfg := DefaultConfig(agreement.Polygon, big.NewInt(137))
	b := NewBuilder(cfg, &fakeReader{baseFee: big.NewInt(1)})
	_, err = b.Build(context.Background(), &txbuilder.Intent{
		Network:     agreement.Polygon,
		Kind:        agreement.KindXcm,
		Phase:       "x",
		Signer:      ephemeral,
		Asset:       token,
		Amount:      big.NewInt(1),
		DestNetwork: agreement.Pendulum,
		Recipient:   "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY",
	})
	assert.ErrorIs(t, err, txbuilder.ErrUnsupportedCorridor)
}

func TestNativeTransfer(t *testing.T) {
	b := newTestBuilder(&fakeReader{})

	res, err := b.Build(context.Background(), &txbuilder.Intent{
		Network:   agreement.Moonbeam,
		Kind:      agreement.KindTransfer,
		Phase:     "fundEphemeral",
		Signer:    ephemeral,
		Asset:     "native",
		Amount:    big.NewInt(42),
		Recipient: spender,
	})
	require.NoError(t, err)
	tx := decodeUnsigned(t, res)
	assert.Equal(t, "42", tx.Value().String())
	assert.Empty(t, tx.Data())
	// legacy header without base fee
	assert.Equal(t, tx.GasTipCap(), tx.GasFeeCap())
}
