package substrateman

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/common"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/strkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceAddr   = "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY"
	alicePubHex = "0xd43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d"
	routerID    = "0x1111111111111111111111111111111111111111111111111111111111111111"
	tokenIn     = "0x2222222222222222222222222222222222222222222222222222222222222222"
	tokenOut    = "0x3333333333333333333333333333333333333333333333333333333333333333"
	evmAddr     = "0x00000000000000000000000000000000000000aa"
)

type fakeReader struct {
	returns map[string]ContractReturn
	calls   int
}

func (r *fakeReader) ReadContract(_ context.Context, _, _ string, input []byte) (ContractReturn, error) {
	r.calls++
	ret, ok := r.returns[string(input[:4])]
	if !ok {
		return ContractReturn{Flags: flagRevert}, nil
	}
	return ret, nil
}

func testRuntime() RuntimeInfo {
	return RuntimeInfo{
		GenesisHash: "0x5d3c298622d5634ed019bf61ea4b71655030015bde9beb0d6a24743714462c86",
		SpecVersion: 15,
		TxVersion:   1,
	}
}

func newTestBuilder(reader ContractReader) *Builder {
	cfg := DefaultPendulumConfig()
	cfg.NablaRouter = routerID
	b := NewBuilder(cfg, testRuntime(), reader)
	b.now = func() time.Time { return time.Unix(1700000000, 0) }
	return b
}

func mustBuild(t *testing.T, b *Builder, intent *txbuilder.Intent) *unsignedPayload {
	res, err := b.Build(context.Background(), intent)
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.NotNil(t, res.Tx)
	assert.Equal(t, intent.Nonce, res.Tx.Nonce)
	p, err := decodePayload(res.Tx.RawPayload)
	require.NoError(t, err)
	return p
}

func payloadArgs(t *testing.T, p *unsignedPayload) []byte {
	args, err := codec.HexDecodeString(p.Args)
	require.NoError(t, err)
	return args
}

func TestBuildTransfer(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	p := mustBuild(t, b, &txbuilder.Intent{
		Network:   agreement.Pendulum,
		Kind:      agreement.KindTransfer,
		Phase:     "pendulumToMoonbeam",
		Signer:    aliceAddr,
		Nonce:     3,
		Asset:     "0x0100",
		Amount:    big.NewInt(100),
		Recipient: aliceAddr,
	})

	assert.Equal(t, types.CallIndex{SectionIndex: 54, MethodIndex: 0}, p.CallIndex)
	assert.Equal(t, uint16(56), p.SS58Prefix)
	assert.Equal(t, uint32(15), p.SpecVersion)

	want := append([]byte{0x00}, common.HexStrToByteSlice(alicePubHex)...)
	want = append(want, 0x01, 0x00, 0x91, 0x01)
	assert.Equal(t, want, payloadArgs(t, p))
}

func TestBuildSplitTransfer(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	intent := &txbuilder.Intent{
		Network: agreement.Pendulum,
		Kind:    agreement.KindTransfer,
		Phase:   "distributeFees",
		Signer:  aliceAddr,
		Asset:   "0x0100",
		Amount:  big.NewInt(100),
		Payees: []txbuilder.Payee{
			{Recipient: aliceAddr, Amount: big.NewInt(60)},
			{Recipient: aliceAddr, Amount: big.NewInt(40)},
		},
	}
	p := mustBuild(t, b, intent)
	assert.Equal(t, types.CallIndex{SectionIndex: 16, MethodIndex: 2}, p.CallIndex)

	transfer := func(compact byte) []byte {
		out := append([]byte{54, 0, 0x00}, common.HexStrToByteSlice(alicePubHex)...)
		return append(out, 0x01, 0x00, compact)
	}
	want := append([]byte{0x08}, transfer(0xf0)...)
	want = append(want, transfer(0xa0)...)
	assert.Equal(t, want, payloadArgs(t, p))

	b.cfg.Calls.UtilityBatchAll = types.CallIndex{}
	_, err := b.Build(context.Background(), intent)
	assert.ErrorIs(t, err, txbuilder.ErrUnsupportedIntent)
}

func TestBuildTransferBadRecipient(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	_, err := b.Build(context.Background(), &txbuilder.Intent{
		Network:   agreement.Pendulum,
		Kind:      agreement.KindTransfer,
		Asset:     "0x0100",
		Amount:    big.NewInt(1),
		Recipient: "not-an-address",
	})
	assert.ErrorIs(t, err, txbuilder.ErrInvalidBeneficiary)

	_, err = b.Build(context.Background(), &txbuilder.Intent{
		Network:   agreement.AssetHub,
		Kind:      agreement.KindTransfer,
		Amount:    big.NewInt(1),
		Recipient: aliceAddr,
	})
	assert.ErrorIs(t, err, txbuilder.ErrInvalidIntent)
}

func TestBuildApprove(t *testing.T) {
	reader := &fakeReader{returns: map[string]ContractReturn{
		string(selAllowance): {Data: u256LE(big.NewInt(500))},
	}}
	b := newTestBuilder(reader)

	intent := &txbuilder.Intent{
		Network: agreement.Pendulum,
		Kind:    agreement.KindApprove,
		Phase:   "nablaApprove",
		Signer:  aliceAddr,
		Asset:   tokenIn,
		Amount:  big.NewInt(100),
		Spender: routerID,
	}
	res, err := b.Build(context.Background(), intent)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Nil(t, res.Tx)

	intent.Amount = big.NewInt(1000)
	p := mustBuild(t, b, intent)
	assert.Equal(t, b.cfg.Calls.ContractsCall, p.CallIndex)

	args := payloadArgs(t, p)
	assert.Equal(t, append([]byte{0x00}, common.HexStrToByteSlice(tokenIn)...), args[:33])
	data := append(append(append([]byte{}, selApprove...), common.HexStrToByteSlice(routerID)...), u256LE(big.NewInt(1000))...)
	assert.True(t, bytes.HasSuffix(args, data))
}

func TestBuildApproveRejectedRead(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	_, err := b.Build(context.Background(), &txbuilder.Intent{
		Network: agreement.Pendulum,
		Kind:    agreement.KindApprove,
		Signer:  aliceAddr,
		Asset:   tokenIn,
		Amount:  big.NewInt(1),
	})
	assert.ErrorIs(t, err, txbuilder.ErrReadSimulationRejected)
}

func swapIntent() *txbuilder.Intent {
	return &txbuilder.Intent{
		Network:   agreement.Pendulum,
		Kind:      agreement.KindSwap,
		Phase:     "nablaSwap",
		Signer:    aliceAddr,
		Nonce:     7,
		Asset:     tokenIn,
		AssetOut:  tokenOut,
		Amount:    big.NewInt(1000),
		QuotedOut: big.NewInt(1000),
	}
}

func TestBuildSwap(t *testing.T) {
	reader := &fakeReader{returns: map[string]ContractReturn{
		string(selAmountOut): {Data: u256LE(big.NewInt(990))},
	}}
	b := newTestBuilder(reader)

	p := mustBuild(t, b, swapIntent())
	args := payloadArgs(t, p)
	assert.Equal(t, append([]byte{0x00}, common.HexStrToByteSlice(routerID)...), args[:33])

	var data []byte
	data = append(data, selSwapTokens...)
	data = append(data, u256LE(big.NewInt(1000))...)
	data = append(data, u256LE(big.NewInt(990))...)
	assert.True(t, bytes.Contains(args, data))

	deadline := u256LE(big.NewInt(1700000000 + 3600))
	assert.True(t, bytes.HasSuffix(args, deadline))
}

func TestBuildSwapInsufficientLiquidity(t *testing.T) {
	reader := &fakeReader{returns: map[string]ContractReturn{
		string(selAmountOut): {Data: u256LE(big.NewInt(989))},
	}}
	_, err := newTestBuilder(reader).Build(context.Background(), swapIntent())
	assert.ErrorIs(t, err, txbuilder.ErrInsufficientLiquidity)

	_, err = newTestBuilder(&fakeReader{}).Build(context.Background(), swapIntent())
	assert.ErrorIs(t, err, txbuilder.ErrInsufficientLiquidity)
	assert.ErrorIs(t, err, txbuilder.ErrReadSimulationRejected)
}

func TestBuildXcmToMoonbeam(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	p := mustBuild(t, b, &txbuilder.Intent{
		Network:     agreement.Pendulum,
		Kind:        agreement.KindXcm,
		Phase:       "pendulumToMoonbeam",
		Signer:      aliceAddr,
		Asset:       "0x0100",
		Amount:      big.NewInt(5),
		DestNetwork: agreement.Moonbeam,
		Recipient:   evmAddr,
	})
	assert.Equal(t, b.cfg.Calls.XTokensTransferWithFee, p.CallIndex)

	args := payloadArgs(t, p)
	assert.Equal(t, []byte{0x01, 0x00, 0x05}, args[:3])

	dest := []byte{0x03, 0x01, 0x02, 0x00, 0x51, 0x1f, 0x03, 0x00}
	dest = append(dest, common.HexStrToByteSlice(evmAddr)...)
	assert.True(t, bytes.Contains(args, dest))
	limit, err := codec.Encode(WeightLimit{Limit: Weight{RefTime: b.cfg.XcmRefTime, ProofSize: b.cfg.XcmProofSize}})
	require.NoError(t, err)
	assert.True(t, bytes.HasSuffix(args, limit))
}

func TestBuildXcmFromAssetHub(t *testing.T) {
	cfg := DefaultAssetHubConfig()
	b := NewBuilder(cfg, testRuntime(), nil)
	assert.False(t, b.Supports(agreement.KindSwap))

	res, err := b.Build(context.Background(), &txbuilder.Intent{
		Network:     agreement.AssetHub,
		Kind:        agreement.KindXcm,
		Signer:      aliceAddr,
		Asset:       "assets:1337",
		Amount:      big.NewInt(5),
		DestNetwork: agreement.Pendulum,
		Recipient:   aliceAddr,
	})
	require.NoError(t, err)
	p, err := decodePayload(res.Tx.RawPayload)
	require.NoError(t, err)
	assert.Equal(t, cfg.Calls.LimitedReserveTransfer, p.CallIndex)

	args := payloadArgs(t, p)
	assert.Equal(t, []byte{0x03, 0x01, 0x01, 0x00, 0xb9, 0x20}, args[:6])
	assert.True(t, bytes.Contains(args, []byte{0x04, 0x32, 0x05, 0xe5, 0x14}))
}

func TestBuildXcmUnsupportedCorridor(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	intent := &txbuilder.Intent{
		Network:     agreement.Pendulum,
		Kind:        agreement.KindXcm,
		Asset:       "0x0100",
		Amount:      big.NewInt(5),
		DestNetwork: agreement.Stellar,
		Recipient:   aliceAddr,
	}
	_, err := b.Build(context.Background(), intent)
	assert.ErrorIs(t, err, txbuilder.ErrUnsupportedCorridor)

	intent.DestNetwork = agreement.Hydration
	_, err = b.Build(context.Background(), intent)
	assert.ErrorIs(t, err, txbuilder.ErrUnsupportedCorridor)

	intent.DestNetwork = agreement.Moonbeam
	intent.Recipient = aliceAddr
	_, err = b.Build(context.Background(), intent)
	assert.ErrorIs(t, err, txbuilder.ErrInvalidBeneficiary)
}

func TestBuildRedeem(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	assert.False(t, b.Supports(agreement.KindRedeem))
	b.cfg.RedeemVault = VaultID{AccountID: routerID, Collateral: "0x0001", Wrapped: "0x02"}
	assert.True(t, b.Supports(agreement.KindRedeem))

	kp, err := keypair.Random()
	require.NoError(t, err)
	p := mustBuild(t, b, &txbuilder.Intent{
		Network:   agreement.Pendulum,
		Kind:      agreement.KindRedeem,
		Phase:     "executeSpacewalkRedeem",
		Signer:    aliceAddr,
		Amount:    big.NewInt(7),
		Recipient: kp.Address(),
	})
	assert.Equal(t, b.cfg.Calls.RedeemRequest, p.CallIndex)

	args := payloadArgs(t, p)
	require.Len(t, args, 16+32+32+3)
	assert.Equal(t, byte(7), args[0])
	pub, err := strkey.Decode(strkey.VersionByteAccountID, kp.Address())
	require.NoError(t, err)
	assert.Equal(t, pub, args[16:48])
	assert.Equal(t, common.HexStrToByteSlice(routerID), args[48:80])
	assert.Equal(t, []byte{0x00, 0x01, 0x02}, args[80:])

	_, err = b.Build(context.Background(), &txbuilder.Intent{
		Network:   agreement.Pendulum,
		Kind:      agreement.KindRedeem,
		Amount:    big.NewInt(7),
		Recipient: aliceAddr,
	})
	assert.ErrorIs(t, err, txbuilder.ErrInvalidBeneficiary)
}
