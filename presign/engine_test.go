package presign

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/evmman"
	"github.com/TEENet-io/ramp-go/stellarman"
	"github.com/TEENet-io/ramp-go/substrateman"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(run int) *Engine {
	return NewEngine(&Config{RunLength: run}, nil,
		evmman.NewSigner(), substrateman.NewSigner(), stellarman.NewSigner())
}

func evmUnsigned(t *testing.T, key agreement.EphemeralKey, nonce uint64) *agreement.UnsignedTx {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	raw, err := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1284),
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(100),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(7),
	}).MarshalBinary()
	require.NoError(t, err)
	return &agreement.UnsignedTx{
		Network:    agreement.Moonbeam,
		Kind:       agreement.KindTransfer,
		Phase:      "squidRouter",
		Signer:     key.Address,
		Nonce:      nonce,
		RawPayload: raw,
	}
}

func substrateUnsigned(t *testing.T, key agreement.EphemeralKey, nonce uint64) *agreement.UnsignedTx {
	b := substrateman.NewBuilder(substrateman.DefaultPendulumConfig(), substrateman.RuntimeInfo{
		GenesisHash: "0x5d3c298622d5634ed019bf61ea4b71655030015bde9beb0d6a24743714462c86",
		SpecVersion: 15,
		TxVersion:   1,
	}, nil)
	res, err := b.Build(context.Background(), &txbuilder.Intent{
		Network:   agreement.Pendulum,
		Kind:      agreement.KindTransfer,
		Phase:     "pendulumCleanup",
		Signer:    key.Address,
		Nonce:     nonce,
		Asset:     "0x0100",
		Amount:    big.NewInt(100),
		Recipient: key.Address,
	})
	require.NoError(t, err)
	return res.Tx
}

func stellarUnsigned(t *testing.T, key, dest agreement.EphemeralKey, seq uint64) *agreement.UnsignedTx {
	b := stellarman.NewBuilder(stellarman.DefaultConfig(), nil)
	res, err := b.Build(context.Background(), &txbuilder.Intent{
		Network:   agreement.Stellar,
		Kind:      agreement.KindPayment,
		Phase:     "stellarOfframp",
		Signer:    key.Address,
		Nonce:     seq,
		Asset:     "native",
		Amount:    big.NewInt(10000000),
		Recipient: dest.Address,
		Memo:      "text:ramp",
	})
	require.NoError(t, err)
	return res.Tx
}

func variants(t *testing.T, p *agreement.PresignedTx) []*agreement.PresignedTx {
	out := make([]*agreement.PresignedTx, p.RunLength())
	for i := range out {
		v, ok := p.Variant(i)
		require.True(t, ok, "offset %d", i)
		out[i] = v
	}
	return out
}

func TestPresignEVMRun(t *testing.T) {
	key, err := evmman.NewEphemeralKey()
	require.NoError(t, err)
	keys := NewKeyRing()
	keys.Add(agreement.Moonbeam, key)

	p, err := newEngine(3).Presign(context.Background(), evmUnsigned(t, key, 4), keys)
	require.NoError(t, err)
	assert.Equal(t, 3, p.RunLength())
	assert.Contains(t, p.Meta.AdditionalTxs, "squidRouter1")
	assert.Contains(t, p.Meta.AdditionalTxs, "squidRouter2")

	for i, v := range variants(t, p) {
		assert.Equal(t, uint64(4+i), v.Nonce)
		assert.Equal(t, "squidRouter", v.Phase)
		assert.Empty(t, v.Meta.AdditionalTxs)

		tx, err := evmman.DecodeSigned(v.TxData)
		require.NoError(t, err)
		assert.Equal(t, uint64(4+i), tx.Nonce())
		assert.Equal(t, int64(7), tx.Value().Int64())
		assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"), *tx.To())
	}
}

func TestPresignSubstrateRun(t *testing.T) {
	key, err := substrateman.NewEphemeralKey(56)
	require.NoError(t, err)
	keys := NewKeyRing()
	keys.Add(agreement.Pendulum, key)

	tx := substrateUnsigned(t, key, 0)
	p, err := newEngine(4).Presign(context.Background(), tx, keys)
	require.NoError(t, err)
	require.Equal(t, 4, p.RunLength())

	var args []byte
	for i, v := range variants(t, p) {
		ext, err := substrateman.DecodeSigned(v.TxData)
		require.NoError(t, err)
		assert.Equal(t, int64(i), ext.Signature.Nonce.Int64())
		if args == nil {
			args = ext.Method.Args
		}
		assert.Equal(t, args, []byte(ext.Method.Args))
	}
}

func TestPresignStellarRun(t *testing.T) {
	key, err := stellarman.NewEphemeralKey()
	require.NoError(t, err)
	dest, err := stellarman.NewEphemeralKey()
	require.NoError(t, err)
	keys := NewKeyRing()
	keys.Add(agreement.Stellar, key)

	base := uint64(1258) << 32
	p, err := newEngine(3).Presign(context.Background(), stellarUnsigned(t, key, dest, base), keys)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i, v := range variants(t, p) {
		assert.False(t, seen[v.TxData])
		seen[v.TxData] = true

		env, err := stellarman.DecodeSigned(v.TxData)
		require.NoError(t, err)
		assert.Equal(t, int64(base)+int64(i), env.SequenceNumber())
		require.Len(t, env.Operations(), 1)
		pay := env.Operations()[0].(*txnbuild.Payment)
		assert.Equal(t, dest.Address, pay.Destination)
		assert.Equal(t, "1.0000000", pay.Amount)
		assert.Len(t, env.Signatures(), 1)
	}
}

func TestPresignErrors(t *testing.T) {
	key, err := evmman.NewEphemeralKey()
	require.NoError(t, err)
	e := newEngine(3)
	ctx := context.Background()

	_, err = e.Presign(ctx, evmUnsigned(t, key, 0), NewKeyRing())
	assert.ErrorIs(t, err, ErrMissingEphemeralKey)

	other, err := evmman.NewEphemeralKey()
	require.NoError(t, err)
	keys := NewKeyRing()
	keys.Add(agreement.Moonbeam, other)
	_, err = e.Presign(ctx, evmUnsigned(t, key, 0), keys)
	assert.ErrorIs(t, err, ErrSigningFailed)

	keys.Add(agreement.Moonbeam, key)
	bad := evmUnsigned(t, key, 0)
	bad.RawPayload = []byte{0x02, 0x01}
	_, err = e.Presign(ctx, bad, keys)
	assert.ErrorIs(t, err, ErrSigningFailed)

	onlyEVM := NewEngine(DefaultConfig(), nil, evmman.NewSigner())
	skey, err := stellarman.NewEphemeralKey()
	require.NoError(t, err)
	keys.Add(agreement.Stellar, skey)
	_, err = onlyEVM.Presign(ctx, &agreement.UnsignedTx{Network: agreement.Stellar, Phase: "stellarOfframp"}, keys)
	assert.ErrorIs(t, err, ErrNoSigner)
}

func TestPresignPlan(t *testing.T) {
	evmKey, err := evmman.NewEphemeralKey()
	require.NoError(t, err)
	subKey, err := substrateman.NewEphemeralKey(56)
	require.NoError(t, err)
	keys := NewKeyRing()
	keys.Add(agreement.Moonbeam, evmKey)
	keys.Add(agreement.Pendulum, subKey)
	e := newEngine(2)

	plan, err := e.PresignPlan(context.Background(), []*agreement.UnsignedTx{
		evmUnsigned(t, evmKey, 0),
		substrateUnsigned(t, subKey, 0),
	}, keys)
	require.NoError(t, err)
	assert.Len(t, plan, 2)
	assert.Equal(t, 2, plan["squidRouter"].RunLength())
	assert.Equal(t, 2, plan["pendulumCleanup"].RunLength())

	_, err = e.PresignPlan(context.Background(), []*agreement.UnsignedTx{
		evmUnsigned(t, evmKey, 0),
		evmUnsigned(t, evmKey, 1),
	}, keys)
	assert.ErrorIs(t, err, ErrDuplicatePhase)

	// a failure anywhere yields nothing
	delete(keys.keys, agreement.Pendulum)
	plan, err = e.PresignPlan(context.Background(), []*agreement.UnsignedTx{
		evmUnsigned(t, evmKey, 0),
		substrateUnsigned(t, subKey, 0),
	}, keys)
	assert.ErrorIs(t, err, ErrMissingEphemeralKey)
	assert.Nil(t, plan)
}

type fakeNonces map[string]uint64

func (f fakeNonces) NextNonce(_ context.Context, address string) (uint64, error) {
	n, ok := f[address]
	if !ok {
		return 0, errors.New("rpc down")
	}
	return n, nil
}

func TestNonceBookAllocate(t *testing.T) {
	book := NewNonceBook(map[agreement.Network]agreement.NonceSource{
		agreement.Pendulum: fakeNonces{"eph": 0, "other": 9},
		agreement.Stellar:  fakeNonces{"G": 1258 << 32},
	})
	ctx := context.Background()

	for want := uint64(0); want < 3; want++ {
		n, err := book.Allocate(ctx, agreement.Pendulum, "eph")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	n, err := book.Allocate(ctx, agreement.Pendulum, "other")
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)

	n, err = book.Allocate(ctx, agreement.Stellar, "G")
	require.NoError(t, err)
	assert.Equal(t, uint64(1258<<32), n)
	n, err = book.Allocate(ctx, agreement.Stellar, "G")
	require.NoError(t, err)
	assert.Equal(t, uint64(1258<<32)+1, n)

	// networks without a source start at zero
	n, err = book.Allocate(ctx, agreement.Moonbeam, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)

	_, err = book.Allocate(ctx, agreement.Pendulum, "unknown")
	assert.Error(t, err)

	assert.Equal(t, map[agreement.Network]uint64{
		agreement.Pendulum: 0,
		agreement.Stellar:  1258 << 32,
		agreement.Moonbeam: 0,
	}, book.Sequences())
}

func TestNonceBookPeek(t *testing.T) {
	book := NewNonceBook(map[agreement.Network]agreement.NonceSource{
		agreement.Pendulum: fakeNonces{"eph": 4},
	})
	ctx := context.Background()

	n, err := book.Peek(ctx, agreement.Pendulum, "eph")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	n, err = book.Peek(ctx, agreement.Pendulum, "eph")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	n, err = book.Allocate(ctx, agreement.Pendulum, "eph")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	n, err = book.Peek(ctx, agreement.Pendulum, "eph")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)
}
