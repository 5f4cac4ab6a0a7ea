package evmman

import (
	"context"
	"math/big"
	"testing"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/common"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerSubmitRun(t *testing.T) {
	sim, err := NewSimulatedChain(2)
	require.NoError(t, err)
	defer sim.Backend.Close()
	client := sim.Backend.Client()
	ctx := context.Background()

	cfg := DefaultConfig(agreement.Moonbeam, SimulatedChainID)
	b := NewBuilder(cfg, client)
	w := NewWorker(agreement.Moonbeam, client)
	s := NewSigner()
	from, to := sim.Keys[0], sim.Keys[1]

	nonce, err := w.NextNonce(ctx, from.Address)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)

	res, err := b.Build(ctx, &txbuilder.Intent{
		Network:   agreement.Moonbeam,
		Kind:      agreement.KindTransfer,
		Phase:     "fundEphemeral",
		Signer:    from.Address,
		Nonce:     nonce,
		Asset:     "native",
		Amount:    big.NewInt(1000),
		Recipient: to.Address,
	})
	require.NoError(t, err)

	variants := make([]*agreement.PresignedTx, 2)
	for i := range variants {
		txData, err := s.SignAt(ctx, res.Tx, from, nonce+uint64(i))
		require.NoError(t, err)
		variants[i] = &agreement.PresignedTx{Network: agreement.Moonbeam, Phase: "fundEphemeral", Nonce: nonce + uint64(i), TxData: txData}
	}

	txId, err := w.Submit(ctx, variants[0])
	require.NoError(t, err)

	// submitting the same tx twice is fine
	again, err := w.Submit(ctx, variants[0])
	assert.NoError(t, err)
	assert.Equal(t, txId, again)

	status, foundAt, err := w.GetTxStatus(ctx, variants[0], txId)
	assert.NoError(t, err)
	assert.Equal(t, agreement.Pending, status)
	assert.Nil(t, foundAt)

	sim.Backend.Commit()

	status, foundAt, err = w.GetTxStatus(ctx, variants[0], txId)
	assert.NoError(t, err)
	assert.Equal(t, agreement.Success, status)
	assert.Equal(t, int64(1), foundAt.Int64())

	latest, err := w.GetLatestLedgerNumber(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), latest.Int64())

	// the next variant carries the same intent at the next nonce
	txId1, err := w.Submit(ctx, variants[1])
	require.NoError(t, err)
	assert.NotEqual(t, txId, txId1)
	sim.Backend.Commit()
	status, _, err = w.GetTxStatus(ctx, variants[1], txId1)
	assert.NoError(t, err)
	assert.Equal(t, agreement.Success, status)

	balance, err := w.Balance(ctx, to.Address, "native")
	assert.NoError(t, err)
	assert.Equal(t, "100000000000000002000", balance.String())

	_, err = w.Balance(ctx, to.Address, "USDC")
	assert.Error(t, err)

	nonce, err = w.NextNonce(ctx, from.Address)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), nonce)
}

func TestWorkerLimboAndRejected(t *testing.T) {
	sim, err := NewSimulatedChain(1)
	require.NoError(t, err)
	defer sim.Backend.Close()
	w := NewWorker(agreement.Moonbeam, sim.Backend.Client())

	status, _, err := w.GetTxStatus(context.Background(), nil, "0x"+common.ByteSliceToPureHexStr(common.RandBytes(32)))
	assert.NoError(t, err)
	assert.Equal(t, agreement.Limbo, status)

	_, err = w.Submit(context.Background(), &agreement.PresignedTx{TxData: "0xzz"})
	assert.ErrorIs(t, err, agreement.ErrTxRejected)
}
