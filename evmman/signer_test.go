package evmman

import (
	"context"
	"math/big"
	"testing"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAtNonceRun(t *testing.T) {
	key, err := NewEphemeralKey()
	require.NoError(t, err)

	b := newTestBuilder(&fakeReader{baseFee: big.NewInt(7)})
	intent := &txbuilder.Intent{
		Network:   agreement.Moonbeam,
		Kind:      agreement.KindTransfer,
		Phase:     "squidRouterPay",
		Signer:    key.Address,
		Nonce:     5,
		Asset:     token,
		Amount:    big.NewInt(1234),
		Recipient: spender,
	}
	res, err := b.Build(context.Background(), intent)
	require.NoError(t, err)
	unsigned := decodeUnsigned(t, res)

	s := NewSigner()
	var prev *types.Transaction
	for i := uint64(0); i < 3; i++ {
		txData, err := s.SignAt(context.Background(), res.Tx, key, 5+i)
		require.NoError(t, err)

		tx, err := DecodeSigned(txData)
		require.NoError(t, err)
		assert.Equal(t, 5+i, tx.Nonce())
		assert.Equal(t, unsigned.To(), tx.To())
		assert.Equal(t, unsigned.Data(), tx.Data())
		assert.Equal(t, unsigned.Value(), tx.Value())
		assert.Equal(t, unsigned.Gas(), tx.Gas())

		from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
		require.NoError(t, err)
		assert.Equal(t, key.Address, from.Hex())

		if prev != nil {
			assert.NotEqual(t, prev.Hash(), tx.Hash())
		}
		prev = tx
	}
}

func TestSignAtErrors(t *testing.T) {
	key, _ := NewEphemeralKey()
	other, _ := NewEphemeralKey()

	b := newTestBuilder(&fakeReader{})
	res, err := b.Build(context.Background(), &txbuilder.Intent{
		Network: agreement.Moonbeam, Kind: agreement.KindTransfer, Phase: "p",
		Signer: key.Address, Asset: "native", Amount: big.NewInt(1), Recipient: spender,
	})
	require.NoError(t, err)

	s := NewSigner()
	_, err = s.SignAt(context.Background(), res.Tx, other, 0)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	bad := res.Tx.Clone()
	bad.RawPayload = []byte{0x02, 0xff}
	_, err = s.SignAt(context.Background(), bad, key, 0)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = s.SignAt(context.Background(), res.Tx, agreement.EphemeralKey{Secret: "zz"}, 0)
	assert.Error(t, err)
}
