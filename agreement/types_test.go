package agreement

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNetworkFamily(t *testing.T) {
	assert.Equal(t, FamilyEVM, Moonbeam.Family())
	assert.Equal(t, FamilySubstrate, Pendulum.Family())
	assert.Equal(t, FamilyStellar, Stellar.Family())
	assert.False(t, Network("solana").Valid())
}

func TestPresignedVariant(t *testing.T) {
	p := &PresignedTx{Phase: "nablaSwap", Nonce: 4, TxData: "0x00"}
	p.Meta.AdditionalTxs = map[string]*PresignedTx{
		"nablaSwap1": {Phase: "nablaSwap", Nonce: 5},
		"nablaSwap2": {Phase: "nablaSwap", Nonce: 6},
	}

	v, ok := p.Variant(0)
	assert.True(t, ok)
	assert.Equal(t, uint64(4), v.Nonce)
	v, ok = p.Variant(2)
	assert.True(t, ok)
	assert.Equal(t, uint64(6), v.Nonce)
	_, ok = p.Variant(3)
	assert.False(t, ok)
	assert.Equal(t, 3, p.RunLength())

	c := p.Clone()
	assert.Equal(t, p, c)
	c.Meta.AdditionalTxs["nablaSwap1"].Nonce = 99
	assert.Equal(t, uint64(5), p.Meta.AdditionalTxs["nablaSwap1"].Nonce)
}

func TestParseSubsidyToken(t *testing.T) {
	tok, err := ParseSubsidyToken("USDC.axl")
	assert.NoError(t, err)
	assert.Equal(t, TokenUSDCAxl, tok)

	_, err = ParseSubsidyToken("DOGE")
	assert.Error(t, err)
}
