package substrateman

import (
	"math/big"
	"testing"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXcmEncoding(t *testing.T) {
	b, err := codec.Encode(Parachain(2094))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xb9, 0x20}, b)

	b, err = codec.Encode(VersionedMultiLocation{V3: MultiLocation{Parents: 1, Interior: []Junction{Parachain(2004)}}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x01, 0x01, 0x00, 0x51, 0x1f}, b)

	var key [20]byte
	key[19] = 0xaa
	b, err = codec.Encode(AccountKey20(key))
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x03, 0x00}, key[:]...), b)

	b, err = codec.Encode(MultiLocation{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, b)

	b, err = codec.Encode(WeightLimit{Limit: Weight{RefTime: 5, ProofSize: 6}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x14, 0x18}, b)

	b, err = codec.Encode(WeightLimit{Unlimited: true})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, b)

	b, err = codec.Encode(VersionedMultiAssets{V3: []MultiAsset{{
		ID:     MultiLocation{Interior: []Junction{{Kind: junctionPalletInstance, PalletInstance: 50}, {Kind: junctionGeneralIndex, GeneralIndex: big.NewInt(1)}}},
		Amount: big.NewInt(3),
	}}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x04, 0x00, 0x00, 0x02, 0x04, 0x32, 0x05, 0x04, 0x00, 0x0c}, b)

	_, err = codec.Encode(MultiLocation{Interior: make([]Junction, 9)})
	assert.Error(t, err)
}

func TestU256LE(t *testing.T) {
	v, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	le := u256LE(v)
	assert.Len(t, le, 32)
	assert.Equal(t, v, u256FromLE(le))

	assert.Equal(t, byte(1), u256LE(big.NewInt(1))[0])
	assert.Equal(t, byte(0), u256LE(big.NewInt(1))[31])
}

func contractResult(ok bool, flags byte, data []byte) []byte {
	out := []byte{0x00, 0x00, 0x00, 0x00}
	out = append(out, make([]byte, 17)...)
	out = append(out, 0x00) // debug message
	if !ok {
		return append(out, 0x01, 0x00)
	}
	out = append(out, 0x00, flags, 0x00, 0x00, 0x00, byte(len(data)<<2))
	return append(out, data...)
}

func TestDecodeContractResult(t *testing.T) {
	flags, data, err := decodeContractResult(contractResult(true, 1, []byte{0xaa, 0xbb}))
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), flags)
	assert.Equal(t, []byte{0xaa, 0xbb}, data)

	_, _, err = decodeContractResult(contractResult(false, 0, nil))
	assert.ErrorIs(t, err, ErrContractResult)

	_, _, err = decodeContractResult([]byte{0x00})
	assert.ErrorIs(t, err, ErrContractResult)
}
