package evmman

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/common"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/ethereum/go-ethereum/accounts/abi"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

const erc20ABIJson = `[
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const routerABIJson = `[
{"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const xtokensABIJson = `[
{"type":"function","name":"transferWithFee","stateMutability":"nonpayable","inputs":[{"name":"currencyAddress","type":"address"},{"name":"amount","type":"uint256"},{"name":"fee","type":"uint256"},{"name":"destination","type":"tuple","components":[{"name":"parents","type":"uint8"},{"name":"interior","type":"bytes[]"}]},{"name":"weight","type":"uint64"}],"outputs":[]}
]`

var (
	erc20ABI   = mustParseABI(erc20ABIJson)
	routerABI  = mustParseABI(routerABIJson)
	xtokensABI = mustParseABI(xtokensABIJson)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Multilocation as understood by the xtokens precompile.
type Multilocation struct {
	Parents  uint8
	Interior [][]byte
}

// Junction selectors of the precompile multilocation encoding.
const (
	junctionParachain    = 0x00
	junctionAccountId32  = 0x01
	junctionAccountKey20 = 0x03
)

func parachainJunction(id uint32) []byte {
	b := make([]byte, 5)
	b[0] = junctionParachain
	binary.BigEndian.PutUint32(b[1:], id)
	return b
}

// accountId32 junction, network "any"
func accountId32Junction(pub []byte) []byte {
	b := append([]byte{junctionAccountId32}, pub...)
	return append(b, 0x00)
}

// DestinationMultilocation encodes the beneficiary on a sibling parachain.
// The beneficiary is a ss58 address or a 0x-prefixed 32 byte account id.
func DestinationMultilocation(dest agreement.Network, beneficiary string) (Multilocation, error) {
	paraID, ok := agreement.ParachainID[dest]
	if !ok || dest.Family() != agreement.FamilySubstrate {
		return Multilocation{}, fmt.Errorf("%w: to %s", txbuilder.ErrUnsupportedCorridor, dest)
	}

	pub, err := accountID32(beneficiary)
	if err != nil {
		return Multilocation{}, err
	}

	return Multilocation{
		Parents:  1,
		Interior: [][]byte{parachainJunction(paraID), accountId32Junction(pub)},
	}, nil
}

func accountID32(addr string) ([]byte, error) {
	if strings.HasPrefix(addr, "0x") {
		pub, err := common.DecodeHex(addr)
		if err != nil || len(pub) != 32 {
			return nil, fmt.Errorf("%w: %s", txbuilder.ErrInvalidBeneficiary, addr)
		}
		return pub, nil
	}

	pub, _, err := common.SS58Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", txbuilder.ErrInvalidBeneficiary, err)
	}
	return pub, nil
}

func packApprove(spender ethcommon.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

func packTransfer(to ethcommon.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

func packAllowance(owner, spender ethcommon.Address) ([]byte, error) {
	return erc20ABI.Pack("allowance", owner, spender)
}

func unpackUint256(method string, contract abi.ABI, data []byte) (*big.Int, error) {
	out, err := contract.Unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s output: %v", method, out)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type %T", method, out[0])
	}
	return v, nil
}

func packGetAmountsOut(amountIn *big.Int, path []ethcommon.Address) ([]byte, error) {
	return routerABI.Pack("getAmountsOut", amountIn, path)
}

func unpackAmountsOut(data []byte) ([]*big.Int, error) {
	out, err := routerABI.Unpack("getAmountsOut", data)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected getAmountsOut output: %v", out)
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok || len(amounts) == 0 {
		return nil, fmt.Errorf("unexpected getAmountsOut output type %T", out[0])
	}
	return amounts, nil
}

func packSwap(amountIn, minOut *big.Int, path []ethcommon.Address, to ethcommon.Address, deadline *big.Int) ([]byte, error) {
	return routerABI.Pack("swapExactTokensForTokens", amountIn, minOut, path, to, deadline)
}

func packXcmTransfer(asset ethcommon.Address, amount, fee *big.Int, dest Multilocation, weight uint64) ([]byte, error) {
	return xtokensABI.Pack("transferWithFee", asset, amount, fee, dest, weight)
}
