package evmman

import (
	"math/big"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/ethereum/go-ethereum/common"
)

// Xtokens precompile on Moonbeam.
var DefaultXcmPrecompile = common.HexToAddress("0x0000000000000000000000000000000000000804")

type Config struct {
	Network agreement.Network
	ChainID *big.Int

	// URL is the URL of the json rpc endpoint
	URL string

	// Uniswap v2 style router used for swaps
	RouterAddress common.Address
	XcmPrecompile common.Address

	// Fixed gas limits per intent, raised by Margins.GasToleranceBps.
	GasLimits map[agreement.TxKind]uint64
	Margins   txbuilder.Margins

	// Worst-case fee reserved for the destination hop of an xcm move, in
	// raw units of the moved asset, and the weight limit sent along.
	XcmFee    map[agreement.Network]*big.Int
	XcmWeight uint64

	SwapDeadline time.Duration
}

func DefaultConfig(network agreement.Network, chainID *big.Int) *Config {
	return &Config{
		Network:       network,
		ChainID:       chainID,
		XcmPrecompile: DefaultXcmPrecompile,
		GasLimits: map[agreement.TxKind]uint64{
			agreement.KindTransfer: 100000,
			agreement.KindApprove:  100000,
			agreement.KindSwap:     600000,
			agreement.KindXcm:      400000,
		},
		Margins: txbuilder.DefaultMargins(),
		XcmFee: map[agreement.Network]*big.Int{
			agreement.Pendulum: big.NewInt(1000000),
			agreement.AssetHub: big.NewInt(200000),
		},
		XcmWeight:    4000000000,
		SwapDeadline: time.Hour,
	}
}
