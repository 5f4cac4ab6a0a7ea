package substrateman

import (
	"math/big"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
)

type XcmPallet string

const (
	PalletXTokens     XcmPallet = "xtokens"
	PalletPolkadotXcm XcmPallet = "polkadotXcm"
)

// CallIndexes locates the calls the builder emits in the runtime metadata.
type CallIndexes struct {
	TokensTransfer         types.CallIndex
	XTokensTransferWithFee types.CallIndex
	LimitedReserveTransfer types.CallIndex
	ContractsCall          types.CallIndex
	RedeemRequest          types.CallIndex
	// wraps the transfers of a split transfer
	UtilityBatchAll types.CallIndex
}

// VaultID selects the spacewalk vault redeeming wrapped stellar assets.
// Currencies are hex encoded currency ids.
type VaultID struct {
	AccountID  string
	Collateral string
	Wrapped    string
}

// RuntimeInfo is the chain data every signature commits to.
type RuntimeInfo struct {
	GenesisHash string
	SpecVersion uint32
	TxVersion   uint32
}

type Config struct {
	Network agreement.Network
	URL     string

	SS58Prefix uint16
	Calls      CallIndexes
	XcmPallet  XcmPallet

	// Nabla router contract, ss58
	NablaRouter string
	// Gas limit of contract calls
	ContractRefTime   uint64
	ContractProofSize uint64

	// Worst-case fee reserved for the destination hop, raw units.
	XcmFee map[agreement.Network]*big.Int
	// Weight limit bought on the destination.
	XcmRefTime   uint64
	XcmProofSize uint64

	// Pallet instance of the assets pallet, for assets moved out of
	// AssetHub.
	AssetsPalletInstance uint8

	// Spacewalk vault for executeSpacewalkRedeem
	RedeemVault VaultID

	Margins      txbuilder.Margins
	SwapDeadline time.Duration
	Tip          uint64
}

func DefaultPendulumConfig() *Config {
	return &Config{
		Network:    agreement.Pendulum,
		SS58Prefix: 56,
		Calls: CallIndexes{
			TokensTransfer:         types.CallIndex{SectionIndex: 54, MethodIndex: 0},
			XTokensTransferWithFee: types.CallIndex{SectionIndex: 59, MethodIndex: 2},
			ContractsCall:          types.CallIndex{SectionIndex: 60, MethodIndex: 6},
			RedeemRequest:          types.CallIndex{SectionIndex: 68, MethodIndex: 0},
			UtilityBatchAll:        types.CallIndex{SectionIndex: 16, MethodIndex: 2},
		},
		XcmPallet:         PalletXTokens,
		ContractRefTime:   100000000000,
		ContractProofSize: 1000000,
		XcmFee: map[agreement.Network]*big.Int{
			agreement.Moonbeam: big.NewInt(1000000000000),
			agreement.AssetHub: big.NewInt(100000000),
		},
		XcmRefTime:   5000000000,
		XcmProofSize: 200000,
		Margins:      txbuilder.DefaultMargins(),
		SwapDeadline: time.Hour,
	}
}

func DefaultAssetHubConfig() *Config {
	return &Config{
		Network:    agreement.AssetHub,
		SS58Prefix: 0,
		Calls: CallIndexes{
			LimitedReserveTransfer: types.CallIndex{SectionIndex: 31, MethodIndex: 8},
		},
		XcmPallet:            PalletPolkadotXcm,
		XcmRefTime:           5000000000,
		XcmProofSize:         200000,
		AssetsPalletInstance: 50,
		XcmFee:               map[agreement.Network]*big.Int{},
		Margins:              txbuilder.DefaultMargins(),
	}
}
