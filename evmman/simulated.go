package evmman

import (
	"math/big"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

var (
	SimulatedChainID = big.NewInt(1337)
	blockGasLimit    = uint64(999999999999999999)
)

// SimulatedChain is an in-process chain with funded ephemeral accounts.
type SimulatedChain struct {
	Backend *simulated.Backend
	Keys    []agreement.EphemeralKey
}

func NewSimulatedChain(nAccount int) (*SimulatedChain, error) {
	keys := make([]agreement.EphemeralKey, nAccount)
	genesisAlloc := map[common.Address]types.Account{}
	for i := 0; i < nAccount; i++ {
		key, err := NewEphemeralKey()
		if err != nil {
			return nil, err
		}
		keys[i] = key

		balance, _ := new(big.Int).SetString("100000000000000000000", 10)
		genesisAlloc[common.HexToAddress(key.Address)] = types.Account{
			Balance: balance,
		}
	}

	backend := simulated.NewBackend(genesisAlloc, simulated.WithBlockGasLimit(blockGasLimit))

	return &SimulatedChain{
		Backend: backend,
		Keys:    keys,
	}, nil
}
