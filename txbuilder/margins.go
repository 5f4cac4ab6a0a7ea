package txbuilder

import "math/big"

const bpsDenominator = 10000

// Margins are the tunable safety buffers applied while building.
type Margins struct {
	// Hard minimum output of a swap, below the quoted amount.
	SwapMarginBps uint32
	// Extra gas on top of an estimate.
	GasToleranceBps uint32
}

func DefaultMargins() Margins {
	return Margins{
		SwapMarginBps:   100,
		GasToleranceBps: 1000,
	}
}

// MinOut is quoted * (1 - SwapMarginBps/10000), rounded down.
func (m Margins) MinOut(quoted *big.Int) *big.Int {
	if quoted == nil {
		return new(big.Int)
	}
	bps := int64(m.SwapMarginBps)
	if bps > bpsDenominator {
		bps = bpsDenominator
	}
	out := new(big.Int).Mul(quoted, big.NewInt(bpsDenominator-bps))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// GasLimit raises an estimate by GasToleranceBps, rounded up.
func (m Margins) GasLimit(estimate uint64) uint64 {
	v := new(big.Int).SetUint64(estimate)
	v.Mul(v, big.NewInt(bpsDenominator+int64(m.GasToleranceBps)))
	v.Add(v, big.NewInt(bpsDenominator-1))
	v.Quo(v, big.NewInt(bpsDenominator))
	return v.Uint64()
}
