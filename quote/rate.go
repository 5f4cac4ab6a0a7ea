package quote

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// RateSource prices one unit of `from` in `to`.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// StaticRates is a fixed rate table keyed "FROM/TO". The inverse pair and
// the identity are derived.
type StaticRates map[string]decimal.Decimal

func (s StaticRates) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if r, ok := s[from+"/"+to]; ok {
		return r, nil
	}
	if r, ok := s[to+"/"+from]; ok && !r.IsZero() {
		return decimal.NewFromInt(1).DivRound(r, 18), nil
	}
	return decimal.Zero, fmt.Errorf("no rate for %s/%s", from, to)
}
