// Implement following interfaces to plug a collaborator into the machine.

package chaintxmgr

import (
	"context"
	"math/big"

	"github.com/TEENet-io/ramp-go/subsidy"
)

// Reads the balance of an ephemeral account, used for the deposit check.
// Chain workers implementing it are picked up by AddWorker.
type BalanceReader interface {
	Balance(ctx context.Context, address, asset string) (*big.Int, error)
}

// Pays the network fee top up of a subsidized phase.
type Subsidizer interface {
	Subsidize(ctx context.Context, req *subsidy.Request) (subsidy.Outcome, error)
}

// Moves pending quotes past their expiry to expired.
type QuoteExpirer interface {
	ExpireStale(ctx context.Context) (int64, error)
}
