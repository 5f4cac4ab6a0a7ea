package presign

import (
	"context"
	"fmt"
	"sync"

	"github.com/TEENet-io/ramp-go/agreement"
	logger "github.com/sirupsen/logrus"
)

type account struct {
	network agreement.Network
	address string
}

// NonceBook hands out consecutive nonces per account while a plan is built.
// The first allocation of an account asks the network for its next nonce.
type NonceBook struct {
	sources map[agreement.Network]agreement.NonceSource

	mu    sync.Mutex
	next  map[account]uint64
	start map[agreement.Network]uint64
}

func NewNonceBook(sources map[agreement.Network]agreement.NonceSource) *NonceBook {
	return &NonceBook{
		sources: sources,
		next:    make(map[account]uint64),
		start:   make(map[agreement.Network]uint64),
	}
}

// Peek returns the nonce the next Allocate of address will hand out. A
// builder may skip the step it was meant for, so the nonce stays free.
func (b *NonceBook) Peek(ctx context.Context, network agreement.Network, address string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open(ctx, account{network, address})
}

// Allocate returns the nonce of the next transaction of address on network.
func (b *NonceBook) Allocate(ctx context.Context, network agreement.Network, address string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acc := account{network, address}
	n, err := b.open(ctx, acc)
	if err != nil {
		return 0, err
	}
	b.next[acc] = n + 1
	return n, nil
}

func (b *NonceBook) open(ctx context.Context, acc account) (uint64, error) {
	if n, ok := b.next[acc]; ok {
		return n, nil
	}

	var n uint64
	if src, found := b.sources[acc.network]; found {
		var err error
		if n, err = src.NextNonce(ctx, acc.address); err != nil {
			return 0, fmt.Errorf("next nonce of %s on %s: %w", acc.address, acc.network, err)
		}
	}
	if _, seen := b.start[acc.network]; !seen {
		b.start[acc.network] = n
	}
	b.next[acc] = n
	logger.WithFields(logger.Fields{
		"network": acc.network,
		"address": acc.address,
		"nonce":   n,
	}).Debug("nonce sequence opened")
	return n, nil
}

// Sequences is the starting nonce per network, kept on the ramp.
func (b *NonceBook) Sequences() map[agreement.Network]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[agreement.Network]uint64, len(b.start))
	for n, s := range b.start {
		out[n] = s
	}
	return out
}
