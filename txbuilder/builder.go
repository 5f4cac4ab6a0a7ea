package txbuilder

import (
	"context"
	"fmt"
	"sync"

	"github.com/TEENet-io/ramp-go/agreement"
	logger "github.com/sirupsen/logrus"
)

// Builder turns an intent into an unsigned transaction. Builders only read
// chain state (allowances, router quotes); they never write it.
type Builder interface {
	Family() agreement.Family
	Supports(kind agreement.TxKind) bool
	Build(ctx context.Context, intent *Intent) (Result, error)
}

// Registry dispatches intents to the builder registered for their network.
type Registry struct {
	mu       sync.RWMutex
	builders map[agreement.Network]Builder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[agreement.Network]Builder)}
}

func (r *Registry) Register(network agreement.Network, b Builder) error {
	if network.Family() != b.Family() {
		return fmt.Errorf("builder family %s does not match network %s (%s)", b.Family(), network, network.Family())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[network] = b
	return nil
}

func (r *Registry) Lookup(network agreement.Network) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[network]
	return b, ok
}

func (r *Registry) Build(ctx context.Context, intent *Intent) (Result, error) {
	if err := intent.Validate(); err != nil {
		return Result{}, err
	}

	b, ok := r.Lookup(intent.Network)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoBuilder, intent.Network)
	}
	if !b.Supports(intent.Kind) {
		return Result{}, fmt.Errorf("%w: %s on %s", ErrUnsupportedIntent, intent.Kind, intent.Network)
	}

	res, err := b.Build(ctx, intent)
	if err != nil {
		return Result{}, err
	}

	if res.Skipped {
		logger.WithFields(logger.Fields{
			"network": intent.Network,
			"phase":   intent.Phase,
			"reason":  res.Reason,
		}).Debug("build skipped")
	}
	return res, nil
}
