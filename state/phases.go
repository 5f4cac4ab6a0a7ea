package state

import (
	"errors"
	"fmt"
	"slices"

	"github.com/TEENet-io/ramp-go/retry"
)

var (
	ErrUnknownPhase      = errors.New("unknown phase")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrInvalidPlan       = errors.New("invalid phase plan")
)

const (
	PhaseInitial               = "initial"
	PhasePrepareTransactions   = "prepareTransactions"
	PhaseSquidRouter           = "squidRouter"
	PhasePendulumFundEphemeral = "pendulumFundEphemeral"
	PhaseStellarCreateAccount  = "stellarCreateAccount"
	PhaseMoonbeamToPendulumXCM = "executeMoonbeamToPendulumXCM"
	PhaseAssetHubToPendulumXCM = "executeAssetHubToPendulumXCM"
	PhaseSubsidizePreSwap      = "subsidizePreSwap"
	PhaseNablaApprove          = "nablaApprove"
	PhaseNablaSwap             = "nablaSwap"
	PhaseSubsidizePostSwap     = "subsidizePostSwap"
	PhaseDistributeFees        = "distributeFees"
	PhasePendulumToMoonbeamXCM = "executePendulumToMoonbeamXCM"
	PhasePendulumToAssetHubXCM = "executePendulumToAssetHubXCM"
	PhaseBrlaPayoutOnMoonbeam  = "performBrlaPayoutOnMoonbeam"
	PhaseSpacewalkRedeem       = "executeSpacewalkRedeem"
	PhaseStellarOfframp        = "stellarOfframp"
	PhasePendulumCleanup       = "pendulumCleanup"
	PhaseStellarCleanup        = "stellarCleanup"
	PhaseComplete              = "complete"
	PhaseFailed                = "failed"
)

// Condition names a check that must hold, besides the required
// transactions, before a phase is left.
type Condition string

const (
	// The ephemeral account holds the ramp's deposit.
	CondDepositReceived Condition = "depositReceived"
	// The subsidy of the phase was paid or found unnecessary.
	CondSubsidySettled Condition = "subsidySettled"
)

// PhaseMetadata is configuration, shared by all ramps.
type PhaseMetadata struct {
	Name              string       `json:"name"`
	RequiredTxs       []string     `json:"requiredTransactions"`
	SuccessConditions []Condition  `json:"successConditions"`
	RetryPolicy       retry.Policy `json:"retryPolicy"`
	// Phases allowed to precede this one.
	ValidTransitions []string `json:"validTransitions"`
	// Reachable from every non terminal phase.
	FromAny  bool `json:"fromAny,omitempty"`
	Terminal bool `json:"terminal,omitempty"`
	// Tags a transaction submitted by the cleanup after complete. Never part
	// of a plan.
	PostComplete bool `json:"postComplete,omitempty"`
}

// TxKey is the confirmedTxs key of the presigned transaction of phase.
func TxKey(phase string) string {
	return phase + "Hash"
}

func (m *PhaseMetadata) Accepts(from string) bool {
	return slices.Contains(m.ValidTransitions, from)
}

type Registry struct {
	phases map[string]*PhaseMetadata
}

// NewRegistry checks that every predecessor is itself a registered phase.
func NewRegistry(phases ...*PhaseMetadata) (*Registry, error) {
	r := &Registry{phases: make(map[string]*PhaseMetadata, len(phases))}
	for _, p := range phases {
		if _, dup := r.phases[p.Name]; dup {
			return nil, fmt.Errorf("phase %s registered twice", p.Name)
		}
		r.phases[p.Name] = p
	}
	for _, p := range phases {
		for _, from := range p.ValidTransitions {
			if _, ok := r.phases[from]; !ok {
				return nil, fmt.Errorf("%w: %s precedes %s", ErrUnknownPhase, from, p.Name)
			}
		}
	}
	return r, nil
}

// Lookup returns the shared metadata, callers must not modify it.
func (r *Registry) Lookup(name string) (*PhaseMetadata, bool) {
	m, ok := r.phases[name]
	return m, ok
}

// SetRetryPolicy overrides the retry policy of phase.
func (r *Registry) SetRetryPolicy(phase string, p retry.Policy) error {
	m, ok := r.phases[phase]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}
	m.RetryPolicy = p
	return nil
}

// ValidateTransition checks that `from` is in the predecessor set of `to`.
func (r *Registry) ValidateTransition(from, to string) error {
	src, ok := r.phases[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, from)
	}
	dst, ok := r.phases[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPhase, to)
	}
	if src.Terminal || src.PostComplete || dst.PostComplete {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if dst.FromAny || dst.Accepts(from) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ValidatePlan checks an execution plan: it starts at initial, ends at
// complete, and every step is a valid transition.
func (r *Registry) ValidatePlan(plan []string) error {
	if len(plan) < 2 || plan[0] != PhaseInitial || plan[len(plan)-1] != PhaseComplete {
		return fmt.Errorf("%w: must run from %s to %s", ErrInvalidPlan, PhaseInitial, PhaseComplete)
	}
	seen := make(map[string]bool, len(plan))
	for i, p := range plan {
		if seen[p] {
			return fmt.Errorf("%w: %s appears twice", ErrInvalidPlan, p)
		}
		seen[p] = true
		if i == 0 {
			continue
		}
		if err := r.ValidateTransition(plan[i-1], p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
		}
	}
	return nil
}

var (
	txPolicy      = retry.Policy{MaxAttempts: 3, BackoffMs: 5000, Exponential: true, MaxBackoffMs: 60000}
	subsidyPolicy = retry.Policy{MaxAttempts: 5, BackoffMs: 10000, Exponential: true, MaxBackoffMs: 120000}
)

func txPhase(name string, predecessors ...string) *PhaseMetadata {
	return &PhaseMetadata{
		Name:             name,
		RequiredTxs:      []string{TxKey(name)},
		RetryPolicy:      txPolicy,
		ValidTransitions: predecessors,
	}
}

func subsidyPhase(name string, predecessors ...string) *PhaseMetadata {
	return &PhaseMetadata{
		Name:              name,
		SuccessConditions: []Condition{CondSubsidySettled},
		RetryPolicy:       subsidyPolicy,
		ValidTransitions:  predecessors,
	}
}

// DefaultPhases is the phase graph of both ramp directions.
func DefaultPhases() []*PhaseMetadata {
	funded := []string{PhasePendulumFundEphemeral, PhaseStellarCreateAccount}
	payout := []string{PhaseSubsidizePostSwap, PhaseDistributeFees}

	stellarCreate := txPhase(PhaseStellarCreateAccount, PhasePendulumFundEphemeral)
	stellarCreate.SuccessConditions = []Condition{CondSubsidySettled}

	return []*PhaseMetadata{
		{
			Name:              PhaseInitial,
			SuccessConditions: []Condition{CondDepositReceived},
			RetryPolicy:       retry.Policy{MaxAttempts: 10, BackoffMs: 5000},
		},
		{
			Name:             PhasePrepareTransactions,
			RetryPolicy:      retry.DefaultPolicy,
			ValidTransitions: []string{PhaseInitial},
		},
		txPhase(PhaseSquidRouter, PhaseInitial, PhasePrepareTransactions),
		subsidyPhase(PhasePendulumFundEphemeral, PhaseInitial, PhasePrepareTransactions, PhaseSquidRouter),
		stellarCreate,
		txPhase(PhaseMoonbeamToPendulumXCM, append(funded, PhaseSquidRouter)...),
		txPhase(PhaseAssetHubToPendulumXCM, funded...),
		subsidyPhase(PhaseSubsidizePreSwap, append(funded, PhaseMoonbeamToPendulumXCM, PhaseAssetHubToPendulumXCM)...),
		txPhase(PhaseNablaApprove, PhaseSubsidizePreSwap),
		txPhase(PhaseNablaSwap, PhaseNablaApprove, PhaseSubsidizePreSwap),
		subsidyPhase(PhaseSubsidizePostSwap, PhaseNablaSwap),
		txPhase(PhaseDistributeFees, PhaseSubsidizePostSwap),
		txPhase(PhasePendulumToMoonbeamXCM, payout...),
		txPhase(PhasePendulumToAssetHubXCM, payout...),
		txPhase(PhaseBrlaPayoutOnMoonbeam, PhasePendulumToMoonbeamXCM),
		txPhase(PhaseSpacewalkRedeem, payout...),
		txPhase(PhaseStellarOfframp, PhaseSpacewalkRedeem),
		{Name: PhasePendulumCleanup, RequiredTxs: []string{TxKey(PhasePendulumCleanup)}, PostComplete: true},
		{Name: PhaseStellarCleanup, RequiredTxs: []string{TxKey(PhaseStellarCleanup)}, PostComplete: true},
		{
			Name:     PhaseComplete,
			Terminal: true,
			ValidTransitions: []string{
				PhaseStellarOfframp,
				PhaseBrlaPayoutOnMoonbeam,
				PhasePendulumToMoonbeamXCM,
				PhasePendulumToAssetHubXCM,
				PhaseSquidRouter,
			},
		},
		{Name: PhaseFailed, Terminal: true, FromAny: true},
	}
}

func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultPhases()...)
	if err != nil {
		panic(err)
	}
	return r
}
