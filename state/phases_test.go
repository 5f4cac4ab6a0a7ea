package state

import (
	"testing"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	offrampStellar = []string{
		PhaseInitial, PhaseMoonbeamToPendulumXCM, PhaseSubsidizePreSwap, PhaseNablaApprove, PhaseNablaSwap,
		PhaseSubsidizePostSwap, PhaseSpacewalkRedeem, PhaseStellarOfframp, PhaseComplete,
	}
	onrampMoonbeam = []string{
		PhaseInitial, PhasePendulumFundEphemeral, PhaseSubsidizePreSwap, PhaseNablaApprove, PhaseNablaSwap,
		PhaseSubsidizePostSwap, PhasePendulumToMoonbeamXCM, PhaseComplete,
	}
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	for _, p := range DefaultPhases() {
		m, ok := r.Lookup(p.Name)
		require.True(t, ok, p.Name)
		for _, tx := range m.RequiredTxs {
			assert.Equal(t, TxKey(p.Name), tx)
		}
	}
	_, ok := r.Lookup("bogus")
	assert.False(t, ok)

	m, _ := r.Lookup(PhaseNablaSwap)
	assert.Equal(t, []string{"nablaSwapHash"}, m.RequiredTxs)
	assert.True(t, m.Accepts(PhaseNablaApprove))
	assert.False(t, m.Accepts(PhaseInitial))
}

func TestNewRegistryRejectsBadGraph(t *testing.T) {
	_, err := NewRegistry(
		&PhaseMetadata{Name: PhaseInitial},
		&PhaseMetadata{Name: "a", ValidTransitions: []string{"missing"}},
	)
	assert.ErrorIs(t, err, ErrUnknownPhase)

	_, err = NewRegistry(&PhaseMetadata{Name: "a"}, &PhaseMetadata{Name: "a"})
	assert.Error(t, err)
}

func TestValidateTransition(t *testing.T) {
	r := DefaultRegistry()

	assert.NoError(t, r.ValidateTransition(PhaseNablaApprove, PhaseNablaSwap))
	// skipped approval
	assert.NoError(t, r.ValidateTransition(PhaseSubsidizePreSwap, PhaseNablaSwap))
	// failed is reachable from anywhere
	assert.NoError(t, r.ValidateTransition(PhaseNablaApprove, PhaseFailed))
	assert.NoError(t, r.ValidateTransition(PhaseInitial, PhaseFailed))

	assert.ErrorIs(t, r.ValidateTransition(PhaseInitial, PhaseNablaSwap), ErrInvalidTransition)
	assert.ErrorIs(t, r.ValidateTransition(PhaseComplete, PhaseFailed), ErrInvalidTransition)
	assert.ErrorIs(t, r.ValidateTransition(PhaseFailed, PhaseInitial), ErrInvalidTransition)
	assert.ErrorIs(t, r.ValidateTransition(PhaseStellarOfframp, PhaseStellarCleanup), ErrInvalidTransition)
	assert.ErrorIs(t, r.ValidateTransition(PhasePendulumCleanup, PhaseComplete), ErrInvalidTransition)
	assert.ErrorIs(t, r.ValidateTransition("bogus", PhaseComplete), ErrUnknownPhase)
	assert.ErrorIs(t, r.ValidateTransition(PhaseInitial, "bogus"), ErrUnknownPhase)
}

func TestValidatePlan(t *testing.T) {
	r := DefaultRegistry()

	assert.NoError(t, r.ValidatePlan(offrampStellar))
	assert.NoError(t, r.ValidatePlan(onrampMoonbeam))

	withoutApprove := []string{
		PhaseInitial, PhasePendulumFundEphemeral, PhaseSubsidizePreSwap, PhaseNablaSwap,
		PhaseSubsidizePostSwap, PhasePendulumToAssetHubXCM, PhaseComplete,
	}
	assert.NoError(t, r.ValidatePlan(withoutApprove))

	stellarOnramp := []string{
		PhaseInitial, PhasePendulumFundEphemeral, PhaseStellarCreateAccount, PhaseMoonbeamToPendulumXCM,
		PhaseSubsidizePreSwap, PhaseNablaApprove, PhaseNablaSwap, PhaseSubsidizePostSwap,
		PhaseSpacewalkRedeem, PhaseStellarOfframp, PhaseComplete,
	}
	assert.NoError(t, r.ValidatePlan(stellarOnramp))

	for name, plan := range map[string][]string{
		"empty":        nil,
		"no complete":  offrampStellar[:len(offrampStellar)-1],
		"no initial":   offrampStellar[1:],
		"skips swap":   {PhaseInitial, PhasePendulumFundEphemeral, PhaseSubsidizePreSwap, PhaseSubsidizePostSwap, PhaseComplete},
		"repeats":      {PhaseInitial, PhaseSquidRouter, PhaseSquidRouter, PhaseComplete},
		"with cleanup": {PhaseInitial, PhaseSquidRouter, PhasePendulumCleanup, PhaseComplete},
	} {
		assert.ErrorIs(t, r.ValidatePlan(plan), ErrInvalidPlan, name)
	}
}

func TestSetRetryPolicy(t *testing.T) {
	r := DefaultRegistry()
	p := retry.Policy{MaxAttempts: 1, BackoffMs: 10}
	require.NoError(t, r.SetRetryPolicy(PhaseNablaSwap, p))
	m, _ := r.Lookup(PhaseNablaSwap)
	assert.Equal(t, p, m.RetryPolicy)

	assert.ErrorIs(t, r.SetRetryPolicy("bogus", p), ErrUnknownPhase)

	// registries do not share metadata
	m, _ = DefaultRegistry().Lookup(PhaseNablaSwap)
	assert.Equal(t, txPolicy, m.RetryPolicy)
}

func TestRampHistory(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRampState("ramp-1", agreement.DirectionSell, "quote-1", now)
	r.Plan = offrampStellar

	next, ok := r.NextPlanned()
	require.True(t, ok)
	assert.Equal(t, PhaseMoonbeamToPendulumXCM, next)

	r.MoveTo(next, OutcomeSuccess, now)
	assert.Equal(t, PhaseMoonbeamToPendulumXCM, r.CurrentPhase)

	// three failed attempts, the last one fatal
	for i := 1; i <= 2; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		r.RecordRetry(ErrorLog{Timestamp: at, Phase: r.CurrentPhase, Kind: "transient", Recoverable: true}, at.Add(time.Minute))
		assert.Equal(t, i, r.Attempts)
		assert.False(t, r.Due(at))
		assert.True(t, r.Due(at.Add(time.Minute)))
	}
	r.RecordFailure(ErrorLog{Timestamp: now.Add(3 * time.Second), Phase: r.CurrentPhase, Kind: "transient"})

	assert.Equal(t, PhaseFailed, r.CurrentPhase)
	assert.True(t, r.Terminal())
	assert.Equal(t, 0, r.Attempts)
	assert.True(t, r.Due(now))
	require.Len(t, r.ErrorLogs, 3)
	for i, l := range r.ErrorLogs {
		assert.Equal(t, i+1, l.Attempt)
	}

	var xcm []PhaseEntry
	for _, e := range r.PhaseHistory {
		if e.Phase == PhaseMoonbeamToPendulumXCM {
			xcm = append(xcm, e)
		}
	}
	require.Len(t, xcm, 3)
	assert.Equal(t, OutcomeRetry, xcm[0].Outcome)
	assert.Equal(t, OutcomeRetry, xcm[1].Outcome)
	assert.Equal(t, OutcomeFailed, xcm[2].Outcome)
	assert.Equal(t, PhaseFailed, xcm[2].Next)

	_, ok = r.NextPlanned()
	assert.False(t, ok)
}

func TestRampClone(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRampState("ramp-1", agreement.DirectionBuy, "quote-1", now)
	r.Ephemerals[agreement.Pendulum] = "6abc"
	r.Subsidies[PhaseSubsidizePreSwap] = &SubsidyPlan{Network: agreement.Pendulum, Token: agreement.TokenUSDC, Target: "10"}

	c := r.Clone()
	assert.Equal(t, r, c)
	c.Ephemerals[agreement.Pendulum] = "6def"
	c.Subsidies[PhaseSubsidizePreSwap].Target = "20"
	assert.Equal(t, "6abc", r.Ephemerals[agreement.Pendulum])
	assert.Equal(t, "10", r.Subsidies[PhaseSubsidizePreSwap].Target)
}
