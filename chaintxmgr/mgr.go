package chaintxmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/chaintxmgrdb"
	"github.com/TEENet-io/ramp-go/metrics"
	"github.com/TEENet-io/ramp-go/state"
	"github.com/TEENet-io/ramp-go/webhook"
	logger "github.com/sirupsen/logrus"
)

type ChainTxMgrConfig struct {
	// Loop's main interval
	IntervalCheckTime time.Duration

	// A submitted variant not included for this long is given up for the
	// next one (or resubmitted when its nonce is still free).
	ConfirmationTimeout time.Duration

	// Bound on every network read and submission.
	RPCTimeout time.Duration

	// How long the initial phase waits for the user's deposit.
	DepositTimeout time.Duration

	// Phases one ramp may advance within a single loop tick.
	MaxStepsPerTick int
}

func DefaultChainTxMgrConfig() *ChainTxMgrConfig {
	return &ChainTxMgrConfig{
		IntervalCheckTime:   5 * time.Second,
		ConfirmationTimeout: 2 * time.Minute,
		RPCTimeout:          30 * time.Second,
		DepositTimeout:      30 * time.Minute,
		MaxStepsPerTick:     32,
	}
}

// ChainTxMgr is the ramp state machine. Each call to Advance performs at
// most one phase transition of one ramp under its processing lock.
type ChainTxMgr struct {
	cfg      *ChainTxMgrConfig
	statedb  *state.StateDB
	mgrdb    chaintxmgrdb.ChainTxMgrDB
	registry *state.Registry
	metrics  *metrics.Metrics

	workers   map[agreement.Network]agreement.ChainWorker
	balances  map[agreement.Network]BalanceReader
	subsidies Subsidizer
	notifier  webhook.Notifier
	quotes    QuoteExpirer

	now func() time.Time
}

func NewChainTxMgr(
	cfg *ChainTxMgrConfig,
	statedb *state.StateDB,
	mgrdb chaintxmgrdb.ChainTxMgrDB,
	registry *state.Registry,
	m *metrics.Metrics,
) *ChainTxMgr {
	if m == nil {
		m = metrics.New(nil)
	}
	return &ChainTxMgr{
		cfg:      cfg,
		statedb:  statedb,
		mgrdb:    mgrdb,
		registry: registry,
		metrics:  m,
		workers:  make(map[agreement.Network]agreement.ChainWorker),
		balances: make(map[agreement.Network]BalanceReader),
		notifier: webhook.Nop{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddWorker registers the submitter of w's network. A worker that can read
// balances also serves the deposit check.
func (ctm *ChainTxMgr) AddWorker(w agreement.ChainWorker) {
	ctm.workers[w.Network()] = w
	if br, ok := w.(BalanceReader); ok {
		ctm.balances[w.Network()] = br
	}
}

func (ctm *ChainTxMgr) SetSubsidizer(s Subsidizer) {
	ctm.subsidies = s
}

func (ctm *ChainTxMgr) SetNotifier(n webhook.Notifier) {
	ctm.notifier = n
}

func (ctm *ChainTxMgr) SetQuoteExpirer(q QuoteExpirer) {
	ctm.quotes = q
}

func (ctm *ChainTxMgr) SetClock(now func() time.Time) {
	ctm.now = now
}

// The Big Loop!
func (ctm *ChainTxMgr) Loop(ctx context.Context) error {
	logger.Debug("starting ramp state machine")
	defer logger.Debug("stopping ramp state machine")

	tickerInterval := time.NewTicker(ctm.cfg.IntervalCheckTime)
	defer tickerInterval.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tickerInterval.C:
			if err := ctm.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("ramp state machine tick failed")
			}
		}
	}
}

// Tick expires stale quotes and drives every active ramp as far as it can
// go right now.
func (ctm *ChainTxMgr) Tick(ctx context.Context) error {
	if ctm.quotes != nil {
		n, err := ctm.quotes.ExpireStale(ctx)
		if err != nil {
			logger.WithError(err).Error("failed to expire stale quotes")
		} else if n > 0 {
			logger.WithField("count", n).Info("expired stale quotes")
		}
	}

	ramps, err := ctm.statedb.GetActiveRamps(ctx)
	if err != nil {
		return err
	}

	now := ctm.now()
	for _, r := range ramps {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.Terminal() || r.Due(now) {
			ctm.drain(ctx, r)
		}
	}
	return nil
}

func (ctm *ChainTxMgr) drain(ctx context.Context, r *state.RampState) {
	phase := r.CurrentPhase
	for i := 0; i < ctm.cfg.MaxStepsPerTick; i++ {
		next, err := ctm.Advance(ctx, r.ID)
		if err != nil {
			if !errors.Is(err, state.ErrLockContention) {
				logger.WithField("ramp", r.ID).WithError(err).Error("failed to advance ramp")
			}
			return
		}
		if next.CurrentPhase == phase || next.Terminal() {
			return
		}
		phase = next.CurrentPhase
	}
}

// Advance acquires the processing lock of ramp id, attempts its current
// phase once and persists the outcome. It returns the ramp as persisted.
func (ctm *ChainTxMgr) Advance(ctx context.Context, id string) (*state.RampState, error) {
	r, err := ctm.statedb.TryAcquireLock(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrLockContention) {
			ctm.metrics.LockContentionTotal.Inc()
		}
		return nil, err
	}

	from := r.CurrentPhase
	ctm.step(ctx, r)
	return r, ctm.commit(ctx, r, from)
}

// MarkFailed cancels ramp id from outside the machine, for instance on
// session expiry. It fails with ErrLockContention while a transition is in
// flight.
func (ctm *ChainTxMgr) MarkFailed(ctx context.Context, id, reason string) error {
	r, err := ctm.statedb.TryAcquireLock(ctx, id)
	if err != nil {
		if errors.Is(err, state.ErrLockContention) {
			ctm.metrics.LockContentionTotal.Inc()
		}
		return err
	}
	if r.Terminal() {
		if err := ctm.statedb.ReleaseLock(ctx, r); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, r.CurrentPhase)
	}

	from := r.CurrentPhase
	now := ctm.now()
	r.ErrorLogs = append(r.ErrorLogs, state.ErrorLog{
		Timestamp: now,
		Phase:     from,
		Kind:      string(KindCancelled),
		Detail:    reason,
		Attempt:   r.Attempts,
	})
	r.MoveTo(state.PhaseFailed, state.OutcomeCancelled, now)
	ctm.metrics.PhaseTransitionsTotal.WithLabelValues(from, state.PhaseFailed).Inc()
	logger.WithFields(logger.Fields{"ramp": id, "phase": from, "reason": reason}).Warn("ramp cancelled")

	return ctm.commit(ctx, r, from)
}

// commit enqueues the status change, if any, then writes r and releases
// its lock. The change is dropped when the event cannot be queued, so the
// next attempt redoes it.
func (ctm *ChainTxMgr) commit(ctx context.Context, r *state.RampState, from string) error {
	if r.CurrentPhase != from {
		ev := webhook.NewEvent(webhook.StatusChange, r, ctm.now())
		if err := ctm.notifier.Notify(ctx, ev); err != nil {
			if rerr := ctm.statedb.ReleaseLock(ctx, r); rerr != nil {
				logger.WithField("ramp", r.ID).WithError(rerr).Error("failed to release lock")
			}
			return fmt.Errorf("notify %s: %w", r.ID, err)
		}
	}

	if err := ctm.statedb.UpdateRamp(ctx, r); err != nil {
		if !errors.Is(err, state.ErrLockNotHeld) {
			if rerr := ctm.statedb.ReleaseLock(ctx, r); rerr != nil {
				logger.WithField("ramp", r.ID).WithError(rerr).Error("failed to release lock")
			}
		}
		return err
	}
	return ctm.statedb.ReleaseLock(ctx, r)
}

func (ctm *ChainTxMgr) step(ctx context.Context, r *state.RampState) {
	if r.Terminal() {
		if r.CurrentPhase == state.PhaseComplete && !r.PostCompleteState.Attempted() {
			ctm.runCleanup(ctx, r)
		}
		return
	}
	if !r.Due(ctm.now()) {
		return
	}

	meta, ok := ctm.registry.Lookup(r.CurrentPhase)
	if !ok {
		ctm.fail(r, nil, validationErr(fmt.Errorf("%w: %s", state.ErrUnknownPhase, r.CurrentPhase)))
		return
	}

	done, perr := ctm.runPhase(ctx, r, meta)
	if perr != nil {
		ctm.fail(r, meta, perr)
		return
	}
	if !done {
		return
	}

	from := r.CurrentPhase
	next, ok := r.NextPlanned()
	if !ok {
		ctm.fail(r, meta, validationErr(fmt.Errorf("%w: nothing planned after %s", ErrBrokenPlan, from)))
		return
	}
	if err := ctm.registry.ValidateTransition(from, next); err != nil {
		ctm.fail(r, meta, validationErr(err))
		return
	}

	r.MoveTo(next, state.OutcomeSuccess, ctm.now())
	ctm.metrics.PhaseTransitionsTotal.WithLabelValues(from, next).Inc()
	logger.WithFields(logger.Fields{"ramp": r.ID, "from": from, "to": next}).Info("ramp phase advanced")

	if next == state.PhaseComplete {
		ctm.runCleanup(ctx, r)
	}
}

// runPhase reports whether the phase is done: its subsidy settled, its
// required transactions confirmed and its conditions met.
func (ctm *ChainTxMgr) runPhase(ctx context.Context, r *state.RampState, meta *state.PhaseMetadata) (bool, *PhaseError) {
	phase := meta.Name

	if plan, ok := r.Subsidies[phase]; ok && r.SubsidyDetails[phase] == nil {
		if perr := ctm.handleSubsidy(ctx, r, phase, plan); perr != nil {
			return false, perr
		}
	}

	for _, key := range meta.RequiredTxs {
		if r.ConfirmedTxs[key] != "" {
			continue
		}
		done, perr := ctm.handlePresigned(ctx, r, phase, key)
		if perr != nil || !done {
			return false, perr
		}
	}

	for _, cond := range meta.SuccessConditions {
		switch cond {
		case state.CondDepositReceived:
			ok, perr := ctm.checkDeposit(ctx, r)
			if perr != nil || !ok {
				return false, perr
			}
		case state.CondSubsidySettled:
			if _, planned := r.Subsidies[phase]; planned && r.SubsidyDetails[phase] == nil {
				return false, nil
			}
		default:
			return false, validationErr(fmt.Errorf("unknown success condition %q of %s", cond, phase))
		}
	}
	return true, nil
}

// fail records a failed attempt: a retry while the policy allows one,
// otherwise the move to failed.
func (ctm *ChainTxMgr) fail(r *state.RampState, meta *state.PhaseMetadata, perr *PhaseError) {
	now := ctm.now()
	phase := r.CurrentPhase
	entry := state.ErrorLog{
		Timestamp:   now,
		Phase:       phase,
		Kind:        string(perr.Kind),
		Detail:      perr.Err.Error(),
		Recoverable: perr.Recoverable,
	}
	ctm.metrics.PhaseFailuresTotal.WithLabelValues(phase, string(perr.Kind)).Inc()

	fields := logger.Fields{"ramp": r.ID, "phase": phase, "kind": perr.Kind, "attempt": r.Attempts + 1}
	if meta != nil && perr.Recoverable && !meta.RetryPolicy.Exhausted(r.Attempts+1) {
		retryAt := now.Add(meta.RetryPolicy.Delay(r.Attempts + 1))
		r.RecordRetry(entry, retryAt)
		logger.WithFields(fields).WithError(perr.Err).WithField("retryAt", retryAt).Warn("phase attempt failed, will retry")
		return
	}

	r.RecordFailure(entry)
	ctm.metrics.PhaseTransitionsTotal.WithLabelValues(phase, state.PhaseFailed).Inc()
	logger.WithFields(fields).WithError(perr.Err).Error("ramp failed")
}

// runCleanup submits the presigned cleanup transactions once. The outcome is
// recorded whatever it is, so cleanup never runs twice.
func (ctm *ChainTxMgr) runCleanup(ctx context.Context, r *state.RampState) {
	if r.PostCompleteState.Attempted() {
		return
	}

	var errs []error
	for _, phase := range []string{state.PhasePendulumCleanup, state.PhaseStellarCleanup} {
		ptx, ok := r.PresignedTxs[phase]
		if !ok {
			continue
		}
		txId, err := ctm.submitCleanup(ctx, r, ptx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", phase, err))
			continue
		}
		logger.WithFields(logger.Fields{"ramp": r.ID, "phase": phase, "txId": txId}).Info("cleanup submitted")
	}

	at := ctm.now()
	r.PostCompleteState.Cleanup.CleanupAt = &at
	r.PostCompleteState.Cleanup.CleanupCompleted = len(errs) == 0
	if err := errors.Join(errs...); err != nil {
		r.PostCompleteState.Cleanup.Error = err.Error()
		logger.WithField("ramp", r.ID).WithError(err).Warn("cleanup failed")
	}
}

func (ctm *ChainTxMgr) submitCleanup(ctx context.Context, r *state.RampState, ptx *agreement.PresignedTx) (string, error) {
	worker, ok := ctm.workers[ptx.Network]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoWorker, ptx.Network)
	}
	ctx, cancel := context.WithTimeout(ctx, ctm.cfg.RPCTimeout)
	defer cancel()

	var lastErr error
	for offset := r.NonceShift[ptx.Network]; offset < ptx.RunLength(); offset++ {
		variant, ok := ptx.Variant(offset)
		if !ok {
			break
		}
		txId, err := worker.Submit(ctx, variant)
		if err == nil {
			return txId, nil
		}
		lastErr = err
		if !errors.Is(err, agreement.ErrNonceUsed) && !errors.Is(err, agreement.ErrTxRejected) {
			return "", err
		}
	}
	if lastErr == nil {
		lastErr = ErrVariantsExhausted
	}
	return "", lastErr
}
