package chaintxmgr

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/chaintxmgrdb"
	"github.com/TEENet-io/ramp-go/state"
	"github.com/TEENet-io/ramp-go/subsidy"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// handleSubsidy settles the subsidy planned for phase. The subsidy manager
// pays at most once per ramp and phase, so a repeated call is harmless.
func (ctm *ChainTxMgr) handleSubsidy(ctx context.Context, r *state.RampState, phase string, plan *state.SubsidyPlan) *PhaseError {
	if ctm.subsidies == nil {
		return validationErr(ErrNoSubsidizer)
	}
	target, ok := new(big.Int).SetString(plan.Target, 10)
	if !ok {
		return validationErr(fmt.Errorf("bad subsidy target %q of %s", plan.Target, phase))
	}
	req := &subsidy.Request{
		RampID:    r.ID,
		Phase:     phase,
		Network:   plan.Network,
		Token:     plan.Token,
		Recipient: plan.Recipient,
		Target:    target,
	}
	if plan.MaxSubsidy != "" {
		limit, err := decimal.NewFromString(plan.MaxSubsidy)
		if err != nil {
			return validationErr(fmt.Errorf("bad max subsidy %q: %w", plan.MaxSubsidy, err))
		}
		req.MaxSubsidy = &limit
	}

	out, err := ctm.subsidies.Subsidize(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, subsidy.ErrNoPool), errors.Is(err, subsidy.ErrInvalidRequest):
			return validationErr(err)
		case errors.Is(err, subsidy.ErrPaymentFailed):
			return dispatchErr(err, true)
		default:
			return Classify(err)
		}
	}

	detail := &state.SubsidyDetail{Token: plan.Token, Skipped: out.Skipped, Reason: out.Reason}
	if out.Record != nil {
		detail.Amount = out.Record.Amount.String()
		detail.Payer = out.Record.Payer
		detail.TxRef = out.Record.TxRef
	}
	r.SubsidyDetails[phase] = detail
	return nil
}

func (ctm *ChainTxMgr) checkDeposit(ctx context.Context, r *state.RampState) (bool, *PhaseError) {
	d := r.Deposit
	if d == nil {
		return true, nil
	}
	reader, ok := ctm.balances[d.Network]
	if !ok {
		return false, validationErr(fmt.Errorf("%w: %s", ErrNoBalanceReader, d.Network))
	}
	want, ok := new(big.Int).SetString(d.Amount, 10)
	if !ok {
		return false, validationErr(fmt.Errorf("bad deposit amount %q", d.Amount))
	}

	ctx, cancel := context.WithTimeout(ctx, ctm.cfg.RPCTimeout)
	defer cancel()
	bal, err := reader.Balance(ctx, d.Address, d.Asset)
	if err != nil {
		return false, transientErr(fmt.Errorf("deposit balance: %w", err))
	}
	if bal.Cmp(want) >= 0 {
		return true, nil
	}
	if waited := ctm.now().Sub(r.CreatedAt); waited > ctm.cfg.DepositTimeout {
		return false, validationErr(fmt.Errorf("%w: %s of %s after %s", ErrDepositTimeout, bal, want, waited))
	}
	return false, nil
}

// handlePresigned drives the presigned run of phase until one variant is
// included. It reports true once the step is confirmed.
func (ctm *ChainTxMgr) handlePresigned(ctx context.Context, r *state.RampState, phase, key string) (bool, *PhaseError) {
	ptx, ok := r.PresignedTxs[phase]
	if !ok {
		return false, validationErr(fmt.Errorf("%w: %s", ErrNoPresignedTx, key))
	}
	worker, ok := ctm.workers[ptx.Network]
	if !ok {
		return false, validationErr(fmt.Errorf("%w: %s", ErrNoWorker, ptx.Network))
	}

	ctx, cancel := context.WithTimeout(ctx, ctm.cfg.RPCTimeout)
	defer cancel()

	subs, err := ctm.mgrdb.GetMonitoredTxByRef(ctx, r.ID, phase)
	if err != nil {
		return false, transientErr(err)
	}

	offset := r.NonceShift[ptx.Network]
	if n := len(subs); n > 0 {
		last := subs[n-1]
		switch last.TxStatus {
		case agreement.Success:
			ctm.confirm(r, key, last)
			return true, nil
		case agreement.Pending, agreement.Limbo:
			done, timedOut, perr := ctm.poll(ctx, r, ptx, worker, key, subs)
			if done || perr != nil || !timedOut {
				return done, perr
			}
		}
		if last.Offset+1 > offset {
			offset = last.Offset + 1
		}
	}
	return ctm.submitFrom(ctx, r, ptx, worker, key, offset)
}

// poll checks the latest submission of subs. timedOut is set when the next
// variant should be submitted.
func (ctm *ChainTxMgr) poll(
	ctx context.Context,
	r *state.RampState,
	ptx *agreement.PresignedTx,
	worker agreement.ChainWorker,
	key string,
	subs []*chaintxmgrdb.MonitoredTx,
) (done, timedOut bool, perr *PhaseError) {
	sub := subs[len(subs)-1]
	variant, ok := ptx.Variant(sub.Offset)
	if !ok {
		return false, false, validationErr(fmt.Errorf("%w: offset %d of %s", ErrNoPresignedTx, sub.Offset, key))
	}

	status, foundAt, err := worker.GetTxStatus(ctx, variant, sub.TxIdentifier)
	if err != nil {
		return false, false, transientErr(fmt.Errorf("status of %s: %w", sub.TxIdentifier, err))
	}

	switch status {
	case agreement.Success:
		if err := ctm.settle(ctx, sub, status, foundAt); err != nil {
			return false, false, transientErr(err)
		}
		ctm.confirm(r, key, sub)
		return true, false, nil

	case agreement.Reverted, agreement.MalForm:
		if err := ctm.settle(ctx, sub, status, foundAt); err != nil {
			return false, false, transientErr(err)
		}
		more := sub.Offset+1 < ptx.RunLength()
		return false, false, dispatchErr(fmt.Errorf("%w: %s at offset %d is %s", ErrTxReverted, sub.TxIdentifier, sub.Offset, status), more)
	}

	if status != sub.TxStatus {
		if err := ctm.mgrdb.UpdateTxStatus(ctx, sub.TxIdentifier, status); err != nil {
			return false, false, transientErr(err)
		}
	}
	if ctm.now().Sub(sub.SentAt) < ctm.cfg.ConfirmationTimeout {
		return false, false, nil
	}

	// Timed out. An earlier variant given up on may have landed after all.
	for _, old := range subs[:len(subs)-1] {
		if old.TxStatus != agreement.Timeout {
			continue
		}
		v, ok := ptx.Variant(old.Offset)
		if !ok {
			continue
		}
		if s, at, err := worker.GetTxStatus(ctx, v, old.TxIdentifier); err == nil && s == agreement.Success {
			if err := ctm.settle(ctx, old, s, at); err != nil {
				return false, false, transientErr(err)
			}
			ctm.confirm(r, key, old)
			return true, false, nil
		}
	}

	// Resubmit while the nonce is still free, the tx was only dropped.
	if src, ok := worker.(agreement.NonceSource); ok {
		next, err := src.NextNonce(ctx, ptx.Signer)
		if err != nil {
			return false, false, transientErr(err)
		}
		if next <= variant.Nonce {
			if _, err := worker.Submit(ctx, variant); err == nil {
				ledger, _ := worker.GetLatestLedgerNumber(ctx)
				if err := ctm.mgrdb.UpdateSent(ctx, sub.TxIdentifier, ledger, ctm.now()); err != nil {
					return false, false, transientErr(err)
				}
				ctm.logSub(r, sub).Warn("variant not included, resubmitted")
				return false, false, nil
			} else if !errors.Is(err, agreement.ErrNonceUsed) && !errors.Is(err, agreement.ErrTxRejected) {
				return false, false, transientErr(err)
			}
		}
	}

	if err := ctm.mgrdb.UpdateTxStatus(ctx, sub.TxIdentifier, agreement.Timeout); err != nil {
		return false, false, transientErr(err)
	}
	sub.TxStatus = agreement.Timeout
	ctm.logSub(r, sub).Warn("variant timed out, moving to the next offset")
	return false, true, nil
}

// submitFrom submits the first usable variant at or after offset.
func (ctm *ChainTxMgr) submitFrom(
	ctx context.Context,
	r *state.RampState,
	ptx *agreement.PresignedTx,
	worker agreement.ChainWorker,
	key string,
	offset int,
) (bool, *PhaseError) {
	for ; offset < ptx.RunLength(); offset++ {
		variant, ok := ptx.Variant(offset)
		if !ok {
			break
		}

		sub := &chaintxmgrdb.MonitoredTx{
			RampID:   r.ID,
			Phase:    ptx.Phase,
			Network:  ptx.Network,
			Offset:   offset,
			SentAt:   ctm.now(),
			TxStatus: agreement.Pending,
		}
		txId, err := worker.Submit(ctx, variant)
		sub.TxIdentifier = txId

		switch {
		case err == nil:
			sub.SentBlockchainLedgerNumber, _ = worker.GetLatestLedgerNumber(ctx)
			if err := ctm.record(ctx, sub); err != nil {
				return false, transientErr(err)
			}
			if offset > r.NonceShift[ptx.Network] {
				r.NonceShift[ptx.Network] = offset
			}
			ctm.logSub(r, sub).Info("presigned variant submitted")
			return false, nil

		case errors.Is(err, agreement.ErrNonceUsed):
			// the nonce may have gone to this very variant
			if txId != "" {
				if s, at, serr := worker.GetTxStatus(ctx, variant, txId); serr == nil && s == agreement.Success {
					sub.TxStatus = s
					sub.FoundBlockchainLedgerNumber = at
					if err := ctm.record(ctx, sub); err != nil {
						return false, transientErr(err)
					}
					ctm.confirm(r, key, sub)
					return true, nil
				}
			}
			sub.TxStatus = agreement.Timeout
			ctm.logSub(r, sub).WithError(err).Warn("variant nonce taken, trying the next offset")

		case errors.Is(err, agreement.ErrTxRejected):
			sub.TxStatus = agreement.MalForm
			ctm.logSub(r, sub).WithError(err).Warn("variant rejected, trying the next offset")

		default:
			return false, Classify(fmt.Errorf("submit %s offset %d: %w", key, offset, err))
		}

		if txId != "" {
			if err := ctm.record(ctx, sub); err != nil {
				return false, transientErr(err)
			}
		}
	}
	return false, dispatchErr(fmt.Errorf("%w: %s", ErrVariantsExhausted, key), false)
}

func (ctm *ChainTxMgr) confirm(r *state.RampState, key string, sub *chaintxmgrdb.MonitoredTx) {
	r.ConfirmedTxs[key] = sub.TxIdentifier
	if sub.Offset > r.NonceShift[sub.Network] {
		r.NonceShift[sub.Network] = sub.Offset
	}
	ctm.logSub(r, sub).Info("presigned step confirmed")
}

func (ctm *ChainTxMgr) settle(ctx context.Context, sub *chaintxmgrdb.MonitoredTx, status agreement.MonitoredTxStatus, foundAt *big.Int) error {
	if foundAt != nil {
		if err := ctm.mgrdb.UpdateFound(ctx, sub.TxIdentifier, foundAt); err != nil {
			return err
		}
		sub.FoundBlockchainLedgerNumber = foundAt
	}
	if err := ctm.mgrdb.UpdateTxStatus(ctx, sub.TxIdentifier, status); err != nil {
		return err
	}
	sub.TxStatus = status
	return nil
}

// record inserts sub, or refreshes its status when the variant was seen
// before.
func (ctm *ChainTxMgr) record(ctx context.Context, sub *chaintxmgrdb.MonitoredTx) error {
	err := ctm.mgrdb.InsertMonitoredTx(ctx, sub)
	if errors.Is(err, chaintxmgrdb.ErrDuplicateSubmission) {
		return ctm.mgrdb.UpdateTxStatus(ctx, sub.TxIdentifier, sub.TxStatus)
	}
	return err
}

func (ctm *ChainTxMgr) logSub(r *state.RampState, sub *chaintxmgrdb.MonitoredTx) *logger.Entry {
	return logger.WithFields(logger.Fields{
		"ramp":    r.ID,
		"phase":   sub.Phase,
		"network": sub.Network,
		"offset":  sub.Offset,
		"txId":    sub.TxIdentifier,
	})
}
