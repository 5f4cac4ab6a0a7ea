package ramp

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/presign"
	"github.com/TEENet-io/ramp-go/quote"
	"github.com/TEENet-io/ramp-go/state"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

// PlanRequest is what the planner needs to lay out one ramp.
type PlanRequest struct {
	Ticket     *quote.Ticket
	Ephemerals map[agreement.Network]string

	// Offramp: anchor account (stellar) or BRLA payout account (moonbeam),
	// and the memo the anchor matches the payment with.
	PayoutTarget string
	PayoutMemo   string
	// Onramp: account receiving the tokens on the ticket's network.
	DestinationAddress string
}

// Plan is the registered shape of a ramp: its phases, the transactions
// to presign and what the state machine checks along the way.
type Plan struct {
	Phases []string
	Txs    []*agreement.UnsignedTx
	// Submitted once after complete, never part of Phases.
	Cleanup        []*agreement.UnsignedTx
	Deposit        *state.Deposit
	Subsidies      map[string]*state.SubsidyPlan
	NonceSequences map[agreement.Network]uint64
	// Steps the builders found unnecessary, by phase.
	Skipped map[string]string
}

// AllTxs is every transaction to presign, cleanup included.
func (p *Plan) AllTxs() []*agreement.UnsignedTx {
	out := make([]*agreement.UnsignedTx, 0, len(p.Txs)+len(p.Cleanup))
	return append(append(out, p.Txs...), p.Cleanup...)
}

type step struct {
	phase  string
	intent *txbuilder.Intent
	// the phase is dropped when the builder skips it
	optional bool
}

// Planner lays out the phases and unsigned transactions of a ramp from its
// quote. Nonces are handed out in plan order, per ephemeral account.
type Planner struct {
	cfg      *Config
	builders *txbuilder.Registry
	phases   *state.Registry
	nonces   map[agreement.Network]agreement.NonceSource
	partners map[string]quote.Partner
}

func NewPlanner(cfg *Config, builders *txbuilder.Registry, phases *state.Registry, nonces map[agreement.Network]agreement.NonceSource) *Planner {
	if nonces == nil {
		nonces = make(map[agreement.Network]agreement.NonceSource)
	}
	return &Planner{
		cfg:      cfg,
		builders: builders,
		phases:   phases,
		nonces:   nonces,
		partners: make(map[string]quote.Partner),
	}
}

// SetPartners provides the subsidy caps and markup payout accounts of
// partner quotes.
func (p *Planner) SetPartners(partners map[string]quote.Partner) {
	p.partners = partners
}

func (p *Planner) Plan(ctx context.Context, req *PlanRequest) (*Plan, error) {
	if req == nil || req.Ticket == nil {
		return nil, fmt.Errorf("%w: no quote", ErrInvalidRequest)
	}

	plan := &Plan{
		Subsidies: make(map[string]*state.SubsidyPlan),
		Skipped:   make(map[string]string),
	}

	var (
		steps, cleanup []step
		err            error
	)
	switch req.Ticket.Direction {
	case agreement.DirectionSell:
		steps, cleanup, err = p.offramp(req, plan)
	case agreement.DirectionBuy:
		steps, err = p.onramp(req, plan)
	default:
		err = fmt.Errorf("%w: direction %q", ErrInvalidRequest, req.Ticket.Direction)
	}
	if err != nil {
		return nil, err
	}

	book := presign.NewNonceBook(p.nonces)
	plan.Phases = []string{state.PhaseInitial}
	for _, s := range steps {
		if s.intent == nil {
			plan.Phases = append(plan.Phases, s.phase)
			continue
		}
		tx, reason, err := p.build(ctx, book, s.intent)
		if err != nil {
			return nil, err
		}
		if tx == nil {
			if !s.optional {
				return nil, fmt.Errorf("%w: %s: %s", ErrRequiredStepSkipped, s.phase, reason)
			}
			plan.Skipped[s.phase] = reason
			continue
		}
		plan.Txs = append(plan.Txs, tx)
		plan.Phases = append(plan.Phases, s.phase)
	}
	plan.Phases = append(plan.Phases, state.PhaseComplete)

	for _, s := range cleanup {
		tx, reason, err := p.build(ctx, book, s.intent)
		if err != nil {
			return nil, err
		}
		if tx == nil {
			plan.Skipped[s.phase] = reason
			continue
		}
		plan.Cleanup = append(plan.Cleanup, tx)
	}

	if err := p.phases.ValidatePlan(plan.Phases); err != nil {
		return nil, err
	}
	plan.NonceSequences = book.Sequences()

	logger.WithFields(logger.Fields{
		"quote":   req.Ticket.ID,
		"type":    req.Ticket.Direction,
		"phases":  len(plan.Phases),
		"txs":     len(plan.Txs),
		"skipped": len(plan.Skipped),
	}).Debug("ramp planned")
	return plan, nil
}

// build hands the step the next nonce of its signer. The nonce is only
// taken when a transaction comes out.
func (p *Planner) build(ctx context.Context, book *presign.NonceBook, in *txbuilder.Intent) (*agreement.UnsignedTx, string, error) {
	nonce, err := book.Peek(ctx, in.Network, in.Signer)
	if err != nil {
		return nil, "", err
	}
	in.Nonce = nonce

	res, err := p.builders.Build(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("build %s: %w", in, err)
	}
	if res.Skipped {
		return nil, res.Reason, nil
	}
	if _, err := book.Allocate(ctx, in.Network, in.Signer); err != nil {
		return nil, "", err
	}
	return res.Tx, "", nil
}

func ephemeral(req *PlanRequest, network agreement.Network) (string, error) {
	addr, ok := req.Ephemerals[network]
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingEphemeral, network)
	}
	return addr, nil
}

// subsidize plans a top up of recipient to target for phase. Tokens the
// platform does not subsidize in leave the phase without a plan, which
// settles it right away.
func (p *Planner) subsidize(plan *Plan, t *quote.Ticket, phase string, network agreement.Network, code, recipient string, target *big.Int) {
	token, err := agreement.ParseSubsidyToken(code)
	if err != nil {
		logger.WithFields(logger.Fields{"phase": phase, "token": code}).Debug("no subsidy for token")
		return
	}
	sp := &state.SubsidyPlan{
		Network:   network,
		Token:     token,
		Recipient: recipient,
		Target:    target.String(),
	}
	if partner, ok := p.partners[t.PartnerID]; ok && partner.MaxSubsidy.IsPositive() {
		sp.MaxSubsidy = partner.MaxSubsidy.String()
	}
	plan.Subsidies[phase] = sp
}

func (p *Planner) fund(plan *Plan, t *quote.Ticket, pendulum string) (step, error) {
	target, ok := new(big.Int).SetString(p.cfg.PendulumFundTarget, 10)
	if !ok {
		return step{}, fmt.Errorf("bad pendulum fund target %q", p.cfg.PendulumFundTarget)
	}
	p.subsidize(plan, t, state.PhasePendulumFundEphemeral, agreement.Pendulum, string(agreement.TokenPEN), pendulum, target)
	return step{phase: state.PhasePendulumFundEphemeral}, nil
}

// swap lays out pre swap subsidy, approve, swap and post swap subsidy on
// Pendulum.
func (p *Planner) swap(plan *Plan, t *quote.Ticket, pendulum string, inCode string, in *Asset, outCode string, out *Asset) ([]step, error) {
	if in.NablaToken == "" || out.NablaToken == "" {
		return nil, fmt.Errorf("%w: no nabla wrapper for %s/%s", ErrUnknownAsset, inCode, outCode)
	}
	inRef, err := in.ref(agreement.Pendulum)
	if err != nil {
		return nil, err
	}
	outRef, err := out.ref(agreement.Pendulum)
	if err != nil {
		return nil, err
	}
	amountIn := inRef.Units(t.InputAmount)
	amountOut := outRef.Units(t.OutputAmount)
	payees, fees := p.feePayees(t, outRef)

	p.subsidize(plan, t, state.PhaseSubsidizePreSwap, agreement.Pendulum, inCode, pendulum, amountIn)
	// the swap output carries the distributed fees on top of the ramp output
	p.subsidize(plan, t, state.PhaseSubsidizePostSwap, agreement.Pendulum, outCode, pendulum,
		new(big.Int).Add(amountOut, fees))

	steps := []step{
		{phase: state.PhaseSubsidizePreSwap},
		{
			phase:    state.PhaseNablaApprove,
			optional: true,
			intent: &txbuilder.Intent{
				Network: agreement.Pendulum,
				Kind:    agreement.KindApprove,
				Phase:   state.PhaseNablaApprove,
				Signer:  pendulum,
				Asset:   in.NablaToken,
				Amount:  amountIn,
				Spender: p.cfg.NablaRouter,
			},
		},
		{
			phase: state.PhaseNablaSwap,
			intent: &txbuilder.Intent{
				Network:   agreement.Pendulum,
				Kind:      agreement.KindSwap,
				Phase:     state.PhaseNablaSwap,
				Signer:    pendulum,
				Asset:     in.NablaToken,
				Amount:    amountIn,
				AssetOut:  out.NablaToken,
				QuotedOut: amountOut,
			},
		},
		{phase: state.PhaseSubsidizePostSwap},
	}
	if len(payees) == 0 {
		return steps, nil
	}
	return append(steps, step{
		phase: state.PhaseDistributeFees,
		intent: &txbuilder.Intent{
			Network: agreement.Pendulum,
			Kind:    agreement.KindTransfer,
			Phase:   state.PhaseDistributeFees,
			Signer:  pendulum,
			Asset:   outRef.ID,
			Amount:  fees,
			Payees:  payees,
		},
	}), nil
}

// feePayees splits the vortex fee and partner markup of t over their
// Pendulum accounts, in base units of the post swap asset. Components
// without an account or rounding to zero are left out.
func (p *Planner) feePayees(t *quote.Ticket, out AssetRef) ([]txbuilder.Payee, *big.Int) {
	// buy fees are in the input fiat, carried over at the rate the quote
	// applied to the amount left after fees
	rate := decimal.NewFromInt(1)
	if t.Direction == agreement.DirectionBuy {
		net := t.InputAmount.Sub(t.Fee.Total).Add(t.Discount)
		if !net.IsPositive() {
			return nil, new(big.Int)
		}
		rate = t.OutputAmount.Div(net)
	}

	var (
		payees []txbuilder.Payee
		total  = new(big.Int)
	)
	add := func(recipient string, fee decimal.Decimal) {
		units := out.Units(fee.Mul(rate))
		if recipient == "" || units.Sign() <= 0 {
			return
		}
		payees = append(payees, txbuilder.Payee{Recipient: recipient, Amount: units})
		total.Add(total, units)
	}
	add(p.cfg.VortexFeeAccount, t.Fee.Vortex)
	if partner, ok := p.partners[t.PartnerID]; ok {
		add(partner.PayoutAddress, t.Fee.PartnerMarkup)
	}
	return payees, total
}

func toPendulum(phase string, source agreement.Network, signer, asset string, amount *big.Int, pendulum string) step {
	return step{
		phase: phase,
		intent: &txbuilder.Intent{
			Network:     source,
			Kind:        agreement.KindXcm,
			Phase:       phase,
			Signer:      signer,
			Asset:       asset,
			Amount:      amount,
			DestNetwork: agreement.Pendulum,
			Recipient:   pendulum,
		},
	}
}

// offramp: tokens on AssetHub or Moonbeam, fiat out through a Stellar
// anchor or a BRLA payout on Moonbeam.
func (p *Planner) offramp(req *PlanRequest, plan *Plan) ([]step, []step, error) {
	t := req.Ticket
	source := t.Network
	var xcmPhase string
	switch source {
	case agreement.AssetHub:
		xcmPhase = state.PhaseAssetHubToPendulumXCM
	case agreement.Moonbeam:
		xcmPhase = state.PhaseMoonbeamToPendulumXCM
	default:
		return nil, nil, fmt.Errorf("%w: offramp from %q", ErrUnsupportedCorridor, source)
	}
	if req.PayoutTarget == "" {
		return nil, nil, fmt.Errorf("%w: payout target required", ErrInvalidRequest)
	}

	inCode, in, err := p.cfg.asset(t.InputCurrency)
	if err != nil {
		return nil, nil, err
	}
	outCode, out, err := p.cfg.asset(t.OutputCurrency)
	if err != nil {
		return nil, nil, err
	}
	srcRef, err := in.ref(source)
	if err != nil {
		return nil, nil, err
	}
	outPen, err := out.ref(agreement.Pendulum)
	if err != nil {
		return nil, nil, err
	}
	srcAcc, err := ephemeral(req, source)
	if err != nil {
		return nil, nil, err
	}
	pendulum, err := ephemeral(req, agreement.Pendulum)
	if err != nil {
		return nil, nil, err
	}

	amountIn := srcRef.Units(t.InputAmount)
	plan.Deposit = &state.Deposit{
		Network: source,
		Address: srcAcc,
		Asset:   srcRef.ID,
		Amount:  amountIn.String(),
	}

	fund, err := p.fund(plan, t, pendulum)
	if err != nil {
		return nil, nil, err
	}
	steps := []step{fund}

	viaStellar := !p.cfg.MoonbeamPayout[strings.ToUpper(t.OutputCurrency)]
	var (
		stellar    string
		outStellar AssetRef
	)
	if viaStellar {
		if stellar, err = ephemeral(req, agreement.Stellar); err != nil {
			return nil, nil, err
		}
		if outStellar, err = out.ref(agreement.Stellar); err != nil {
			return nil, nil, err
		}
		issuer := outStellar.ID
		if i := strings.IndexByte(issuer, ':'); i >= 0 {
			issuer = issuer[i+1:]
		}
		target, ok := new(big.Int).SetString(p.cfg.StellarCreateTarget, 10)
		if !ok {
			return nil, nil, fmt.Errorf("bad stellar create target %q", p.cfg.StellarCreateTarget)
		}
		p.subsidize(plan, t, state.PhaseStellarCreateAccount, agreement.Stellar, string(agreement.TokenXLM), stellar, target)
		// the trustline of the payout asset
		steps = append(steps, step{
			phase: state.PhaseStellarCreateAccount,
			intent: &txbuilder.Intent{
				Network: agreement.Stellar,
				Kind:    agreement.KindApprove,
				Phase:   state.PhaseStellarCreateAccount,
				Signer:  stellar,
				Asset:   outStellar.ID,
				Spender: issuer,
				Amount:  outStellar.Units(t.OutputAmount),
			},
		})
	}

	steps = append(steps, toPendulum(xcmPhase, source, srcAcc, srcRef.ID, amountIn, pendulum))

	swap, err := p.swap(plan, t, pendulum, inCode, in, outCode, out)
	if err != nil {
		return nil, nil, err
	}
	steps = append(steps, swap...)

	amountOut := outPen.Units(t.OutputAmount)
	if !viaStellar {
		moonbeam, err := ephemeral(req, agreement.Moonbeam)
		if err != nil {
			return nil, nil, err
		}
		outMoonbeam, err := out.ref(agreement.Moonbeam)
		if err != nil {
			return nil, nil, err
		}
		steps = append(steps,
			step{
				phase: state.PhasePendulumToMoonbeamXCM,
				intent: &txbuilder.Intent{
					Network:     agreement.Pendulum,
					Kind:        agreement.KindXcm,
					Phase:       state.PhasePendulumToMoonbeamXCM,
					Signer:      pendulum,
					Asset:       outPen.ID,
					Amount:      amountOut,
					DestNetwork: agreement.Moonbeam,
					Recipient:   moonbeam,
				},
			},
			step{
				phase: state.PhaseBrlaPayoutOnMoonbeam,
				intent: &txbuilder.Intent{
					Network:   agreement.Moonbeam,
					Kind:      agreement.KindTransfer,
					Phase:     state.PhaseBrlaPayoutOnMoonbeam,
					Signer:    moonbeam,
					Asset:     outMoonbeam.ID,
					Amount:    outMoonbeam.Units(t.OutputAmount),
					Recipient: req.PayoutTarget,
				},
			},
		)
		return steps, nil, nil
	}

	steps = append(steps,
		step{
			phase: state.PhaseSpacewalkRedeem,
			intent: &txbuilder.Intent{
				Network:   agreement.Pendulum,
				Kind:      agreement.KindRedeem,
				Phase:     state.PhaseSpacewalkRedeem,
				Signer:    pendulum,
				Asset:     outPen.ID,
				Amount:    amountOut,
				Recipient: stellar,
			},
		},
		step{
			phase: state.PhaseStellarOfframp,
			intent: &txbuilder.Intent{
				Network:   agreement.Stellar,
				Kind:      agreement.KindPayment,
				Phase:     state.PhaseStellarOfframp,
				Signer:    stellar,
				Asset:     outStellar.ID,
				Amount:    outStellar.Units(t.OutputAmount),
				Recipient: req.PayoutTarget,
				Memo:      req.PayoutMemo,
			},
		},
	)

	var cleanup []step
	if p.cfg.StellarFundingAccount != "" {
		cleanup = append(cleanup, step{
			phase: state.PhaseStellarCleanup,
			intent: &txbuilder.Intent{
				Network:   agreement.Stellar,
				Kind:      agreement.KindMerge,
				Phase:     state.PhaseStellarCleanup,
				Signer:    stellar,
				Asset:     outStellar.ID,
				Recipient: p.cfg.StellarFundingAccount,
			},
		})
	}
	return steps, cleanup, nil
}

// onramp: fiat paid in as BRLA on Moonbeam, tokens out on AssetHub or
// Moonbeam.
func (p *Planner) onramp(req *PlanRequest, plan *Plan) ([]step, error) {
	t := req.Ticket
	if !p.cfg.MoonbeamPayout[strings.ToUpper(t.InputCurrency)] {
		return nil, fmt.Errorf("%w: onramp from %q", ErrUnsupportedCorridor, t.InputCurrency)
	}
	var xcmPhase string
	switch t.Network {
	case agreement.AssetHub:
		xcmPhase = state.PhasePendulumToAssetHubXCM
	case agreement.Moonbeam:
		xcmPhase = state.PhasePendulumToMoonbeamXCM
	default:
		return nil, fmt.Errorf("%w: onramp to %q", ErrUnsupportedCorridor, t.Network)
	}
	if req.DestinationAddress == "" {
		return nil, fmt.Errorf("%w: destination address required", ErrInvalidRequest)
	}

	inCode, in, err := p.cfg.asset(t.InputCurrency)
	if err != nil {
		return nil, err
	}
	outCode, out, err := p.cfg.asset(t.OutputCurrency)
	if err != nil {
		return nil, err
	}
	inMoonbeam, err := in.ref(agreement.Moonbeam)
	if err != nil {
		return nil, err
	}
	outPen, err := out.ref(agreement.Pendulum)
	if err != nil {
		return nil, err
	}
	moonbeam, err := ephemeral(req, agreement.Moonbeam)
	if err != nil {
		return nil, err
	}
	pendulum, err := ephemeral(req, agreement.Pendulum)
	if err != nil {
		return nil, err
	}

	deposit := inMoonbeam.Units(t.InputAmount)
	plan.Deposit = &state.Deposit{
		Network: agreement.Moonbeam,
		Address: moonbeam,
		Asset:   inMoonbeam.ID,
		Amount:  deposit.String(),
	}

	fund, err := p.fund(plan, t, pendulum)
	if err != nil {
		return nil, err
	}
	steps := []step{
		fund,
		toPendulum(state.PhaseMoonbeamToPendulumXCM, agreement.Moonbeam, moonbeam, inMoonbeam.ID, deposit, pendulum),
	}

	swap, err := p.swap(plan, t, pendulum, inCode, in, outCode, out)
	if err != nil {
		return nil, err
	}
	steps = append(steps, swap...)

	return append(steps, step{
		phase: xcmPhase,
		intent: &txbuilder.Intent{
			Network:     agreement.Pendulum,
			Kind:        agreement.KindXcm,
			Phase:       xcmPhase,
			Signer:      pendulum,
			Asset:       outPen.ID,
			Amount:      outPen.Units(t.OutputAmount),
			DestNetwork: t.Network,
			Recipient:   req.DestinationAddress,
		},
	}), nil
}
