package quote

import (
	"context"
	"fmt"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/shopspring/decimal"
)

// priced is the outcome of pricing a request.
type priced struct {
	fee      Fee
	discount decimal.Decimal
	output   decimal.Decimal
}

// roundHalfUp rounds to places, ties away from zero (half-up for the
// non-negative amounts handled here).
func roundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Round(places)
}

// price decomposes the fee and derives the output amount. All arithmetic is
// decimal. Each component is rounded before summing so the total is exact.
func (e *Engine) price(ctx context.Context, req *Request, in, out Currency, partner *Partner) (*priced, error) {
	rate, err := e.rates.Rate(ctx, in.Code, out.Code)
	if err != nil {
		return nil, fmt.Errorf("exchange rate: %w", err)
	}

	// fees are charged on the fiat leg
	feeCur := out
	base := req.InputAmount.Mul(rate)
	if req.Direction == agreement.DirectionBuy {
		feeCur = in
		base = req.InputAmount
	}
	places := feeCur.Places()

	anchor := decimal.Zero
	if fc, ok := e.cfg.AnchorFees[feeCur.Code]; ok {
		anchor = fc.Apply(base)
	}
	anchor = roundHalfUp(anchor, places)
	vortex := roundHalfUp(e.cfg.VortexFee.Apply(base), places)

	network := decimal.Zero
	if nf, ok := e.cfg.NetworkFees[req.Network]; ok && !nf.IsZero() {
		conv, err := e.rates.Rate(ctx, e.cfg.NetworkFeeCurrency, feeCur.Code)
		if err != nil {
			return nil, fmt.Errorf("network fee rate: %w", err)
		}
		network = roundHalfUp(nf.Mul(conv), places)
	}

	markup := decimal.Zero
	discount := decimal.Zero
	if partner != nil {
		markup, err = e.partnerMarkup(ctx, partner, base, feeCur)
		if err != nil {
			return nil, err
		}
		markup = roundHalfUp(markup, places)
		discount = roundHalfUp(partnerDiscount(partner, base), places)
	}

	fee := Fee{
		Network:       network,
		Anchor:        anchor,
		Vortex:        vortex,
		PartnerMarkup: markup,
		Total:         network.Add(anchor).Add(vortex).Add(markup),
		Currency:      feeCur.Code,
	}

	net := base.Sub(fee.Total).Add(discount)
	var output decimal.Decimal
	if req.Direction == agreement.DirectionBuy {
		output = roundHalfUp(net.Mul(rate), out.Places())
	} else {
		output = roundHalfUp(net, out.Places())
	}
	if !output.IsPositive() {
		return nil, fmt.Errorf("%w: fees exceed amount", ErrAmountOutOfBounds)
	}

	return &priced{fee: fee, discount: discount, output: output}, nil
}

func (e *Engine) partnerMarkup(ctx context.Context, p *Partner, base decimal.Decimal, feeCur Currency) (decimal.Decimal, error) {
	switch p.MarkupType {
	case MarkupRelative:
		return base.Mul(p.MarkupValue), nil
	case MarkupAbsolute:
		if p.MarkupCurrency == "" || p.MarkupCurrency == feeCur.Code {
			return p.MarkupValue, nil
		}
		conv, err := e.rates.Rate(ctx, p.MarkupCurrency, feeCur.Code)
		if err != nil {
			return decimal.Zero, fmt.Errorf("partner markup rate: %w", err)
		}
		return p.MarkupValue.Mul(conv), nil
	default:
		return decimal.Zero, nil
	}
}

// partnerDiscount clamps the partner target discount into
// [MinTargetDiscount, MaxTargetDiscount] and bounds the resulting amount by
// MaxSubsidy.
func partnerDiscount(p *Partner, base decimal.Decimal) decimal.Decimal {
	if !p.TargetDiscount.IsPositive() {
		return decimal.Zero
	}
	rate := p.TargetDiscount
	if rate.LessThan(p.MinTargetDiscount) {
		rate = p.MinTargetDiscount
	}
	if p.MaxTargetDiscount.IsPositive() && rate.GreaterThan(p.MaxTargetDiscount) {
		rate = p.MaxTargetDiscount
	}

	amount := base.Mul(rate)
	if amount.GreaterThan(p.MaxSubsidy) {
		amount = p.MaxSubsidy
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount
}
