package quote

import (
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/shopspring/decimal"
)

// Currency describes a supported currency. Fiat amounts are rounded to 2
// places, on-chain assets to their native decimals.
type Currency struct {
	Code     string
	Fiat     bool
	Decimals int32
}

func (c Currency) Places() int32 {
	if c.Fiat {
		return 2
	}
	return c.Decimals
}

// FeeComponent evaluates to Absolute + Relative*base.
type FeeComponent struct {
	Absolute decimal.Decimal
	Relative decimal.Decimal
}

func (fc FeeComponent) Apply(base decimal.Decimal) decimal.Decimal {
	return fc.Absolute.Add(base.Mul(fc.Relative))
}

// Limits bounds the input amount of a payment method.
type Limits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

type MarkupType string

const (
	MarkupNone     MarkupType = "none"
	MarkupAbsolute MarkupType = "absolute"
	MarkupRelative MarkupType = "relative"
)

// Partner is the fee and discount configuration of an integrating partner.
type Partner struct {
	ID     string
	Active bool

	MarkupType     MarkupType
	MarkupValue    decimal.Decimal
	MarkupCurrency string // absolute markups only

	TargetDiscount    decimal.Decimal
	MinTargetDiscount decimal.Decimal
	MaxTargetDiscount decimal.Decimal
	// Upper bound for anything the platform pays on behalf of this partner,
	// discounts here and subsidies in the subsidy manager.
	MaxSubsidy decimal.Decimal
	// Pendulum account receiving the partner markup, ss58.
	PayoutAddress string
}

type Config struct {
	Expiry     time.Duration
	Currencies map[string]Currency
	// direction -> input currency -> allowed output currencies
	Pairs          map[agreement.Direction]map[string][]string
	PaymentMethods map[string]Limits
	// keyed by fiat currency
	AnchorFees map[string]FeeComponent
	VortexFee  FeeComponent
	// network fee per on-chain network, in NetworkFeeCurrency
	NetworkFees        map[agreement.Network]decimal.Decimal
	NetworkFeeCurrency string
	Partners           map[string]Partner
}

func DefaultConfig() *Config {
	return &Config{
		Expiry: 10 * time.Minute,
		Currencies: map[string]Currency{
			"EUR":  {Code: "EUR", Fiat: true},
			"BRL":  {Code: "BRL", Fiat: true},
			"ARS":  {Code: "ARS", Fiat: true},
			"USD":  {Code: "USD", Fiat: true},
			"USDC": {Code: "USDC", Decimals: 6},
			"USDT": {Code: "USDT", Decimals: 6},
		},
		Pairs: map[agreement.Direction]map[string][]string{
			agreement.DirectionSell: {
				"USDC": {"EUR", "BRL", "ARS"},
				"USDT": {"EUR", "BRL", "ARS"},
			},
			agreement.DirectionBuy: {
				"EUR": {"USDC", "USDT"},
				"BRL": {"USDC", "USDT"},
			},
		},
		PaymentMethods: map[string]Limits{
			"sepa": {Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(10000)},
			"pix":  {Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(50000)},
			"cbu":  {Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(10000)},
		},
		AnchorFees:         map[string]FeeComponent{},
		NetworkFees:        map[agreement.Network]decimal.Decimal{},
		NetworkFeeCurrency: "USD",
		Partners:           map[string]Partner{},
	}
}
