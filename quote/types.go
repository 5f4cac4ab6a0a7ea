package quote

import (
	"errors"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

var (
	ErrInvalidCurrencyPair = errors.New("invalid currency pair")
	ErrAmountOutOfBounds   = errors.New("amount out of bounds")
	ErrQuoteExpired        = errors.New("quote expired")
	ErrQuoteConsumed       = errors.New("quote already consumed")
	ErrQuoteNotFound       = errors.New("quote not found")
	ErrInvalidDirection    = errors.New("invalid ramp direction")
	ErrUnknownPartner      = errors.New("unknown or inactive partner")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Fee is the decomposed fee of a ticket. Vortex and PartnerMarkup are paid
// out to the platform and the partner during the ramp.
// Total == Network + Anchor + Vortex + PartnerMarkup.
type Fee struct {
	Network       decimal.Decimal `json:"network"`
	Anchor        decimal.Decimal `json:"anchor"`
	Vortex        decimal.Decimal `json:"vortex"`
	PartnerMarkup decimal.Decimal `json:"partnerMarkup"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
}

func (f Fee) Consistent() bool {
	return f.Network.Add(f.Anchor).Add(f.Vortex).Add(f.PartnerMarkup).Equal(f.Total)
}

// Ticket is an immutable, time boxed price for one conversion.
type Ticket struct {
	ID             string              `json:"id"`
	Direction      agreement.Direction `json:"rampType"`
	From           string              `json:"from"`
	To             string              `json:"to"`
	InputAmount    decimal.Decimal     `json:"inputAmount"`
	InputCurrency  string              `json:"inputCurrency"`
	OutputAmount   decimal.Decimal     `json:"outputAmount"`
	OutputCurrency string              `json:"outputCurrency"`
	Fee            Fee                 `json:"fee"`
	// Partner discount paid by the platform, in fee currency, already
	// included in OutputAmount.
	Discount      decimal.Decimal   `json:"discount"`
	PartnerID     string            `json:"partnerId,omitempty"`
	APIKey        string            `json:"apiKey,omitempty"`
	PaymentMethod string            `json:"paymentMethod"`
	Network       agreement.Network `json:"network"`
	CountryCode   string            `json:"countryCode,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	Status        Status            `json:"status"`
}

func (t *Ticket) Clone() *Ticket {
	c := *t
	return &c
}

// Expired reports whether the ticket can no longer be consumed at now.
func (t *Ticket) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Request is the input of CreateQuote.
type Request struct {
	Direction      agreement.Direction
	From           string // network or payment method identifier
	To             string
	InputAmount    decimal.Decimal
	InputCurrency  string
	OutputCurrency string
	PaymentMethod  string
	Network        agreement.Network // on-chain leg
	PartnerID      string
	APIKey         string
	CountryCode    string
	UserID         string
}
