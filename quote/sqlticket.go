package quote

import (
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/shopspring/decimal"
)

// sqlTicket mirrors a quote_tickets row. Decimals are stored as text,
// timestamps as unix milliseconds.
type sqlTicket struct {
	ID               string
	Direction        string
	From             string
	To               string
	InputAmount      string
	InputCurrency    string
	OutputAmount     string
	OutputCurrency   string
	FeeNetwork       string
	FeeAnchor        string
	FeeVortex        string
	FeePartnerMarkup string
	FeeTotal         string
	FeeCurrency      string
	Discount         string
	PartnerID        string
	APIKey           string
	PaymentMethod    string
	Network          string
	CountryCode      string
	UserID           string
	CreatedAt        int64
	ExpiresAt        int64
	Status           string
}

func (s *sqlTicket) encode(t *Ticket) *sqlTicket {
	s.ID = t.ID
	s.Direction = string(t.Direction)
	s.From = t.From
	s.To = t.To
	s.InputAmount = t.InputAmount.String()
	s.InputCurrency = t.InputCurrency
	s.OutputAmount = t.OutputAmount.String()
	s.OutputCurrency = t.OutputCurrency
	s.FeeNetwork = t.Fee.Network.String()
	s.FeeAnchor = t.Fee.Anchor.String()
	s.FeeVortex = t.Fee.Vortex.String()
	s.FeePartnerMarkup = t.Fee.PartnerMarkup.String()
	s.FeeTotal = t.Fee.Total.String()
	s.FeeCurrency = t.Fee.Currency
	s.Discount = t.Discount.String()
	s.PartnerID = t.PartnerID
	s.APIKey = t.APIKey
	s.PaymentMethod = t.PaymentMethod
	s.Network = string(t.Network)
	s.CountryCode = t.CountryCode
	s.UserID = t.UserID
	s.CreatedAt = t.CreatedAt.UnixMilli()
	s.ExpiresAt = t.ExpiresAt.UnixMilli()
	s.Status = string(t.Status)
	return s
}

func (s *sqlTicket) args() []interface{} {
	return []interface{}{
		s.ID, s.Direction, s.From, s.To, s.InputAmount, s.InputCurrency, s.OutputAmount, s.OutputCurrency,
		s.FeeNetwork, s.FeeAnchor, s.FeeVortex, s.FeePartnerMarkup, s.FeeTotal, s.FeeCurrency, s.Discount, s.PartnerID, s.APIKey,
		s.PaymentMethod, s.Network, s.CountryCode, s.UserID, s.CreatedAt, s.ExpiresAt, s.Status,
	}
}

func (s *sqlTicket) dest() []interface{} {
	return []interface{}{
		&s.ID, &s.Direction, &s.From, &s.To, &s.InputAmount, &s.InputCurrency, &s.OutputAmount, &s.OutputCurrency,
		&s.FeeNetwork, &s.FeeAnchor, &s.FeeVortex, &s.FeePartnerMarkup, &s.FeeTotal, &s.FeeCurrency, &s.Discount, &s.PartnerID, &s.APIKey,
		&s.PaymentMethod, &s.Network, &s.CountryCode, &s.UserID, &s.CreatedAt, &s.ExpiresAt, &s.Status,
	}
}

func (s *sqlTicket) decode() (*Ticket, error) {
	amounts := make([]decimal.Decimal, 8)
	for i, str := range []string{s.InputAmount, s.OutputAmount, s.FeeNetwork, s.FeeAnchor, s.FeeVortex, s.FeePartnerMarkup, s.FeeTotal, s.Discount} {
		d, err := decimal.NewFromString(str)
		if err != nil {
			return nil, err
		}
		amounts[i] = d
	}

	return &Ticket{
		ID:             s.ID,
		Direction:      agreement.Direction(s.Direction),
		From:           s.From,
		To:             s.To,
		InputAmount:    amounts[0],
		InputCurrency:  s.InputCurrency,
		OutputAmount:   amounts[1],
		OutputCurrency: s.OutputCurrency,
		Fee: Fee{
			Network:       amounts[2],
			Anchor:        amounts[3],
			Vortex:        amounts[4],
			PartnerMarkup: amounts[5],
			Total:         amounts[6],
			Currency:      s.FeeCurrency,
		},
		Discount:      amounts[7],
		PartnerID:     s.PartnerID,
		APIKey:        s.APIKey,
		PaymentMethod: s.PaymentMethod,
		Network:       agreement.Network(s.Network),
		CountryCode:   s.CountryCode,
		UserID:        s.UserID,
		CreatedAt:     time.UnixMilli(s.CreatedAt).UTC(),
		ExpiresAt:     time.UnixMilli(s.ExpiresAt).UTC(),
		Status:        Status(s.Status),
	}, nil
}
