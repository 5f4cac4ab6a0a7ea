package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/ramp-go/metrics"
	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
)

var ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")

// Engine prices conversion requests and owns the ticket lifecycle
// pending -> consumed | expired.
type Engine struct {
	cfg     *Config
	store   Store
	rates   RateSource
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewEngine(cfg *Config, store Store, rates RateSource, m *metrics.Metrics) *Engine {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Engine{
		cfg:     cfg,
		store:   store,
		rates:   rates,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source, used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// CreateQuote validates and prices req and persists the ticket as pending.
func (e *Engine) CreateQuote(ctx context.Context, req *Request) (*Ticket, error) {
	in, out, err := e.validate(req)
	if err != nil {
		e.metrics.QuotesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	var partner *Partner
	if req.PartnerID != "" {
		p, ok := e.cfg.Partners[req.PartnerID]
		if !ok || !p.Active {
			e.metrics.QuotesTotal.WithLabelValues("rejected").Inc()
			return nil, ErrUnknownPartner
		}
		partner = &p
	}

	pr, err := e.price(ctx, req, in, out, partner)
	if err != nil {
		e.metrics.QuotesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	now := e.now()
	t := &Ticket{
		ID:             uuid.NewString(),
		Direction:      req.Direction,
		From:           req.From,
		To:             req.To,
		InputAmount:    req.InputAmount,
		InputCurrency:  in.Code,
		OutputAmount:   pr.output,
		OutputCurrency: out.Code,
		Fee:            pr.fee,
		Discount:       pr.discount,
		PartnerID:      req.PartnerID,
		APIKey:         req.APIKey,
		PaymentMethod:  req.PaymentMethod,
		Network:        req.Network,
		CountryCode:    req.CountryCode,
		UserID:         req.UserID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(e.cfg.Expiry),
		Status:         StatusPending,
	}

	if err := e.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	e.metrics.QuotesTotal.WithLabelValues("created").Inc()

	logger.WithFields(logger.Fields{
		"quote":  t.ID,
		"type":   t.Direction,
		"input":  t.InputAmount.String() + " " + t.InputCurrency,
		"output": t.OutputAmount.String() + " " + t.OutputCurrency,
		"fee":    t.Fee.Total.String() + " " + t.Fee.Currency,
	}).Info("quote created")

	return t, nil
}

func (e *Engine) validate(req *Request) (Currency, Currency, error) {
	if !req.Direction.Valid() {
		return Currency{}, Currency{}, ErrInvalidDirection
	}
	if !req.InputAmount.IsPositive() {
		return Currency{}, Currency{}, ErrInvalidAmount
	}

	in, okIn := e.cfg.Currencies[req.InputCurrency]
	out, okOut := e.cfg.Currencies[req.OutputCurrency]
	if !okIn || !okOut || !e.pairAllowed(req) {
		return Currency{}, Currency{}, fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidCurrencyPair, req.InputCurrency, req.OutputCurrency, req.Direction)
	}

	limits, ok := e.cfg.PaymentMethods[req.PaymentMethod]
	if !ok {
		return Currency{}, Currency{}, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, req.PaymentMethod)
	}
	if req.InputAmount.LessThan(limits.Min) || (limits.Max.IsPositive() && req.InputAmount.GreaterThan(limits.Max)) {
		return Currency{}, Currency{}, fmt.Errorf("%w: %s not in [%s, %s]", ErrAmountOutOfBounds, req.InputAmount, limits.Min, limits.Max)
	}

	return in, out, nil
}

func (e *Engine) pairAllowed(req *Request) bool {
	for _, c := range e.cfg.Pairs[req.Direction][req.InputCurrency] {
		if c == req.OutputCurrency {
			return true
		}
	}
	return false
}

func (e *Engine) Get(ctx context.Context, id string) (*Ticket, error) {
	t, ok, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrQuoteNotFound
	}
	return t, nil
}

// Consume moves a pending ticket to consumed exactly once. A ticket past
// its expiry is moved to expired instead and ErrQuoteExpired returned.
func (e *Engine) Consume(ctx context.Context, id string) (*Ticket, error) {
	t, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch t.Status {
	case StatusConsumed:
		return nil, ErrQuoteConsumed
	case StatusExpired:
		return nil, ErrQuoteExpired
	}

	if t.Expired(e.now()) {
		if _, err := e.store.CompareAndSetStatus(ctx, id, StatusPending, StatusExpired); err != nil {
			return nil, err
		}
		e.metrics.QuotesTotal.WithLabelValues("expired").Inc()
		return nil, ErrQuoteExpired
	}

	swapped, err := e.store.CompareAndSetStatus(ctx, id, StatusPending, StatusConsumed)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// lost a race, report what the winner did
		latest, err := e.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if latest.Status == StatusExpired {
			return nil, ErrQuoteExpired
		}
		return nil, ErrQuoteConsumed
	}

	e.metrics.QuotesTotal.WithLabelValues("consumed").Inc()
	t.Status = StatusConsumed
	return t, nil
}

// Release hands a consumed ticket back to pending, for a registration that
// consumed it but failed to store its ramp. It reports false when the
// ticket was not consumed.
func (e *Engine) Release(ctx context.Context, id string) (bool, error) {
	swapped, err := e.store.CompareAndSetStatus(ctx, id, StatusConsumed, StatusPending)
	if err != nil {
		return false, err
	}
	if swapped {
		e.metrics.QuotesTotal.WithLabelValues("released").Inc()
	}
	return swapped, nil
}

// ExpireStale marks every pending ticket past its expiry as expired.
func (e *Engine) ExpireStale(ctx context.Context) (int64, error) {
	n, err := e.store.ExpirePending(ctx, e.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.metrics.QuotesTotal.WithLabelValues("expired").Add(float64(n))
		logger.WithField("count", n).Debug("expired stale quotes")
	}
	return n, nil
}
