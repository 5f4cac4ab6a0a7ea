package ramp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/metrics"
	"github.com/TEENet-io/ramp-go/presign"
	"github.com/TEENet-io/ramp-go/quote"
	"github.com/TEENet-io/ramp-go/state"
	"github.com/TEENet-io/ramp-go/webhook"
	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
)

// SigningAccount is an ephemeral account generated by the client for one
// ramp. The secret is used for presigning and then dropped.
type SigningAccount struct {
	Network agreement.Network `json:"network"`
	Address string            `json:"address"`
	Secret  string            `json:"secret"`
}

type RegisterRequest struct {
	QuoteID         string           `json:"quoteId"`
	SigningAccounts []SigningAccount `json:"signingAccounts"`

	PayoutTarget       string `json:"payoutTarget,omitempty"`
	PayoutMemo         string `json:"payoutMemo,omitempty"`
	DestinationAddress string `json:"destinationAddress,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
}

func (req *RegisterRequest) validate() error {
	if req.QuoteID == "" {
		return fmt.Errorf("%w: quoteId required", ErrInvalidRequest)
	}
	if len(req.SigningAccounts) == 0 {
		return fmt.Errorf("%w: signing accounts required", ErrInvalidRequest)
	}
	seen := make(map[agreement.Network]bool, len(req.SigningAccounts))
	for _, acc := range req.SigningAccounts {
		if !acc.Network.Valid() {
			return fmt.Errorf("%w: unknown network %q", ErrInvalidRequest, acc.Network)
		}
		if acc.Address == "" || acc.Secret == "" {
			return fmt.Errorf("%w: incomplete %s account", ErrInvalidRequest, acc.Network)
		}
		if seen[acc.Network] {
			return fmt.Errorf("%w: two %s accounts", ErrInvalidRequest, acc.Network)
		}
		seen[acc.Network] = true
	}
	return nil
}

// Service registers ramps: a quote is turned into a presigned plan and
// stored for the state machine.
type Service struct {
	quotes    *quote.Engine
	planner   *Planner
	presigner *presign.Engine
	statedb   *state.StateDB
	notifier  webhook.Notifier
	metrics   *metrics.Metrics

	now   func() time.Time
	newID func() string
}

func NewService(quotes *quote.Engine, planner *Planner, presigner *presign.Engine, statedb *state.StateDB, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Service{
		quotes:    quotes,
		planner:   planner,
		presigner: presigner,
		statedb:   statedb,
		notifier:  webhook.Nop{},
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

func (s *Service) SetNotifier(n webhook.Notifier) {
	s.notifier = n
}

func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Register consumes the quote and stores the new ramp at initial. Nothing
// is consumed or stored unless the whole plan was built and presigned.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*state.RampState, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	t, err := s.quotes.Get(ctx, req.QuoteID)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Status == quote.StatusConsumed:
		return nil, quote.ErrQuoteConsumed
	case t.Status == quote.StatusExpired, t.Expired(s.now()):
		return nil, quote.ErrQuoteExpired
	}

	keys := presign.NewKeyRing()
	for _, acc := range req.SigningAccounts {
		keys.Add(acc.Network, agreement.EphemeralKey{
			Family:  acc.Network.Family(),
			Address: acc.Address,
			Secret:  acc.Secret,
		})
	}

	plan, err := s.planner.Plan(ctx, &PlanRequest{
		Ticket:             t,
		Ephemerals:         keys.Addresses(),
		PayoutTarget:       req.PayoutTarget,
		PayoutMemo:         req.PayoutMemo,
		DestinationAddress: req.DestinationAddress,
	})
	if err != nil {
		return nil, err
	}
	presigned, err := s.presigner.PresignPlan(ctx, plan.AllTxs(), keys)
	if err != nil {
		return nil, err
	}

	if _, err := s.quotes.Consume(ctx, t.ID); err != nil {
		return nil, err
	}

	r := state.NewRampState(s.newID(), t.Direction, t.ID, s.now())
	r.UserID = req.UserID
	if r.UserID == "" {
		r.UserID = t.UserID
	}
	r.SessionID = req.SessionID
	r.PaymentMethod = t.PaymentMethod
	r.Plan = plan.Phases
	r.Ephemerals = keys.Addresses()
	r.Deposit = plan.Deposit
	r.UnsignedTxs = plan.AllTxs()
	r.PresignedTxs = presigned
	r.NonceSequences = plan.NonceSequences
	r.Subsidies = plan.Subsidies
	for phase, reason := range plan.Skipped {
		logger.WithFields(logger.Fields{"ramp": r.ID, "phase": phase, "reason": reason}).Info("step skipped at registration")
	}

	if err := s.statedb.InsertRamp(ctx, r); err != nil {
		s.releaseQuote(ctx, t.ID)
		return nil, err
	}
	s.metrics.RampsRegisteredTotal.WithLabelValues(string(r.Type)).Inc()

	if err := s.notifier.Notify(ctx, webhook.NewEvent(webhook.TransactionCreated, r, s.now())); err != nil {
		logger.WithField("ramp", r.ID).WithError(err).Warn("failed to queue webhook")
	}

	logger.WithFields(logger.Fields{
		"ramp":   r.ID,
		"quote":  t.ID,
		"type":   r.Type,
		"phases": len(r.Plan),
	}).Info("ramp registered")
	return r, nil
}

// releaseQuote puts the quote of a ramp that could not be stored back to
// pending, unless some ramp does hold it.
func (s *Service) releaseQuote(ctx context.Context, quoteID string) {
	log := logger.WithField("quote", quoteID)
	if _, ok, err := s.statedb.GetRampByQuote(ctx, quoteID); err != nil || ok {
		if err != nil {
			log.WithError(err).Warn("quote left consumed, ramp lookup failed")
		}
		return
	}
	if _, err := s.quotes.Release(ctx, quoteID); err != nil {
		log.WithError(err).Error("failed to release quote")
	}
}

// Status returns the stored ramp.
func (s *Service) Status(ctx context.Context, id string) (*state.RampState, error) {
	r, ok, err := s.statedb.GetRamp(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrRampNotFound, id)
	}
	return r, nil
}

// IsClientError reports whether err is the caller's fault.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidRequest,
		ErrUnknownAsset,
		ErrUnsupportedCorridor,
		ErrMissingEphemeral,
		presign.ErrMissingEphemeralKey,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
