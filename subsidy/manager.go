package subsidy

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

type Config struct {
	// Reserve a pool must keep on top of a payment, as a fraction of the
	// payment: balance >= amount * (1 + ratio).
	MinFundingRatio map[agreement.Network]decimal.Decimal
	// Cap in whole token units for ramps without a partner cap. Tokens
	// missing here are not subsidized.
	DefaultMaxSubsidy map[agreement.SubsidyToken]decimal.Decimal
}

func DefaultConfig() *Config {
	return &Config{
		MinFundingRatio:   map[agreement.Network]decimal.Decimal{},
		DefaultMaxSubsidy: map[agreement.SubsidyToken]decimal.Decimal{},
	}
}

type poolKey struct {
	network agreement.Network
	token   agreement.SubsidyToken
}

// Manager decides and pays subsidies. Payments out of one pool are
// serialized so that the pool balance is read right before each payment.
type Manager struct {
	cfg     *Config
	ledger  Ledger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	pools map[poolKey]FundingPool
	locks map[poolKey]*sync.Mutex
}

func NewManager(cfg *Config, ledger Ledger, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		cfg:     cfg,
		ledger:  ledger,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		pools:   make(map[poolKey]FundingPool),
		locks:   make(map[poolKey]*sync.Mutex),
	}
}

func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) AddPool(p FundingPool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := poolKey{p.Network(), p.Token()}
	m.pools[k] = p
	if _, ok := m.locks[k]; !ok {
		m.locks[k] = &sync.Mutex{}
	}
}

func (m *Manager) pool(network agreement.Network, token agreement.SubsidyToken) (FundingPool, *sync.Mutex, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := poolKey{network, token}
	p, ok := m.pools[k]
	return p, m.locks[k], ok
}

// Subsidize tops up req.Recipient to req.Target, bounded by the cap. A ramp
// and phase is paid at most once: a paid record is returned as is and a
// pending one is confirmed rather than paid again.
func (m *Manager) Subsidize(ctx context.Context, req *Request) (Outcome, error) {
	if req.RampID == "" || req.Phase == "" || req.Recipient == "" || req.Target == nil {
		return Outcome{}, fmt.Errorf("%w: ramp, phase, recipient and target required", ErrInvalidRequest)
	}
	log := logger.WithFields(logger.Fields{
		"ramp":    req.RampID,
		"phase":   req.Phase,
		"network": req.Network,
		"token":   req.Token,
	})

	rec, ok, err := m.ledger.Get(ctx, req.RampID, req.Phase)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		return m.resume(ctx, rec, log)
	}

	pool, poolMu, ok := m.pool(req.Network, req.Token)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s/%s", ErrNoPool, req.Network, req.Token)
	}

	balance, err := pool.BalanceOf(ctx, req.Recipient)
	if err != nil {
		return Outcome{}, err
	}
	required := new(big.Int).Sub(req.Target, balance)
	if required.Sign() <= 0 {
		m.count(req.Network, req.Token, "skipped")
		return skip("balance covers target"), nil
	}

	limit, err := m.remaining(ctx, req, pool.Decimals())
	if err != nil {
		return Outcome{}, err
	}
	if limit.Sign() <= 0 {
		m.count(req.Network, req.Token, "capped")
		log.WithField("required", required).Warn("subsidy cap reached")
		return skip("subsidy cap reached"), nil
	}

	amount, capped := required, false
	if required.Cmp(limit) > 0 {
		amount, capped = limit, true
		log.WithFields(logger.Fields{"required": required, "paying": limit}).Warn("subsidy cut down to cap")
	}

	poolMu.Lock()
	defer poolMu.Unlock()

	// read again, other ramps pay out of the same pool
	funds, err := pool.BalanceOf(ctx, pool.Address())
	if err != nil {
		return Outcome{}, err
	}
	if need := withReserve(amount, m.cfg.MinFundingRatio[req.Network]); funds.Cmp(need) < 0 {
		m.count(req.Network, req.Token, "underfunded")
		return Outcome{}, fmt.Errorf("%w: %s/%s holds %s, needs %s", ErrPoolUnderfunded, req.Network, req.Token, funds, need)
	}

	ptx, txRef, err := pool.Submit(ctx, req.Phase, req.Recipient, amount)
	if err != nil {
		m.count(req.Network, req.Token, "failed")
		return Outcome{}, err
	}

	rec = &Record{
		ID:          uuid.NewString(),
		RampID:      req.RampID,
		Phase:       req.Phase,
		Network:     req.Network,
		Token:       req.Token,
		Payer:       pool.Address(),
		Amount:      amount,
		TxRef:       txRef,
		Status:      StatusPending,
		Tx:          ptx,
		SubmittedAt: m.now(),
	}
	if err := m.ledger.Insert(ctx, rec); err != nil {
		log.WithField("txRef", txRef).Errorf("subsidy submitted but not recorded: %v", err)
		return Outcome{}, err
	}
	return m.settle(ctx, pool, rec, capped, log)
}

// resume picks up a ramp and phase that already has a record.
func (m *Manager) resume(ctx context.Context, rec *Record, log *logger.Entry) (Outcome, error) {
	log = log.WithField("txRef", rec.TxRef)
	switch rec.Status {
	case StatusPaid:
		log.Debug("subsidy already paid")
		return paid(rec, false), nil
	case StatusFailed:
		return Outcome{}, fmt.Errorf("%w: %s", ErrPaymentFailed, rec.TxRef)
	}

	pool, _, ok := m.pool(rec.Network, rec.Token)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s/%s", ErrNoPool, rec.Network, rec.Token)
	}
	log.Info("confirming pending subsidy")
	return m.settle(ctx, pool, rec, false, log)
}

// settle waits for the transfer of a pending record. A transfer still in
// flight leaves the record pending for the next call.
func (m *Manager) settle(ctx context.Context, pool FundingPool, rec *Record, capped bool, log *logger.Entry) (Outcome, error) {
	if err := pool.Confirm(ctx, rec.Tx, rec.TxRef); err != nil {
		if errors.Is(err, ErrPaymentFailed) {
			m.count(rec.Network, rec.Token, "failed")
			if serr := m.ledger.SetStatus(ctx, rec.ID, StatusFailed, m.now()); serr != nil {
				log.Errorf("failed to mark subsidy failed: %v", serr)
			}
		}
		return Outcome{}, err
	}

	at := m.now()
	if err := m.ledger.SetStatus(ctx, rec.ID, StatusPaid, at); err != nil {
		return Outcome{}, err
	}
	rec.Status, rec.PaidAt = StatusPaid, &at

	m.count(rec.Network, rec.Token, "paid")
	log.WithFields(logger.Fields{"amount": rec.Amount, "txRef": rec.TxRef}).Info("subsidy paid")
	return paid(rec, capped), nil
}

// remaining is the cap minus what the ramp already received in the token.
func (m *Manager) remaining(ctx context.Context, req *Request, decimals int32) (*big.Int, error) {
	var capUnits decimal.Decimal
	if req.MaxSubsidy != nil {
		capUnits = *req.MaxSubsidy
	} else {
		capUnits = m.cfg.DefaultMaxSubsidy[req.Token]
	}
	limit := capUnits.Shift(decimals).Floor().BigInt()

	spent, err := m.ledger.SumFor(ctx, req.RampID, req.Token)
	if err != nil {
		return nil, err
	}
	return limit.Sub(limit, spent), nil
}

func withReserve(amount *big.Int, ratio decimal.Decimal) *big.Int {
	return decimal.NewFromBigInt(amount, 0).Mul(decimal.NewFromInt(1).Add(ratio)).Ceil().BigInt()
}

func (m *Manager) count(network agreement.Network, token agreement.SubsidyToken, result string) {
	m.metrics.SubsidyPaymentsTotal.WithLabelValues(string(network), string(token), result).Inc()
}
