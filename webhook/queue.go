package webhook

import (
	"context"
	"time"

	"github.com/TEENet-io/ramp-go/metrics"
	"github.com/TEENet-io/ramp-go/retry"
	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type QueueConfig struct {
	MaxAttempts int
	// Backoff between attempts of one delivery.
	Backoff retry.Policy
	// Deliveries per second towards the endpoint, 0 means unlimited.
	RatePerSec float64
	BatchSize  int
	Interval   time.Duration
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxAttempts: 5,
		Backoff:     retry.Policy{BackoffMs: 30000, Exponential: true, MaxBackoffMs: 3600000},
		RatePerSec:  10,
		BatchSize:   100,
		Interval:    5 * time.Second,
	}
}

// Queue persists events and delivers them with backoff. Every event is
// attempted until it is accepted or MaxAttempts is reached.
type Queue struct {
	cfg       *QueueConfig
	store     Store
	transport Transport
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewQueue(cfg *QueueConfig, store Store, transport Transport, m *metrics.Metrics) *Queue {
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Queue{
		cfg:       cfg,
		store:     store,
		transport: transport,
		limiter:   rate.NewLimiter(limit, burst),
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *Queue) Notify(ctx context.Context, ev *Event) error {
	now := q.now()
	d := &Delivery{
		ID:          uuid.NewString(),
		Event:       ev,
		Status:      DeliveryPending,
		MaxAttempts: q.cfg.MaxAttempts,
		NextRetryAt: &now,
		CreatedAt:   now,
	}
	if err := q.store.Insert(ctx, d); err != nil {
		return err
	}
	logger.WithFields(logger.Fields{
		"delivery": d.ID,
		"event":    ev.EventType,
		"ramp":     ev.Payload.TransactionID,
	}).Debug("webhook queued")
	return nil
}

// DeliverDue attempts every due delivery once and returns how many were
// accepted.
func (q *Queue) DeliverDue(ctx context.Context) (int, error) {
	due, err := q.store.Due(ctx, q.now(), q.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, d := range due {
		if err := q.limiter.Wait(ctx); err != nil {
			return delivered, err
		}
		if q.attempt(ctx, d) {
			delivered++
		}
		if err := q.store.Update(ctx, d); err != nil {
			return delivered, err
		}
	}
	return delivered, nil
}

func (q *Queue) attempt(ctx context.Context, d *Delivery) bool {
	d.Attempt++
	retryAt := q.now().Add(q.cfg.Backoff.Delay(d.Attempt))
	last := d.Attempt >= d.MaxAttempts
	if last {
		d.NextRetryAt = nil
	} else {
		d.NextRetryAt = &retryAt
	}

	entry := logger.WithFields(logger.Fields{
		"delivery": d.ID,
		"ramp":     d.Event.Payload.TransactionID,
		"attempt":  d.Attempt,
	})
	err := q.transport.Send(ctx, d)
	switch {
	case err == nil:
		d.Status = DeliveryDelivered
		d.NextRetryAt = nil
		d.LastError = ""
		q.count("delivered")
		entry.Debug("webhook delivered")
		return true
	case last:
		d.Status = DeliveryFailed
		d.LastError = err.Error()
		q.count("failed")
		entry.WithError(err).Error("webhook delivery abandoned")
	default:
		d.LastError = err.Error()
		q.count("retry")
		entry.WithError(err).Warn("webhook delivery failed, will retry")
	}
	return false
}

func (q *Queue) count(result string) {
	if q.metrics != nil {
		q.metrics.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
}

// Loop delivers due events every Interval until ctx is done.
func (q *Queue) Loop(ctx context.Context) error {
	logger.Debug("starting webhook queue")
	defer logger.Debug("stopping webhook queue")

	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := q.DeliverDue(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("failed to deliver webhooks")
			}
		}
	}
}
