// Package idempotency deduplicates externally triggered requests by a client
// supplied key plus the route they were sent to.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/TEENet-io/ramp-go/metrics"
	logger "github.com/sirupsen/logrus"
)

var (
	ErrInFlight    = errors.New("request with the same idempotency key is in flight")
	ErrKeyMismatch = errors.New("idempotency key reused with a different request")
)

const DefaultTTL = 24 * time.Hour

// Response is what a call answered, kept byte for byte.
type Response struct {
	Status int
	Body   []byte
}

func (r Response) successful() bool {
	return r.Status >= 200 && r.Status < 300
}

type Guard struct {
	store   Store
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewGuard(store Store, ttl time.Duration, m *metrics.Metrics) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Guard{
		store:   store,
		ttl:     ttl,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (g *Guard) SetClock(now func() time.Time) {
	g.now = now
}

// HashRequest fingerprints a request body so a key cannot be reused for a
// different request.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Do runs fn at most once per unexpired (key, route). A later call gets the
// stored response with replayed set. Only successful responses are kept; a
// failed call frees the key for another try. An empty key disables the
// guard.
func (g *Guard) Do(
	ctx context.Context,
	key, route, requestHash string,
	fn func(ctx context.Context) (Response, error),
) (resp Response, replayed bool, err error) {
	if key == "" {
		resp, err = fn(ctx)
		return resp, false, err
	}

	now := g.now()
	rec := &Record{
		Key:         key,
		Route:       route,
		RequestHash: requestHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	reserved, err := g.store.Reserve(ctx, rec, now)
	if err != nil {
		return Response{}, false, err
	}
	if !reserved {
		return g.replay(ctx, key, route, requestHash, now)
	}

	resp, err = fn(ctx)
	if err != nil || !resp.successful() {
		if rerr := g.store.Release(ctx, key, route); rerr != nil {
			logger.WithFields(logger.Fields{"key": key, "route": route}).WithError(rerr).Error("failed to release idempotency key")
		}
		return resp, false, err
	}

	if err := g.store.Complete(ctx, key, route, resp); err != nil {
		// the side effect happened, the caller still gets its answer
		logger.WithFields(logger.Fields{"key": key, "route": route}).WithError(err).Error("failed to store idempotent response")
	}
	return resp, false, nil
}

func (g *Guard) replay(ctx context.Context, key, route, requestHash string, now time.Time) (Response, bool, error) {
	prev, ok, err := g.store.Lookup(ctx, key, route, now)
	if err != nil {
		return Response{}, false, err
	}
	if !ok {
		// expired between Reserve and Lookup
		return Response{}, false, fmt.Errorf("%w: %s", ErrInFlight, key)
	}
	if prev.RequestHash != requestHash {
		return Response{}, false, fmt.Errorf("%w: %s", ErrKeyMismatch, key)
	}
	if !prev.Completed {
		return Response{}, false, fmt.Errorf("%w: %s", ErrInFlight, key)
	}

	g.metrics.IdempotentReplaysTotal.Inc()
	logger.WithFields(logger.Fields{"key": key, "route": route}).Debug("replaying stored response")
	return prev.Response, true, nil
}

// Purge drops the records expired by now.
func (g *Guard) Purge(ctx context.Context) (int64, error) {
	n, err := g.store.Purge(ctx, g.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.WithField("count", n).Debug("purged expired idempotency keys")
	}
	return n, nil
}

// Loop purges expired records every interval until ctx is done.
func (g *Guard) Loop(ctx context.Context, interval time.Duration) error {
	logger.Debug("starting idempotency purge")
	defer logger.Debug("stopping idempotency purge")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := g.Purge(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("failed to purge idempotency keys")
			}
		}
	}
}
