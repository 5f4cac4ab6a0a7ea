package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

var ErrDeliveryRejected = errors.New("webhook endpoint rejected delivery")

const (
	HeaderSignature   = "X-Ramp-Signature"
	HeaderEvent       = "X-Ramp-Event"
	HeaderDelivery    = "X-Ramp-Delivery"
	HeaderAttempt     = "X-Ramp-Attempt"
	HeaderMaxAttempts = "X-Ramp-Max-Attempts"
	HeaderNextRetryAt = "X-Ramp-Next-Retry-At"
)

// Transport performs one delivery attempt.
type Transport interface {
	Send(ctx context.Context, d *Delivery) error
}

// HTTPTransport posts the event json to URL, signed with HMAC-SHA256 over
// the body when Secret is set.
type HTTPTransport struct {
	URL    string
	Secret string
	client *http.Client
}

func NewHTTPTransport(url, secret string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		URL:    url,
		Secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, d *Delivery) error {
	body, err := json.Marshal(d.Event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(d.Event.EventType))
	req.Header.Set(HeaderDelivery, d.ID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(d.Attempt))
	req.Header.Set(HeaderMaxAttempts, strconv.Itoa(d.MaxAttempts))
	if d.NextRetryAt != nil {
		req.Header.Set(HeaderNextRetryAt, d.NextRetryAt.UTC().Format(time.RFC3339))
	}
	if t.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, t.Secret))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrDeliveryRejected, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
