// This is the http surface of the ramp service.
// It takes quotes and registrations and publishes ramp state
// from internal state/statedb on the http routes.

package reporter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/chaintxmgr"
	"github.com/TEENet-io/ramp-go/idempotency"
	"github.com/TEENet-io/ramp-go/metrics"
	"github.com/TEENet-io/ramp-go/quote"
	"github.com/TEENet-io/ramp-go/ramp"
	"github.com/TEENet-io/ramp-go/state"
	"github.com/TEENet-io/ramp-go/webhook"
)

const (
	ROUTE_HEALTH   = "/health"
	ROUTE_METRICS  = "/metrics"
	ROUTE_QUOTES   = "/v1/quotes"
	ROUTE_QUOTE    = "/v1/quotes/:id"
	ROUTE_REGISTER = "/v1/ramp/register"
	ROUTE_RAMP     = "/v1/ramp/:id"
	ROUTE_CANCEL   = "/v1/ramp/:id/cancel"

	HEADER_API_KEY = "X-API-Key"
)

// Canceller fails a ramp from outside the state machine.
type Canceller interface {
	MarkFailed(ctx context.Context, id, reason string) error
}

type HttpReporter struct {
	serverIP   string // listen ip
	serverPort string // listen port

	quotes    *quote.Engine
	ramps     *ramp.Service
	guard     *idempotency.Guard
	canceller Canceller
	metrics   *metrics.Metrics

	srv *http.Server
}

func NewHttpReporter(serverIP string, serverPort string, quotes *quote.Engine, ramps *ramp.Service, guard *idempotency.Guard, canceller Canceller, m *metrics.Metrics) *HttpReporter {
	if m == nil {
		m = metrics.New(nil)
	}
	return &HttpReporter{
		serverIP:   serverIP,
		serverPort: serverPort,
		quotes:     quotes,
		ramps:      ramps,
		guard:      guard,
		canceller:  canceller,
		metrics:    m,
	}
}

// Hook up routes & handlers
func (h *HttpReporter) SetupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.metrics.Middleware())

	router.GET(ROUTE_HEALTH, Health)
	router.GET(ROUTE_METRICS, h.metrics.Handler())

	router.POST(ROUTE_QUOTES, h.CreateQuote)
	router.GET(ROUTE_QUOTE, h.GetQuote)

	router.POST(ROUTE_REGISTER, idempotency.Middleware(h.guard), h.Register)
	router.GET(ROUTE_RAMP, h.Ramp)
	router.POST(ROUTE_CANCEL, h.Cancel)

	return router
}

// Run serves until ctx is done.
func (h *HttpReporter) Run(ctx context.Context) error {
	h.srv = &http.Server{
		Addr:              h.serverIP + ":" + h.serverPort,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type QuoteRequest struct {
	RampType       agreement.Direction `json:"rampType" binding:"required"`
	From           string              `json:"from"`
	To             string              `json:"to"`
	InputAmount    decimal.Decimal     `json:"inputAmount"`
	InputCurrency  string              `json:"inputCurrency" binding:"required"`
	OutputCurrency string              `json:"outputCurrency" binding:"required"`
	PaymentMethod  string              `json:"paymentMethod"`
	Network        agreement.Network   `json:"network"`
	PartnerID      string              `json:"partnerId"`
	CountryCode    string              `json:"countryCode"`
	UserID         string              `json:"userId"`
}

func (h *HttpReporter) CreateQuote(c *gin.Context) {
	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := h.quotes.CreateQuote(c.Request.Context(), &quote.Request{
		Direction:      req.RampType,
		From:           req.From,
		To:             req.To,
		InputAmount:    req.InputAmount,
		InputCurrency:  req.InputCurrency,
		OutputCurrency: req.OutputCurrency,
		PaymentMethod:  req.PaymentMethod,
		Network:        req.Network,
		PartnerID:      req.PartnerID,
		APIKey:         c.GetHeader(HEADER_API_KEY),
		CountryCode:    req.CountryCode,
		UserID:         req.UserID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *HttpReporter) GetQuote(c *gin.Context) {
	t, err := h.quotes.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *HttpReporter) Register(c *gin.Context) {
	var req ramp.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := h.ramps.Register(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, NewRampView(r))
}

func (h *HttpReporter) Ramp(c *gin.Context) {
	r, err := h.ramps.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRampView(r))
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

func (h *HttpReporter) Cancel(c *gin.Context) {
	var req CancelRequest
	// an empty body is fine
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by client"
	}

	id := c.Param("id")
	if err := h.canceller.MarkFailed(c.Request.Context(), id, req.Reason); err != nil {
		h.fail(c, err)
		return
	}
	r, err := h.ramps.Status(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewRampView(r))
}

// RampView is the public face of a ramp. Transactions and ephemeral
// signatures stay internal.
type RampView struct {
	ID                string                          `json:"id"`
	QuoteID           string                          `json:"quoteId"`
	Type              agreement.Direction             `json:"type"`
	CurrentPhase      string                          `json:"currentPhase"`
	Status            webhook.TransactionStatus       `json:"status"`
	Plan              []string                        `json:"plan"`
	Deposit           *state.Deposit                  `json:"deposit,omitempty"`
	Ephemerals        map[agreement.Network]string    `json:"ephemerals"`
	ConfirmedTxs      map[string]string               `json:"confirmedTxs"`
	PhaseHistory      []state.PhaseEntry              `json:"phaseHistory"`
	ErrorLogs         []state.ErrorLog                `json:"errorLogs"`
	SubsidyDetails    map[string]*state.SubsidyDetail `json:"subsidyDetails"`
	PostCompleteState state.PostCompleteState         `json:"postCompleteState"`
	SessionID         string                          `json:"sessionId,omitempty"`
	UserID            string                          `json:"userId,omitempty"`
	PaymentMethod     string                          `json:"paymentMethod"`
	CreatedAt         time.Time                       `json:"createdAt"`
	UpdatedAt         time.Time                       `json:"updatedAt"`
}

func NewRampView(r *state.RampState) *RampView {
	return &RampView{
		ID:                r.ID,
		QuoteID:           r.QuoteID,
		Type:              r.Type,
		CurrentPhase:      r.CurrentPhase,
		Status:            webhook.StatusOf(r.CurrentPhase),
		Plan:              r.Plan,
		Deposit:           r.Deposit,
		Ephemerals:        r.Ephemerals,
		ConfirmedTxs:      r.ConfirmedTxs,
		PhaseHistory:      r.PhaseHistory,
		ErrorLogs:         r.ErrorLogs,
		SubsidyDetails:    r.SubsidyDetails,
		PostCompleteState: r.PostCompleteState,
		SessionID:         r.SessionID,
		UserID:            r.UserID,
		PaymentMethod:     r.PaymentMethod,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// fail maps err to a status code. Unknown errors are logged and hidden.
func (h *HttpReporter) fail(c *gin.Context, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		logger.WithField("route", c.FullPath()).WithError(err).Error("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func StatusOf(err error) int {
	switch {
	case errors.Is(err, quote.ErrQuoteNotFound),
		errors.Is(err, state.ErrRampNotFound):
		return http.StatusNotFound
	case errors.Is(err, quote.ErrQuoteExpired),
		errors.Is(err, quote.ErrQuoteConsumed),
		errors.Is(err, state.ErrRampExists),
		errors.Is(err, state.ErrLockContention),
		errors.Is(err, chaintxmgr.ErrAlreadyTerminal):
		return http.StatusConflict
	case errors.Is(err, quote.ErrInvalidCurrencyPair),
		errors.Is(err, quote.ErrAmountOutOfBounds),
		errors.Is(err, quote.ErrInvalidDirection),
		errors.Is(err, quote.ErrUnknownPartner),
		errors.Is(err, quote.ErrInvalidAmount),
		errors.Is(err, quote.ErrUnsupportedPaymentMethod),
		ramp.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, ramp.ErrRequiredStepSkipped):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
