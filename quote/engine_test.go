package quote

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	db     *sql.DB
	store  *SQLiteStore
	engine *Engine
	now    time.Time
}

func (env *testEnv) close() {
	env.store.Close()
	env.db.Close()
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEnv(t *testing.T) *testEnv {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.AnchorFees["EUR"] = FeeComponent{Absolute: dec("1")}
	cfg.AnchorFees["BRL"] = FeeComponent{Absolute: dec("1"), Relative: dec("0.005")}
	cfg.NetworkFees[agreement.Pendulum] = dec("0.5")
	cfg.Partners["markup"] = Partner{ID: "markup", Active: true, MarkupType: MarkupRelative, MarkupValue: dec("0.0001")}
	cfg.Partners["discount"] = Partner{
		ID: "discount", Active: true, MarkupType: MarkupNone,
		TargetDiscount: dec("0.05"), MaxTargetDiscount: dec("0.02"), MaxSubsidy: dec("1.5"),
	}
	cfg.Partners["flat"] = Partner{ID: "flat", Active: true, MarkupType: MarkupAbsolute, MarkupValue: dec("2"), MarkupCurrency: "USD"}
	cfg.Partners["off"] = Partner{ID: "off", Active: false}

	rates := StaticRates{
		"USDC/EUR": dec("1"),
		"USD/EUR":  dec("0.9"),
		"BRL/USDC": dec("0.2"),
	}

	env := &testEnv{
		db:    db,
		store: store,
		now:   time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	env.engine = NewEngine(cfg, store, rates, nil)
	env.engine.SetClock(func() time.Time { return env.now })
	return env
}

func sellReq(amount string) *Request {
	return &Request{
		Direction:      agreement.DirectionSell,
		From:           string(agreement.Polygon),
		To:             "sepa",
		InputAmount:    dec(amount),
		InputCurrency:  "USDC",
		OutputCurrency: "EUR",
		PaymentMethod:  "sepa",
		Network:        agreement.Polygon,
	}
}

func TestSellWithRelativeMarkup(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	req := sellReq("100")
	req.PartnerID = "markup"
	q, err := env.engine.CreateQuote(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "1", q.Fee.Anchor.String())
	assert.Equal(t, "0.01", q.Fee.PartnerMarkup.String())
	assert.Equal(t, "1.01", q.Fee.Total.String())
	assert.Equal(t, "EUR", q.Fee.Currency)
	assert.Equal(t, "98.99", q.OutputAmount.String())
	assert.True(t, q.Fee.Consistent())
	assert.Equal(t, StatusPending, q.Status)
	assert.Equal(t, env.now.Add(10*time.Minute), q.ExpiresAt)
}

func TestVortexFeeKeptApart(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.engine.cfg.VortexFee = FeeComponent{Relative: dec("0.0025")}
	ctx := context.Background()

	req := sellReq("100")
	req.PartnerID = "markup"
	q, err := env.engine.CreateQuote(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, "1", q.Fee.Anchor.String())
	assert.Equal(t, "0.25", q.Fee.Vortex.String())
	assert.Equal(t, "1.26", q.Fee.Total.String())
	assert.Equal(t, "98.74", q.OutputAmount.String())
	assert.True(t, q.Fee.Consistent())

	got, ok, err := env.store.Get(ctx, q.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Fee.Vortex.Equal(q.Fee.Vortex))
	assert.True(t, got.Fee.Consistent())
}

func TestBuyRoundsToAssetDecimals(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	q, err := env.engine.CreateQuote(context.Background(), &Request{
		Direction:      agreement.DirectionBuy,
		From:           "pix",
		To:             string(agreement.Moonbeam),
		InputAmount:    dec("100"),
		InputCurrency:  "BRL",
		OutputCurrency: "USDC",
		PaymentMethod:  "pix",
		Network:        agreement.Moonbeam,
	})
	require.NoError(t, err)

	// anchor = 1 + 100*0.005
	assert.Equal(t, "1.5", q.Fee.Anchor.String())
	assert.Equal(t, "BRL", q.Fee.Currency)
	// (100 - 1.5) * 0.2
	assert.Equal(t, "19.7", q.OutputAmount.String())
	assert.True(t, q.Fee.Consistent())
}

func TestNetworkFeeAndAbsoluteMarkupConverted(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	req := sellReq("100")
	req.Network = agreement.Pendulum
	req.PartnerID = "flat"
	q, err := env.engine.CreateQuote(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "0.45", q.Fee.Network.String())
	assert.Equal(t, "1.8", q.Fee.PartnerMarkup.String())
	assert.Equal(t, "3.25", q.Fee.Total.String())
	assert.Equal(t, "96.75", q.OutputAmount.String())
}

func TestFeeTotalAlwaysConsistent(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	for _, amount := range []string{"12.005", "33.335", "99.995", "1234.5678", "9999.99"} {
		req := sellReq(amount)
		req.Network = agreement.Pendulum
		req.PartnerID = "markup"
		q, err := env.engine.CreateQuote(context.Background(), req)
		require.NoError(t, err, amount)
		assert.True(t, q.Fee.Consistent(), amount)
		assert.True(t, q.Fee.Total.Equal(q.Fee.Total.Round(2)), amount)
	}
}

func TestPartnerDiscountBounded(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()

	req := sellReq("100")
	req.PartnerID = "discount"
	q, err := env.engine.CreateQuote(context.Background(), req)
	require.NoError(t, err)

	// 5% target clamped to 2% (=2 EUR) then to max subsidy 1.5 EUR
	assert.Equal(t, "1.5", q.Discount.String())
	assert.Equal(t, "1", q.Fee.Total.String())
	assert.Equal(t, "100.5", q.OutputAmount.String())
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()

	req := sellReq("100")
	req.InputCurrency, req.OutputCurrency = "EUR", "USDC"
	_, err := env.engine.CreateQuote(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidCurrencyPair)

	req = sellReq("100")
	req.OutputCurrency = "JPY"
	_, err = env.engine.CreateQuote(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidCurrencyPair)

	_, err = env.engine.CreateQuote(ctx, sellReq("20000"))
	assert.ErrorIs(t, err, ErrAmountOutOfBounds)

	_, err = env.engine.CreateQuote(ctx, sellReq("0.5"))
	assert.ErrorIs(t, err, ErrAmountOutOfBounds)

	// fees eat the whole amount
	_, err = env.engine.CreateQuote(ctx, sellReq("1"))
	assert.ErrorIs(t, err, ErrAmountOutOfBounds)

	_, err = env.engine.CreateQuote(ctx, sellReq("-3"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	req = sellReq("100")
	req.PartnerID = "off"
	_, err = env.engine.CreateQuote(ctx, req)
	assert.ErrorIs(t, err, ErrUnknownPartner)

	req = sellReq("100")
	req.PaymentMethod = "swift"
	_, err = env.engine.CreateQuote(ctx, req)
	assert.ErrorIs(t, err, ErrUnsupportedPaymentMethod)

	req = sellReq("100")
	req.Direction = "SIDEWAYS"
	_, err = env.engine.CreateQuote(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidDirection)
}

func TestConsumeExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()

	q, err := env.engine.CreateQuote(ctx, sellReq("100"))
	require.NoError(t, err)

	consumed, err := env.engine.Consume(ctx, q.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusConsumed, consumed.Status)

	_, err = env.engine.Consume(ctx, q.ID)
	assert.ErrorIs(t, err, ErrQuoteConsumed)

	// expiry after consumption does not change the status
	env.now = env.now.Add(time.Hour)
	n, err := env.engine.ExpireStale(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
	got, err := env.engine.Get(ctx, q.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusConsumed, got.Status)

	_, err = env.engine.Consume(ctx, "missing")
	assert.ErrorIs(t, err, ErrQuoteNotFound)
}

func TestReleaseConsumed(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()

	q, err := env.engine.CreateQuote(ctx, sellReq("100"))
	require.NoError(t, err)

	// only a consumed ticket goes back
	released, err := env.engine.Release(ctx, q.ID)
	require.NoError(t, err)
	assert.False(t, released)

	_, err = env.engine.Consume(ctx, q.ID)
	require.NoError(t, err)
	released, err = env.engine.Release(ctx, q.ID)
	require.NoError(t, err)
	assert.True(t, released)

	got, err := env.engine.Get(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	_, err = env.engine.Consume(ctx, q.ID)
	assert.NoError(t, err)
}

func TestConsumeExpired(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()

	q, err := env.engine.CreateQuote(ctx, sellReq("100"))
	require.NoError(t, err)

	env.now = q.ExpiresAt.Add(time.Millisecond)
	_, err = env.engine.Consume(ctx, q.ID)
	assert.ErrorIs(t, err, ErrQuoteExpired)

	got, err := env.engine.Get(ctx, q.ID)
	assert.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = env.engine.Consume(ctx, q.ID)
	assert.ErrorIs(t, err, ErrQuoteExpired)
}

func TestExpireStale(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()

	q1, err := env.engine.CreateQuote(ctx, sellReq("100"))
	require.NoError(t, err)
	env.now = env.now.Add(5 * time.Minute)
	q2, err := env.engine.CreateQuote(ctx, sellReq("200"))
	require.NoError(t, err)

	env.now = env.now.Add(6 * time.Minute)
	n, err := env.engine.ExpireStale(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := env.engine.Get(ctx, q1.ID)
	assert.Equal(t, StatusExpired, got.Status)
	got, _ = env.engine.Get(ctx, q2.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	ctx := context.Background()

	req := sellReq("123.45")
	req.PartnerID = "markup"
	req.APIKey = "pk_live_1"
	req.CountryCode = "DE"
	q, err := env.engine.CreateQuote(ctx, req)
	require.NoError(t, err)

	got, ok, err := env.store.Get(ctx, q.ID)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, q.ID, got.ID)
	assert.Equal(t, q.Direction, got.Direction)
	assert.True(t, q.OutputAmount.Equal(got.OutputAmount))
	assert.True(t, q.Fee.Total.Equal(got.Fee.Total))
	assert.Equal(t, q.PartnerID, got.PartnerID)
	assert.Equal(t, q.APIKey, got.APIKey)
	assert.Equal(t, q.CountryCode, got.CountryCode)
	assert.True(t, q.ExpiresAt.Equal(got.ExpiresAt))

	_, ok, err = env.store.Get(ctx, "nope")
	assert.NoError(t, err)
	assert.False(t, ok)
}
