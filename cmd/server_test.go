package cmd_test

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/cmd"
	"github.com/TEENet-io/ramp-go/evmman"
	"github.com/TEENet-io/ramp-go/ramp"
	"github.com/TEENet-io/ramp-go/retry"
	"github.com/TEENet-io/ramp-go/substrateman"
)

func TestParseDefaults(t *testing.T) {
	rs, err := (&cmd.RampServerConfig{}).Parse()
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(1284), rs.EvmChainId)
	assert.Equal(t, evmman.DefaultXcmPrecompile, rs.EvmXcmPrecompile)
	assert.Equal(t, uint16(56), rs.PendulumSS58Prefix)
	assert.Equal(t, 3, rs.PresignRunLength)
	assert.Equal(t, uint32(100), rs.Margins.SwapMarginBps)
	assert.Equal(t, uint32(1000), rs.Margins.GasToleranceBps)
	assert.Equal(t, 10*time.Minute, rs.QuoteExpiry)
	assert.Equal(t, 24*time.Hour, rs.IdempotencyTtl)
	assert.Equal(t, 5, rs.WebhookMaxAttempts)
	assert.Empty(t, rs.SubsidyMax)
}

func TestParseValues(t *testing.T) {
	rs, err := (&cmd.RampServerConfig{
		EvmChainId:         "0x507",
		EvmRouterAddress:   "0x70085a09D30D6f8C4ecF6eE10120d1847383BB57",
		PendulumSS58Prefix: "42",
		PresignRunLength:   "5",
		SwapMarginBps:      "50",
		GasToleranceBps:    "2000",
		QuoteExpiry:        "90s",
		LoopInterval:       "250ms",
		WebhookMaxAttempts: "8",
		WebhookRatePerSec:  "2.5",
		SubsidyMax:         map[string]string{"PEN": "5", "XLM": "2.5"},
	}).Parse()
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(1287), rs.EvmChainId)
	assert.Equal(t, "0x70085a09D30D6f8C4ecF6eE10120d1847383BB57", rs.EvmRouterAddress.Hex())
	assert.Equal(t, uint16(42), rs.PendulumSS58Prefix)
	assert.Equal(t, 5, rs.PresignRunLength)
	assert.Equal(t, uint32(50), rs.Margins.SwapMarginBps)
	assert.Equal(t, uint32(2000), rs.Margins.GasToleranceBps)
	assert.Equal(t, 90*time.Second, rs.QuoteExpiry)
	assert.Equal(t, 250*time.Millisecond, rs.LoopInterval)
	assert.Equal(t, 8, rs.WebhookMaxAttempts)
	assert.Equal(t, 2.5, rs.WebhookRatePerSec)
	assert.True(t, rs.SubsidyMax[agreement.TokenXLM].Equal(decimal.RequireFromString("2.5")))
	assert.True(t, rs.SubsidyMax[agreement.TokenPEN].Equal(decimal.NewFromInt(5)))
}

func TestParseErrors(t *testing.T) {
	for name, rsc := range map[string]*cmd.RampServerConfig{
		"chain id":     {EvmChainId: "moonbeam"},
		"router":       {EvmRouterAddress: "0x1234"},
		"prefix":       {PendulumSS58Prefix: "70000"},
		"run length":   {PresignRunLength: "0"},
		"swap margin":  {SwapMarginBps: "10000"},
		"duration":     {LockStaleAfter: "ten minutes"},
		"negative ttl": {IdempotencyTtl: "-1h"},
		"rate":         {WebhookRatePerSec: "-1"},
		"token":        {SubsidyMax: map[string]string{"DOGE": "1"}},
		"cap":          {SubsidyMax: map[string]string{"PEN": "-1"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := rsc.Parse()
			assert.Error(t, err)
		})
	}
}

func TestNewRampStores(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	stores, err := cmd.NewRampStores(db)
	require.NoError(t, err)

	// every store shares the file, opening twice keeps the tables
	_, err = cmd.NewRampStores(db)
	require.NoError(t, err)

	_, ok, err := stores.StateDb.GetRamp(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPendulumPools(t *testing.T) {
	key, err := substrateman.NewEphemeralKey(56)
	require.NoError(t, err)

	pools := cmd.PendulumPools(ramp.DefaultConfig(), key)

	byToken := map[agreement.SubsidyToken]string{}
	for _, p := range pools {
		assert.Equal(t, agreement.Pendulum, p.Network)
		assert.Equal(t, key.Address, p.Key.Address)
		byToken[p.Token] = p.Asset
	}
	assert.Equal(t, substrateman.NativeCurrencyID, byToken[agreement.TokenPEN])
	assert.Equal(t, "0x0102", byToken[agreement.TokenUSDC])
	assert.Equal(t, "0x010d", byToken[agreement.TokenBRLA])
	assert.Contains(t, byToken, agreement.TokenEURC)
	// ARS is no subsidy token
	assert.Len(t, pools, 4)
}

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ramp.yaml")
	assert.False(t, cmd.FileExists(path))
	require.NoError(t, os.WriteFile(path, []byte("HTTP_PORT: 8080\n"), 0o600))
	assert.True(t, cmd.FileExists(path))
}

func TestRedial(t *testing.T) {
	p := retry.Policy{MaxAttempts: 3, BackoffMs: 1}
	ctx := context.Background()

	calls := 0
	err := cmd.Redial(ctx, p, "ws://node", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = cmd.Redial(ctx, p, "ws://node", func(context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	assert.EqualError(t, err, "connection refused")
	assert.Equal(t, 3, calls)

	// a bad endpoint is not worth another try
	calls = 0
	err = cmd.Redial(ctx, p, "ws://node", func(context.Context) error {
		calls++
		return retry.Permanent(errors.New("bad url"))
	})
	assert.EqualError(t, err, "bad url")
	assert.Equal(t, 1, calls)
}
