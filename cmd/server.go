// Server = quote engine + ramp registration + state machine over the chain
// workers + webhook queue + http reporter.
// All components are configured via environment variables (strings!).

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/chaintxmgr"
	"github.com/TEENet-io/ramp-go/chaintxmgrdb"
	"github.com/TEENet-io/ramp-go/evmman"
	"github.com/TEENet-io/ramp-go/idempotency"
	"github.com/TEENet-io/ramp-go/metrics"
	"github.com/TEENet-io/ramp-go/presign"
	"github.com/TEENet-io/ramp-go/quote"
	"github.com/TEENet-io/ramp-go/ramp"
	"github.com/TEENet-io/ramp-go/reporter"
	"github.com/TEENet-io/ramp-go/retry"
	"github.com/TEENet-io/ramp-go/state"
	"github.com/TEENet-io/ramp-go/stellarman"
	"github.com/TEENet-io/ramp-go/subsidy"
	"github.com/TEENet-io/ramp-go/substrateman"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/TEENet-io/ramp-go/webhook"
)

// Default params for server.
// More often we don't recommend users to tweak those.
// So we list them here.
const (
	defaultPresignRunLength    = 3
	defaultQuoteExpiry         = 10 * time.Minute
	defaultLockStaleAfter      = 10 * time.Minute
	defaultLoopInterval        = 5 * time.Second
	defaultConfirmationTimeout = 2 * time.Minute
	defaultRpcTimeout          = 30 * time.Second
	defaultIdempotencyTtl      = 24 * time.Hour
	defaultWebhookTimeout      = 10 * time.Second
	defaultPurgeInterval       = time.Hour

	// subsidy pools
	pendulumNativeDecimals = 12
	stellarNativeDecimals  = 7
)

// Rpc endpoints get a few tries at startup.
var dialPolicy = retry.Policy{MaxAttempts: 4, BackoffMs: 2000, Exponential: true, MaxBackoffMs: 15000}

// Keep the configuration's fields as "text" as possible.
// Its easier to load it from env vars or a config file.
type RampServerConfig struct {
	// state side
	DbFilePath string // db file path

	// Http side
	HttpIp   string // eg. 0.0.0.0
	HttpPort string // eg. 8080

	// evm side (moonbeam)
	EvmRpcUrl        string // json rpc url
	EvmChainId       string // eg. 1284
	EvmRouterAddress string // uniswap v2 style router
	EvmXcmPrecompile string // empty = moonbeam xtokens precompile

	// substrate side
	PendulumRpcUrl        string
	PendulumSS58Prefix    string // eg. 56
	PendulumFundingSecret string // pays PEN and swap subsidies, empty = no pendulum pools
	AssetHubRpcUrl        string

	// stellar side
	StellarHorizonUrl    string
	StellarNetwork       string // public, testnet or futurenet
	StellarFundingSecret string // creates ephemeral accounts, receives merges

	// presign & builders
	PresignRunLength string
	SwapMarginBps    string
	GasToleranceBps  string

	// timing
	QuoteExpiry         string // go durations, eg. 10m
	LockStaleAfter      string
	LoopInterval        string
	ConfirmationTimeout string
	RpcTimeout          string
	IdempotencyTtl      string

	// webhook side, empty url = no webhooks
	WebhookUrl         string
	WebhookSecret      string
	WebhookMaxAttempts string
	WebhookRatePerSec  string

	// subsidy caps in whole tokens for ramps without a partner cap
	SubsidyMax map[string]string

	// Prepared objects, see server_cmd.
	Rates quote.StaticRates
	Ramp  *ramp.Config
}

// RampSettings is the parsed form of RampServerConfig.
type RampSettings struct {
	EvmChainId         *big.Int
	EvmRouterAddress   common.Address
	EvmXcmPrecompile   common.Address
	PendulumSS58Prefix uint16

	PresignRunLength int
	Margins          txbuilder.Margins

	QuoteExpiry         time.Duration
	LockStaleAfter      time.Duration
	LoopInterval        time.Duration
	ConfirmationTimeout time.Duration
	RpcTimeout          time.Duration
	IdempotencyTtl      time.Duration

	WebhookMaxAttempts int
	WebhookRatePerSec  float64

	SubsidyMax map[agreement.SubsidyToken]decimal.Decimal
}

// Parse converts the text fields once. Empty fields take the defaults.
func (rsc *RampServerConfig) Parse() (*RampSettings, error) {
	rs := &RampSettings{
		EvmXcmPrecompile: evmman.DefaultXcmPrecompile,
		Margins:          txbuilder.DefaultMargins(),
		SubsidyMax:       make(map[agreement.SubsidyToken]decimal.Decimal),
	}
	var err error

	if rs.EvmChainId, err = parseBigInt("EvmChainId", rsc.EvmChainId); err != nil {
		return nil, err
	}
	if rsc.EvmRouterAddress != "" {
		if !common.IsHexAddress(rsc.EvmRouterAddress) {
			return nil, fmt.Errorf("EvmRouterAddress: invalid address %q", rsc.EvmRouterAddress)
		}
		rs.EvmRouterAddress = common.HexToAddress(rsc.EvmRouterAddress)
	}
	if rsc.EvmXcmPrecompile != "" {
		if !common.IsHexAddress(rsc.EvmXcmPrecompile) {
			return nil, fmt.Errorf("EvmXcmPrecompile: invalid address %q", rsc.EvmXcmPrecompile)
		}
		rs.EvmXcmPrecompile = common.HexToAddress(rsc.EvmXcmPrecompile)
	}

	prefix, err := parseUint("PendulumSS58Prefix", rsc.PendulumSS58Prefix, 56, 16)
	if err != nil {
		return nil, err
	}
	rs.PendulumSS58Prefix = uint16(prefix)

	runLength, err := parseUint("PresignRunLength", rsc.PresignRunLength, defaultPresignRunLength, 8)
	if err != nil {
		return nil, err
	}
	if runLength == 0 {
		return nil, fmt.Errorf("PresignRunLength: must be at least 1")
	}
	rs.PresignRunLength = int(runLength)

	swapMargin, err := parseUint("SwapMarginBps", rsc.SwapMarginBps, uint64(rs.Margins.SwapMarginBps), 32)
	if err != nil {
		return nil, err
	}
	gasTolerance, err := parseUint("GasToleranceBps", rsc.GasToleranceBps, uint64(rs.Margins.GasToleranceBps), 32)
	if err != nil {
		return nil, err
	}
	if swapMargin >= 10000 {
		return nil, fmt.Errorf("SwapMarginBps: %d is not below 10000", swapMargin)
	}
	rs.Margins = txbuilder.Margins{SwapMarginBps: uint32(swapMargin), GasToleranceBps: uint32(gasTolerance)}

	durations := []struct {
		name string
		text string
		def  time.Duration
		dst  *time.Duration
	}{
		{"QuoteExpiry", rsc.QuoteExpiry, defaultQuoteExpiry, &rs.QuoteExpiry},
		{"LockStaleAfter", rsc.LockStaleAfter, defaultLockStaleAfter, &rs.LockStaleAfter},
		{"LoopInterval", rsc.LoopInterval, defaultLoopInterval, &rs.LoopInterval},
		{"ConfirmationTimeout", rsc.ConfirmationTimeout, defaultConfirmationTimeout, &rs.ConfirmationTimeout},
		{"RpcTimeout", rsc.RpcTimeout, defaultRpcTimeout, &rs.RpcTimeout},
		{"IdempotencyTtl", rsc.IdempotencyTtl, defaultIdempotencyTtl, &rs.IdempotencyTtl},
	}
	for _, d := range durations {
		if *d.dst, err = parseDuration(d.name, d.text, d.def); err != nil {
			return nil, err
		}
	}

	qcfg := webhook.DefaultQueueConfig()
	attempts, err := parseUint("WebhookMaxAttempts", rsc.WebhookMaxAttempts, uint64(qcfg.MaxAttempts), 16)
	if err != nil {
		return nil, err
	}
	rs.WebhookMaxAttempts = int(attempts)
	rs.WebhookRatePerSec = qcfg.RatePerSec
	if rsc.WebhookRatePerSec != "" {
		if rs.WebhookRatePerSec, err = strconv.ParseFloat(rsc.WebhookRatePerSec, 64); err != nil || rs.WebhookRatePerSec < 0 {
			return nil, fmt.Errorf("WebhookRatePerSec: invalid value %q", rsc.WebhookRatePerSec)
		}
	}

	for token, text := range rsc.SubsidyMax {
		t, err := agreement.ParseSubsidyToken(token)
		if err != nil {
			return nil, fmt.Errorf("SubsidyMax: %w", err)
		}
		v, err := decimal.NewFromString(text)
		if err != nil || v.IsNegative() {
			return nil, fmt.Errorf("SubsidyMax: invalid cap %q for %s", text, token)
		}
		rs.SubsidyMax[t] = v
	}

	return rs, nil
}

// RampServer holds the objects that consists of the ramp server.
type RampServer struct {
	Settings *RampSettings
	Metrics  *metrics.Metrics

	// state side
	Stores *RampStores

	// chain side
	Builders *txbuilder.Registry
	Workers  map[agreement.Network]agreement.ChainWorker

	// generated objects
	MyQuotes    *quote.Engine
	MyPresigner *presign.Engine
	MySubsidies *subsidy.Manager
	MyWebhooks  *webhook.Queue // nil without WebhookUrl
	MyRamps     *ramp.Service
	MyChainMgr  *chaintxmgr.ChainTxMgr
	MyGuard     *idempotency.Guard
	MyReporter  *reporter.HttpReporter
}

// RampStores are the sqlite backed stores, all on one db file.
type RampStores struct {
	Quotes      *quote.SQLiteStore
	StateDb     *state.StateDB
	MgrDb       chaintxmgrdb.ChainTxMgrDB
	Ledger      *subsidy.SQLiteLedger
	Webhooks    *webhook.SQLiteStore
	Idempotency *idempotency.SQLiteStore
}

func NewRampStores(db *sql.DB) (*RampStores, error) {
	var (
		s   RampStores
		err error
	)
	if s.Quotes, err = quote.NewSQLiteStore(db); err != nil {
		return nil, fmt.Errorf("quote store: %w", err)
	}
	if s.StateDb, err = state.NewStateDB(db); err != nil {
		return nil, fmt.Errorf("state db: %w", err)
	}
	if s.MgrDb, err = chaintxmgrdb.NewSQLiteChainTxMgrDB(db); err != nil {
		return nil, fmt.Errorf("chain tx mgr db: %w", err)
	}
	if s.Ledger, err = subsidy.NewSQLiteLedger(db); err != nil {
		return nil, fmt.Errorf("subsidy ledger: %w", err)
	}
	if s.Webhooks, err = webhook.NewSQLiteStore(db); err != nil {
		return nil, fmt.Errorf("webhook store: %w", err)
	}
	if s.Idempotency, err = idempotency.NewSQLiteStore(db); err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}
	return &s, nil
}

// NewRampServer creates a new ramp server.
// ctx is used for parental context to cancel the operation of ramp server.
// wg is used to wait for all the goroutines inside the server (state machine, webhook queue, http) to finish.
func NewRampServer(rsc *RampServerConfig, ctx context.Context, wg *sync.WaitGroup) (*RampServer, error) {
	rs, err := rsc.Parse()
	if err != nil {
		logger.Fatalf("invalid server configuration: %v", err)
		return nil, err
	}
	rampCfg := rsc.Ramp
	if rampCfg == nil {
		rampCfg = ramp.DefaultConfig()
	}

	m := metrics.New(prometheus.NewRegistry())

	// Create sql db, and the stores over it.
	sqldb, err := sql.Open("sqlite3", rsc.DbFilePath)
	if err != nil {
		logger.Fatalf("failed to open db file: %v", err)
		return nil, err
	}
	stores, err := NewRampStores(sqldb)
	if err != nil {
		logger.Fatalf("failed to create stores: %v", err)
		return nil, err
	}
	stores.StateDb.SetLockStaleAfter(rs.LockStaleAfter)

	// Chain side

	// 1) moonbeam over json rpc
	evmCfg := evmman.DefaultConfig(agreement.Moonbeam, rs.EvmChainId)
	evmCfg.URL = rsc.EvmRpcUrl
	evmCfg.RouterAddress = rs.EvmRouterAddress
	evmCfg.XcmPrecompile = rs.EvmXcmPrecompile
	evmCfg.Margins = rs.Margins
	var (
		evmWorker  *evmman.Worker
		evmBuilder *evmman.Builder
	)
	err = Redial(ctx, dialPolicy, rsc.EvmRpcUrl, func(context.Context) error {
		var err error
		evmWorker, evmBuilder, err = evmman.Dial(evmCfg)
		return err
	})
	if err != nil {
		logger.Fatalf("cannot connect to evm rpc %s: %v", rsc.EvmRpcUrl, err)
		return nil, err
	}

	// 2) pendulum and assethub over substrate rpc
	dialSubstrate := func(cfg *substrateman.Config) (w *substrateman.Worker, b *substrateman.Builder, err error) {
		err = Redial(ctx, dialPolicy, cfg.URL, func(ctx context.Context) error {
			dialCtx, cancel := context.WithTimeout(ctx, rs.RpcTimeout)
			defer cancel()
			var err error
			w, b, err = substrateman.Dial(dialCtx, cfg)
			return err
		})
		return w, b, err
	}

	penCfg := substrateman.DefaultPendulumConfig()
	penCfg.URL = rsc.PendulumRpcUrl
	penCfg.SS58Prefix = rs.PendulumSS58Prefix
	penCfg.NablaRouter = rampCfg.NablaRouter
	penCfg.Margins = rs.Margins
	penWorker, penBuilder, err := dialSubstrate(penCfg)
	if err != nil {
		logger.Fatalf("cannot connect to pendulum rpc %s: %v", rsc.PendulumRpcUrl, err)
		return nil, err
	}

	ahCfg := substrateman.DefaultAssetHubConfig()
	ahCfg.URL = rsc.AssetHubRpcUrl
	ahCfg.Margins = rs.Margins
	ahWorker, ahBuilder, err := dialSubstrate(ahCfg)
	if err != nil {
		logger.Fatalf("cannot connect to assethub rpc %s: %v", rsc.AssetHubRpcUrl, err)
		return nil, err
	}

	// 3) stellar over horizon
	xlmCfg := stellarman.DefaultConfig()
	if rsc.StellarHorizonUrl != "" {
		xlmCfg.HorizonURL = rsc.StellarHorizonUrl
	}
	xlmCfg.Passphrase = stellarman.PassphraseFor(rsc.StellarNetwork)
	xlmWorker, xlmBuilder := stellarman.Dial(xlmCfg)

	var xlmFunding *agreement.EphemeralKey
	if rsc.StellarFundingSecret != "" {
		key, err := stellarman.KeyFromSecret(rsc.StellarFundingSecret)
		if err != nil {
			logger.Fatalf("invalid stellar funding secret: %v", err)
			return nil, err
		}
		xlmFunding = &key
		rampCfg.StellarFundingAccount = key.Address
	}

	builders := txbuilder.NewRegistry()
	workers := map[agreement.Network]agreement.ChainWorker{
		agreement.Moonbeam: evmWorker,
		agreement.Pendulum: penWorker,
		agreement.AssetHub: ahWorker,
		agreement.Stellar:  xlmWorker,
	}
	nonces := map[agreement.Network]agreement.NonceSource{
		agreement.Moonbeam: evmWorker,
		agreement.Pendulum: penWorker,
		agreement.AssetHub: ahWorker,
		agreement.Stellar:  xlmWorker,
	}
	for network, b := range map[agreement.Network]txbuilder.Builder{
		agreement.Moonbeam: evmBuilder,
		agreement.Pendulum: penBuilder,
		agreement.AssetHub: ahBuilder,
		agreement.Stellar:  xlmBuilder,
	} {
		if err := builders.Register(network, b); err != nil {
			logger.Fatalf("failed to register %s builder: %v", network, err)
			return nil, err
		}
	}

	evmSigner := evmman.NewSigner()
	subSigner := substrateman.NewSigner()
	xlmSigner := stellarman.NewSigner()
	presigner := presign.NewEngine(&presign.Config{RunLength: rs.PresignRunLength}, m, evmSigner, subSigner, xlmSigner)

	// Subsidy pools
	subCfg := subsidy.DefaultConfig()
	for t, v := range rs.SubsidyMax {
		subCfg.DefaultMaxSubsidy[t] = v
	}
	subsidies := subsidy.NewManager(subCfg, stores.Ledger, m)
	if rsc.PendulumFundingSecret != "" {
		key, err := substrateman.KeyFromSecret(rsc.PendulumFundingSecret, rs.PendulumSS58Prefix)
		if err != nil {
			logger.Fatalf("invalid pendulum funding secret: %v", err)
			return nil, err
		}
		for _, pc := range PendulumPools(rampCfg, key) {
			pc.ConfirmTimeout = rs.ConfirmationTimeout
			subsidies.AddPool(subsidy.NewChainPool(pc, penBuilder, subSigner, penWorker, penWorker, penWorker))
		}
	}
	if xlmFunding != nil {
		subsidies.AddPool(subsidy.NewChainPool(subsidy.PoolConfig{
			Network:        agreement.Stellar,
			Token:          agreement.TokenXLM,
			Asset:          "native",
			Decimals:       stellarNativeDecimals,
			Key:            *xlmFunding,
			ConfirmTimeout: rs.ConfirmationTimeout,
		}, xlmBuilder, xlmSigner, xlmWorker, xlmWorker, xlmWorker))
	}

	// Webhooks
	var notifier webhook.Notifier = webhook.Nop{}
	var queue *webhook.Queue
	if rsc.WebhookUrl != "" {
		qcfg := webhook.DefaultQueueConfig()
		qcfg.MaxAttempts = rs.WebhookMaxAttempts
		qcfg.RatePerSec = rs.WebhookRatePerSec
		queue = webhook.NewQueue(qcfg, stores.Webhooks,
			webhook.NewHTTPTransport(rsc.WebhookUrl, rsc.WebhookSecret, defaultWebhookTimeout), m)
		notifier = queue
	} else {
		logger.Warn("no webhook url, ramp events are not delivered")
	}

	// Quotes
	qcfg := quote.DefaultConfig()
	qcfg.Expiry = rs.QuoteExpiry
	quotes := quote.NewEngine(qcfg, stores.Quotes, rsc.Rates, m)

	// Ramp state machine
	registry := state.DefaultRegistry()
	mgr := chaintxmgr.NewChainTxMgr(&chaintxmgr.ChainTxMgrConfig{
		IntervalCheckTime:   rs.LoopInterval,
		ConfirmationTimeout: rs.ConfirmationTimeout,
		RPCTimeout:          rs.RpcTimeout,
		DepositTimeout:      chaintxmgr.DefaultChainTxMgrConfig().DepositTimeout,
		MaxStepsPerTick:     chaintxmgr.DefaultChainTxMgrConfig().MaxStepsPerTick,
	}, stores.StateDb, stores.MgrDb, registry, m)
	for _, w := range workers {
		mgr.AddWorker(w)
	}
	mgr.SetSubsidizer(subsidies)
	mgr.SetNotifier(notifier)
	mgr.SetQuoteExpirer(quotes)

	// Registration
	planner := ramp.NewPlanner(rampCfg, builders, registry, nonces)
	planner.SetPartners(qcfg.Partners)
	svc := ramp.NewService(quotes, planner, presigner, stores.StateDb, m)
	svc.SetNotifier(notifier)

	guard := idempotency.NewGuard(stores.Idempotency, rs.IdempotencyTtl, m)
	httpReporter := reporter.NewHttpReporter(rsc.HttpIp, rsc.HttpPort, quotes, svc, guard, mgr, m)

	// Important: Turn on the loops!
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgr.Loop(ctx); err != nil && ctx.Err() == nil {
			logger.Fatalf("ramp state machine stopped: %v", err)
		}
	}()
	if queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := queue.Loop(ctx); err != nil && ctx.Err() == nil {
				logger.Fatalf("webhook queue stopped: %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := guard.Loop(ctx, defaultPurgeInterval); err != nil && ctx.Err() == nil {
			logger.Fatalf("idempotency purge stopped: %v", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpReporter.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Fatalf("http server stopped: %v", err)
		}
	}()
	// Don't forget to call wg.Wait() in the main routine.

	logger.WithFields(logger.Fields{
		"http":      rsc.HttpIp + ":" + rsc.HttpPort,
		"runLength": rs.PresignRunLength,
		"webhooks":  queue != nil,
	}).Info("ramp server started")

	return &RampServer{
		Settings:    rs,
		Metrics:     m,
		Stores:      stores,
		Builders:    builders,
		Workers:     workers,
		MyQuotes:    quotes,
		MyPresigner: presigner,
		MySubsidies: subsidies,
		MyWebhooks:  queue,
		MyRamps:     svc,
		MyChainMgr:  mgr,
		MyGuard:     guard,
		MyReporter:  httpReporter,
	}, nil
}

// PendulumPools lists the pools the pendulum funding account serves: the
// native token for fee top ups and every token the swaps run through.
func PendulumPools(cfg *ramp.Config, key agreement.EphemeralKey) []subsidy.PoolConfig {
	pools := []subsidy.PoolConfig{{
		Network:  agreement.Pendulum,
		Token:    agreement.TokenPEN,
		Asset:    substrateman.NativeCurrencyID,
		Decimals: pendulumNativeDecimals,
		Key:      key,
	}}
	for code, asset := range cfg.Assets {
		token, err := agreement.ParseSubsidyToken(code)
		if err != nil {
			continue
		}
		ref, ok := asset.On[agreement.Pendulum]
		if !ok {
			continue
		}
		pools = append(pools, subsidy.PoolConfig{
			Network:  agreement.Pendulum,
			Token:    token,
			Asset:    ref.ID,
			Decimals: ref.Decimals,
			Key:      key,
		})
	}
	return pools
}

// Create, then start the ramp server and wait.
// It contains a prepared ramp server and context + waitgroup.
// Press Ctrl-C to kill the server.
func StartRampServerAndWait(rsc *RampServerConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up a signal channel to listen for Ctrl-C (SIGINT) or SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// Launch a new goroutine to handle the signal
	go func() {
		sig := <-sigCh
		fmt.Printf("Received signal: %v, cancelling context...\n", sig)
		cancel()
	}()

	var wg sync.WaitGroup

	_, err := NewRampServer(rsc, ctx, &wg)
	if err != nil {
		logger.Fatalf("failed to create ramp server: %v", err)
		return
	}

	// wait for all routines to finish
	wg.Wait()
}
