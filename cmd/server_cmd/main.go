package main

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/TEENet-io/ramp-go/cmd"
	"github.com/TEENet-io/ramp-go/logconfig"
	"github.com/TEENet-io/ramp-go/quote"
	"github.com/TEENet-io/ramp-go/ramp"
)

const (
	ENV_CONFIG_FILE_PATH = "RAMP_CONFIG"
)

func main() {
	// Tool to read environment variables
	viper.AutomaticEnv()

	logconfig.ConfigFromLevel(viper.GetString("LOG_LEVEL"))

	// Accessing an environment variable of configuration file location.
	_config_file := viper.GetString(ENV_CONFIG_FILE_PATH)
	fmt.Printf("Ramp server configuration file = %s\n", _config_file)

	// See if file exists
	if !cmd.FileExists(_config_file) {
		fmt.Printf("Ramp server configuration file not found: %s\n", _config_file)
		return
	}

	// Read from config file.
	success := initializeViper(_config_file)
	if !success {
		return
	}
	// the file may set the level too
	logconfig.ConfigFromLevel(viper.GetString("LOG_LEVEL"))

	// Make the configuration
	rsc := PrepareRampServerConfig()
	if rsc == nil {
		fmt.Printf("Error loading ramp server configuration\n")
		return
	}

	fmt.Println("Starting ramp server... press Ctrl+C to kill the server")
	// Start server and block.
	cmd.StartRampServerAndWait(rsc)
}

func initializeViper(filePath string) bool {
	viper.SetConfigFile(filePath)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading configuration file, %s", err)
		return false
	}
	return true
}

// PrepareRampServerConfig reads configuration variables and returns a RampServerConfig.
func PrepareRampServerConfig() *cmd.RampServerConfig {

	// *** prepare objects that aren't string type ***

	// Rates, eg. RATES: {"USDC/EUR": "0.92"}
	rates := quote.StaticRates{}
	for pair, text := range viper.GetStringMapString("RATES") {
		r, err := decimal.NewFromString(text)
		if err != nil {
			fmt.Printf("Error parsing rate %s: %s\n", pair, err)
			return nil
		}
		rates[strings.ToUpper(pair)] = r
	}

	// Asset table & corridor settings under RAMP, on top of the defaults.
	rampCfg := ramp.DefaultConfig()
	if viper.IsSet("RAMP") {
		if err := viper.UnmarshalKey("RAMP", rampCfg); err != nil {
			fmt.Printf("Error parsing RAMP section: %s\n", err)
			return nil
		}
	}
	rampCfg.Normalize()
	if router := viper.GetString("NABLA_ROUTER"); router != "" {
		rampCfg.NablaRouter = router
	}

	subsidyMax := map[string]string{}
	for token, text := range viper.GetStringMapString("SUBSIDY_MAX") {
		subsidyMax[strings.ToUpper(token)] = text
	}

	// *** end of preparing objects ***

	return &cmd.RampServerConfig{
		// state side
		DbFilePath: viper.GetString("DB_FILE_PATH"),
		// Http side
		HttpIp:   viper.GetString("HTTP_IP"),
		HttpPort: viper.GetString("HTTP_PORT"),
		// evm side
		EvmRpcUrl:        viper.GetString("EVM_RPC_URL"),
		EvmChainId:       viper.GetString("EVM_CHAIN_ID"),
		EvmRouterAddress: viper.GetString("EVM_ROUTER_ADDRESS"),
		EvmXcmPrecompile: viper.GetString("EVM_XCM_PRECOMPILE"),
		// substrate side
		PendulumRpcUrl:        viper.GetString("PENDULUM_RPC_URL"),
		PendulumSS58Prefix:    viper.GetString("PENDULUM_SS58_PREFIX"),
		PendulumFundingSecret: viper.GetString("PENDULUM_FUNDING_SECRET"),
		AssetHubRpcUrl:        viper.GetString("ASSETHUB_RPC_URL"),
		// stellar side
		StellarHorizonUrl:    viper.GetString("STELLAR_HORIZON_URL"),
		StellarNetwork:       viper.GetString("STELLAR_NETWORK"),
		StellarFundingSecret: viper.GetString("STELLAR_FUNDING_SECRET"),
		// presign & builders
		PresignRunLength: viper.GetString("PRESIGN_RUN_LENGTH"),
		SwapMarginBps:    viper.GetString("SWAP_MARGIN_BPS"),
		GasToleranceBps:  viper.GetString("GAS_TOLERANCE_BPS"),
		// timing
		QuoteExpiry:         viper.GetString("QUOTE_EXPIRY"),
		LockStaleAfter:      viper.GetString("LOCK_STALE_AFTER"),
		LoopInterval:        viper.GetString("LOOP_INTERVAL"),
		ConfirmationTimeout: viper.GetString("CONFIRMATION_TIMEOUT"),
		RpcTimeout:          viper.GetString("RPC_TIMEOUT"),
		IdempotencyTtl:      viper.GetString("IDEMPOTENCY_TTL"),
		// webhook side
		WebhookUrl:         viper.GetString("WEBHOOK_URL"),
		WebhookSecret:      viper.GetString("WEBHOOK_SECRET"),
		WebhookMaxAttempts: viper.GetString("WEBHOOK_MAX_ATTEMPTS"),
		WebhookRatePerSec:  viper.GetString("WEBHOOK_RATE_PER_SEC"),

		SubsidyMax: subsidyMax,
		Rates:      rates,
		Ramp:       rampCfg,
	}
}
