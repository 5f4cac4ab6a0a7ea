package stellarman

import (
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/stellar/go/network"
)

// Approximate ledger close time, used to project ledger numbers forward.
const LedgerCloseTime = 7 * time.Second

type Config struct {
	Network    agreement.Network
	HorizonURL string
	Passphrase string

	// Per operation fee in stroops.
	BaseFee int64
	// Validity of the offset 0 variant, counted from build time. Each
	// further offset gets one more ValidityStep.
	ValidFor     time.Duration
	ValidityStep time.Duration

	// Time an ephemeral account has to be created in. Sequences of accounts
	// that do not exist yet are projected to the ledger expected at the end
	// of it.
	SequenceWindow time.Duration

	// XLM handed to a new account by the funding account, in stroops.
	StartingBalance int64
}

func DefaultConfig() *Config {
	return &Config{
		Network:         agreement.Stellar,
		HorizonURL:      "https://horizon.stellar.org",
		Passphrase:      network.PublicNetworkPassphrase,
		BaseFee:         1000,
		ValidFor:        10 * time.Minute,
		ValidityStep:    10 * time.Minute,
		SequenceWindow:  30 * time.Minute,
		StartingBalance: 25000000,
	}
}

// PassphraseFor maps STELLAR_NETWORK values to network passphrases.
func PassphraseFor(name string) string {
	switch name {
	case "testnet", "test":
		return network.TestNetworkPassphrase
	case "futurenet":
		return network.FutureNetworkPassphrase
	}
	return network.PublicNetworkPassphrase
}
