package ramp

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/shopspring/decimal"
)

// AssetRef is an asset as known to one network: ERC-20 address (evm),
// currency id hex or "assets:N" (substrate), CODE:ISSUER or "native"
// (stellar).
type AssetRef struct {
	ID       string `mapstructure:"id"`
	Decimals int32  `mapstructure:"decimals"`
}

// Asset is a token the ramp moves, keyed in Config.Assets by its code. Fiat
// currencies are represented by the token of FiatTokens.
type Asset struct {
	// Nabla erc20 wrapper on Pendulum, swapped by the router.
	NablaToken string                         `mapstructure:"nabla_token"`
	On         map[agreement.Network]AssetRef `mapstructure:"on"`
}

func (a *Asset) ref(network agreement.Network) (AssetRef, error) {
	ref, ok := a.On[network]
	if !ok || ref.ID == "" {
		return AssetRef{}, fmt.Errorf("%w: not on %s", ErrUnknownAsset, network)
	}
	return ref, nil
}

// Units converts whole units to base units of the asset on network,
// truncating extra precision.
func (r AssetRef) Units(amount decimal.Decimal) *big.Int {
	return amount.Shift(r.Decimals).Floor().BigInt()
}

type Config struct {
	Assets map[string]*Asset `mapstructure:"assets"`
	// Fiat currency to the token standing for it on chain.
	FiatTokens map[string]string `mapstructure:"fiat_tokens"`
	// Fiat currencies paid out by a BRLA transfer on Moonbeam. All others
	// go through Spacewalk and a Stellar anchor.
	MoonbeamPayout map[string]bool `mapstructure:"moonbeam_payout"`

	// Spender of the nabla approve, ss58.
	NablaRouter string `mapstructure:"nabla_router"`

	// PEN topped up on the Pendulum ephemeral, base units.
	PendulumFundTarget string `mapstructure:"pendulum_fund_target"`
	// XLM creating the Stellar ephemeral, stroops.
	StellarCreateTarget string `mapstructure:"stellar_create_target"`
	// Receives what is left on the Stellar ephemeral after the offramp.
	StellarFundingAccount string `mapstructure:"stellar_funding_account"`
	// Pendulum account paid the vortex fee of every ramp, ss58.
	VortexFeeAccount string `mapstructure:"vortex_fee_account"`
}

func DefaultConfig() *Config {
	return &Config{
		Assets: map[string]*Asset{
			"USDC": {
				On: map[agreement.Network]AssetRef{
					agreement.AssetHub: {ID: "assets:1337", Decimals: 6},
					agreement.Pendulum: {ID: "0x0102", Decimals: 6},
				},
			},
			"BRLA": {
				On: map[agreement.Network]AssetRef{
					agreement.Moonbeam: {ID: "0xfeB25F3fDDAD13F82C4d6dbc1481516F62236429", Decimals: 18},
					agreement.Pendulum: {ID: "0x010d", Decimals: 18},
				},
			},
			"EURC": {
				NablaToken: "6eNUvRWCKE3kejoyrJTXiSM7NxtWi37eRXTnKhGKPsJevAj5",
				On: map[agreement.Network]AssetRef{
					agreement.Pendulum: {ID: "0x020145555243cf4f5a26e2090bb3adcf02c7a9d73dbfe6659cc690461475b86437fa49c71136", Decimals: 12},
					agreement.Stellar:  {ID: "EURC:GDHU6WRG4IEQXM5NZ4BMPKOXHW76MZM4Y2IEMFDVXBSDP6SJY4ITNPP2", Decimals: 7},
				},
			},
			"ARS": {
				NablaToken: "6f7VMG1ERxpZMvFE2CbdWb7phxDgnoXrdornbV3CCd51nFsj",
				On: map[agreement.Network]AssetRef{
					agreement.Pendulum: {ID: "0x020141525300b04f8bff207a0b001aec7b7659a8d106e54e659cdf9533528f468e079628fba1", Decimals: 12},
					agreement.Stellar:  {ID: "ARS:GCYE7C77EB5AWAA25R5XMWNI2EDOKTTFTTPZKM2SR5DI4B4WFD52DARS", Decimals: 7},
				},
			},
		},
		FiatTokens: map[string]string{
			"EUR": "EURC",
			"ARS": "ARS",
			"BRL": "BRLA",
		},
		MoonbeamPayout:      map[string]bool{"BRL": true},
		PendulumFundTarget:  "10000000000000", // 10 PEN
		StellarCreateTarget: "25000000",       // 2.5 XLM
	}
}

// asset resolves a currency code, fiat or token, to its asset.
func (c *Config) asset(code string) (string, *Asset, error) {
	code = strings.ToUpper(code)
	if token, ok := c.FiatTokens[code]; ok {
		code = token
	}
	a, ok := c.Assets[code]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownAsset, code)
	}
	return code, a, nil
}

// Normalize upper-cases currency codes. Config loaders lower-case map keys,
// so an asset read from a file is merged into the entry of the same code.
func (c *Config) Normalize() {
	assets := make(map[string]*Asset, len(c.Assets))
	for code, a := range c.Assets {
		if a != nil && code == strings.ToUpper(code) {
			assets[code] = a
		}
	}
	for code, a := range c.Assets {
		if a == nil || code == strings.ToUpper(code) {
			continue
		}
		code = strings.ToUpper(code)
		prev, ok := assets[code]
		if !ok {
			assets[code] = a
			continue
		}
		if a.NablaToken != "" {
			prev.NablaToken = a.NablaToken
		}
		if prev.On == nil {
			prev.On = make(map[agreement.Network]AssetRef)
		}
		for n, ref := range a.On {
			prev.On[n] = ref
		}
	}
	c.Assets = assets

	fiat := make(map[string]string, len(c.FiatTokens))
	for f, token := range c.FiatTokens {
		fiat[strings.ToUpper(f)] = strings.ToUpper(token)
	}
	c.FiatTokens = fiat

	payout := make(map[string]bool, len(c.MoonbeamPayout))
	for f, v := range c.MoonbeamPayout {
		payout[strings.ToUpper(f)] = payout[strings.ToUpper(f)] || v
	}
	c.MoonbeamPayout = payout
}
