// Global agreement on types

package agreement

import (
	"encoding/json"
	"fmt"
)

// Family groups networks that share a transaction format and signing scheme.
type Family string

const (
	FamilyEVM       Family = "evm"
	FamilySubstrate Family = "substrate"
	FamilyStellar   Family = "stellar"
)

// Network is a concrete chain the ramp touches.
type Network string

const (
	Moonbeam  Network = "moonbeam"
	Polygon   Network = "polygon"
	Ethereum  Network = "ethereum"
	Base      Network = "base"
	Arbitrum  Network = "arbitrum"
	Pendulum  Network = "pendulum"
	AssetHub  Network = "assethub"
	Stellar   Network = "stellar"
	Hydration Network = "hydration"
)

var networkFamily = map[Network]Family{
	Moonbeam:  FamilyEVM,
	Polygon:   FamilyEVM,
	Ethereum:  FamilyEVM,
	Base:      FamilyEVM,
	Arbitrum:  FamilyEVM,
	Pendulum:  FamilySubstrate,
	AssetHub:  FamilySubstrate,
	Hydration: FamilySubstrate,
	Stellar:   FamilyStellar,
}

// Family returns the chain family of the network, or "" if unknown.
func (n Network) Family() Family {
	return networkFamily[n]
}

func (n Network) Valid() bool {
	_, ok := networkFamily[n]
	return ok
}

// ParachainID of the substrate networks in the Polkadot relay.
var ParachainID = map[Network]uint32{
	AssetHub:  1000,
	Moonbeam:  2004,
	Hydration: 2034,
	Pendulum:  2094,
}

type Direction string

const (
	DirectionBuy  Direction = "BUY"  // fiat -> crypto (onramp)
	DirectionSell Direction = "SELL" // crypto -> fiat (offramp)
)

func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// TxKind tags the intent carried by a transaction envelope.
type TxKind string

const (
	KindTransfer TxKind = "transfer"
	KindApprove  TxKind = "approve"
	KindSwap     TxKind = "swap"
	KindXcm      TxKind = "xcm"
	KindPayment  TxKind = "payment"
	KindMerge    TxKind = "merge"
	KindRedeem   TxKind = "redeem"
	KindCleanup  TxKind = "cleanup"
)

// UnsignedTx is the uniform envelope around a chain-native unsigned payload.
// RawPayload is opaque to everything but the signer of the matching family.
type UnsignedTx struct {
	Network    Network `json:"network"`
	Kind       TxKind  `json:"kind"`
	Phase      string  `json:"phase"`
	Signer     string  `json:"signer"` // address of the ephemeral account
	Nonce      uint64  `json:"nonce"`  // base nonce (sequence for stellar)
	RawPayload []byte  `json:"rawPayload"`
}

func (tx *UnsignedTx) Family() Family {
	return tx.Network.Family()
}

func (tx *UnsignedTx) String() string {
	return fmt.Sprintf("%s/%s/%s@%d", tx.Network, tx.Phase, tx.Kind, tx.Nonce)
}

func (tx *UnsignedTx) Clone() *UnsignedTx {
	c := *tx
	c.RawPayload = append([]byte(nil), tx.RawPayload...)
	return &c
}

// PresignedTx is a signed transaction ready for submission. Offset 0 is the
// primary; alternates at higher nonces live in Meta.AdditionalTxs.
type PresignedTx struct {
	Network Network     `json:"network"`
	Kind    TxKind      `json:"kind"`
	Phase   string      `json:"phase"`
	Signer  string      `json:"signer"`
	Nonce   uint64      `json:"nonce"`
	TxData  string      `json:"txData"` // hex (evm, substrate) or base64 XDR (stellar)
	Meta    PresignMeta `json:"meta"`
}

type PresignMeta struct {
	AdditionalTxs map[string]*PresignedTx `json:"additionalTxs,omitempty"`
}

// AdditionalTxKey is the key of the variant at offset in Meta.AdditionalTxs.
func AdditionalTxKey(phase string, offset int) string {
	return fmt.Sprintf("%s%d", phase, offset)
}

// Variant returns the signed tx at offset, offset 0 being the receiver.
func (p *PresignedTx) Variant(offset int) (*PresignedTx, bool) {
	if offset == 0 {
		return p, true
	}
	v, ok := p.Meta.AdditionalTxs[AdditionalTxKey(p.Phase, offset)]
	return v, ok
}

// RunLength is the number of signed variants held, primary included.
func (p *PresignedTx) RunLength() int {
	return 1 + len(p.Meta.AdditionalTxs)
}

func (p *PresignedTx) Clone() *PresignedTx {
	data, _ := json.Marshal(p)
	c := &PresignedTx{}
	_ = json.Unmarshal(data, c)
	return c
}

// EphemeralKey is the single-use signing secret of one ramp on one family.
// Secret format depends on the family: hex private key (evm), seed or
// mnemonic URI (substrate), S... seed (stellar).
type EphemeralKey struct {
	Family  Family
	Address string
	Secret  string
}

// SubsidyToken enumerates the settlement assets the platform can pay
// subsidies in. Extending it requires a new constant here.
type SubsidyToken string

const (
	TokenGLMR    SubsidyToken = "GLMR"
	TokenPEN     SubsidyToken = "PEN"
	TokenXLM     SubsidyToken = "XLM"
	TokenUSDC    SubsidyToken = "USDC"
	TokenUSDCAxl SubsidyToken = "USDC.axl"
	TokenBRLA    SubsidyToken = "BRLA"
	TokenEURC    SubsidyToken = "EURC"
	TokenMATIC   SubsidyToken = "MATIC"
	TokenDOT     SubsidyToken = "DOT"
	TokenUSDT    SubsidyToken = "USDT"
)

var subsidyTokens = map[SubsidyToken]struct{}{
	TokenGLMR: {}, TokenPEN: {}, TokenXLM: {}, TokenUSDC: {}, TokenUSDCAxl: {},
	TokenBRLA: {}, TokenEURC: {}, TokenMATIC: {}, TokenDOT: {}, TokenUSDT: {},
}

func ParseSubsidyToken(s string) (SubsidyToken, error) {
	t := SubsidyToken(s)
	if _, ok := subsidyTokens[t]; !ok {
		return "", fmt.Errorf("unknown subsidy token %q", s)
	}
	return t, nil
}

// Enum for the status of a tx submitted to a blockchain.
type MonitoredTxStatus string

const (
	MalForm  MonitoredTxStatus = "malform"  // rejected by the node on submission.
	Limbo    MonitoredTxStatus = "limbo"    // sent, but not found anywhere.
	Pending  MonitoredTxStatus = "pending"  // in the mempool, not executed yet.
	Success  MonitoredTxStatus = "success"  // included in the ledger.
	Reverted MonitoredTxStatus = "reverted" // included, but execution failed.
	Timeout  MonitoredTxStatus = "timeout"  // not included for too long, superseded by the next variant.
)

func (s MonitoredTxStatus) Final() bool {
	return s == Success || s == Reverted || s == MalForm || s == Timeout
}
