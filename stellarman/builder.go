package stellarman

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
	logger "github.com/sirupsen/logrus"
)

// Stellar amounts carry 7 decimals.
const amountDecimals = 7

// AccountReader loads an account from the ledger. A missing account is
// reported as (nil, nil).
type AccountReader interface {
	Account(ctx context.Context, address string) (*hProtocol.Account, error)
}

// unsignedPayload is the raw payload of a stellar UnsignedTx: an unsigned
// envelope at the base sequence plus what the signer needs to derive the
// envelope of every further offset.
type unsignedPayload struct {
	Envelope   string `json:"envelope"`
	Passphrase string `json:"passphrase"`
	// seconds added to the upper time bound per offset
	WindowStep int64 `json:"windowStep"`
}

func decodePayload(raw []byte) (*unsignedPayload, *txnbuild.Transaction, error) {
	p := &unsignedPayload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, nil, err
	}
	gtx, err := txnbuild.TransactionFromXDR(p.Envelope)
	if err != nil {
		return nil, nil, err
	}
	tx, ok := gtx.Transaction()
	if !ok {
		return nil, nil, fmt.Errorf("fee bump envelope")
	}
	return p, tx, nil
}

// Builder builds offramp envelopes for the ephemeral stellar account:
// payment to the anchor, trustline and merge back to the funding account.
type Builder struct {
	cfg    *Config
	reader AccountReader
	now    func() time.Time
}

func NewBuilder(cfg *Config, reader AccountReader) *Builder {
	return &Builder{
		cfg:    cfg,
		reader: reader,
		now:    time.Now,
	}
}

func (b *Builder) Family() agreement.Family {
	return agreement.FamilyStellar
}

func (b *Builder) Supports(kind agreement.TxKind) bool {
	switch kind {
	case agreement.KindPayment, agreement.KindTransfer, agreement.KindApprove, agreement.KindMerge:
		return true
	}
	return false
}

func (b *Builder) Build(ctx context.Context, intent *txbuilder.Intent) (txbuilder.Result, error) {
	if intent.Network != b.cfg.Network {
		return txbuilder.Result{}, fmt.Errorf("%w: builder for %s got %s", txbuilder.ErrInvalidIntent, b.cfg.Network, intent.Network)
	}
	if _, err := keypair.ParseAddress(intent.Signer); err != nil {
		return txbuilder.Result{}, fmt.Errorf("%w: signer %q", txbuilder.ErrInvalidIntent, intent.Signer)
	}
	asset, err := parseAsset(intent.Asset)
	if err != nil {
		return txbuilder.Result{}, err
	}

	var operations []txnbuild.Operation
	switch intent.Kind {
	case agreement.KindPayment:
		operations, err = b.payment(intent, asset)
	case agreement.KindTransfer:
		operations, err = b.transfer(ctx, intent, asset)
	case agreement.KindApprove:
		var skip string
		skip, err = b.trustlineExists(ctx, intent, asset)
		if err != nil {
			return txbuilder.Result{}, err
		}
		if skip != "" {
			return txbuilder.Skip(skip), nil
		}
		var line txnbuild.ChangeTrustAsset
		line, err = asset.ToChangeTrustAsset()
		operations = []txnbuild.Operation{&txnbuild.ChangeTrust{Line: line, Limit: txnbuild.MaxTrustlineLimit}}
	case agreement.KindMerge:
		operations, err = b.merge(intent, asset)
	default:
		return txbuilder.Result{}, fmt.Errorf("%w: %s", txbuilder.ErrUnsupportedIntent, intent.Kind)
	}
	if err != nil {
		return txbuilder.Result{}, err
	}

	memo, err := parseMemo(intent.Memo)
	if err != nil {
		return txbuilder.Result{}, err
	}

	tx, err := newEnvelope(intent.Signer, int64(intent.Nonce), operations, b.cfg.BaseFee, memo,
		txnbuild.NewTimebounds(0, b.now().Add(b.cfg.ValidFor).Unix()))
	if err != nil {
		return txbuilder.Result{}, fmt.Errorf("%w: %v", txbuilder.ErrInvalidIntent, err)
	}
	envelope, err := tx.Base64()
	if err != nil {
		return txbuilder.Result{}, err
	}

	raw, err := json.Marshal(&unsignedPayload{
		Envelope:   envelope,
		Passphrase: b.cfg.Passphrase,
		WindowStep: int64(b.cfg.ValidityStep / time.Second),
	})
	if err != nil {
		return txbuilder.Result{}, err
	}

	logger.WithFields(logger.Fields{
		"network": intent.Network,
		"phase":   intent.Phase,
		"kind":    intent.Kind,
		"ops":     len(operations),
	}).Debug("built stellar envelope")

	return txbuilder.Built(txbuilder.Envelope(intent, raw)), nil
}

func (b *Builder) payment(intent *txbuilder.Intent, asset txnbuild.Asset) ([]txnbuild.Operation, error) {
	if _, err := keypair.ParseAddress(intent.Recipient); err != nil {
		return nil, fmt.Errorf("%w: %q", txbuilder.ErrInvalidBeneficiary, intent.Recipient)
	}
	return []txnbuild.Operation{&txnbuild.Payment{
		Destination: intent.Recipient,
		Amount:      AmountString(intent.Amount),
		Asset:       asset,
	}}, nil
}

// transfer is a payment, or the creation of the recipient when it does not
// exist yet and the asset is XLM.
func (b *Builder) transfer(ctx context.Context, intent *txbuilder.Intent, asset txnbuild.Asset) ([]txnbuild.Operation, error) {
	if !asset.IsNative() || b.reader == nil {
		return b.payment(intent, asset)
	}
	acc, err := b.reader.Account(ctx, intent.Recipient)
	if err != nil {
		return nil, err
	}
	if acc != nil {
		return b.payment(intent, asset)
	}
	if _, err := keypair.ParseAddress(intent.Recipient); err != nil {
		return nil, fmt.Errorf("%w: %q", txbuilder.ErrInvalidBeneficiary, intent.Recipient)
	}
	return []txnbuild.Operation{&txnbuild.CreateAccount{
		Destination: intent.Recipient,
		Amount:      AmountString(intent.Amount),
	}}, nil
}

func (b *Builder) trustlineExists(ctx context.Context, intent *txbuilder.Intent, asset txnbuild.Asset) (string, error) {
	if asset.IsNative() {
		return "native asset needs no trustline", nil
	}
	if b.reader == nil {
		return "", nil
	}
	acc, err := b.reader.Account(ctx, intent.Signer)
	if err != nil || acc == nil {
		return "", err
	}
	for _, bal := range acc.Balances {
		if bal.Code == asset.GetCode() && bal.Issuer == asset.GetIssuer() {
			return "trustline exists", nil
		}
	}
	return "", nil
}

// merge drops the trustline, if any, and merges the account into the
// recipient.
func (b *Builder) merge(intent *txbuilder.Intent, asset txnbuild.Asset) ([]txnbuild.Operation, error) {
	if _, err := keypair.ParseAddress(intent.Recipient); err != nil {
		return nil, fmt.Errorf("%w: %q", txbuilder.ErrInvalidBeneficiary, intent.Recipient)
	}
	var ops []txnbuild.Operation
	if !asset.IsNative() {
		line, err := asset.ToChangeTrustAsset()
		if err != nil {
			return nil, err
		}
		ops = append(ops, &txnbuild.ChangeTrust{Line: line, Limit: "0"})
	}
	return append(ops, &txnbuild.AccountMerge{Destination: intent.Recipient}), nil
}

// newEnvelope builds a transaction at exactly seq. The minimum sequence
// precondition keeps it valid for any account sequence below seq, which is
// what lets variants at later offsets and envelopes of accounts created
// after signing be submitted at all.
func newEnvelope(source string, seq int64, ops []txnbuild.Operation, baseFee int64, memo txnbuild.Memo, tb txnbuild.TimeBounds) (*txnbuild.Transaction, error) {
	minSeq := int64(0)
	return txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &txnbuild.SimpleAccount{AccountID: source, Sequence: seq},
		IncrementSequenceNum: false,
		Operations:           ops,
		BaseFee:              baseFee,
		Memo:                 memo,
		Preconditions: txnbuild.Preconditions{
			TimeBounds:        tb,
			MinSequenceNumber: &minSeq,
		},
	})
}

// parseAsset accepts "native" (or "") and CODE:ISSUER.
func parseAsset(s string) (txnbuild.Asset, error) {
	if s == "" {
		return txnbuild.NativeAsset{}, nil
	}
	asset, err := txnbuild.ParseAssetString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: asset %q", txbuilder.ErrInvalidIntent, s)
	}
	return asset, nil
}

// parseMemo accepts "text:...", "hash:<base64>", "id:<n>"; anything else is
// a text memo.
func parseMemo(s string) (txnbuild.Memo, error) {
	switch {
	case s == "":
		return nil, nil
	case strings.HasPrefix(s, "hash:"):
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "hash:"))
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("%w: memo hash", txbuilder.ErrInvalidIntent)
		}
		var h txnbuild.MemoHash
		copy(h[:], raw)
		return h, nil
	case strings.HasPrefix(s, "id:"):
		id, err := strconv.ParseUint(strings.TrimPrefix(s, "id:"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: memo id", txbuilder.ErrInvalidIntent)
		}
		return txnbuild.MemoID(id), nil
	}

	text := strings.TrimPrefix(s, "text:")
	if len(text) > 28 {
		return nil, fmt.Errorf("%w: memo text longer than 28 bytes", txbuilder.ErrInvalidIntent)
	}
	return txnbuild.MemoText(text), nil
}

// AmountString renders stroops as a stellar amount.
func AmountString(stroops *big.Int) string {
	return decimal.NewFromBigInt(stroops, -amountDecimals).StringFixed(amountDecimals)
}

// ParseAmount converts a stellar amount to stroops.
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(amountDecimals).BigInt(), nil
}
