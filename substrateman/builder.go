package substrateman

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/TEENet-io/ramp-go/agreement"
	"github.com/TEENet-io/ramp-go/common"
	"github.com/TEENet-io/ramp-go/txbuilder"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/ethereum/go-ethereum/crypto"
	logger "github.com/sirupsen/logrus"
	"github.com/stellar/go/strkey"
)

// Return flag set by a reverted contract execution.
const flagRevert = 1

// ContractReturn is the outcome of a dry-run contract call.
type ContractReturn struct {
	Flags uint32
	Data  []byte
}

func (r ContractReturn) Reverted() bool {
	return r.Flags&flagRevert != 0
}

// ContractReader dry-runs a contract message without submitting anything.
type ContractReader interface {
	ReadContract(ctx context.Context, caller, contract string, input []byte) (ContractReturn, error)
}

// unsignedPayload is the raw payload of a substrate UnsignedTx.
type unsignedPayload struct {
	CallIndex   types.CallIndex `json:"callIndex"`
	Args        string          `json:"args"`
	GenesisHash string          `json:"genesisHash"`
	SpecVersion uint32          `json:"specVersion"`
	TxVersion   uint32          `json:"txVersion"`
	Tip         uint64          `json:"tip"`
	SS58Prefix  uint16          `json:"ss58Prefix"`
}

func decodePayload(raw []byte) (*unsignedPayload, error) {
	p := &unsignedPayload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Solidity style selector used by solang compiled contracts.
func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

var (
	selAllowance  = selector("allowance(address,address)")
	selApprove    = selector("approve(address,uint256)")
	selAmountOut  = selector("getAmountOut(uint256,address[])")
	selSwapTokens = selector("swapExactTokensForTokens(uint256,uint256,address[],address,uint256)")
)

// Builder builds extrinsic calls for one substrate network. Nabla approve
// and swap go through contracts.call.
type Builder struct {
	cfg     *Config
	runtime RuntimeInfo
	reader  ContractReader
	now     func() time.Time
}

func NewBuilder(cfg *Config, runtime RuntimeInfo, reader ContractReader) *Builder {
	return &Builder{
		cfg:     cfg,
		runtime: runtime,
		reader:  reader,
		now:     time.Now,
	}
}

func (b *Builder) Family() agreement.Family {
	return agreement.FamilySubstrate
}

func (b *Builder) Supports(kind agreement.TxKind) bool {
	switch kind {
	case agreement.KindTransfer, agreement.KindXcm:
		return true
	case agreement.KindApprove, agreement.KindSwap:
		return b.cfg.Calls.ContractsCall != (types.CallIndex{})
	case agreement.KindRedeem:
		return b.cfg.Calls.RedeemRequest != (types.CallIndex{}) && b.cfg.RedeemVault.AccountID != ""
	}
	return false
}

func (b *Builder) Build(ctx context.Context, intent *txbuilder.Intent) (txbuilder.Result, error) {
	if intent.Network != b.cfg.Network {
		return txbuilder.Result{}, fmt.Errorf("%w: builder for %s got %s", txbuilder.ErrInvalidIntent, b.cfg.Network, intent.Network)
	}

	var (
		call types.CallIndex
		args []byte
		err  error
	)

	switch intent.Kind {
	case agreement.KindTransfer:
		if len(intent.Payees) > 0 {
			call = b.cfg.Calls.UtilityBatchAll
			args, err = b.splitTransfer(intent)
			break
		}
		call = b.cfg.Calls.TokensTransfer
		args, err = b.transfer(intent)
	case agreement.KindApprove:
		var skip bool
		skip, err = b.allowanceCovers(ctx, intent)
		if err != nil {
			return txbuilder.Result{}, err
		}
		if skip {
			return txbuilder.Skip("allowance covers amount"), nil
		}
		call = b.cfg.Calls.ContractsCall
		args, err = b.approve(intent)
	case agreement.KindSwap:
		call = b.cfg.Calls.ContractsCall
		args, err = b.swap(ctx, intent)
	case agreement.KindXcm:
		call, args, err = b.xcm(intent)
	case agreement.KindRedeem:
		call = b.cfg.Calls.RedeemRequest
		args, err = b.redeem(intent)
	default:
		return txbuilder.Result{}, fmt.Errorf("%w: %s", txbuilder.ErrUnsupportedIntent, intent.Kind)
	}
	if err != nil {
		return txbuilder.Result{}, err
	}

	raw, err := json.Marshal(&unsignedPayload{
		CallIndex:   call,
		Args:        codec.HexEncodeToString(args),
		GenesisHash: b.runtime.GenesisHash,
		SpecVersion: b.runtime.SpecVersion,
		TxVersion:   b.runtime.TxVersion,
		Tip:         b.cfg.Tip,
		SS58Prefix:  b.cfg.SS58Prefix,
	})
	if err != nil {
		return txbuilder.Result{}, err
	}

	logger.WithFields(logger.Fields{
		"network": intent.Network,
		"phase":   intent.Phase,
		"kind":    intent.Kind,
		"call":    fmt.Sprintf("%d.%d", call.SectionIndex, call.MethodIndex),
	}).Debug("built extrinsic")

	return txbuilder.Built(txbuilder.Envelope(intent, raw)), nil
}

func (b *Builder) transfer(intent *txbuilder.Intent) ([]byte, error) {
	dest, err := AccountIDFromAddress(intent.Recipient)
	if err != nil {
		return nil, err
	}
	currency, err := common.DecodeHex(intent.Asset)
	if err != nil || len(currency) == 0 {
		return nil, fmt.Errorf("%w: currency id %q", txbuilder.ErrInvalidIntent, intent.Asset)
	}

	return newArgWriter().
		raw(multiAddressID(dest)).
		raw(currency).
		compact(intent.Amount).
		done()
}

// splitTransfer encodes one tokens.transfer per payee as the call vector of
// utility.batch_all, so the payees are paid together or not at all.
func (b *Builder) splitTransfer(intent *txbuilder.Intent) ([]byte, error) {
	if b.cfg.Calls.UtilityBatchAll == (types.CallIndex{}) {
		return nil, fmt.Errorf("%w: no batch call on %s", txbuilder.ErrUnsupportedIntent, b.cfg.Network)
	}
	w := newArgWriter().compact(big.NewInt(int64(len(intent.Payees))))
	for _, p := range intent.Payees {
		args, err := b.transfer(&txbuilder.Intent{Asset: intent.Asset, Amount: p.Amount, Recipient: p.Recipient})
		if err != nil {
			return nil, err
		}
		w.encode(b.cfg.Calls.TokensTransfer).raw(args)
	}
	return w.done()
}

func (b *Builder) allowanceCovers(ctx context.Context, intent *txbuilder.Intent) (bool, error) {
	owner, err := AccountIDFromAddress(intent.Signer)
	if err != nil {
		return false, err
	}
	spender, err := AccountIDFromAddress(b.spender(intent))
	if err != nil {
		return false, err
	}

	input := append(append(append([]byte{}, selAllowance...), owner[:]...), spender[:]...)
	ret, err := b.reader.ReadContract(ctx, intent.Signer, intent.Asset, input)
	if err != nil {
		return false, fmt.Errorf("allowance read: %w", err)
	}
	if ret.Reverted() || len(ret.Data) < 32 {
		return false, fmt.Errorf("%w: allowance", txbuilder.ErrReadSimulationRejected)
	}
	return u256FromLE(ret.Data[:32]).Cmp(intent.Amount) >= 0, nil
}

func (b *Builder) spender(intent *txbuilder.Intent) string {
	if intent.Spender != "" {
		return intent.Spender
	}
	return b.cfg.NablaRouter
}

func (b *Builder) approve(intent *txbuilder.Intent) ([]byte, error) {
	spender, err := AccountIDFromAddress(b.spender(intent))
	if err != nil {
		return nil, err
	}
	data := append(append(append([]byte{}, selApprove...), spender[:]...), u256LE(intent.Amount)...)
	return b.contractCall(intent.Asset, data)
}

func (b *Builder) swap(ctx context.Context, intent *txbuilder.Intent) ([]byte, error) {
	tokenIn, err := AccountIDFromAddress(intent.Asset)
	if err != nil {
		return nil, err
	}
	tokenOut, err := AccountIDFromAddress(intent.AssetOut)
	if err != nil {
		return nil, err
	}
	path, err := newArgWriter().
		compact(big.NewInt(2)).
		raw(tokenIn[:]).
		raw(tokenOut[:]).
		done()
	if err != nil {
		return nil, err
	}

	query := append(append(append([]byte{}, selAmountOut...), u256LE(intent.Amount)...), path...)
	ret, err := b.reader.ReadContract(ctx, intent.Signer, b.cfg.NablaRouter, query)
	if err != nil {
		return nil, fmt.Errorf("router quote: %w", err)
	}
	if ret.Reverted() || len(ret.Data) < 32 {
		return nil, fmt.Errorf("%w: %w: getAmountOut", txbuilder.ErrInsufficientLiquidity, txbuilder.ErrReadSimulationRejected)
	}

	expected := u256FromLE(ret.Data[:32])
	minOut := b.cfg.Margins.MinOut(intent.QuotedOut)
	if expected.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: router returns %s, minimum %s", txbuilder.ErrInsufficientLiquidity, expected, minOut)
	}

	to := intent.Recipient
	if to == "" {
		to = intent.Signer
	}
	toID, err := AccountIDFromAddress(to)
	if err != nil {
		return nil, err
	}
	deadline := big.NewInt(b.now().Add(b.cfg.SwapDeadline).Unix())

	data := append([]byte{}, selSwapTokens...)
	data = append(data, u256LE(intent.Amount)...)
	data = append(data, u256LE(minOut)...)
	data = append(data, path...)
	data = append(data, toID[:]...)
	data = append(data, u256LE(deadline)...)
	return b.contractCall(b.cfg.NablaRouter, data)
}

func (b *Builder) contractCall(contract string, data []byte) ([]byte, error) {
	dest, err := AccountIDFromAddress(contract)
	if err != nil {
		return nil, err
	}
	return newArgWriter().
		raw(multiAddressID(dest)).
		compact(big.NewInt(0)).
		encode(Weight{RefTime: b.cfg.ContractRefTime, ProofSize: b.cfg.ContractProofSize}).
		raw([]byte{0}). // no storage deposit limit
		encode(data).
		done()
}

// redeem burns wrapped stellar assets against the configured vault, which
// pays out to the stellar recipient.
func (b *Builder) redeem(intent *txbuilder.Intent) ([]byte, error) {
	stellarPub, err := strkey.Decode(strkey.VersionByteAccountID, intent.Recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", txbuilder.ErrInvalidBeneficiary, intent.Recipient)
	}
	vault, err := AccountIDFromAddress(b.cfg.RedeemVault.AccountID)
	if err != nil {
		return nil, err
	}
	collateral, err := common.DecodeHex(b.cfg.RedeemVault.Collateral)
	if err != nil {
		return nil, fmt.Errorf("vault collateral: %w", err)
	}
	wrapped, err := common.DecodeHex(b.cfg.RedeemVault.Wrapped)
	if err != nil {
		return nil, fmt.Errorf("vault wrapped: %w", err)
	}

	return newArgWriter().
		u128(intent.Amount).
		raw(stellarPub).
		raw(vault[:]).
		raw(collateral).
		raw(wrapped).
		done()
}

func (b *Builder) xcm(intent *txbuilder.Intent) (types.CallIndex, []byte, error) {
	beneficiary, err := beneficiaryJunction(intent.DestNetwork, intent.Recipient)
	if err != nil {
		return types.CallIndex{}, nil, err
	}
	paraID, ok := agreement.ParachainID[intent.DestNetwork]
	if !ok {
		return types.CallIndex{}, nil, fmt.Errorf("%w: %s -> %s", txbuilder.ErrUnsupportedCorridor, intent.Network, intent.DestNetwork)
	}
	limit := WeightLimit{Limit: Weight{RefTime: b.cfg.XcmRefTime, ProofSize: b.cfg.XcmProofSize}}

	switch b.cfg.XcmPallet {
	case PalletXTokens:
		fee, ok := b.cfg.XcmFee[intent.DestNetwork]
		if !ok {
			return types.CallIndex{}, nil, fmt.Errorf("%w: no fee reserve for %s", txbuilder.ErrUnsupportedCorridor, intent.DestNetwork)
		}
		currency, err := common.DecodeHex(intent.Asset)
		if err != nil || len(currency) == 0 {
			return types.CallIndex{}, nil, fmt.Errorf("%w: currency id %q", txbuilder.ErrInvalidIntent, intent.Asset)
		}
		dest := VersionedMultiLocation{V3: MultiLocation{
			Parents:  1,
			Interior: []Junction{Parachain(paraID), beneficiary},
		}}
		args, err := newArgWriter().
			raw(currency).
			u128(intent.Amount).
			u128(fee).
			encode(dest).
			encode(limit).
			done()
		return b.cfg.Calls.XTokensTransferWithFee, args, err

	case PalletPolkadotXcm:
		index, ok := new(big.Int).SetString(strings.TrimPrefix(intent.Asset, "assets:"), 10)
		if !ok {
			return types.CallIndex{}, nil, fmt.Errorf("%w: asset %q", txbuilder.ErrInvalidIntent, intent.Asset)
		}
		dest := VersionedMultiLocation{V3: MultiLocation{Parents: 1, Interior: []Junction{Parachain(paraID)}}}
		who := VersionedMultiLocation{V3: MultiLocation{Parents: 0, Interior: []Junction{beneficiary}}}
		assets := VersionedMultiAssets{V3: []MultiAsset{{
			ID: MultiLocation{Parents: 0, Interior: []Junction{
				{Kind: junctionPalletInstance, PalletInstance: b.cfg.AssetsPalletInstance},
				{Kind: junctionGeneralIndex, GeneralIndex: index},
			}},
			Amount: intent.Amount,
		}}}
		args, err := newArgWriter().
			encode(dest).
			encode(who).
			encode(assets).
			encode(uint32(0)). // fee asset item
			encode(limit).
			done()
		return b.cfg.Calls.LimitedReserveTransfer, args, err
	}

	return types.CallIndex{}, nil, fmt.Errorf("%w: no xcm pallet on %s", txbuilder.ErrUnsupportedCorridor, b.cfg.Network)
}

// beneficiaryJunction picks the account junction matching the destination
// chain's address format.
func beneficiaryJunction(dest agreement.Network, addr string) (Junction, error) {
	if dest.Family() == agreement.FamilyEVM {
		raw, err := common.DecodeHex(addr)
		if err != nil || len(raw) != 20 {
			return Junction{}, fmt.Errorf("%w: %s", txbuilder.ErrInvalidBeneficiary, addr)
		}
		var key [20]byte
		copy(key[:], raw)
		return AccountKey20(key), nil
	}
	if dest.Family() != agreement.FamilySubstrate {
		return Junction{}, fmt.Errorf("%w: to %s", txbuilder.ErrUnsupportedCorridor, dest)
	}

	id, err := AccountIDFromAddress(addr)
	if err != nil {
		return Junction{}, err
	}
	return AccountID32(id), nil
}

// AccountIDFromAddress accepts a ss58 address or a 0x-prefixed account id.
func AccountIDFromAddress(addr string) ([32]byte, error) {
	var id [32]byte
	var raw []byte
	var err error
	if strings.HasPrefix(addr, "0x") {
		raw, err = common.DecodeHex(addr)
	} else {
		raw, _, err = common.SS58Decode(addr)
	}
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("%w: %q", txbuilder.ErrInvalidBeneficiary, addr)
	}
	copy(id[:], raw)
	return id, nil
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(common.Trim0xPrefix(s), 16, 64)
}
