package substrateman

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/centrifuge/go-substrate-rpc-client/v4/scale"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

var ErrContractResult = errors.New("undecodable contract result")

// Weight is a two dimensional weight, both fields compact encoded.
type Weight struct {
	RefTime   uint64
	ProofSize uint64
}

func (w Weight) Encode(encoder scale.Encoder) error {
	if err := encoder.EncodeUintCompact(*new(big.Int).SetUint64(w.RefTime)); err != nil {
		return err
	}
	return encoder.EncodeUintCompact(*new(big.Int).SetUint64(w.ProofSize))
}

// WeightLimit of an xcm execution, Unlimited or Limited(Weight).
type WeightLimit struct {
	Unlimited bool
	Limit     Weight
}

func (l WeightLimit) Encode(encoder scale.Encoder) error {
	if l.Unlimited {
		return encoder.PushByte(0)
	}
	if err := encoder.PushByte(1); err != nil {
		return err
	}
	return encoder.Encode(l.Limit)
}

type junctionKind byte

const (
	junctionParachain      junctionKind = 0
	junctionAccountId32    junctionKind = 1
	junctionAccountKey20   junctionKind = 3
	junctionPalletInstance junctionKind = 4
	junctionGeneralIndex   junctionKind = 5
)

// Junction is the subset of xcm v3 junctions used by the ramp corridors.
// Account junctions always carry network None.
type Junction struct {
	Kind           junctionKind
	ParachainID    uint32
	AccountID32    [32]byte
	AccountKey20   [20]byte
	PalletInstance uint8
	GeneralIndex   *big.Int
}

func Parachain(id uint32) Junction {
	return Junction{Kind: junctionParachain, ParachainID: id}
}

func AccountID32(pub [32]byte) Junction {
	return Junction{Kind: junctionAccountId32, AccountID32: pub}
}

func AccountKey20(addr [20]byte) Junction {
	return Junction{Kind: junctionAccountKey20, AccountKey20: addr}
}

func (j Junction) Encode(encoder scale.Encoder) error {
	if err := encoder.PushByte(byte(j.Kind)); err != nil {
		return err
	}

	switch j.Kind {
	case junctionParachain:
		return encoder.EncodeUintCompact(*big.NewInt(int64(j.ParachainID)))
	case junctionAccountId32:
		if err := encoder.PushByte(0); err != nil {
			return err
		}
		return encoder.Write(j.AccountID32[:])
	case junctionAccountKey20:
		if err := encoder.PushByte(0); err != nil {
			return err
		}
		return encoder.Write(j.AccountKey20[:])
	case junctionPalletInstance:
		return encoder.PushByte(j.PalletInstance)
	case junctionGeneralIndex:
		return encoder.EncodeUintCompact(*j.GeneralIndex)
	}
	return fmt.Errorf("unknown junction kind %d", j.Kind)
}

// MultiLocation v3. Interior holds at most 8 junctions.
type MultiLocation struct {
	Parents  uint8
	Interior []Junction
}

func (m MultiLocation) Encode(encoder scale.Encoder) error {
	if len(m.Interior) > 8 {
		return fmt.Errorf("too many junctions: %d", len(m.Interior))
	}
	if err := encoder.PushByte(m.Parents); err != nil {
		return err
	}
	// Here = 0, X1 = 1, ... X8 = 8
	if err := encoder.PushByte(byte(len(m.Interior))); err != nil {
		return err
	}
	for _, j := range m.Interior {
		if err := encoder.Encode(j); err != nil {
			return err
		}
	}
	return nil
}

const xcmVersion3 = 3

// VersionedMultiLocation wraps a location as V3.
type VersionedMultiLocation struct {
	V3 MultiLocation
}

func (v VersionedMultiLocation) Encode(encoder scale.Encoder) error {
	if err := encoder.PushByte(xcmVersion3); err != nil {
		return err
	}
	return encoder.Encode(v.V3)
}

// MultiAsset is a concrete fungible asset.
type MultiAsset struct {
	ID     MultiLocation
	Amount *big.Int
}

func (a MultiAsset) Encode(encoder scale.Encoder) error {
	// AssetId::Concrete
	if err := encoder.PushByte(0); err != nil {
		return err
	}
	if err := encoder.Encode(a.ID); err != nil {
		return err
	}
	// Fungibility::Fungible
	if err := encoder.PushByte(0); err != nil {
		return err
	}
	return encoder.EncodeUintCompact(*a.Amount)
}

type VersionedMultiAssets struct {
	V3 []MultiAsset
}

func (v VersionedMultiAssets) Encode(encoder scale.Encoder) error {
	if err := encoder.PushByte(xcmVersion3); err != nil {
		return err
	}
	if err := encoder.EncodeUintCompact(*big.NewInt(int64(len(v.V3)))); err != nil {
		return err
	}
	for _, a := range v.V3 {
		if err := encoder.Encode(a); err != nil {
			return err
		}
	}
	return nil
}

// argWriter concatenates the SCALE encoding of call arguments.
type argWriter struct {
	buf bytes.Buffer
	enc *scale.Encoder
	err error
}

func newArgWriter() *argWriter {
	w := &argWriter{}
	w.enc = scale.NewEncoder(&w.buf)
	return w
}

func (w *argWriter) raw(b []byte) *argWriter {
	if w.err == nil {
		w.err = w.enc.Write(b)
	}
	return w
}

func (w *argWriter) encode(v interface{}) *argWriter {
	if w.err == nil {
		w.err = w.enc.Encode(v)
	}
	return w
}

func (w *argWriter) compact(v *big.Int) *argWriter {
	if w.err == nil {
		w.err = w.enc.EncodeUintCompact(*v)
	}
	return w
}

func (w *argWriter) u128(v *big.Int) *argWriter {
	return w.encode(types.NewU128(*v))
}

func (w *argWriter) done() ([]byte, error) {
	return w.buf.Bytes(), w.err
}

// MultiAddress::Id
func multiAddressID(pub [32]byte) []byte {
	return append([]byte{0}, pub[:]...)
}

// u256LE is the little endian 32 byte encoding used by solang contracts.
func u256LE(v *big.Int) []byte {
	b := ethcommon.LeftPadBytes(v.Bytes(), 32)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

func u256FromLE(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	return new(big.Int).SetBytes(be)
}

// decodeContractResult extracts the return flags and data of a
// ContractsApi_call result.
func decodeContractResult(raw []byte) (uint32, []byte, error) {
	dec := scale.NewDecoder(bytes.NewReader(raw))

	// gas_consumed, gas_required
	for i := 0; i < 4; i++ {
		if _, err := dec.DecodeUintCompact(); err != nil {
			return 0, nil, fmt.Errorf("%w: weight: %v", ErrContractResult, err)
		}
	}
	// storage_deposit: Refund(u128) | Charge(u128)
	deposit := make([]byte, 17)
	if err := dec.Read(deposit); err != nil {
		return 0, nil, fmt.Errorf("%w: deposit: %v", ErrContractResult, err)
	}
	var debug []byte
	if err := dec.Decode(&debug); err != nil {
		return 0, nil, fmt.Errorf("%w: debug message: %v", ErrContractResult, err)
	}

	ok, err := dec.ReadOneByte()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: result: %v", ErrContractResult, err)
	}
	if ok != 0 {
		return 0, nil, fmt.Errorf("%w: dispatch error (debug: %q)", ErrContractResult, string(debug))
	}

	var flags uint32
	if err := dec.Decode(&flags); err != nil {
		return 0, nil, fmt.Errorf("%w: flags: %v", ErrContractResult, err)
	}
	var data []byte
	if err := dec.Decode(&data); err != nil {
		return 0, nil, fmt.Errorf("%w: data: %v", ErrContractResult, err)
	}
	return flags, data, nil
}
