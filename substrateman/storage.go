package substrateman

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/TEENet-io/ramp-go/common"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/centrifuge/go-substrate-rpc-client/v4/xxhash"
	"golang.org/x/crypto/blake2b"
)

type hasher func([]byte) []byte

func twox128(b []byte) []byte {
	return xxhash.New128(b).Sum(nil)
}

func twox64Concat(b []byte) []byte {
	return xxhash.New64Concat(b).Sum(nil)
}

func blake2128Concat(b []byte) []byte {
	h, _ := blake2b.New(16, nil)
	h.Write(b)
	return append(h.Sum(nil), b...)
}

type mapKey struct {
	hash hasher
	key  []byte
}

// storageKey is the key of a map entry: twox128(pallet) ++ twox128(item)
// ++ hashed keys.
func storageKey(pallet, item string, keys ...mapKey) []byte {
	out := append(twox128([]byte(pallet)), twox128([]byte(item))...)
	for _, k := range keys {
		out = append(out, k.hash(k.key)...)
	}
	return out
}

// NativeCurrencyID is CurrencyId::Native, accepted by tokens.transfer.
const NativeCurrencyID = "0x00"

// balanceKey locates the free balance of account in asset: the native
// coin ("", "native" or the orml Native id 0x00), an orml currency id
// (hex) or an assets pallet asset ("assets:N").
func balanceKey(account [32]byte, asset string) (key []byte, freeOffset int, err error) {
	switch {
	case asset == "" || asset == "native" || asset == NativeCurrencyID:
		// AccountInfo: nonce, consumers, providers, sufficients, then data
		return storageKey("System", "Account", mapKey{blake2128Concat, account[:]}), 16, nil

	case strings.HasPrefix(asset, "assets:"):
		id, err := strconv.ParseUint(strings.TrimPrefix(asset, "assets:"), 10, 32)
		if err != nil {
			return nil, 0, fmt.Errorf("asset %q: %w", asset, err)
		}
		var raw [4]byte
		binary.LittleEndian.PutUint32(raw[:], uint32(id))
		return storageKey("Assets", "Account",
			mapKey{blake2128Concat, raw[:]},
			mapKey{blake2128Concat, account[:]}), 0, nil
	}

	currency, err := common.DecodeHex(asset)
	if err != nil || len(currency) == 0 {
		return nil, 0, fmt.Errorf("currency id %q", asset)
	}
	return storageKey("Tokens", "Accounts",
		mapKey{blake2128Concat, account[:]},
		mapKey{twox64Concat, currency}), 0, nil
}

// Balance returns the free balance of address in asset, zero for accounts
// that hold none.
func (w *Worker) Balance(ctx context.Context, address, asset string) (*big.Int, error) {
	account, err := AccountIDFromAddress(address)
	if err != nil {
		return nil, err
	}
	key, offset, err := balanceKey(account, asset)
	if err != nil {
		return nil, err
	}

	var res *string
	if err := w.rpc.CallContext(ctx, &res, "state_getStorage", codec.HexEncodeToString(key)); err != nil {
		return nil, err
	}
	if res == nil {
		return big.NewInt(0), nil
	}
	raw, err := codec.HexDecodeString(*res)
	if err != nil {
		return nil, err
	}
	if len(raw) < offset+16 {
		return nil, fmt.Errorf("short balance record: %d bytes", len(raw))
	}
	return u256FromLE(raw[offset : offset+16]), nil
}
