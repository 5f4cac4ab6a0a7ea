package common

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrSS58Format   = errors.New("ss58: malformed address")
	ErrSS58Checksum = errors.New("ss58: checksum mismatch")
	ErrSS58Prefix   = errors.New("ss58: prefix out of range")
)

var ss58Pre = []byte("SS58PRE")

// SS58Encode encodes a 32-byte account id with the network prefix.
func SS58Encode(pubKey []byte, prefix uint16) (string, error) {
	if len(pubKey) != 32 {
		return "", ErrSS58Format
	}
	pre, err := ss58PrefixBytes(prefix)
	if err != nil {
		return "", err
	}

	body := append(pre, pubKey...)
	sum := ss58Checksum(body)
	return base58.Encode(append(body, sum[:2]...)), nil
}

// SS58Decode returns the account id and network prefix of an address.
func SS58Decode(address string) ([]byte, uint16, error) {
	raw := base58.Decode(address)
	if len(raw) < 35 {
		return nil, 0, ErrSS58Format
	}

	var prefix uint16
	preLen := 1
	if raw[0] < 64 {
		prefix = uint16(raw[0])
	} else if raw[0] < 128 {
		preLen = 2
		lower := (raw[0] << 2) | (raw[1] >> 6)
		upper := raw[1] & 0x3f
		prefix = uint16(lower) | uint16(upper)<<8
	} else {
		return nil, 0, ErrSS58Prefix
	}

	if len(raw) != preLen+32+2 {
		return nil, 0, ErrSS58Format
	}
	body := raw[:preLen+32]
	sum := ss58Checksum(body)
	if !bytes.Equal(sum[:2], raw[preLen+32:]) {
		return nil, 0, ErrSS58Checksum
	}

	return append([]byte(nil), raw[preLen:preLen+32]...), prefix, nil
}

func ss58PrefixBytes(prefix uint16) ([]byte, error) {
	switch {
	case prefix < 64:
		return []byte{byte(prefix)}, nil
	case prefix < 16384:
		first := byte((prefix&0xfc)>>2) | 0x40
		second := byte(prefix>>8) | byte((prefix&0x03)<<6)
		return []byte{first, second}, nil
	default:
		return nil, ErrSS58Prefix
	}
}

func ss58Checksum(body []byte) [64]byte {
	return blake2b.Sum512(append(append([]byte(nil), ss58Pre...), body...))
}
