package order

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Domain tags keep NFT and OTC fingerprints in disjoint spaces even when the
// token id of one equals the sequence number of the other.
const (
	tagNonFungible byte = 0x01
	tagFungible    byte = 0x02
)

// Fingerprint is the content-addressed identifier of a listing
type Fingerprint [32]byte

// ComputeFingerprint derives the listing identifier:
// keccak256(tag || seller[20] || contract[20] || uint256_be(idOrSeq)[32])
func ComputeFingerprint(kind Kind, seller, contract common.Address, idOrSeq *uint256.Int) Fingerprint {
	buf := make([]byte, 0, 1+common.AddressLength*2+32)

	switch kind {
	case KindFungible:
		buf = append(buf, tagFungible)
	default:
		buf = append(buf, tagNonFungible)
	}

	buf = append(buf, seller.Bytes()...)
	buf = append(buf, contract.Bytes()...)

	word := idOrSeq.Bytes32()
	buf = append(buf, word[:]...)

	return Fingerprint(crypto.Keccak256Hash(buf))
}

// Hex returns the 0x-prefixed lowercase encoding.
func (f Fingerprint) Hex() string {
	return "0x" + hex.EncodeToString(f[:])
}

func (f Fingerprint) String() string {
	return f.Hex()
}

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.Hex()), nil
}

func (f *Fingerprint) UnmarshalText(text []byte) error {
	parsed, err := ParseFingerprint(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFingerprint accepts exactly "0x" followed by 64 hex digits.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return fp, fmt.Errorf("%w: fingerprint must be 0x followed by 64 hex digits", ErrInvalidParameters)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return fp, fmt.Errorf("%w: fingerprint: %v", ErrInvalidParameters, err)
	}
	copy(fp[:], raw)
	return fp, nil
}

// ParseAddress accepts exactly "0x" followed by 40 hex digits.
func ParseAddress(s string) (common.Address, error) {
	if len(s) != 2+2*common.AddressLength || !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: address %q is not 0x followed by 40 hex digits", ErrInvalidParameters, s)
	}
	return common.HexToAddress(s), nil
}

// ParseQuantity accepts a canonical base-10 unsigned integer that fits in 256 bits:
// no sign, no whitespace, no leading zeros.
func ParseQuantity(s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty quantity", ErrInvalidParameters)
	}
	if len(s) > 1 && s[0] == '0' {
		return nil, fmt.Errorf("%w: quantity %q has leading zeros", ErrInvalidParameters, s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, fmt.Errorf("%w: quantity %q is not a base-10 integer", ErrInvalidParameters, s)
		}
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: quantity %q: %v", ErrInvalidParameters, s, err)
	}
	return v, nil
}

// ParseFingerprintRequest validates the textual inputs of a client-side
// fingerprint computation and returns the derived identifier.
func ParseFingerprintRequest(kind Kind, seller, contract, idOrSeq string) (Fingerprint, error) {
	if kind != KindNonFungible && kind != KindFungible {
		return Fingerprint{}, fmt.Errorf("%w: unknown listing kind %d", ErrInvalidParameters, kind)
	}
	s, err := ParseAddress(seller)
	if err != nil {
		return Fingerprint{}, err
	}
	c, err := ParseAddress(contract)
	if err != nil {
		return Fingerprint{}, err
	}
	v, err := ParseQuantity(idOrSeq)
	if err != nil {
		return Fingerprint{}, err
	}
	return ComputeFingerprint(kind, s, c, v), nil
}
