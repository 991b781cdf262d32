package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ConditionID identifies a prepared condition (bytes32).
type ConditionID = common.Hash

// CollectionID identifies a combination of outcome selections (bytes32). The
// zero value denotes the root collection, i.e. plain collateral.
type CollectionID = common.Hash

// RootCollection is the parent collection id meaning "no parent".
var RootCollection = CollectionID{}

// PositionID is the uint256 token id of a position. It is rendered as a
// decimal string, the way exchanges and indexers display ERC-1155 ids.
type PositionID struct {
	v uint256.Int
}

// PositionIDFromBytes interprets b as a big-endian uint256.
func PositionIDFromBytes(b []byte) PositionID {
	var id PositionID
	id.v.SetBytes(b)
	return id
}

// ParsePositionID accepts a decimal string or a 0x-prefixed hex string.
func ParsePositionID(s string) (PositionID, error) {
	s = strings.TrimSpace(s)
	var id PositionID
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, ok := parseHex256(s[2:])
		if !ok {
			return PositionID{}, fmt.Errorf("%w: position id %q", ErrInvalidArgument, s)
		}
		id.v.SetFromBig(b)
		return id, nil
	}
	if err := id.v.SetFromDecimal(s); err != nil {
		return PositionID{}, fmt.Errorf("%w: position id %q: %v", ErrInvalidArgument, s, err)
	}
	return id, nil
}

// parseHex256 parses unsigned hex digits that fit in 256 bits.
func parseHex256(digits string) (*big.Int, bool) {
	if digits == "" || digits[0] == '+' || digits[0] == '-' {
		return nil, false
	}
	b, ok := new(big.Int).SetString(digits, 16)
	if !ok || b.BitLen() > 256 {
		return nil, false
	}
	return b, true
}

// IsZero reports whether the id is zero.
func (p PositionID) IsZero() bool { return p.v.IsZero() }

// Bytes32 returns the big-endian 32-byte encoding.
func (p PositionID) Bytes32() [32]byte { return p.v.Bytes32() }

// String returns the decimal representation.
func (p PositionID) String() string { return p.v.Dec() }

// Hex returns the 0x-prefixed 32-byte hex representation.
func (p PositionID) Hex() string {
	b := p.v.Bytes32()
	return "0x" + common.Bytes2Hex(b[:])
}

// MarshalText implements encoding.TextMarshaler.
func (p PositionID) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PositionID) UnmarshalText(text []byte) error {
	id, err := ParsePositionID(string(text))
	if err != nil {
		return err
	}
	*p = id
	return nil
}

// ParseAmount parses a non-negative decimal amount.
func ParseAmount(s string) (*uint256.Int, error) {
	a, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrInvalidAmount, s, err)
	}
	return a, nil
}

// Amount is a uint256 that travels as a decimal JSON string. Large integer
// amounts do not survive JSON numbers.
type Amount struct {
	uint256.Int
}

// NewAmount wraps v.
func NewAmount(v *uint256.Int) Amount {
	var a Amount
	if v != nil {
		a.Set(v)
	}
	return a
}

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Dec())
}

// UnmarshalJSON accepts a decimal string or a plain JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = string(data)
	}
	v, err := ParseAmount(s)
	if err != nil {
		return err
	}
	a.Set(v)
	return nil
}

// Uint returns a copy of the wrapped value.
func (a Amount) Uint() *uint256.Int {
	return new(uint256.Int).Set(&a.Int)
}

// Amounts converts a slice of wrapped amounts.
func Amounts(vs []*uint256.Int) []Amount {
	out := make([]Amount, len(vs))
	for i, v := range vs {
		out[i] = NewAmount(v)
	}
	return out
}
