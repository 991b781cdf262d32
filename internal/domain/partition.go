package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MaxOutcomeSlots is the largest outcome slot count a condition may have; an
// index set is a 256-bit mask.
const MaxOutcomeSlots = 256

// IndexSet is a bitmask over a condition's outcome slots. Bit j set means
// outcome slot j is included.
type IndexSet struct {
	mask uint256.Int
}

// NewIndexSet builds an index set containing the given outcome slots.
func NewIndexSet(slots ...int) IndexSet {
	var s IndexSet
	one := uint256.NewInt(1)
	for _, j := range slots {
		if j < 0 || j >= MaxOutcomeSlots {
			continue
		}
		s.mask.Or(&s.mask, new(uint256.Int).Lsh(one, uint(j)))
	}
	return s
}

// IndexSetFromUint64 builds an index set from a small mask.
func IndexSetFromUint64(mask uint64) IndexSet {
	var s IndexSet
	s.mask.SetUint64(mask)
	return s
}

// ParseIndexSet parses a decimal (or 0x hex) bitmask. Hex digits may carry
// leading zeros.
func ParseIndexSet(str string) (IndexSet, error) {
	str = strings.TrimSpace(str)
	var s IndexSet
	if strings.HasPrefix(str, "0x") || strings.HasPrefix(str, "0X") {
		b, ok := parseHex256(str[2:])
		if !ok {
			return IndexSet{}, fmt.Errorf("%w: %q", ErrInvalidIndexSet, str)
		}
		s.mask.SetFromBig(b)
		return s, nil
	}
	if err := s.mask.SetFromDecimal(str); err != nil {
		return IndexSet{}, fmt.Errorf("%w: %q", ErrInvalidIndexSet, str)
	}
	return s, nil
}

// IsZero reports whether no slot is selected.
func (s IndexSet) IsZero() bool { return s.mask.IsZero() }

// Has reports whether outcome slot j is included.
func (s IndexSet) Has(j int) bool {
	if j < 0 || j >= MaxOutcomeSlots {
		return false
	}
	bit := new(uint256.Int).Lsh(uint256.NewInt(1), uint(j))
	return !new(uint256.Int).And(&s.mask, bit).IsZero()
}

// BitLen returns the position of the highest selected slot plus one.
func (s IndexSet) BitLen() int { return s.mask.BitLen() }

// Slots returns the selected outcome slots in ascending order.
func (s IndexSet) Slots() []int {
	var out []int
	for j := 0; j < s.BitLen(); j++ {
		if s.Has(j) {
			out = append(out, j)
		}
	}
	return out
}

// Fits reports whether every selected slot is below outcomeSlotCount.
func (s IndexSet) Fits(outcomeSlotCount int) bool {
	return s.BitLen() <= outcomeSlotCount
}

// Bytes32 returns the uint256 big-endian encoding used in id derivation.
func (s IndexSet) Bytes32() [32]byte { return s.mask.Bytes32() }

// Uint returns a copy of the mask.
func (s IndexSet) Uint() *uint256.Int { return new(uint256.Int).Set(&s.mask) }

// String returns the decimal mask.
func (s IndexSet) String() string { return s.mask.Dec() }

// MarshalJSON encodes the mask as a JSON number when it fits in 53 bits and
// as a decimal string otherwise.
func (s IndexSet) MarshalJSON() ([]byte, error) {
	if s.BitLen() <= 53 {
		return []byte(s.mask.Dec()), nil
	}
	return json.Marshal(s.mask.Dec())
}

// UnmarshalJSON accepts a JSON number or a decimal/hex string.
func (s *IndexSet) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		str = string(data)
	}
	v, err := ParseIndexSet(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// FullIndexSet selects every outcome slot of a condition.
func FullIndexSet(outcomeSlotCount int) IndexSet {
	slots := make([]int, outcomeSlotCount)
	for i := range slots {
		slots[i] = i
	}
	return NewIndexSet(slots...)
}

// Partition is a caller-chosen sequence of index sets used to split or merge
// a position.
//
// NewPartition guarantees the sequence is non-empty and that every element is
// a non-zero mask inside the condition's outcome range. It does NOT check that
// the elements are disjoint or that they cover every outcome slot: overlapping
// and partial partitions are accepted and the caller owns their meaning.
type Partition struct {
	sets []IndexSet
}

// NewPartition validates sets against a condition with outcomeSlotCount slots.
func NewPartition(outcomeSlotCount int, sets []IndexSet) (Partition, error) {
	if len(sets) == 0 {
		return Partition{}, ErrEmptyPartition
	}
	out := make([]IndexSet, len(sets))
	for i, s := range sets {
		if s.IsZero() {
			return Partition{}, fmt.Errorf("%w: element %d is zero", ErrInvalidIndexSet, i)
		}
		if !s.Fits(outcomeSlotCount) {
			return Partition{}, fmt.Errorf("%w: element %d (%s) exceeds %d outcome slots",
				ErrInvalidIndexSet, i, s, outcomeSlotCount)
		}
		out[i] = s
	}
	return Partition{sets: out}, nil
}

// Sets returns a copy of the index sets.
func (p Partition) Sets() []IndexSet {
	out := make([]IndexSet, len(p.sets))
	copy(out, p.sets)
	return out
}

// Len returns the number of index sets.
func (p Partition) Len() int { return len(p.sets) }

// BinaryPartition is the YES/NO split {1, 2} of a two-outcome condition.
func BinaryPartition() Partition {
	return Partition{sets: []IndexSet{IndexSetFromUint64(1), IndexSetFromUint64(2)}}
}
