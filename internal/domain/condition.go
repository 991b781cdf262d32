package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Condition is a registered question with a designated resolving oracle.
// It is created once by preparation, mutated once by resolution and never
// deleted.
type Condition struct {
	ID                ConditionID
	Oracle            common.Address
	QuestionID        common.Hash
	OutcomeSlotCount  int
	PayoutNumerators  []*uint256.Int // empty until resolved
	PayoutDenominator *uint256.Int   // nil or zero until resolved
	PreparedAt        time.Time
	ResolvedAt        *time.Time
}

// Resolved reports whether the oracle has reported a payout vector.
func (c Condition) Resolved() bool {
	return c.PayoutDenominator != nil && !c.PayoutDenominator.IsZero()
}

// PayoutFor sums the payout numerators of every slot in set.
func (c Condition) PayoutFor(set IndexSet) *uint256.Int {
	sum := new(uint256.Int)
	for j := 0; j < c.OutcomeSlotCount && j < len(c.PayoutNumerators); j++ {
		if set.Has(j) {
			sum.Add(sum, c.PayoutNumerators[j])
		}
	}
	return sum
}

// Clone returns a deep copy so stores can hand out records without sharing
// the numerator slice.
func (c Condition) Clone() Condition {
	out := c
	if c.PayoutNumerators != nil {
		out.PayoutNumerators = make([]*uint256.Int, len(c.PayoutNumerators))
		for i, n := range c.PayoutNumerators {
			out.PayoutNumerators[i] = new(uint256.Int).Set(n)
		}
	}
	if c.PayoutDenominator != nil {
		out.PayoutDenominator = new(uint256.Int).Set(c.PayoutDenominator)
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}
