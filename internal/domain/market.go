package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusResolved MarketStatus = "resolved"
)

// Market is a binary prediction market minted by the market factory: a
// two-outcome condition plus its YES/NO position tokens.
type Market struct {
	ID              string
	Question        string
	Slug            string
	Outcomes        [2]string     // e.g. ["Yes","No"]
	TokenIDs        [2]PositionID // YES (index set 1), NO (index set 2)
	ConditionID     ConditionID
	QuestionID      common.Hash
	Oracle          common.Address
	CollateralToken common.Address
	Creator         common.Address
	Funding         Amount
	Status          MarketStatus
	CreatedAt       time.Time
}
