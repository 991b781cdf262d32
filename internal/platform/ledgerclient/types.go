package ledgerclient

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// --------------------------------------------------------------------------
// Response DTOs
// --------------------------------------------------------------------------

// APICondition is a condition as returned by the ledger API.
type APICondition struct {
	ConditionID       common.Hash     `json:"condition_id"`
	Oracle            common.Address  `json:"oracle"`
	QuestionID        common.Hash     `json:"question_id"`
	OutcomeSlotCount  int             `json:"outcome_slot_count"`
	Resolved          bool            `json:"resolved"`
	PayoutNumerators  []domain.Amount `json:"payout_numerators,omitempty"`
	PayoutDenominator *domain.Amount  `json:"payout_denominator,omitempty"`
	PreparedAt        time.Time       `json:"prepared_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

// ToDomain converts the DTO.
func (c APICondition) ToDomain() domain.Condition {
	out := domain.Condition{
		ID:               c.ConditionID,
		Oracle:           c.Oracle,
		QuestionID:       c.QuestionID,
		OutcomeSlotCount: c.OutcomeSlotCount,
		PreparedAt:       c.PreparedAt,
		ResolvedAt:       c.ResolvedAt,
	}
	if len(c.PayoutNumerators) > 0 {
		out.PayoutNumerators = make([]*uint256.Int, len(c.PayoutNumerators))
		for i, n := range c.PayoutNumerators {
			out.PayoutNumerators[i] = n.Uint()
		}
	}
	if c.PayoutDenominator != nil {
		out.PayoutDenominator = c.PayoutDenominator.Uint()
	}
	return out
}

// APIMarket is a market as returned by the ledger API.
type APIMarket struct {
	ID              string               `json:"id"`
	Question        string               `json:"question"`
	Slug            string               `json:"slug"`
	Outcomes        [2]string            `json:"outcomes"`
	TokenIDs        [2]domain.PositionID `json:"token_ids"`
	ConditionID     common.Hash          `json:"condition_id"`
	QuestionID      common.Hash          `json:"question_id"`
	Oracle          common.Address       `json:"oracle"`
	CollateralToken common.Address       `json:"collateral_token"`
	Creator         common.Address       `json:"creator"`
	Funding         domain.Amount        `json:"funding"`
	Status          domain.MarketStatus  `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
}

// ToDomain converts the DTO.
func (m APIMarket) ToDomain() domain.Market {
	return domain.Market{
		ID:              m.ID,
		Question:        m.Question,
		Slug:            m.Slug,
		Outcomes:        m.Outcomes,
		TokenIDs:        m.TokenIDs,
		ConditionID:     m.ConditionID,
		QuestionID:      m.QuestionID,
		Oracle:          m.Oracle,
		CollateralToken: m.CollateralToken,
		Creator:         m.Creator,
		Funding:         m.Funding,
		Status:          m.Status,
		CreatedAt:       m.CreatedAt,
	}
}

// CollateralBalance is an owner's collateral position towards the ledger.
type CollateralBalance struct {
	Asset     common.Address `json:"asset"`
	Owner     common.Address `json:"owner"`
	Balance   domain.Amount  `json:"balance"`
	Allowance domain.Amount  `json:"allowance"`
}

// --------------------------------------------------------------------------
// Request DTOs
// --------------------------------------------------------------------------

// PositionRequest addresses a split or merge.
type PositionRequest struct {
	CollateralToken    common.Address    `json:"collateral_token"`
	ParentCollectionID common.Hash       `json:"parent_collection_id"`
	ConditionID        common.Hash       `json:"condition_id"`
	Partition          []domain.IndexSet `json:"partition"`
	Amount             domain.Amount     `json:"amount"`
}

// RedeemRequest addresses a redemption.
type RedeemRequest struct {
	CollateralToken    common.Address    `json:"collateral_token"`
	ParentCollectionID common.Hash       `json:"parent_collection_id"`
	ConditionID        common.Hash       `json:"condition_id"`
	IndexSets          []domain.IndexSet `json:"index_sets"`
}

// MarketRequest creates a market. Only the factory wallet may send it.
type MarketRequest struct {
	Question        string         `json:"question"`
	Slug            string         `json:"slug,omitempty"`
	Outcomes        [2]string      `json:"outcomes"`
	Oracle          common.Address `json:"oracle"`
	QuestionID      common.Hash    `json:"question_id"`
	CollateralToken common.Address `json:"collateral_token"`
	Funding         domain.Amount  `json:"funding"`
}
