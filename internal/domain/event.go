package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names an entry in the ledger's append-only event log.
type EventType string

const (
	EventConditionPreparation EventType = "ConditionPreparation"
	EventConditionResolution  EventType = "ConditionResolution"
	EventPositionSplit        EventType = "PositionSplit"
	EventPositionsMerge       EventType = "PositionsMerge"
	EventPayoutRedemption     EventType = "PayoutRedemption"
	EventTransferSingle       EventType = "TransferSingle"
	EventTransferBatch        EventType = "TransferBatch"
	EventApprovalForAll       EventType = "ApprovalForAll"
)

// EventStream is the Redis stream every committed event is appended to.
const EventStream = "ledger:events"

// EventChannelPattern matches every per-type pub/sub channel.
const EventChannelPattern = "ch:ledger:*"

// EventChannel is the pub/sub channel that carries events of typ.
func EventChannel(typ EventType) string { return "ch:ledger:" + string(typ) }

// LedgerEvent is one durable log entry. Seq is assigned by the store on
// commit; events of one transition share a TxID.
type LedgerEvent struct {
	Seq       int64           `json:"seq"`
	TxID      string          `json:"tx_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent encodes payload into an event of the given type.
func NewEvent(txID string, typ EventType, payload any) (LedgerEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return LedgerEvent{}, fmt.Errorf("domain: encode %s event: %w", typ, err)
	}
	return LedgerEvent{TxID: txID, Type: typ, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e LedgerEvent) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("domain: decode %s event %d: %w", e.Type, e.Seq, err)
	}
	return nil
}

// ConditionPreparationEvent is emitted once per prepared condition.
type ConditionPreparationEvent struct {
	ConditionID      ConditionID    `json:"condition_id"`
	Oracle           common.Address `json:"oracle"`
	QuestionID       common.Hash    `json:"question_id"`
	OutcomeSlotCount int            `json:"outcome_slot_count"`
}

// ConditionResolutionEvent is emitted once per resolved condition.
type ConditionResolutionEvent struct {
	ConditionID      ConditionID    `json:"condition_id"`
	Oracle           common.Address `json:"oracle"`
	QuestionID       common.Hash    `json:"question_id"`
	OutcomeSlotCount int            `json:"outcome_slot_count"`
	PayoutNumerators []Amount       `json:"payout_numerators"`
}

// PositionSplitEvent records a split of collateral or a parent position.
type PositionSplitEvent struct {
	Stakeholder        common.Address `json:"stakeholder"`
	CollateralToken    common.Address `json:"collateral_token"`
	ParentCollectionID CollectionID   `json:"parent_collection_id"`
	ConditionID        ConditionID    `json:"condition_id"`
	Partition          []IndexSet     `json:"partition"`
	Amount             Amount         `json:"amount"`
}

// PositionsMergeEvent records the inverse of a split.
type PositionsMergeEvent struct {
	Stakeholder        common.Address `json:"stakeholder"`
	CollateralToken    common.Address `json:"collateral_token"`
	ParentCollectionID CollectionID   `json:"parent_collection_id"`
	ConditionID        ConditionID    `json:"condition_id"`
	Partition          []IndexSet     `json:"partition"`
	Amount             Amount         `json:"amount"`
}

// PayoutRedemptionEvent records a redemption against a resolved condition.
type PayoutRedemptionEvent struct {
	Redeemer           common.Address `json:"redeemer"`
	CollateralToken    common.Address `json:"collateral_token"`
	ParentCollectionID CollectionID   `json:"parent_collection_id"`
	ConditionID        ConditionID    `json:"condition_id"`
	IndexSets          []IndexSet     `json:"index_sets"`
	Payout             Amount         `json:"payout"`
}

// TransferSingleEvent mirrors the ERC-1155 event. Mints have a zero From,
// burns a zero To.
type TransferSingleEvent struct {
	Operator common.Address `json:"operator"`
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	ID       PositionID     `json:"id"`
	Value    Amount         `json:"value"`
}

// TransferBatchEvent mirrors the ERC-1155 batch event.
type TransferBatchEvent struct {
	Operator common.Address `json:"operator"`
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	IDs      []PositionID   `json:"ids"`
	Values   []Amount       `json:"values"`
}

// ApprovalForAllEvent records an operator approval change.
type ApprovalForAllEvent struct {
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

// EventPublisher fans committed events out to observers. Publishing happens
// after commit and never affects the outcome of a transition.
type EventPublisher interface {
	PublishEvents(ctx context.Context, events []LedgerEvent) error
}
