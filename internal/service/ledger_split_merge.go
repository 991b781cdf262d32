package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/ctf"
	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// PositionRequest addresses a set of positions under one condition.
// Split and merge read Partition; redeem reads it as the index sets to redeem.
type PositionRequest struct {
	Caller             common.Address
	CollateralToken    common.Address
	ParentCollectionID domain.CollectionID
	ConditionID        domain.ConditionID
	Partition          []domain.IndexSet
	Amount             *uint256.Int
}

func (r PositionRequest) root() bool { return r.ParentCollectionID == domain.RootCollection }

// positions derives the parent position and one child position per
// partition element.
func (r PositionRequest) positions(p domain.Partition) (parent domain.PositionID, children []domain.PositionID, err error) {
	if !r.root() {
		parent = ctf.PositionID(r.CollateralToken, r.ParentCollectionID)
	}
	for _, set := range p.Sets() {
		id, derr := ctf.PositionIDFor(r.CollateralToken, r.ParentCollectionID, r.ConditionID, set)
		if derr != nil {
			return domain.PositionID{}, nil, derr
		}
		children = append(children, id)
	}
	return parent, children, nil
}

func repeatAmount(amount *uint256.Int, n int) []*uint256.Int {
	out := make([]*uint256.Int, n)
	for i := range out {
		out[i] = amount
	}
	return out
}

// SplitPosition converts amount of collateral (root parent) or of the parent
// position into amount of every child position named by the partition.
//
// The partition is only checked for being non-empty with non-zero, in-range
// elements. Overlapping or incomplete partitions are accepted; the custody
// record keeps them from releasing more collateral than the ledger holds.
func (s *LedgerService) SplitPosition(ctx context.Context, req PositionRequest) error {
	if req.Amount == nil || req.Amount.IsZero() {
		return fmt.Errorf("ledger_service: split position: %w: zero amount", domain.ErrInvalidAmount)
	}
	_, err := s.transition(ctx, "split_position", func(t *txn) error {
		c, err := t.tx.GetCondition(ctx, req.ConditionID)
		if err != nil {
			return err
		}
		partition, err := domain.NewPartition(c.OutcomeSlotCount, req.Partition)
		if err != nil {
			return err
		}
		parent, children, err := req.positions(partition)
		if err != nil {
			return err
		}
		token, err := s.collateral.Token(ctx, req.CollateralToken)
		if err != nil {
			return err
		}

		if !req.root() {
			if err := t.burn(req.Caller, parent, req.Amount); err != nil {
				return err
			}
			if err := t.emit(domain.EventTransferSingle, domain.TransferSingleEvent{
				Operator: req.Caller,
				From:     req.Caller,
				ID:       parent,
				Value:    domain.NewAmount(req.Amount),
			}); err != nil {
				return err
			}
		} else if err := t.lockCollateral(req.CollateralToken, req.Amount); err != nil {
			return err
		}

		for _, id := range children {
			if err := t.mint(req.Caller, id, req.Amount); err != nil {
				return err
			}
		}
		if err := t.emit(domain.EventTransferBatch, domain.TransferBatchEvent{
			Operator: req.Caller,
			To:       req.Caller,
			IDs:      children,
			Values:   domain.Amounts(repeatAmount(req.Amount, len(children))),
		}); err != nil {
			return err
		}
		if err := t.emit(domain.EventPositionSplit, domain.PositionSplitEvent{
			Stakeholder:        req.Caller,
			CollateralToken:    req.CollateralToken,
			ParentCollectionID: req.ParentCollectionID,
			ConditionID:        req.ConditionID,
			Partition:          partition.Sets(),
			Amount:             domain.NewAmount(req.Amount),
		}); err != nil {
			return err
		}

		if req.root() {
			return s.pullCollateral(t, token, req.Caller, req.Amount)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger_service: split position: %w", err)
	}

	s.logger.DebugContext(ctx, "ledger_service: position split",
		slog.String("stakeholder", req.Caller.Hex()),
		slog.String("condition_id", req.ConditionID.Hex()),
		slog.String("amount", req.Amount.Dec()),
		slog.Int("partition_len", len(req.Partition)),
	)
	return nil
}

// MergePositions is the inverse of SplitPosition: it burns amount of every
// child position and returns amount of collateral (root parent) or of the
// parent position.
func (s *LedgerService) MergePositions(ctx context.Context, req PositionRequest) error {
	if req.Amount == nil || req.Amount.IsZero() {
		return fmt.Errorf("ledger_service: merge positions: %w: zero amount", domain.ErrInvalidAmount)
	}
	_, err := s.transition(ctx, "merge_positions", func(t *txn) error {
		c, err := t.tx.GetCondition(ctx, req.ConditionID)
		if err != nil {
			return err
		}
		partition, err := domain.NewPartition(c.OutcomeSlotCount, req.Partition)
		if err != nil {
			return err
		}
		parent, children, err := req.positions(partition)
		if err != nil {
			return err
		}
		token, err := s.collateral.Token(ctx, req.CollateralToken)
		if err != nil {
			return err
		}

		for _, id := range children {
			if err := t.burn(req.Caller, id, req.Amount); err != nil {
				return err
			}
		}
		if err := t.emit(domain.EventTransferBatch, domain.TransferBatchEvent{
			Operator: req.Caller,
			From:     req.Caller,
			IDs:      children,
			Values:   domain.Amounts(repeatAmount(req.Amount, len(children))),
		}); err != nil {
			return err
		}

		if req.root() {
			if err := t.unlockCollateral(req.CollateralToken, req.Amount); err != nil {
				return err
			}
		} else {
			if err := t.mint(req.Caller, parent, req.Amount); err != nil {
				return err
			}
			if err := t.emit(domain.EventTransferSingle, domain.TransferSingleEvent{
				Operator: req.Caller,
				To:       req.Caller,
				ID:       parent,
				Value:    domain.NewAmount(req.Amount),
			}); err != nil {
				return err
			}
		}

		if err := t.emit(domain.EventPositionsMerge, domain.PositionsMergeEvent{
			Stakeholder:        req.Caller,
			CollateralToken:    req.CollateralToken,
			ParentCollectionID: req.ParentCollectionID,
			ConditionID:        req.ConditionID,
			Partition:          partition.Sets(),
			Amount:             domain.NewAmount(req.Amount),
		}); err != nil {
			return err
		}

		if req.root() {
			return s.releaseCollateral(t, token, req.Caller, req.Amount)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger_service: merge positions: %w", err)
	}

	s.logger.DebugContext(ctx, "ledger_service: positions merged",
		slog.String("stakeholder", req.Caller.Hex()),
		slog.String("condition_id", req.ConditionID.Hex()),
		slog.String("amount", req.Amount.Dec()),
	)
	return nil
}
