package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/ctf"
	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// RedeemPositions burns the caller's entire balance of each position named by
// req.Partition and pays out balance * Σ numerators / denominator for each.
// With a root parent the payout is collateral; otherwise it is minted as the
// parent position. Division truncates and the remainder stays in custody.
// The returned amount is the total payout.
func (s *LedgerService) RedeemPositions(ctx context.Context, req PositionRequest) (*uint256.Int, error) {
	total := new(uint256.Int)

	_, err := s.transition(ctx, "redeem_positions", func(t *txn) error {
		total.Clear()
		c, err := t.tx.GetCondition(ctx, req.ConditionID)
		if err != nil {
			return err
		}
		if !c.Resolved() {
			return fmt.Errorf("%w: %s", domain.ErrConditionNotResolved, req.ConditionID.Hex())
		}
		sets, err := domain.NewPartition(c.OutcomeSlotCount, req.Partition)
		if err != nil {
			return err
		}
		token, err := s.collateral.Token(ctx, req.CollateralToken)
		if err != nil {
			return err
		}

		for _, set := range sets.Sets() {
			id, err := ctf.PositionIDFor(req.CollateralToken, req.ParentCollectionID, req.ConditionID, set)
			if err != nil {
				return err
			}
			bal, err := t.tx.Balance(ctx, req.Caller, id)
			if err != nil {
				return err
			}
			if bal.IsZero() {
				continue
			}

			payout, overflow := new(uint256.Int).MulOverflow(bal, c.PayoutFor(set))
			if overflow {
				return fmt.Errorf("%w: payout of %s", domain.ErrOverflow, id)
			}
			payout.Div(payout, c.PayoutDenominator)
			if _, overflow := total.AddOverflow(total, payout); overflow {
				return fmt.Errorf("%w: total payout", domain.ErrOverflow)
			}

			if err := t.burn(req.Caller, id, bal); err != nil {
				return err
			}
			if err := t.emit(domain.EventTransferSingle, domain.TransferSingleEvent{
				Operator: req.Caller,
				From:     req.Caller,
				ID:       id,
				Value:    domain.NewAmount(bal),
			}); err != nil {
				return err
			}
		}

		if !total.IsZero() && !req.root() {
			parent := ctf.PositionID(req.CollateralToken, req.ParentCollectionID)
			if err := t.mint(req.Caller, parent, total); err != nil {
				return err
			}
			if err := t.emit(domain.EventTransferSingle, domain.TransferSingleEvent{
				Operator: req.Caller,
				To:       req.Caller,
				ID:       parent,
				Value:    domain.NewAmount(total),
			}); err != nil {
				return err
			}
		}
		if !total.IsZero() && req.root() {
			if err := t.unlockCollateral(req.CollateralToken, total); err != nil {
				return err
			}
		}

		if err := t.emit(domain.EventPayoutRedemption, domain.PayoutRedemptionEvent{
			Redeemer:           req.Caller,
			CollateralToken:    req.CollateralToken,
			ParentCollectionID: req.ParentCollectionID,
			ConditionID:        req.ConditionID,
			IndexSets:          sets.Sets(),
			Payout:             domain.NewAmount(total),
		}); err != nil {
			return err
		}

		if !total.IsZero() && req.root() {
			return s.releaseCollateral(t, token, req.Caller, total)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger_service: redeem positions: %w", err)
	}

	s.logger.InfoContext(ctx, "ledger_service: positions redeemed",
		slog.String("redeemer", req.Caller.Hex()),
		slog.String("condition_id", req.ConditionID.Hex()),
		slog.String("payout", total.Dec()),
	)
	return total, nil
}
