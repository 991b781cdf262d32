package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/ctf"
	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// PrepareCondition registers a question with outcomeSlotCount outcomes that
// only oracle may resolve.
func (s *LedgerService) PrepareCondition(ctx context.Context, oracle common.Address, questionID common.Hash, outcomeSlotCount int) (domain.ConditionID, error) {
	if outcomeSlotCount < 2 || outcomeSlotCount > domain.MaxOutcomeSlots {
		return domain.ConditionID{}, fmt.Errorf("%w: %d not in [2, %d]",
			domain.ErrInvalidOutcomeSlotCount, outcomeSlotCount, domain.MaxOutcomeSlots)
	}
	id := ctf.ConditionID(oracle, questionID, outcomeSlotCount)

	_, err := s.transition(ctx, "prepare_condition", func(t *txn) error {
		if _, err := t.tx.GetCondition(ctx, id); err == nil {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyPrepared, id.Hex())
		}
		c := domain.Condition{
			ID:               id,
			Oracle:           oracle,
			QuestionID:       questionID,
			OutcomeSlotCount: outcomeSlotCount,
			PreparedAt:       time.Now().UTC(),
		}
		if err := t.tx.InsertCondition(ctx, c); err != nil {
			return err
		}
		return t.emit(domain.EventConditionPreparation, domain.ConditionPreparationEvent{
			ConditionID:      id,
			Oracle:           oracle,
			QuestionID:       questionID,
			OutcomeSlotCount: outcomeSlotCount,
		})
	})
	if err != nil {
		return domain.ConditionID{}, fmt.Errorf("ledger_service: prepare condition: %w", err)
	}

	s.logger.InfoContext(ctx, "ledger_service: condition prepared",
		slog.String("condition_id", id.Hex()),
		slog.String("oracle", oracle.Hex()),
		slog.Int("outcome_slot_count", outcomeSlotCount),
	)
	return id, nil
}

// ReportPayouts resolves a condition. Only the recorded oracle may call it,
// exactly once, with one numerator per outcome slot and a non-zero sum.
func (s *LedgerService) ReportPayouts(ctx context.Context, caller common.Address, conditionID domain.ConditionID, payouts []*uint256.Int) error {
	var resolved domain.Condition
	_, err := s.transition(ctx, "report_payouts", func(t *txn) error {
		c, err := t.tx.GetCondition(ctx, conditionID)
		if err != nil {
			return err
		}
		if caller != c.Oracle {
			return fmt.Errorf("%w: %s", domain.ErrNotOracle, caller.Hex())
		}
		if c.Resolved() {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyResolved, conditionID.Hex())
		}
		if len(payouts) != c.OutcomeSlotCount {
			return fmt.Errorf("%w: got %d, want %d", domain.ErrInvalidPayoutLength, len(payouts), c.OutcomeSlotCount)
		}

		den := new(uint256.Int)
		nums := make([]*uint256.Int, len(payouts))
		for i, p := range payouts {
			if p == nil {
				p = new(uint256.Int)
			}
			nums[i] = new(uint256.Int).Set(p)
			if _, overflow := den.AddOverflow(den, p); overflow {
				return fmt.Errorf("%w: payout denominator", domain.ErrOverflow)
			}
		}
		if den.IsZero() {
			return domain.ErrZeroPayout
		}

		now := time.Now().UTC()
		c.PayoutNumerators = nums
		c.PayoutDenominator = den
		c.ResolvedAt = &now
		if err := t.tx.UpdateCondition(ctx, c); err != nil {
			return err
		}
		resolved = c
		return t.emit(domain.EventConditionResolution, domain.ConditionResolutionEvent{
			ConditionID:      conditionID,
			Oracle:           c.Oracle,
			QuestionID:       c.QuestionID,
			OutcomeSlotCount: c.OutcomeSlotCount,
			PayoutNumerators: domain.Amounts(nums),
		})
	})
	if err != nil {
		return fmt.Errorf("ledger_service: report payouts: %w", err)
	}

	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, resolved); cacheErr != nil {
			s.logger.WarnContext(ctx, "ledger_service: cache set failed",
				slog.String("condition_id", conditionID.Hex()),
				slog.String("error", cacheErr.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "ledger_service: condition resolved",
		slog.String("condition_id", conditionID.Hex()),
		slog.String("denominator", resolved.PayoutDenominator.Dec()),
	)
	return nil
}
