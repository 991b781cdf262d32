package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// BalanceOf returns owner's balance of position id.
func (s *LedgerService) BalanceOf(ctx context.Context, owner common.Address, id domain.PositionID) (*uint256.Int, error) {
	bal, err := s.store.BalanceOf(ctx, owner, id)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: balance of: %w", err)
	}
	return bal, nil
}

// BalanceOfBatch returns the balance of owners[i] in ids[i] for every i.
func (s *LedgerService) BalanceOfBatch(ctx context.Context, owners []common.Address, ids []domain.PositionID) ([]*uint256.Int, error) {
	if len(owners) != len(ids) {
		return nil, fmt.Errorf("ledger_service: balance of batch: %w: %d owners, %d ids",
			domain.ErrInvalidArgument, len(owners), len(ids))
	}
	out := make([]*uint256.Int, len(ids))
	for i := range ids {
		bal, err := s.BalanceOf(ctx, owners[i], ids[i])
		if err != nil {
			return nil, err
		}
		out[i] = bal
	}
	return out, nil
}

// ListBalances returns every non-zero balance.
func (s *LedgerService) ListBalances(ctx context.Context) ([]domain.BalanceEntry, error) {
	entries, err := s.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list balances: %w", err)
	}
	return entries, nil
}

// IsApprovedForAll reports whether operator may move all of owner's positions.
func (s *LedgerService) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	ok, err := s.store.IsApprovedForAll(ctx, owner, operator)
	if err != nil {
		return false, fmt.Errorf("ledger_service: is approved for all: %w", err)
	}
	return ok, nil
}

// SetApprovalForAll grants or revokes operator's right to move every
// position owned by owner.
func (s *LedgerService) SetApprovalForAll(ctx context.Context, owner, operator common.Address, approved bool) error {
	if operator == (common.Address{}) {
		return fmt.Errorf("ledger_service: set approval for all: %w: operator", domain.ErrZeroAddress)
	}
	_, err := s.transition(ctx, "set_approval_for_all", func(t *txn) error {
		if err := t.tx.SetApprovalForAll(ctx, owner, operator, approved); err != nil {
			return err
		}
		return t.emit(domain.EventApprovalForAll, domain.ApprovalForAllEvent{
			Owner:    owner,
			Operator: operator,
			Approved: approved,
		})
	})
	if err != nil {
		return fmt.Errorf("ledger_service: set approval for all: %w", err)
	}
	return nil
}

// SafeTransferFrom moves amount of id from -> to on behalf of operator.
func (s *LedgerService) SafeTransferFrom(ctx context.Context, operator, from, to common.Address, id domain.PositionID, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("ledger_service: safe transfer: %w", domain.ErrInvalidAmount)
	}
	_, err := s.transition(ctx, "safe_transfer_from", func(t *txn) error {
		if err := checkTransfer(t, operator, from, to); err != nil {
			return err
		}
		if err := t.burn(from, id, amount); err != nil {
			return err
		}
		if err := t.mint(to, id, amount); err != nil {
			return err
		}
		return t.emit(domain.EventTransferSingle, domain.TransferSingleEvent{
			Operator: operator,
			From:     from,
			To:       to,
			ID:       id,
			Value:    domain.NewAmount(amount),
		})
	})
	if err != nil {
		return fmt.Errorf("ledger_service: safe transfer: %w", err)
	}
	return nil
}

// SafeBatchTransferFrom moves amounts[i] of ids[i] from -> to for every i,
// all or nothing.
func (s *LedgerService) SafeBatchTransferFrom(ctx context.Context, operator, from, to common.Address, ids []domain.PositionID, amounts []*uint256.Int) error {
	if len(ids) != len(amounts) {
		return fmt.Errorf("ledger_service: safe batch transfer: %w: %d ids, %d amounts",
			domain.ErrInvalidArgument, len(ids), len(amounts))
	}
	for i, a := range amounts {
		if a == nil || a.IsZero() {
			return fmt.Errorf("ledger_service: safe batch transfer: %w: amount %d", domain.ErrInvalidAmount, i)
		}
	}
	_, err := s.transition(ctx, "safe_batch_transfer_from", func(t *txn) error {
		if err := checkTransfer(t, operator, from, to); err != nil {
			return err
		}
		for i, id := range ids {
			if err := t.burn(from, id, amounts[i]); err != nil {
				return err
			}
			if err := t.mint(to, id, amounts[i]); err != nil {
				return err
			}
		}
		return t.emit(domain.EventTransferBatch, domain.TransferBatchEvent{
			Operator: operator,
			From:     from,
			To:       to,
			IDs:      ids,
			Values:   domain.Amounts(amounts),
		})
	})
	if err != nil {
		return fmt.Errorf("ledger_service: safe batch transfer: %w", err)
	}
	return nil
}

func checkTransfer(t *txn, operator, from, to common.Address) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: recipient", domain.ErrZeroAddress)
	}
	if operator == from {
		return nil
	}
	approved, err := t.tx.IsApprovedForAll(t.ctx, from, operator)
	if err != nil {
		return err
	}
	if !approved {
		return fmt.Errorf("%w: %s for %s", domain.ErrNotApproved, operator.Hex(), from.Hex())
	}
	return nil
}
