package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

var (
	owner    = common.HexToAddress("0x01")
	operator = common.HexToAddress("0x02")
	asset    = common.HexToAddress("0xa5")
	pos      = domain.PositionIDFromBytes(common.HexToHash("0x0101").Bytes())
)

func testCondition(id string) domain.Condition {
	return domain.Condition{
		ID:               common.HexToHash(id),
		Oracle:           common.HexToAddress("0x0a"),
		QuestionID:       common.HexToHash("0x0b"),
		OutcomeSlotCount: 2,
		PreparedAt:       time.Now().UTC(),
	}
}

func TestLedgerStore_CommitAssignsSequence(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()

	events, err := s.Atomic(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.InsertCondition(ctx, testCondition("0xc1")))
		require.NoError(t, tx.SetBalance(ctx, owner, pos, uint256.NewInt(5)))
		require.NoError(t, tx.SetCustody(ctx, asset, uint256.NewInt(5)))
		for i := 0; i < 2; i++ {
			ev, err := domain.NewEvent("tx-1", domain.EventApprovalForAll, domain.ApprovalForAllEvent{})
			require.NoError(t, err)
			require.NoError(t, tx.AppendEvent(ctx, ev))
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
	assert.False(t, events[0].CreatedAt.IsZero())

	bal, err := s.BalanceOf(ctx, owner, pos)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), bal.Uint64())

	held, err := s.Custody(ctx, asset)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), held.Uint64())
}

func TestLedgerStore_FailedTransitionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	boom := errors.New("boom")

	_, err := s.Atomic(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.InsertCondition(ctx, testCondition("0xc1")))
		require.NoError(t, tx.SetBalance(ctx, owner, pos, uint256.NewInt(5)))
		require.NoError(t, tx.SetApprovalForAll(ctx, owner, operator, true))
		ev, _ := domain.NewEvent("tx", domain.EventApprovalForAll, domain.ApprovalForAllEvent{})
		require.NoError(t, tx.AppendEvent(ctx, ev))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetCondition(ctx, common.HexToHash("0xc1"))
	require.ErrorIs(t, err, domain.ErrConditionNotFound)
	bal, err := s.BalanceOf(ctx, owner, pos)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	ok, err := s.IsApprovedForAll(ctx, owner, operator)
	require.NoError(t, err)
	assert.False(t, ok)
	evs, err := s.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestLedgerStore_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()

	_, err := s.Atomic(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.SetBalance(ctx, owner, pos, uint256.NewInt(7)))
		bal, err := tx.Balance(ctx, owner, pos)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), bal.Uint64())

		// Mutating the returned value must not reach the overlay.
		bal.SetUint64(100)
		again, err := tx.Balance(ctx, owner, pos)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), again.Uint64())

		require.NoError(t, tx.InsertCondition(ctx, testCondition("0xc1")))
		assert.ErrorIs(t, tx.InsertCondition(ctx, testCondition("0xc1")), domain.ErrAlreadyPrepared)
		assert.ErrorIs(t, tx.UpdateCondition(ctx, testCondition("0xc2")), domain.ErrConditionNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestLedgerStore_ZeroBalancesAreDropped(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()

	_, err := s.Atomic(ctx, func(tx domain.LedgerTx) error {
		return tx.SetBalance(ctx, owner, pos, uint256.NewInt(3))
	})
	require.NoError(t, err)
	_, err = s.Atomic(ctx, func(tx domain.LedgerTx) error {
		return tx.SetBalance(ctx, owner, pos, new(uint256.Int))
	})
	require.NoError(t, err)

	entries, err := s.ListBalances(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedgerStore_ConditionsKeepPreparationOrder(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	for _, id := range []string{"0xc3", "0xc1", "0xc2"} {
		_, err := s.Atomic(ctx, func(tx domain.LedgerTx) error {
			return tx.InsertCondition(ctx, testCondition(id))
		})
		require.NoError(t, err)
	}

	// Resolution updates in place without reordering.
	_, err := s.Atomic(ctx, func(tx domain.LedgerTx) error {
		c, err := tx.GetCondition(ctx, common.HexToHash("0xc3"))
		if err != nil {
			return err
		}
		c.PayoutNumerators = []*uint256.Int{uint256.NewInt(1), uint256.NewInt(0)}
		c.PayoutDenominator = uint256.NewInt(1)
		return tx.UpdateCondition(ctx, c)
	})
	require.NoError(t, err)

	all, err := s.ListConditions(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, common.HexToHash("0xc3"), all[0].ID)
	assert.True(t, all[0].Resolved())
	assert.Equal(t, common.HexToHash("0xc2"), all[2].ID)

	paged, err := s.ListConditions(ctx, domain.ListOpts{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, common.HexToHash("0xc1"), paged[0].ID)
}

func TestLedgerStore_ListConditionsTimeWindow(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"0xc1", "0xc2", "0xc3"} {
		c := testCondition(id)
		c.PreparedAt = base.Add(time.Duration(i) * time.Hour)
		_, err := s.Atomic(ctx, func(tx domain.LedgerTx) error { return tx.InsertCondition(ctx, c) })
		require.NoError(t, err)
	}

	since, until := base.Add(time.Hour), base.Add(2*time.Hour)
	got, err := s.ListConditions(ctx, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, common.HexToHash("0xc2"), got[0].ID)

	got, err = s.ListConditions(ctx, domain.ListOpts{Until: &since})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, common.HexToHash("0xc1"), got[0].ID)

	got, err = s.ListConditions(ctx, domain.ListOpts{Since: &since, Until: &until, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, common.HexToHash("0xc3"), got[0].ID)
}

func TestLedgerStore_ListEventsPaging(t *testing.T) {
	ctx := context.Background()
	s := NewLedgerStore()
	for i := 0; i < 5; i++ {
		_, err := s.Atomic(ctx, func(tx domain.LedgerTx) error {
			ev, err := domain.NewEvent("tx", domain.EventApprovalForAll, domain.ApprovalForAllEvent{})
			if err != nil {
				return err
			}
			return tx.AppendEvent(ctx, ev)
		})
		require.NoError(t, err)
	}

	evs, err := s.ListEvents(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, int64(3), evs[0].Seq)
	assert.Equal(t, int64(4), evs[1].Seq)

	evs, err = s.ListEvents(ctx, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestLedgerStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := NewLedgerStore().Atomic(ctx, func(domain.LedgerTx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
