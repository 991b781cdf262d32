// Package memory provides in-process implementations of the ledger stores.
// They back the "memory" storage backend and the test suites.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

type balanceKey struct {
	owner common.Address
	id    domain.PositionID
}

type approvalKey struct {
	owner    common.Address
	operator common.Address
}

type ledgerState struct {
	conditions map[domain.ConditionID]domain.Condition
	order      []domain.ConditionID
	balances   map[balanceKey]*uint256.Int
	approvals  map[approvalKey]bool
	custody    map[common.Address]*uint256.Int
	events     []domain.LedgerEvent
}

// LedgerStore is a mutex-serialized, copy-on-write implementation of
// domain.LedgerStore.
type LedgerStore struct {
	mu    sync.RWMutex
	state ledgerState
	now   func() time.Time
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore creates an empty store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		state: ledgerState{
			conditions: make(map[domain.ConditionID]domain.Condition),
			balances:   make(map[balanceKey]*uint256.Int),
			approvals:  make(map[approvalKey]bool),
			custody:    make(map[common.Address]*uint256.Int),
		},
		now: time.Now,
	}
}

// Atomic runs fn against a staging overlay. The overlay is folded into the
// committed state only when fn returns nil, so a failing transition leaves
// no trace.
func (s *LedgerStore) Atomic(ctx context.Context, fn func(tx domain.LedgerTx) error) ([]domain.LedgerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx := &ledgerTx{
		base:       &s.state,
		conditions: make(map[domain.ConditionID]domain.Condition),
		balances:   make(map[balanceKey]*uint256.Int),
		approvals:  make(map[approvalKey]bool),
		custody:    make(map[common.Address]*uint256.Int),
	}
	if err := fn(tx); err != nil {
		return nil, err
	}

	for id, c := range tx.conditions {
		if _, exists := s.state.conditions[id]; !exists {
			s.state.order = append(s.state.order, id)
		}
		s.state.conditions[id] = c
	}
	for k, v := range tx.balances {
		if v.IsZero() {
			delete(s.state.balances, k)
			continue
		}
		s.state.balances[k] = v
	}
	for k, v := range tx.approvals {
		if !v {
			delete(s.state.approvals, k)
			continue
		}
		s.state.approvals[k] = true
	}
	for k, v := range tx.custody {
		if v.IsZero() {
			delete(s.state.custody, k)
			continue
		}
		s.state.custody[k] = v
	}

	committed := make([]domain.LedgerEvent, len(tx.events))
	now := s.now().UTC()
	for i, ev := range tx.events {
		ev.Seq = int64(len(s.state.events)) + 1
		ev.CreatedAt = now
		s.state.events = append(s.state.events, ev)
		committed[i] = ev
	}
	return committed, nil
}

func (s *LedgerStore) GetCondition(_ context.Context, id domain.ConditionID) (domain.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.conditions[id]
	if !ok {
		return domain.Condition{}, domain.ErrConditionNotFound
	}
	return c.Clone(), nil
}

func (s *LedgerStore) ListConditions(_ context.Context, opts domain.ListOpts) ([]domain.Condition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]domain.ConditionID, 0, len(s.state.order))
	for _, id := range s.state.order {
		at := s.state.conditions[id].PreparedAt
		if opts.Since != nil && at.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && at.After(*opts.Until) {
			continue
		}
		matched = append(matched, id)
	}
	ids := page(matched, opts)
	out := make([]domain.Condition, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.state.conditions[id].Clone())
	}
	return out, nil
}

func (s *LedgerStore) BalanceOf(_ context.Context, owner common.Address, id domain.PositionID) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyOrZero(s.state.balances[balanceKey{owner, id}]), nil
}

func (s *LedgerStore) IsApprovedForAll(_ context.Context, owner, operator common.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.approvals[approvalKey{owner, operator}], nil
}

func (s *LedgerStore) Custody(_ context.Context, collateral common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyOrZero(s.state.custody[collateral]), nil
}

func (s *LedgerStore) ListEvents(_ context.Context, afterSeq int64, limit int) ([]domain.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(s.state.events)) {
		return nil, nil
	}
	rest := s.state.events[afterSeq:]
	if limit > 0 && len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]domain.LedgerEvent, len(rest))
	copy(out, rest)
	return out, nil
}

func (s *LedgerStore) ListBalances(_ context.Context) ([]domain.BalanceEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BalanceEntry, 0, len(s.state.balances))
	for k, v := range s.state.balances {
		out = append(out, domain.BalanceEntry{Owner: k.owner, Position: k.id, Amount: new(uint256.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner.Cmp(out[j].Owner) < 0
		}
		return out[i].Position.String() < out[j].Position.String()
	})
	return out, nil
}

func (s *LedgerStore) ListCustody(_ context.Context) ([]domain.CustodyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CustodyEntry, 0, len(s.state.custody))
	for k, v := range s.state.custody {
		out = append(out, domain.CustodyEntry{Collateral: k, Amount: new(uint256.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collateral.Cmp(out[j].Collateral) < 0 })
	return out, nil
}

// ledgerTx reads through its own writes to the committed base state.
type ledgerTx struct {
	base       *ledgerState
	conditions map[domain.ConditionID]domain.Condition
	balances   map[balanceKey]*uint256.Int
	approvals  map[approvalKey]bool
	custody    map[common.Address]*uint256.Int
	events     []domain.LedgerEvent
}

func (tx *ledgerTx) GetCondition(_ context.Context, id domain.ConditionID) (domain.Condition, error) {
	if c, ok := tx.conditions[id]; ok {
		return c.Clone(), nil
	}
	if c, ok := tx.base.conditions[id]; ok {
		return c.Clone(), nil
	}
	return domain.Condition{}, domain.ErrConditionNotFound
}

func (tx *ledgerTx) InsertCondition(ctx context.Context, c domain.Condition) error {
	if _, err := tx.GetCondition(ctx, c.ID); err == nil {
		return domain.ErrAlreadyPrepared
	}
	tx.conditions[c.ID] = c.Clone()
	return nil
}

func (tx *ledgerTx) UpdateCondition(ctx context.Context, c domain.Condition) error {
	if _, err := tx.GetCondition(ctx, c.ID); err != nil {
		return err
	}
	tx.conditions[c.ID] = c.Clone()
	return nil
}

func (tx *ledgerTx) Balance(_ context.Context, owner common.Address, id domain.PositionID) (*uint256.Int, error) {
	k := balanceKey{owner, id}
	if v, ok := tx.balances[k]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return copyOrZero(tx.base.balances[k]), nil
}

func (tx *ledgerTx) SetBalance(_ context.Context, owner common.Address, id domain.PositionID, amount *uint256.Int) error {
	tx.balances[balanceKey{owner, id}] = copyOrZero(amount)
	return nil
}

func (tx *ledgerTx) IsApprovedForAll(_ context.Context, owner, operator common.Address) (bool, error) {
	k := approvalKey{owner, operator}
	if v, ok := tx.approvals[k]; ok {
		return v, nil
	}
	return tx.base.approvals[k], nil
}

func (tx *ledgerTx) SetApprovalForAll(_ context.Context, owner, operator common.Address, approved bool) error {
	tx.approvals[approvalKey{owner, operator}] = approved
	return nil
}

func (tx *ledgerTx) Custody(_ context.Context, collateral common.Address) (*uint256.Int, error) {
	if v, ok := tx.custody[collateral]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return copyOrZero(tx.base.custody[collateral]), nil
}

func (tx *ledgerTx) SetCustody(_ context.Context, collateral common.Address, amount *uint256.Int) error {
	tx.custody[collateral] = copyOrZero(amount)
	return nil
}

func (tx *ledgerTx) AppendEvent(_ context.Context, ev domain.LedgerEvent) error {
	tx.events = append(tx.events, ev)
	return nil
}

func copyOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
