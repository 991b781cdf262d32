package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/metrics"
)

// LedgerService is the conditional token ledger: condition registry,
// position balances, split/merge engine and redemption. Every mutating call
// is one serialized transition of the underlying LedgerStore.
type LedgerService struct {
	store      domain.LedgerStore
	collateral domain.CollateralSource
	custody    common.Address
	publisher  domain.EventPublisher
	cache      domain.ConditionCache
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewLedgerService creates a LedgerService. custody is the address that
// holds pulled collateral. publisher, cache and m may be nil.
func NewLedgerService(
	store domain.LedgerStore,
	collateral domain.CollateralSource,
	custody common.Address,
	publisher domain.EventPublisher,
	cache domain.ConditionCache,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		store:      store,
		collateral: collateral,
		custody:    custody,
		publisher:  publisher,
		cache:      cache,
		metrics:    m,
		logger:     logger,
	}
}

// CustodyAddress returns the address holding the ledger's collateral.
func (s *LedgerService) CustodyAddress() common.Address { return s.custody }

// txn carries the state of one transition through the operation helpers.
type txn struct {
	ctx context.Context
	tx  domain.LedgerTx
	id  string

	// compensate undoes an external collateral pull if the commit fails.
	compensate func(context.Context) error
}

// transition runs fn atomically, refunds collateral if the commit failed
// after a pull, then fans the committed events out.
func (s *LedgerService) transition(ctx context.Context, op string, fn func(t *txn) error) ([]domain.LedgerEvent, error) {
	start := time.Now()
	t := &txn{ctx: ctx, id: uuid.NewString()}

	events, err := s.store.Atomic(ctx, func(tx domain.LedgerTx) error {
		t.tx = tx
		t.compensate = nil
		return fn(t)
	})
	if err != nil {
		if t.compensate != nil {
			s.refund(ctx, op, t)
		}
		s.metrics.ObserveOperation(op, string(domain.KindOf(err)), time.Since(start))
		return nil, err
	}

	s.metrics.ObserveOperation(op, "ok", time.Since(start))
	s.publish(ctx, events)
	return events, nil
}

func (s *LedgerService) refund(ctx context.Context, op string, t *txn) {
	// The request context may already be cancelled; the refund must still go out.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := t.compensate(rctx); err != nil {
		s.logger.ErrorContext(ctx, "ledger_service: collateral refund failed",
			slog.String("operation", op),
			slog.String("tx_id", t.id),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.IncrementRefund()
	s.logger.WarnContext(ctx, "ledger_service: commit failed, collateral refunded",
		slog.String("operation", op),
		slog.String("tx_id", t.id),
	)
}

func (s *LedgerService) publish(ctx context.Context, events []domain.LedgerEvent) {
	for _, ev := range events {
		s.metrics.IncrementEvent(string(ev.Type))
	}
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.PublishEvents(ctx, events); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: publish events failed",
			slog.Int64("first_seq", events[0].Seq),
			slog.Int("count", len(events)),
			slog.String("error", err.Error()),
		)
	}
}

// emit appends an event of typ to the transition.
func (t *txn) emit(typ domain.EventType, payload any) error {
	ev, err := domain.NewEvent(t.id, typ, payload)
	if err != nil {
		return err
	}
	return t.tx.AppendEvent(t.ctx, ev)
}

// mint credits amount of id to owner.
func (t *txn) mint(owner common.Address, id domain.PositionID, amount *uint256.Int) error {
	bal, err := t.tx.Balance(t.ctx, owner, id)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return fmt.Errorf("%w: balance of %s in %s", domain.ErrOverflow, owner.Hex(), id)
	}
	return t.tx.SetBalance(t.ctx, owner, id, sum)
}

// burn debits amount of id from owner.
func (t *txn) burn(owner common.Address, id domain.PositionID, amount *uint256.Int) error {
	bal, err := t.tx.Balance(t.ctx, owner, id)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s",
			domain.ErrInsufficientBalance, owner.Hex(), bal.Dec(), id, amount.Dec())
	}
	return t.tx.SetBalance(t.ctx, owner, id, new(uint256.Int).Sub(bal, amount))
}

// lockCollateral credits the custody record of asset after a root-level split.
func (t *txn) lockCollateral(asset common.Address, amount *uint256.Int) error {
	held, err := t.tx.Custody(t.ctx, asset)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(held, amount)
	if overflow {
		return fmt.Errorf("%w: custody of %s", domain.ErrOverflow, asset.Hex())
	}
	return t.tx.SetCustody(t.ctx, asset, sum)
}

// unlockCollateral debits the custody record before collateral leaves.
// Custody is ledger-wide per asset: collateral locked under one condition
// may leave through another, since nested collections do not depend on
// split order.
func (t *txn) unlockCollateral(asset common.Address, amount *uint256.Int) error {
	held, err := t.tx.Custody(t.ctx, asset)
	if err != nil {
		return err
	}
	if held.Lt(amount) {
		return fmt.Errorf("%w: ledger holds %s of %s, release of %s requested",
			domain.ErrInsufficientCustody, held.Dec(), asset.Hex(), amount.Dec())
	}
	return t.tx.SetCustody(t.ctx, asset, new(uint256.Int).Sub(held, amount))
}

// pullCollateral moves amount from owner into custody. It must be the last
// step of a transition so that nothing after it can abort the callback.
func (s *LedgerService) pullCollateral(t *txn, token domain.CollateralToken, owner common.Address, amount *uint256.Int) error {
	if err := token.TransferFrom(t.ctx, s.custody, owner, s.custody, amount); err != nil {
		return fmt.Errorf("ledger: pull collateral: %w", asExternal(err))
	}
	refundTo := owner
	refundAmt := new(uint256.Int).Set(amount)
	t.compensate = func(ctx context.Context) error {
		return token.Transfer(ctx, s.custody, refundTo, refundAmt)
	}
	return nil
}

// releaseCollateral pays amount out of custody to owner. Like
// pullCollateral it must be the last step of a transition.
func (s *LedgerService) releaseCollateral(t *txn, token domain.CollateralToken, owner common.Address, amount *uint256.Int) error {
	if err := token.Transfer(t.ctx, s.custody, owner, amount); err != nil {
		return fmt.Errorf("ledger: release collateral: %w", asExternal(err))
	}
	paidTo := owner
	paid := new(uint256.Int).Set(amount)
	t.compensate = func(ctx context.Context) error {
		// Claw the payout back; this only succeeds if the recipient still
		// holds it and has not revoked the ledger's allowance.
		return token.TransferFrom(ctx, s.custody, paidTo, s.custody, paid)
	}
	return nil
}

func asExternal(err error) error {
	if domain.KindOf(err) == domain.KindExternal {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrCollateralTransferFailed, err)
}

// GetCondition returns a condition, preferring the cache.
func (s *LedgerService) GetCondition(ctx context.Context, id domain.ConditionID) (domain.Condition, error) {
	if s.cache != nil {
		if c, err := s.cache.Get(ctx, id); err == nil {
			return c, nil
		}
	}
	c, err := s.store.GetCondition(ctx, id)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("ledger_service: get condition %s: %w", id.Hex(), err)
	}
	if s.cache != nil {
		if cacheErr := s.cache.Set(ctx, c); cacheErr != nil {
			s.logger.WarnContext(ctx, "ledger_service: cache set failed",
				slog.String("condition_id", id.Hex()),
				slog.String("error", cacheErr.Error()),
			)
		}
	}
	return c, nil
}

// ListConditions returns prepared conditions in preparation order.
func (s *LedgerService) ListConditions(ctx context.Context, opts domain.ListOpts) ([]domain.Condition, error) {
	cs, err := s.store.ListConditions(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list conditions: %w", err)
	}
	return cs, nil
}

// OutcomeSlotCount returns the slot count of a prepared condition, or zero
// if the condition does not exist.
func (s *LedgerService) OutcomeSlotCount(ctx context.Context, id domain.ConditionID) (int, error) {
	c, err := s.GetCondition(ctx, id)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return 0, nil
		}
		return 0, err
	}
	return c.OutcomeSlotCount, nil
}

// Custody returns the collateral the ledger holds in asset.
func (s *LedgerService) Custody(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	v, err := s.store.Custody(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: custody %s: %w", asset.Hex(), err)
	}
	return v, nil
}

// Events returns up to limit committed events after afterSeq.
func (s *LedgerService) Events(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEvent, error) {
	evs, err := s.store.ListEvents(ctx, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list events: %w", err)
	}
	return evs, nil
}
