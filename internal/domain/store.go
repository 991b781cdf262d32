package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerStore owns conditions, balances, approvals, custody records and the
// event log. Every mutating ledger operation runs inside Atomic.
type LedgerStore interface {
	// Atomic runs fn as one serialized transition. If fn returns an error,
	// none of its writes become visible; otherwise all of them do, together
	// with the events it appended. Atomic returns the committed events with
	// their sequence numbers assigned.
	Atomic(ctx context.Context, fn func(tx LedgerTx) error) ([]LedgerEvent, error)

	LedgerReader
}

// LedgerReader is the read-only view of the ledger used outside transitions.
type LedgerReader interface {
	GetCondition(ctx context.Context, id ConditionID) (Condition, error)
	ListConditions(ctx context.Context, opts ListOpts) ([]Condition, error)
	BalanceOf(ctx context.Context, owner common.Address, id PositionID) (*uint256.Int, error)
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)
	// Custody is the ledger-wide amount of collateral held for outstanding
	// positions in that asset.
	Custody(ctx context.Context, collateral common.Address) (*uint256.Int, error)
	// ListEvents returns up to limit events with Seq > afterSeq in order.
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]LedgerEvent, error)
	// ListBalances returns every non-zero balance.
	ListBalances(ctx context.Context) ([]BalanceEntry, error)
	// ListCustody returns every non-zero custody record.
	ListCustody(ctx context.Context) ([]CustodyEntry, error)
}

// LedgerTx is the mutable view handed to an Atomic callback. It is only
// valid for the duration of the callback.
type LedgerTx interface {
	GetCondition(ctx context.Context, id ConditionID) (Condition, error)
	InsertCondition(ctx context.Context, c Condition) error
	UpdateCondition(ctx context.Context, c Condition) error

	Balance(ctx context.Context, owner common.Address, id PositionID) (*uint256.Int, error)
	SetBalance(ctx context.Context, owner common.Address, id PositionID, amount *uint256.Int) error

	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)
	SetApprovalForAll(ctx context.Context, owner, operator common.Address, approved bool) error

	Custody(ctx context.Context, collateral common.Address) (*uint256.Int, error)
	SetCustody(ctx context.Context, collateral common.Address, amount *uint256.Int) error

	AppendEvent(ctx context.Context, ev LedgerEvent) error
}

// BalanceEntry is one row of the balance table.
type BalanceEntry struct {
	Owner    common.Address
	Position PositionID
	Amount   *uint256.Int
}

// CustodyEntry is the collateral the ledger holds in one asset.
type CustodyEntry struct {
	Collateral common.Address
	Amount     *uint256.Int
}

// MarketStore persists markets created by the market factory.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	GetByConditionID(ctx context.Context, conditionID ConditionID) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
}

// TokenRegistry is the exchange-side registry of complementary position
// token pairs.
type TokenRegistry interface {
	// RegisterTokenPair records token and complement as economic complements
	// under conditionID. Both directions are registered.
	RegisterTokenPair(ctx context.Context, token, complement PositionID, conditionID ConditionID) error
	// Complement returns the registered complement of token.
	Complement(ctx context.Context, token PositionID) (PositionID, ConditionID, error)
}
