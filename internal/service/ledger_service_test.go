package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/alanyoungcy/ctfledger/internal/collateral"
	"github.com/alanyoungcy/ctfledger/internal/ctf"
	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/metrics"
	"github.com/alanyoungcy/ctfledger/internal/store/memory"
)

var (
	custodyAddr = common.HexToAddress("0x00000000000000000000000000000000000c7f01")
	usdc        = common.HexToAddress("0x00000000000000000000000000000000000a55e7")
	oracleAddr  = common.HexToAddress("0x000000000000000000000000000000000000a11e")
	alice       = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	exchange    = common.HexToAddress("0x00000000000000000000000000000000000e8c4a")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func sets(masks ...uint64) []domain.IndexSet {
	out := make([]domain.IndexSet, len(masks))
	for i, m := range masks {
		out[i] = domain.IndexSetFromUint64(m)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.LedgerEvent
}

func (p *recordingPublisher) PublishEvents(_ context.Context, events []domain.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// failingCommitStore runs the transition but then reports a commit failure,
// discarding every write.
type failingCommitStore struct {
	*memory.LedgerStore
}

var errCommit = errors.New("commit failed")

func (s failingCommitStore) Atomic(ctx context.Context, fn func(tx domain.LedgerTx) error) ([]domain.LedgerEvent, error) {
	_, err := s.LedgerStore.Atomic(ctx, func(tx domain.LedgerTx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errCommit
	})
	return nil, err
}

// rejectingReleaseSource hands out tokens whose Transfer always fails, so
// collateral can enter custody but never leave it.
type rejectingReleaseSource struct {
	domain.CollateralSource
}

var errTokenPaused = errors.New("token paused")

func (r rejectingReleaseSource) Token(ctx context.Context, asset common.Address) (domain.CollateralToken, error) {
	tok, err := r.CollateralSource.Token(ctx, asset)
	if err != nil {
		return nil, err
	}
	return rejectingReleaseToken{tok}, nil
}

type rejectingReleaseToken struct {
	domain.CollateralToken
}

func (rejectingReleaseToken) Transfer(context.Context, common.Address, common.Address, *uint256.Int) error {
	return errTokenPaused
}

type LedgerServiceSuite struct {
	suite.Suite
	ctx       context.Context
	store     *memory.LedgerStore
	tokens    *collateral.Registry
	publisher *recordingPublisher
	svc       *LedgerService
}

func (s *LedgerServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewLedgerStore()
	s.tokens = collateral.NewRegistry(false, usdc)
	s.publisher = &recordingPublisher{}
	s.svc = NewLedgerService(s.store, s.tokens, custodyAddr, s.publisher, nil,
		metrics.New(prometheus.NewRegistry()), discardLogger())
}

func (s *LedgerServiceSuite) fund(who common.Address, amount uint64) {
	require.NoError(s.T(), s.tokens.Mint(s.ctx, usdc, who, u(amount)))
	token, err := s.tokens.Token(s.ctx, usdc)
	require.NoError(s.T(), err)
	require.NoError(s.T(), token.Approve(s.ctx, who, custodyAddr, new(uint256.Int).SetAllOne()))
}

func (s *LedgerServiceSuite) collateralOf(who common.Address) uint64 {
	token, err := s.tokens.Token(s.ctx, usdc)
	require.NoError(s.T(), err)
	bal, err := token.BalanceOf(s.ctx, who)
	require.NoError(s.T(), err)
	return bal.Uint64()
}

func (s *LedgerServiceSuite) prepare(question string, slots int) domain.ConditionID {
	id, err := s.svc.PrepareCondition(s.ctx, oracleAddr, common.HexToHash(question), slots)
	require.NoError(s.T(), err)
	return id
}

func (s *LedgerServiceSuite) position(parent domain.CollectionID, cond domain.ConditionID, mask uint64) domain.PositionID {
	id, err := ctf.PositionIDFor(usdc, parent, cond, domain.IndexSetFromUint64(mask))
	require.NoError(s.T(), err)
	return id
}

func (s *LedgerServiceSuite) balance(who common.Address, id domain.PositionID) uint64 {
	bal, err := s.svc.BalanceOf(s.ctx, who, id)
	require.NoError(s.T(), err)
	return bal.Uint64()
}

func (s *LedgerServiceSuite) custody() uint64 {
	v, err := s.svc.Custody(s.ctx, usdc)
	require.NoError(s.T(), err)
	return v.Uint64()
}

func (s *LedgerServiceSuite) split(who common.Address, parent domain.CollectionID, cond domain.ConditionID, partition []domain.IndexSet, amount uint64) error {
	return s.svc.SplitPosition(s.ctx, PositionRequest{
		Caller: who, CollateralToken: usdc, ParentCollectionID: parent,
		ConditionID: cond, Partition: partition, Amount: u(amount),
	})
}

func (s *LedgerServiceSuite) merge(who common.Address, parent domain.CollectionID, cond domain.ConditionID, partition []domain.IndexSet, amount uint64) error {
	return s.svc.MergePositions(s.ctx, PositionRequest{
		Caller: who, CollateralToken: usdc, ParentCollectionID: parent,
		ConditionID: cond, Partition: partition, Amount: u(amount),
	})
}

func (s *LedgerServiceSuite) redeem(who common.Address, parent domain.CollectionID, cond domain.ConditionID, indexSets []domain.IndexSet) (uint64, error) {
	payout, err := s.svc.RedeemPositions(s.ctx, PositionRequest{
		Caller: who, CollateralToken: usdc, ParentCollectionID: parent,
		ConditionID: cond, Partition: indexSets,
	})
	if err != nil {
		return 0, err
	}
	return payout.Uint64(), nil
}

func (s *LedgerServiceSuite) resolve(cond domain.ConditionID, payouts ...uint64) {
	vs := make([]*uint256.Int, len(payouts))
	for i, p := range payouts {
		vs[i] = u(p)
	}
	require.NoError(s.T(), s.svc.ReportPayouts(s.ctx, oracleAddr, cond, vs))
}

func (s *LedgerServiceSuite) eventCount() int {
	evs, err := s.store.ListEvents(s.ctx, 0, 0)
	require.NoError(s.T(), err)
	return len(evs)
}

// --- condition registry ---

func (s *LedgerServiceSuite) TestPrepareCondition() {
	id := s.prepare("0x01", 2)

	assert.Equal(s.T(), ctf.ConditionID(oracleAddr, common.HexToHash("0x01"), 2), id)
	c, err := s.svc.GetCondition(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, c.OutcomeSlotCount)
	assert.False(s.T(), c.Resolved())
	assert.Equal(s.T(), []domain.EventType{domain.EventConditionPreparation}, s.publisher.types())

	slots, err := s.svc.OutcomeSlotCount(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, slots)

	slots, err = s.svc.OutcomeSlotCount(s.ctx, common.HexToHash("0xdead"))
	require.NoError(s.T(), err)
	assert.Zero(s.T(), slots)
}

func (s *LedgerServiceSuite) TestPrepareCondition_Twice() {
	s.prepare("0x01", 2)
	before := s.eventCount()

	_, err := s.svc.PrepareCondition(s.ctx, oracleAddr, common.HexToHash("0x01"), 2)
	require.ErrorIs(s.T(), err, domain.ErrAlreadyPrepared)
	assert.Equal(s.T(), domain.KindPrecondition, domain.KindOf(err))
	assert.Equal(s.T(), before, s.eventCount())

	// A different slot count is a different condition.
	s.prepare("0x01", 3)
}

func (s *LedgerServiceSuite) TestPrepareCondition_SlotBounds() {
	for _, n := range []int{0, 1, domain.MaxOutcomeSlots + 1} {
		_, err := s.svc.PrepareCondition(s.ctx, oracleAddr, common.HexToHash("0x01"), n)
		assert.ErrorIs(s.T(), err, domain.ErrInvalidOutcomeSlotCount, "slots=%d", n)
	}
	s.prepare("0x02", domain.MaxOutcomeSlots)
	assert.Zero(s.T(), s.eventCount()-1)
}

// --- resolution ---

func (s *LedgerServiceSuite) TestReportPayouts() {
	cond := s.prepare("0x01", 3)
	s.resolve(cond, 1, 0, 3)

	c, err := s.svc.GetCondition(s.ctx, cond)
	require.NoError(s.T(), err)
	require.True(s.T(), c.Resolved())
	assert.Equal(s.T(), uint64(4), c.PayoutDenominator.Uint64())
	assert.Equal(s.T(), uint64(3), c.PayoutNumerators[2].Uint64())
	assert.NotNil(s.T(), c.ResolvedAt)
}

func (s *LedgerServiceSuite) TestReportPayouts_OnlyOracle() {
	cond := s.prepare("0x01", 2)
	before := s.eventCount()

	err := s.svc.ReportPayouts(s.ctx, alice, cond, []*uint256.Int{u(1), u(0)})
	require.ErrorIs(s.T(), err, domain.ErrNotOracle)

	c, err := s.svc.GetCondition(s.ctx, cond)
	require.NoError(s.T(), err)
	assert.False(s.T(), c.Resolved(), "a rejected resolution leaves no trace")
	assert.Equal(s.T(), before, s.eventCount())
}

func (s *LedgerServiceSuite) TestReportPayouts_Preconditions() {
	err := s.svc.ReportPayouts(s.ctx, oracleAddr, common.HexToHash("0xdead"), []*uint256.Int{u(1), u(0)})
	require.ErrorIs(s.T(), err, domain.ErrConditionNotFound)
	assert.Equal(s.T(), domain.KindNotFound, domain.KindOf(err))

	cond := s.prepare("0x01", 2)

	err = s.svc.ReportPayouts(s.ctx, oracleAddr, cond, []*uint256.Int{u(1)})
	require.ErrorIs(s.T(), err, domain.ErrInvalidPayoutLength)

	err = s.svc.ReportPayouts(s.ctx, oracleAddr, cond, []*uint256.Int{u(0), u(0)})
	require.ErrorIs(s.T(), err, domain.ErrZeroPayout)

	s.resolve(cond, 0, 1)
	err = s.svc.ReportPayouts(s.ctx, oracleAddr, cond, []*uint256.Int{u(1), u(0)})
	require.ErrorIs(s.T(), err, domain.ErrAlreadyResolved)

	c, err := s.svc.GetCondition(s.ctx, cond)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(1), c.PayoutNumerators[1].Uint64(), "first resolution stands")
}

// --- split / merge ---

func (s *LedgerServiceSuite) TestSplit_FromCollateral() {
	s.fund(alice, 1000)
	cond := s.prepare("0x01", 2)

	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 600))

	assert.Equal(s.T(), uint64(400), s.collateralOf(alice))
	assert.Equal(s.T(), uint64(600), s.collateralOf(custodyAddr))
	assert.Equal(s.T(), uint64(600), s.custody())
	assert.Equal(s.T(), uint64(600), s.balance(alice, s.position(domain.RootCollection, cond, 1)))
	assert.Equal(s.T(), uint64(600), s.balance(alice, s.position(domain.RootCollection, cond, 2)))
	assert.Equal(s.T(), []domain.EventType{
		domain.EventConditionPreparation,
		domain.EventTransferBatch,
		domain.EventPositionSplit,
	}, s.publisher.types())
}

func (s *LedgerServiceSuite) TestSplit_RejectsWithoutSideEffects() {
	s.fund(alice, 100)
	cond := s.prepare("0x01", 3)
	before := s.eventCount()

	cases := []struct {
		name      string
		cond      domain.ConditionID
		partition []domain.IndexSet
		amount    uint64
		want      error
		kind      domain.ErrorKind
	}{
		{"unknown condition", common.HexToHash("0xdead"), sets(1, 2), 10, domain.ErrConditionNotFound, domain.KindNotFound},
		{"empty partition", cond, nil, 10, domain.ErrEmptyPartition, domain.KindPrecondition},
		{"zero index set", cond, sets(1, 0), 10, domain.ErrInvalidIndexSet, domain.KindPrecondition},
		{"out of range", cond, sets(1, 8), 10, domain.ErrInvalidIndexSet, domain.KindPrecondition},
		{"zero amount", cond, sets(1, 6), 0, domain.ErrInvalidAmount, domain.KindPrecondition},
		{"not enough collateral", cond, sets(1, 6), 101, domain.ErrCollateralTransferFailed, domain.KindExternal},
	}
	for _, tc := range cases {
		err := s.split(alice, domain.RootCollection, tc.cond, tc.partition, tc.amount)
		require.ErrorIs(s.T(), err, tc.want, tc.name)
		assert.Equal(s.T(), tc.kind, domain.KindOf(err), tc.name)
	}

	assert.Equal(s.T(), uint64(100), s.collateralOf(alice))
	assert.Zero(s.T(), s.custody())
	assert.Zero(s.T(), s.balance(alice, s.position(domain.RootCollection, cond, 1)))
	assert.Equal(s.T(), before, s.eventCount())
}

func (s *LedgerServiceSuite) TestSplit_WithoutAllowance() {
	require.NoError(s.T(), s.tokens.Mint(s.ctx, usdc, bob, u(50)))
	cond := s.prepare("0x01", 2)

	err := s.split(bob, domain.RootCollection, cond, sets(1, 2), 10)
	require.ErrorIs(s.T(), err, domain.ErrCollateralTransferFailed)
	require.ErrorIs(s.T(), err, domain.ErrInsufficientAllowance)
	assert.Equal(s.T(), domain.KindExternal, domain.KindOf(err))
}

func (s *LedgerServiceSuite) TestSplitMerge_RoundTrip() {
	s.fund(alice, 500)
	cond := s.prepare("0x01", 4)
	partition := sets(0b0011, 0b0100, 0b1000)

	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, partition, 200))
	require.NoError(s.T(), s.merge(alice, domain.RootCollection, cond, partition, 200))

	assert.Equal(s.T(), uint64(500), s.collateralOf(alice))
	assert.Zero(s.T(), s.collateralOf(custodyAddr))
	assert.Zero(s.T(), s.custody())
	for _, set := range partition {
		id, err := ctf.PositionIDFor(usdc, domain.RootCollection, cond, set)
		require.NoError(s.T(), err)
		assert.Zero(s.T(), s.balance(alice, id))
	}
}

func (s *LedgerServiceSuite) TestMerge_InsufficientBalance() {
	s.fund(alice, 100)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 100))
	require.NoError(s.T(), s.svc.SafeTransferFrom(s.ctx, alice, alice, bob, s.position(domain.RootCollection, cond, 2), u(30)))

	err := s.merge(alice, domain.RootCollection, cond, sets(1, 2), 100)
	require.ErrorIs(s.T(), err, domain.ErrInsufficientBalance)
	assert.Equal(s.T(), domain.KindFunds, domain.KindOf(err))
	assert.Equal(s.T(), uint64(100), s.balance(alice, s.position(domain.RootCollection, cond, 1)), "burns roll back")

	require.NoError(s.T(), s.merge(alice, domain.RootCollection, cond, sets(1, 2), 70))
	assert.Equal(s.T(), uint64(70), s.collateralOf(alice))
	assert.Equal(s.T(), uint64(30), s.custody())
}

func (s *LedgerServiceSuite) TestNestedSplitMerge() {
	s.fund(alice, 100)
	condA := s.prepare("0x0a", 2)
	condB := s.prepare("0x0b", 2)

	require.NoError(s.T(), s.split(alice, domain.RootCollection, condA, sets(1, 2), 100))
	parent, err := ctf.CollectionID(domain.RootCollection, condA, domain.IndexSetFromUint64(1))
	require.NoError(s.T(), err)
	parentPos := ctf.PositionID(usdc, parent)

	require.NoError(s.T(), s.split(alice, parent, condB, sets(1, 2), 60))
	assert.Equal(s.T(), uint64(40), s.balance(alice, parentPos))
	assert.Equal(s.T(), uint64(60), s.balance(alice, s.position(parent, condB, 1)))
	assert.Equal(s.T(), uint64(100), s.custody(), "nested splits lock no further collateral")

	// A1&B1 is the same position whichever condition is applied first.
	other, err := ctf.CollectionID(domain.RootCollection, condB, domain.IndexSetFromUint64(1))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), s.position(parent, condB, 1), s.position(other, condA, 1))

	require.NoError(s.T(), s.merge(alice, parent, condB, sets(1, 2), 60))
	assert.Equal(s.T(), uint64(100), s.balance(alice, parentPos))
	assert.Zero(s.T(), s.balance(alice, s.position(parent, condB, 2)))
}

func (s *LedgerServiceSuite) TestSplit_InvalidParent() {
	s.fund(alice, 100)
	cond := s.prepare("0x01", 2)
	// x is above the field modulus.
	bad := common.HexToHash("0x3fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

	err := s.split(alice, bad, cond, sets(1, 2), 10)
	require.ErrorIs(s.T(), err, domain.ErrInvalidParentCollection)
	assert.Equal(s.T(), uint64(100), s.collateralOf(alice))
}

// --- redemption ---

func (s *LedgerServiceSuite) TestScenario_SplitResolveRedeem() {
	s.fund(alice, 1000)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 1000))
	s.resolve(cond, 1, 0)

	paid, err := s.redeem(alice, domain.RootCollection, cond, sets(1))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(1000), paid)
	assert.Equal(s.T(), uint64(1000), s.collateralOf(alice))
	assert.Zero(s.T(), s.balance(alice, s.position(domain.RootCollection, cond, 1)))

	paid, err = s.redeem(alice, domain.RootCollection, cond, sets(2))
	require.NoError(s.T(), err)
	assert.Zero(s.T(), paid)
	assert.Equal(s.T(), uint64(1000), s.collateralOf(alice))
	assert.Zero(s.T(), s.balance(alice, s.position(domain.RootCollection, cond, 2)))
	assert.Zero(s.T(), s.custody())
}

func (s *LedgerServiceSuite) TestPayoutProportionality() {
	s.fund(alice, 400)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 400))
	require.NoError(s.T(), s.svc.SafeTransferFrom(s.ctx, alice, alice, bob, s.position(domain.RootCollection, cond, 2), u(400)))
	s.resolve(cond, 1, 0)

	paid, err := s.redeem(alice, domain.RootCollection, cond, sets(1))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(400), paid)

	paid, err = s.redeem(bob, domain.RootCollection, cond, sets(2))
	require.NoError(s.T(), err)
	assert.Zero(s.T(), paid)
	assert.Zero(s.T(), s.collateralOf(bob))
}

func (s *LedgerServiceSuite) TestRedeem_Idempotent() {
	s.fund(alice, 100)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 100))
	s.resolve(cond, 3, 1)

	first, err := s.redeem(alice, domain.RootCollection, cond, sets(1, 2))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(100), first)
	after := s.collateralOf(alice)

	second, err := s.redeem(alice, domain.RootCollection, cond, sets(1, 2))
	require.NoError(s.T(), err)
	assert.Zero(s.T(), second)
	assert.Equal(s.T(), after, s.collateralOf(alice))
}

func (s *LedgerServiceSuite) TestRedeem_Preconditions() {
	_, err := s.redeem(alice, domain.RootCollection, common.HexToHash("0xdead"), sets(1))
	require.ErrorIs(s.T(), err, domain.ErrConditionNotFound)

	cond := s.prepare("0x01", 2)
	_, err = s.redeem(alice, domain.RootCollection, cond, sets(1))
	require.ErrorIs(s.T(), err, domain.ErrConditionNotResolved)

	s.resolve(cond, 1, 1)
	_, err = s.redeem(alice, domain.RootCollection, cond, nil)
	require.ErrorIs(s.T(), err, domain.ErrEmptyPartition)
	_, err = s.redeem(alice, domain.RootCollection, cond, sets(0))
	require.ErrorIs(s.T(), err, domain.ErrInvalidIndexSet)
	_, err = s.redeem(alice, domain.RootCollection, cond, sets(4))
	require.ErrorIs(s.T(), err, domain.ErrInvalidIndexSet)
}

func (s *LedgerServiceSuite) TestRedeem_NestedMintsParent() {
	s.fund(alice, 100)
	condA := s.prepare("0x0a", 2)
	condB := s.prepare("0x0b", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, condA, sets(1, 2), 100))
	parent, err := ctf.CollectionID(domain.RootCollection, condA, domain.IndexSetFromUint64(1))
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.split(alice, parent, condB, sets(1, 2), 100))

	s.resolve(condB, 1, 0)
	paid, err := s.redeem(alice, parent, condB, sets(1, 2))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(100), paid)
	assert.Equal(s.T(), uint64(100), s.balance(alice, ctf.PositionID(usdc, parent)))
	assert.Zero(s.T(), s.collateralOf(alice), "nested payout stays inside the parent collection")

	s.resolve(condA, 1, 0)
	paid, err = s.redeem(alice, domain.RootCollection, condA, sets(1, 2))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(100), paid)
	assert.Equal(s.T(), uint64(100), s.collateralOf(alice))
}

// TestRedeem_TruncationDust documents a known rounding artifact: payout
// division truncates and the remainder stays locked in custody.
func (s *LedgerServiceSuite) TestRedeem_TruncationDust() {
	s.fund(alice, 10)
	cond := s.prepare("0x01", 3)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2, 4), 10))
	s.resolve(cond, 1, 1, 1)

	paid, err := s.redeem(alice, domain.RootCollection, cond, sets(1, 2, 4))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(9), paid, "3 x floor(10/3)")
	assert.Equal(s.T(), uint64(1), s.custody(), "dust is preserved, not redistributed")
	assert.Equal(s.T(), uint64(1), s.collateralOf(custodyAddr))
}

// --- permissive partitions ---

func (s *LedgerServiceSuite) TestOverlappingPartition_CannotOverdrawCustody() {
	s.fund(alice, 100)
	s.fund(bob, 100)
	cond := s.prepare("0x01", 2)

	// {1},{1} is accepted: it mints the YES position twice.
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 1), 100))
	assert.Equal(s.T(), uint64(200), s.balance(alice, s.position(domain.RootCollection, cond, 1)))
	require.NoError(s.T(), s.split(bob, domain.RootCollection, cond, sets(2), 50))

	s.resolve(cond, 1, 0)
	_, err := s.redeem(alice, domain.RootCollection, cond, sets(1))
	require.ErrorIs(s.T(), err, domain.ErrInsufficientCustody)
	assert.Equal(s.T(), domain.KindFunds, domain.KindOf(err))
	assert.Equal(s.T(), uint64(150), s.collateralOf(custodyAddr), "nothing left custody")
	assert.Equal(s.T(), uint64(150), s.custody())
	assert.Equal(s.T(), uint64(200), s.balance(alice, s.position(domain.RootCollection, cond, 1)))
}

// TestCrossConditionExit locks collateral under B, regroups the nested
// positions under A and leaves through A. Collection ids do not depend on
// the order conditions are applied, so the exit is value-neutral.
func (s *LedgerServiceSuite) TestCrossConditionExit() {
	s.fund(alice, 100)
	condA := s.prepare("0x0a", 2)
	condB := s.prepare("0x0b", 2)

	require.NoError(s.T(), s.split(alice, domain.RootCollection, condB, sets(1, 2), 100))
	for _, mask := range []uint64{1, 2} {
		b, err := ctf.CollectionID(domain.RootCollection, condB, domain.IndexSetFromUint64(mask))
		require.NoError(s.T(), err)
		require.NoError(s.T(), s.split(alice, b, condA, sets(1, 2), 100))
	}
	for _, mask := range []uint64{1, 2} {
		a, err := ctf.CollectionID(domain.RootCollection, condA, domain.IndexSetFromUint64(mask))
		require.NoError(s.T(), err)
		require.NoError(s.T(), s.merge(alice, a, condB, sets(1, 2), 100))
		assert.Equal(s.T(), uint64(100), s.balance(alice, ctf.PositionID(usdc, a)))
	}

	require.NoError(s.T(), s.merge(alice, domain.RootCollection, condA, sets(1, 2), 100))
	assert.Equal(s.T(), uint64(100), s.collateralOf(alice))
	assert.Zero(s.T(), s.collateralOf(custodyAddr))
	assert.Zero(s.T(), s.custody())

	// The same route also works through redemption.
	s.fund(bob, 100)
	require.NoError(s.T(), s.split(bob, domain.RootCollection, condB, sets(1, 2), 100))
	for _, mask := range []uint64{1, 2} {
		b, err := ctf.CollectionID(domain.RootCollection, condB, domain.IndexSetFromUint64(mask))
		require.NoError(s.T(), err)
		require.NoError(s.T(), s.split(bob, b, condA, sets(1, 2), 100))
	}
	for _, mask := range []uint64{1, 2} {
		a, err := ctf.CollectionID(domain.RootCollection, condA, domain.IndexSetFromUint64(mask))
		require.NoError(s.T(), err)
		require.NoError(s.T(), s.merge(bob, a, condB, sets(1, 2), 100))
	}
	s.resolve(condA, 0, 1)
	paid, err := s.redeem(bob, domain.RootCollection, condA, sets(1, 2))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(100), paid)
	assert.Equal(s.T(), uint64(100), s.collateralOf(bob))
	assert.Zero(s.T(), s.custody())
}

func (s *LedgerServiceSuite) TestPartialPartition_Accepted() {
	s.fund(alice, 10)
	cond := s.prepare("0x01", 3)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1), 10))
	assert.Equal(s.T(), uint64(10), s.balance(alice, s.position(domain.RootCollection, cond, 1)))
	assert.Equal(s.T(), uint64(10), s.custody())
}

// --- conservation ---

func (s *LedgerServiceSuite) TestConservation_PerOutcomeSlot() {
	s.fund(alice, 1000)
	s.fund(bob, 1000)
	cond := s.prepare("0x01", 3)

	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 6), 300))
	require.NoError(s.T(), s.split(bob, domain.RootCollection, cond, sets(1, 2, 4), 200))
	require.NoError(s.T(), s.svc.SafeTransferFrom(s.ctx, alice, alice, bob, s.position(domain.RootCollection, cond, 6), u(120)))
	require.NoError(s.T(), s.merge(bob, domain.RootCollection, cond, sets(1, 6), 100))
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(3, 4), 50))

	entries, err := s.svc.ListBalances(s.ctx)
	require.NoError(s.T(), err)

	custody := s.custody()
	for slot := 0; slot < 3; slot++ {
		var covering uint64
		for mask := uint64(1); mask < 8; mask++ {
			set := domain.IndexSetFromUint64(mask)
			if !set.Has(slot) {
				continue
			}
			id := s.position(domain.RootCollection, cond, mask)
			for _, e := range entries {
				if e.Position == id {
					covering += e.Amount.Uint64()
				}
			}
		}
		assert.Equal(s.T(), custody, covering, "slot %d", slot)
	}
	assert.Equal(s.T(), custody, s.collateralOf(custodyAddr))
}

// --- position ledger ---

func (s *LedgerServiceSuite) TestTransfers_Approval() {
	s.fund(alice, 100)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 100))
	yes := s.position(domain.RootCollection, cond, 1)
	no := s.position(domain.RootCollection, cond, 2)

	err := s.svc.SafeTransferFrom(s.ctx, exchange, alice, bob, yes, u(10))
	require.ErrorIs(s.T(), err, domain.ErrNotApproved)

	require.NoError(s.T(), s.svc.SetApprovalForAll(s.ctx, alice, exchange, true))
	ok, err := s.svc.IsApprovedForAll(s.ctx, alice, exchange)
	require.NoError(s.T(), err)
	assert.True(s.T(), ok)

	require.NoError(s.T(), s.svc.SafeBatchTransferFrom(s.ctx, exchange, alice, bob,
		[]domain.PositionID{yes, no}, []*uint256.Int{u(10), u(20)}))
	bals, err := s.svc.BalanceOfBatch(s.ctx,
		[]common.Address{alice, alice, bob, bob}, []domain.PositionID{yes, no, yes, no})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []uint64{90, 80, 10, 20},
		[]uint64{bals[0].Uint64(), bals[1].Uint64(), bals[2].Uint64(), bals[3].Uint64()})

	require.NoError(s.T(), s.svc.SetApprovalForAll(s.ctx, alice, exchange, false))
	err = s.svc.SafeTransferFrom(s.ctx, exchange, alice, bob, yes, u(1))
	require.ErrorIs(s.T(), err, domain.ErrNotApproved)
}

func (s *LedgerServiceSuite) TestTransfers_Errors() {
	s.fund(alice, 10)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 10))
	yes := s.position(domain.RootCollection, cond, 1)
	no := s.position(domain.RootCollection, cond, 2)

	err := s.svc.SafeTransferFrom(s.ctx, alice, alice, common.Address{}, yes, u(1))
	require.ErrorIs(s.T(), err, domain.ErrZeroAddress)

	err = s.svc.SafeTransferFrom(s.ctx, alice, alice, bob, yes, u(11))
	require.ErrorIs(s.T(), err, domain.ErrInsufficientBalance)

	err = s.svc.SafeBatchTransferFrom(s.ctx, alice, alice, bob, []domain.PositionID{yes, no}, []*uint256.Int{u(1)})
	require.ErrorIs(s.T(), err, domain.ErrInvalidArgument)

	// The second leg fails, so the first must not stick.
	err = s.svc.SafeBatchTransferFrom(s.ctx, alice, alice, bob, []domain.PositionID{yes, no}, []*uint256.Int{u(5), u(50)})
	require.ErrorIs(s.T(), err, domain.ErrInsufficientBalance)
	assert.Equal(s.T(), uint64(10), s.balance(alice, yes))
	assert.Zero(s.T(), s.balance(bob, yes))

	_, err = s.svc.BalanceOfBatch(s.ctx, []common.Address{alice}, []domain.PositionID{yes, no})
	require.ErrorIs(s.T(), err, domain.ErrInvalidArgument)
}

func (s *LedgerServiceSuite) TestTransfers_ZeroAmountRejected() {
	s.fund(alice, 10)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 10))
	yes := s.position(domain.RootCollection, cond, 1)
	no := s.position(domain.RootCollection, cond, 2)
	before := s.eventCount()

	err := s.svc.SafeTransferFrom(s.ctx, alice, alice, bob, yes, u(0))
	require.ErrorIs(s.T(), err, domain.ErrInvalidAmount)

	err = s.svc.SafeBatchTransferFrom(s.ctx, alice, alice, bob, []domain.PositionID{yes, no}, []*uint256.Int{u(3), u(0)})
	require.ErrorIs(s.T(), err, domain.ErrInvalidAmount)

	assert.Equal(s.T(), uint64(10), s.balance(alice, yes))
	assert.Zero(s.T(), s.balance(bob, yes))
	assert.Equal(s.T(), before, s.eventCount())
}

// --- atomicity ---

func (s *LedgerServiceSuite) TestMerge_ReleaseFailureAbortsTransition() {
	s.fund(alice, 100)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 100))
	before := s.eventCount()

	failing := NewLedgerService(s.store, rejectingReleaseSource{s.tokens}, custodyAddr, nil, nil, nil, discardLogger())
	err := failing.MergePositions(s.ctx, PositionRequest{
		Caller: alice, CollateralToken: usdc, ConditionID: cond,
		Partition: sets(1, 2), Amount: u(60),
	})
	require.ErrorIs(s.T(), err, domain.ErrCollateralTransferFailed)
	assert.Equal(s.T(), domain.KindExternal, domain.KindOf(err))

	assert.Equal(s.T(), uint64(100), s.balance(alice, s.position(domain.RootCollection, cond, 1)))
	assert.Equal(s.T(), uint64(100), s.balance(alice, s.position(domain.RootCollection, cond, 2)))
	assert.Equal(s.T(), uint64(100), s.custody())
	assert.Equal(s.T(), uint64(100), s.collateralOf(custodyAddr))
	assert.Zero(s.T(), s.collateralOf(alice))
	assert.Equal(s.T(), before, s.eventCount())
}

func (s *LedgerServiceSuite) TestRedeem_ReleaseFailureAbortsTransition() {
	s.fund(alice, 100)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 100))
	s.resolve(cond, 1, 0)
	before := s.eventCount()

	failing := NewLedgerService(s.store, rejectingReleaseSource{s.tokens}, custodyAddr, nil, nil, nil, discardLogger())
	_, err := failing.RedeemPositions(s.ctx, PositionRequest{
		Caller: alice, CollateralToken: usdc, ConditionID: cond, Partition: sets(1, 2),
	})
	require.ErrorIs(s.T(), err, domain.ErrCollateralTransferFailed)

	assert.Equal(s.T(), uint64(100), s.balance(alice, s.position(domain.RootCollection, cond, 1)))
	assert.Equal(s.T(), uint64(100), s.balance(alice, s.position(domain.RootCollection, cond, 2)))
	assert.Equal(s.T(), uint64(100), s.custody())
	assert.Equal(s.T(), uint64(100), s.collateralOf(custodyAddr))
	assert.Equal(s.T(), before, s.eventCount())

	// The ledger itself is unaffected: a working token redeems normally.
	paid, err := s.redeem(alice, domain.RootCollection, cond, sets(1, 2))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), uint64(100), paid)
}

func (s *LedgerServiceSuite) TestCommitFailure_RefundsCollateral() {
	s.fund(alice, 100)
	cond := s.prepare("0x01", 2)

	failing := NewLedgerService(failingCommitStore{s.store}, s.tokens, custodyAddr, nil, nil, nil, discardLogger())
	err := failing.SplitPosition(s.ctx, PositionRequest{
		Caller: alice, CollateralToken: usdc, ConditionID: cond,
		Partition: sets(1, 2), Amount: u(40),
	})
	require.ErrorIs(s.T(), err, errCommit)

	assert.Equal(s.T(), uint64(100), s.collateralOf(alice), "pull was refunded")
	assert.Zero(s.T(), s.collateralOf(custodyAddr))
	assert.Zero(s.T(), s.custody())
	assert.Zero(s.T(), s.balance(alice, s.position(domain.RootCollection, cond, 1)))
}

func (s *LedgerServiceSuite) TestEvents_ShareTransitionID() {
	s.fund(alice, 10)
	cond := s.prepare("0x01", 2)
	require.NoError(s.T(), s.split(alice, domain.RootCollection, cond, sets(1, 2), 10))

	evs, err := s.svc.Events(s.ctx, 1, 0)
	require.NoError(s.T(), err)
	require.Len(s.T(), evs, 2)
	assert.Equal(s.T(), evs[0].TxID, evs[1].TxID)
	assert.Equal(s.T(), int64(2), evs[0].Seq)
	assert.Equal(s.T(), int64(3), evs[1].Seq)

	var split domain.PositionSplitEvent
	require.NoError(s.T(), evs[1].Decode(&split))
	assert.Equal(s.T(), alice, split.Stakeholder)
	assert.Equal(s.T(), uint64(10), split.Amount.Uint64())
	assert.Len(s.T(), split.Partition, 2)
}

func TestLedgerServiceSuite(t *testing.T) {
	suite.Run(t, new(LedgerServiceSuite))
}

func TestLedgers_AreIndependent(t *testing.T) {
	t.Parallel()
	newLedger := func() (*LedgerService, *collateral.Registry) {
		tokens := collateral.NewRegistry(true)
		return NewLedgerService(memory.NewLedgerStore(), tokens, custodyAddr, nil, nil, nil, discardLogger()), tokens
	}
	a, _ := newLedger()
	b, _ := newLedger()
	ctx := context.Background()

	id, err := a.PrepareCondition(ctx, oracleAddr, common.HexToHash("0x01"), 2)
	require.NoError(t, err)

	_, err = b.GetCondition(ctx, id)
	require.ErrorIs(t, err, domain.ErrConditionNotFound)
	_, err = b.PrepareCondition(ctx, oracleAddr, common.HexToHash("0x01"), 2)
	require.NoError(t, err)
}
