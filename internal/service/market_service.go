package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/ctf"
	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// MarketNotifier announces newly created markets.
type MarketNotifier interface {
	NotifyMarketCreated(ctx context.Context, m domain.Market) error
}

// MarketRequest describes a binary market to mint.
type MarketRequest struct {
	Question        string
	Slug            string
	Outcomes        [2]string
	Oracle          common.Address
	QuestionID      common.Hash // derived from Question when zero
	CollateralToken common.Address
	Funding         *uint256.Int // split from the factory wallet; may be zero
}

// MarketService is the market factory: it prepares a two-outcome condition,
// seeds it with collateral from the factory wallet and registers the YES/NO
// position pair for exchange use.
type MarketService struct {
	ledger   *LedgerService
	markets  domain.MarketStore
	tokens   domain.TokenRegistry
	factory  common.Address
	notifier MarketNotifier
	logger   *slog.Logger
}

// NewMarketService creates a MarketService. factory is the wallet that funds
// new markets; notifier may be nil.
func NewMarketService(
	ledger *LedgerService,
	markets domain.MarketStore,
	tokens domain.TokenRegistry,
	factory common.Address,
	notifier MarketNotifier,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		ledger:   ledger,
		markets:  markets,
		tokens:   tokens,
		factory:  factory,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "market_service")),
	}
}

// Factory returns the address that funds and owns new markets' initial
// positions.
func (s *MarketService) Factory() common.Address { return s.factory }

// CreateMarket prepares the condition, splits the funding into YES/NO,
// registers the token pair and persists the market.
func (s *MarketService) CreateMarket(ctx context.Context, req MarketRequest) (domain.Market, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w: empty question", domain.ErrInvalidArgument)
	}
	if req.Oracle == (common.Address{}) || req.CollateralToken == (common.Address{}) {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", domain.ErrZeroAddress)
	}
	qid := req.QuestionID
	if qid == (common.Hash{}) {
		qid = crypto.Keccak256Hash([]byte(question))
	}
	outcomes := req.Outcomes
	if outcomes[0] == "" || outcomes[1] == "" {
		outcomes = [2]string{"Yes", "No"}
	}
	funding := req.Funding
	if funding == nil {
		funding = new(uint256.Int)
	}

	conditionID, err := s.ledger.PrepareCondition(ctx, req.Oracle, qid, 2)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", err)
	}

	binary := domain.BinaryPartition().Sets()
	var tokenIDs [2]domain.PositionID
	for i, set := range binary {
		id, err := ctf.PositionIDFor(req.CollateralToken, domain.RootCollection, conditionID, set)
		if err != nil {
			return domain.Market{}, fmt.Errorf("market_service: derive position: %w", err)
		}
		tokenIDs[i] = id
	}

	if !funding.IsZero() {
		if err := s.ledger.SplitPosition(ctx, PositionRequest{
			Caller:          s.factory,
			CollateralToken: req.CollateralToken,
			ConditionID:     conditionID,
			Partition:       binary,
			Amount:          funding,
		}); err != nil {
			// The condition stays prepared; a retry with the same question
			// fails with ErrAlreadyPrepared and needs a new question id.
			return domain.Market{}, fmt.Errorf("market_service: fund market %s: %w", conditionID.Hex(), err)
		}
	}

	if err := s.tokens.RegisterTokenPair(ctx, tokenIDs[0], tokenIDs[1], conditionID); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: register token pair: %w", err)
	}

	m := domain.Market{
		ID:              uuid.NewString(),
		Question:        question,
		Slug:            req.Slug,
		Outcomes:        outcomes,
		TokenIDs:        tokenIDs,
		ConditionID:     conditionID,
		QuestionID:      qid,
		Oracle:          req.Oracle,
		CollateralToken: req.CollateralToken,
		Creator:         s.factory,
		Funding:         domain.NewAmount(funding),
		Status:          domain.MarketStatusActive,
		CreatedAt:       time.Now().UTC(),
	}
	if m.Slug == "" {
		m.Slug = slugify(question)
	}
	if err := s.markets.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: persist market: %w", err)
	}

	s.logger.InfoContext(ctx, "market_service: market created",
		slog.String("market_id", m.ID),
		slog.String("condition_id", conditionID.Hex()),
		slog.String("funding", funding.Dec()),
	)

	if s.notifier != nil {
		if err := s.notifier.NotifyMarketCreated(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "market_service: notify failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// GetMarket returns a market with its status refreshed from the ledger.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.markets.GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get market %s: %w", id, err)
	}
	return s.withStatus(ctx, m), nil
}

// GetMarketByToken resolves either token of a registered pair to its market.
func (s *MarketService) GetMarketByToken(ctx context.Context, token domain.PositionID) (domain.Market, error) {
	_, conditionID, err := s.tokens.Complement(ctx, token)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: token %s: %w", token, err)
	}
	m, err := s.markets.GetByConditionID(ctx, conditionID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: market for %s: %w", conditionID.Hex(), err)
	}
	return s.withStatus(ctx, m), nil
}

// Complement returns the other token of a registered YES/NO pair.
func (s *MarketService) Complement(ctx context.Context, token domain.PositionID) (domain.PositionID, domain.ConditionID, error) {
	comp, cond, err := s.tokens.Complement(ctx, token)
	if err != nil {
		return domain.PositionID{}, domain.ConditionID{}, fmt.Errorf("market_service: complement of %s: %w", token, err)
	}
	return comp, cond, nil
}

// ListMarkets returns markets in creation order.
func (s *MarketService) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	ms, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list markets: %w", err)
	}
	for i := range ms {
		ms[i] = s.withStatus(ctx, ms[i])
	}
	return ms, nil
}

func (s *MarketService) withStatus(ctx context.Context, m domain.Market) domain.Market {
	c, err := s.ledger.GetCondition(ctx, m.ConditionID)
	if err != nil {
		if !errors.Is(err, domain.ErrConditionNotFound) {
			s.logger.WarnContext(ctx, "market_service: condition lookup failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
		return m
	}
	if c.Resolved() {
		m.Status = domain.MarketStatusResolved
	}
	return m
}

func slugify(question string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(question) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
