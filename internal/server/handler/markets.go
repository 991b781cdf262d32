package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/service"
)

// MarketService is the market factory surface used by MarketHandler.
type MarketService interface {
	CreateMarket(ctx context.Context, req service.MarketRequest) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	GetMarketByToken(ctx context.Context, token domain.PositionID) (domain.Market, error)
	Complement(ctx context.Context, token domain.PositionID) (domain.PositionID, domain.ConditionID, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Factory() common.Address
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logHandler(logger, "market")}
}

type marketView struct {
	ID              string               `json:"id"`
	Question        string               `json:"question"`
	Slug            string               `json:"slug"`
	Outcomes        [2]string            `json:"outcomes"`
	TokenIDs        [2]domain.PositionID `json:"token_ids"`
	ConditionID     common.Hash          `json:"condition_id"`
	QuestionID      common.Hash          `json:"question_id"`
	Oracle          common.Address       `json:"oracle"`
	CollateralToken common.Address       `json:"collateral_token"`
	Creator         common.Address       `json:"creator"`
	Funding         domain.Amount        `json:"funding"`
	Status          domain.MarketStatus  `json:"status"`
	CreatedAt       time.Time            `json:"created_at"`
}

func newMarketView(m domain.Market) marketView {
	return marketView{
		ID:              m.ID,
		Question:        m.Question,
		Slug:            m.Slug,
		Outcomes:        m.Outcomes,
		TokenIDs:        m.TokenIDs,
		ConditionID:     m.ConditionID,
		QuestionID:      m.QuestionID,
		Oracle:          m.Oracle,
		CollateralToken: m.CollateralToken,
		Creator:         m.Creator,
		Funding:         m.Funding,
		Status:          m.Status,
		CreatedAt:       m.CreatedAt,
	}
}

type createMarketRequest struct {
	Question        string         `json:"question"`
	Slug            string         `json:"slug"`
	Outcomes        [2]string      `json:"outcomes"`
	Oracle          common.Address `json:"oracle"`
	QuestionID      common.Hash    `json:"question_id"`
	CollateralToken common.Address `json:"collateral_token"`
	Funding         domain.Amount  `json:"funding"`
}

// CreateMarket mints a new binary market. Only the factory wallet may call
// it since the funding is split from its collateral.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	if who != h.markets.Factory() {
		writeServiceError(w, r, h.logger, "create market",
			fmt.Errorf("%w: %s is not the market factory", domain.ErrUnauthorized, who.Hex()))
		return
	}
	var req createMarketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	m, err := h.markets.CreateMarket(r.Context(), service.MarketRequest{
		Question:        req.Question,
		Slug:            req.Slug,
		Outcomes:        req.Outcomes,
		Oracle:          req.Oracle,
		QuestionID:      req.QuestionID,
		CollateralToken: req.CollateralToken,
		Funding:         req.Funding.Uint(),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketView(m))
}

// ListMarkets returns a paginated list of markets.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	ms, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	views := make([]marketView, len(ms))
	for i, m := range ms {
		views[i] = newMarketView(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": views,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// GetMarket returns a single market by ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(m))
}

// GetTokenPair returns the market owning a token and the token's complement.
// GET /api/tokens/{id}
func (h *MarketHandler) GetTokenPair(w http.ResponseWriter, r *http.Request) {
	token, err := domain.ParsePositionID(pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "token pair", err)
		return
	}
	comp, cond, err := h.markets.Complement(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, h.logger, "token pair", err)
		return
	}
	m, err := h.markets.GetMarketByToken(r.Context(), token)
	if err != nil {
		writeServiceError(w, r, h.logger, "token pair", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_id":     token,
		"complement":   comp,
		"condition_id": cond,
		"market_id":    m.ID,
	})
}
