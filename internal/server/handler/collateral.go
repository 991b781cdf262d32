package handler

import (
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// CollateralHandler exposes the collateral assets the ledger settles in:
// balances, approving the custody address, and a development faucet.
type CollateralHandler struct {
	source  domain.CollateralSource
	faucet  domain.CollateralFaucet
	custody common.Address
	logger  *slog.Logger
}

// NewCollateralHandler creates a CollateralHandler. faucet may be nil, in
// which case minting is refused.
func NewCollateralHandler(source domain.CollateralSource, faucet domain.CollateralFaucet, custody common.Address, logger *slog.Logger) *CollateralHandler {
	return &CollateralHandler{source: source, faucet: faucet, custody: custody, logger: logHandler(logger, "collateral")}
}

// Balance returns an owner's collateral balance and custody allowance.
// GET /api/collateral/{asset}/{owner}
func (h *CollateralHandler) Balance(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(pathParam(r, "asset"), "asset")
	if err != nil {
		writeServiceError(w, r, h.logger, "collateral balance", err)
		return
	}
	owner, err := parseAddress(pathParam(r, "owner"), "owner")
	if err != nil {
		writeServiceError(w, r, h.logger, "collateral balance", err)
		return
	}
	token, err := h.source.Token(r.Context(), asset)
	if err != nil {
		writeServiceError(w, r, h.logger, "collateral balance", err)
		return
	}
	bal, err := token.BalanceOf(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "collateral balance", err)
		return
	}
	allowance, err := token.Allowance(r.Context(), owner, h.custody)
	if err != nil {
		writeServiceError(w, r, h.logger, "collateral balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     asset,
		"owner":     owner,
		"balance":   domain.NewAmount(bal),
		"allowance": domain.NewAmount(allowance),
		"spender":   h.custody,
	})
}

type approveRequest struct {
	Asset  common.Address `json:"asset"`
	Amount domain.Amount  `json:"amount"`
}

// Approve sets the caller's allowance for the custody address, which is what
// splitting from collateral spends.
// POST /api/collateral/approve
func (h *CollateralHandler) Approve(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := h.source.Token(r.Context(), req.Asset)
	if err != nil {
		writeServiceError(w, r, h.logger, "collateral approve", err)
		return
	}
	if err := token.Approve(r.Context(), who, h.custody, req.Amount.Uint()); err != nil {
		writeServiceError(w, r, h.logger, "collateral approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     req.Asset,
		"owner":     who,
		"spender":   h.custody,
		"allowance": req.Amount,
	})
}

type mintRequest struct {
	Asset  common.Address `json:"asset"`
	To     common.Address `json:"to"`
	Amount domain.Amount  `json:"amount"`
}

// Mint credits collateral out of thin air. Only development backends enable
// it.
// POST /api/collateral/mint
func (h *CollateralHandler) Mint(w http.ResponseWriter, r *http.Request) {
	if h.faucet == nil {
		writeError(w, http.StatusNotFound, "collateral faucet disabled")
		return
	}
	var req mintRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.faucet.Mint(r.Context(), req.Asset, req.To, req.Amount.Uint()); err != nil {
		writeServiceError(w, r, h.logger, "collateral mint", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: collateral minted",
		slog.String("asset", req.Asset.Hex()),
		slog.String("to", req.To.Hex()),
		slog.String("amount", req.Amount.Uint().Dec()),
	)
	writeJSON(w, http.StatusOK, map[string]any{"asset": req.Asset, "to": req.To, "amount": req.Amount})
}
