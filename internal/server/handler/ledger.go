package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/service"
)

// LedgerService is the slice of the ledger the HTTP layer drives. It is
// declared locally so handlers can be tested against fakes.
type LedgerService interface {
	PrepareCondition(ctx context.Context, oracle common.Address, questionID common.Hash, outcomeSlotCount int) (domain.ConditionID, error)
	ReportPayouts(ctx context.Context, caller common.Address, conditionID domain.ConditionID, payouts []*uint256.Int) error
	GetCondition(ctx context.Context, id domain.ConditionID) (domain.Condition, error)
	ListConditions(ctx context.Context, opts domain.ListOpts) ([]domain.Condition, error)
	Custody(ctx context.Context, asset common.Address) (*uint256.Int, error)

	SplitPosition(ctx context.Context, req service.PositionRequest) error
	MergePositions(ctx context.Context, req service.PositionRequest) error
	RedeemPositions(ctx context.Context, req service.PositionRequest) (*uint256.Int, error)

	BalanceOf(ctx context.Context, owner common.Address, id domain.PositionID) (*uint256.Int, error)
	BalanceOfBatch(ctx context.Context, owners []common.Address, ids []domain.PositionID) ([]*uint256.Int, error)
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)
	SetApprovalForAll(ctx context.Context, owner, operator common.Address, approved bool) error
	SafeTransferFrom(ctx context.Context, operator, from, to common.Address, id domain.PositionID, amount *uint256.Int) error
	SafeBatchTransferFrom(ctx context.Context, operator, from, to common.Address, ids []domain.PositionID, amounts []*uint256.Int) error

	Events(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEvent, error)
}

// LedgerHandler serves conditions, positions, balances, transfers and the
// event log.
type LedgerHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger LedgerService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logHandler(logger, "ledger")}
}

// conditionView is the JSON form of a condition.
type conditionView struct {
	ConditionID       common.Hash     `json:"condition_id"`
	Oracle            common.Address  `json:"oracle"`
	QuestionID        common.Hash     `json:"question_id"`
	OutcomeSlotCount  int             `json:"outcome_slot_count"`
	Resolved          bool            `json:"resolved"`
	PayoutNumerators  []domain.Amount `json:"payout_numerators,omitempty"`
	PayoutDenominator *domain.Amount  `json:"payout_denominator,omitempty"`
	PreparedAt        time.Time       `json:"prepared_at"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty"`
}

func newConditionView(c domain.Condition) conditionView {
	v := conditionView{
		ConditionID:      c.ID,
		Oracle:           c.Oracle,
		QuestionID:       c.QuestionID,
		OutcomeSlotCount: c.OutcomeSlotCount,
		Resolved:         c.Resolved(),
		PreparedAt:       c.PreparedAt,
		ResolvedAt:       c.ResolvedAt,
	}
	if c.Resolved() {
		v.PayoutNumerators = domain.Amounts(c.PayoutNumerators)
		den := domain.NewAmount(c.PayoutDenominator)
		v.PayoutDenominator = &den
	}
	return v
}

type prepareRequest struct {
	Oracle           common.Address `json:"oracle"`
	QuestionID       common.Hash    `json:"question_id"`
	OutcomeSlotCount int            `json:"outcome_slot_count"`
}

// PrepareCondition registers a condition.
// POST /api/conditions
func (h *LedgerHandler) PrepareCondition(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.ledger.PrepareCondition(r.Context(), req.Oracle, req.QuestionID, req.OutcomeSlotCount)
	if err != nil {
		writeServiceError(w, r, h.logger, "prepare condition", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"condition_id": id})
}

// ListConditions returns conditions in preparation order.
// GET /api/conditions?limit=50&offset=0
func (h *LedgerHandler) ListConditions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	cs, err := h.ledger.ListConditions(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list conditions", err)
		return
	}
	views := make([]conditionView, len(cs))
	for i, c := range cs {
		views[i] = newConditionView(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conditions": views,
		"limit":      opts.Limit,
		"offset":     opts.Offset,
	})
}

// GetCondition returns one condition.
// GET /api/conditions/{id}
func (h *LedgerHandler) GetCondition(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(pathParam(r, "id"), "condition id")
	if err != nil {
		writeServiceError(w, r, h.logger, "get condition", err)
		return
	}
	c, err := h.ledger.GetCondition(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get condition", err)
		return
	}
	writeJSON(w, http.StatusOK, newConditionView(c))
}

type resolveRequest struct {
	Payouts []domain.Amount `json:"payouts"`
}

// ReportPayouts resolves a condition. The caller must be its oracle.
// POST /api/conditions/{id}/resolve
func (h *LedgerHandler) ReportPayouts(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := parseHash(pathParam(r, "id"), "condition id")
	if err != nil {
		writeServiceError(w, r, h.logger, "report payouts", err)
		return
	}
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.ReportPayouts(r.Context(), who, id, amounts(req.Payouts)); err != nil {
		writeServiceError(w, r, h.logger, "report payouts", err)
		return
	}
	c, err := h.ledger.GetCondition(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "report payouts", err)
		return
	}
	writeJSON(w, http.StatusOK, newConditionView(c))
}

// GetCustody returns the collateral the ledger holds in one asset for
// outstanding positions.
// GET /api/custody/{collateral}
func (h *LedgerHandler) GetCustody(w http.ResponseWriter, r *http.Request) {
	asset, err := parseAddress(pathParam(r, "collateral"), "collateral")
	if err != nil {
		writeServiceError(w, r, h.logger, "get custody", err)
		return
	}
	amount, err := h.ledger.Custody(r.Context(), asset)
	if err != nil {
		writeServiceError(w, r, h.logger, "get custody", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collateral": asset,
		"amount":       domain.NewAmount(amount),
	})
}

type positionRequest struct {
	CollateralToken    common.Address    `json:"collateral_token"`
	ParentCollectionID common.Hash       `json:"parent_collection_id"`
	ConditionID        common.Hash       `json:"condition_id"`
	Partition          []domain.IndexSet `json:"partition"`
	Amount             domain.Amount     `json:"amount"`
}

func (p positionRequest) toService(who common.Address) service.PositionRequest {
	return service.PositionRequest{
		Caller:             who,
		CollateralToken:    p.CollateralToken,
		ParentCollectionID: p.ParentCollectionID,
		ConditionID:        p.ConditionID,
		Partition:          p.Partition,
		Amount:             p.Amount.Uint(),
	}
}

// SplitPosition splits collateral or a parent position.
// POST /api/positions/split
func (h *LedgerHandler) SplitPosition(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.SplitPosition(r.Context(), req.toService(who)); err != nil {
		writeServiceError(w, r, h.logger, "split position", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "split"})
}

// MergePositions merges child positions back into the parent.
// POST /api/positions/merge
func (h *LedgerHandler) MergePositions(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.MergePositions(r.Context(), req.toService(who)); err != nil {
		writeServiceError(w, r, h.logger, "merge positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "merged"})
}

type redeemRequest struct {
	CollateralToken    common.Address    `json:"collateral_token"`
	ParentCollectionID common.Hash       `json:"parent_collection_id"`
	ConditionID        common.Hash       `json:"condition_id"`
	IndexSets          []domain.IndexSet `json:"index_sets"`
}

// RedeemPositions redeems the caller's positions in a resolved condition.
// POST /api/positions/redeem
func (h *LedgerHandler) RedeemPositions(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req redeemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	payout, err := h.ledger.RedeemPositions(r.Context(), service.PositionRequest{
		Caller:             who,
		CollateralToken:    req.CollateralToken,
		ParentCollectionID: req.ParentCollectionID,
		ConditionID:        req.ConditionID,
		Partition:          req.IndexSets,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "redeem positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payout": domain.NewAmount(payout)})
}

// BalanceOf returns one balance.
// GET /api/balances/{owner}/{id}
func (h *LedgerHandler) BalanceOf(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(pathParam(r, "owner"), "owner")
	if err != nil {
		writeServiceError(w, r, h.logger, "balance of", err)
		return
	}
	id, err := domain.ParsePositionID(pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "balance of", err)
		return
	}
	bal, err := h.ledger.BalanceOf(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "balance of", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":       owner,
		"position_id": id,
		"balance":     domain.NewAmount(bal),
	})
}

type batchBalanceRequest struct {
	Owners []common.Address    `json:"owners"`
	IDs    []domain.PositionID `json:"ids"`
}

// BalanceOfBatch returns balances for paired owners and ids.
// POST /api/balances/batch
func (h *LedgerHandler) BalanceOfBatch(w http.ResponseWriter, r *http.Request) {
	var req batchBalanceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	bals, err := h.ledger.BalanceOfBatch(r.Context(), req.Owners, req.IDs)
	if err != nil {
		writeServiceError(w, r, h.logger, "balance of batch", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": domain.Amounts(bals)})
}

type transferRequest struct {
	From   common.Address    `json:"from"`
	To     common.Address    `json:"to"`
	ID     domain.PositionID `json:"id"`
	Amount domain.Amount     `json:"amount"`
}

// Transfer moves a position balance; the caller is the operator.
// POST /api/transfers
func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.SafeTransferFrom(r.Context(), who, req.From, req.To, req.ID, req.Amount.Uint()); err != nil {
		writeServiceError(w, r, h.logger, "transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "transferred"})
}

type batchTransferRequest struct {
	From    common.Address      `json:"from"`
	To      common.Address      `json:"to"`
	IDs     []domain.PositionID `json:"ids"`
	Amounts []domain.Amount     `json:"amounts"`
}

// TransferBatch moves several position balances at once.
// POST /api/transfers/batch
func (h *LedgerHandler) TransferBatch(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req batchTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.SafeBatchTransferFrom(r.Context(), who, req.From, req.To, req.IDs, amounts(req.Amounts)); err != nil {
		writeServiceError(w, r, h.logger, "batch transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "transferred"})
}

type approvalRequest struct {
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

// SetApprovalForAll sets an operator for the caller.
// POST /api/approvals
func (h *LedgerHandler) SetApprovalForAll(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req approvalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.ledger.SetApprovalForAll(r.Context(), who, req.Operator, req.Approved); err != nil {
		writeServiceError(w, r, h.logger, "set approval", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":    who,
		"operator": req.Operator,
		"approved": req.Approved,
	})
}

// IsApprovedForAll reports an operator approval.
// GET /api/approvals/{owner}/{operator}
func (h *LedgerHandler) IsApprovedForAll(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(pathParam(r, "owner"), "owner")
	if err != nil {
		writeServiceError(w, r, h.logger, "approval lookup", err)
		return
	}
	operator, err := parseAddress(pathParam(r, "operator"), "operator")
	if err != nil {
		writeServiceError(w, r, h.logger, "approval lookup", err)
		return
	}
	ok, err := h.ledger.IsApprovedForAll(r.Context(), owner, operator)
	if err != nil {
		writeServiceError(w, r, h.logger, "approval lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "operator": operator, "approved": ok})
}

// ListEvents pages through the event log.
// GET /api/events?after=0&limit=100
func (h *LedgerHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after int64
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}
	limit := parseListOpts(r).Limit
	events, err := h.ledger.Events(r.Context(), after, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "list events", err)
		return
	}
	if events == nil {
		events = []domain.LedgerEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
