// Package ledgerclient is the REST client for the ledger HTTP API. Mutating
// calls are signed with the caller's wallet key.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/crypto"
	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// Client talks to one ledger instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	now        func() time.Time

	mu sync.Mutex
	// stamps holds the last signing second per request content.
	stamps map[common.Hash]int64
}

// New creates a Client. baseURL is the API root, e.g.
// "http://localhost:8000". signer may be nil for read-only use.
func New(baseURL string, signer *crypto.Signer) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer: signer,
		now:    time.Now,
		stamps: make(map[common.Hash]int64),
	}
}

// stamp picks the signing time for a request. The server refuses a second
// copy of a signed request, so identical requests sent within one second
// are signed one second apart.
func (c *Client) stamp(method, path string, payload []byte) time.Time {
	k := ethcrypto.Keccak256Hash([]byte(method), []byte(path), payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().Unix()
	if last, ok := c.stamps[k]; ok && ts <= last {
		ts = last + 1
	}
	c.stamps[k] = ts
	for h, at := range c.stamps {
		if at < ts-60 {
			delete(c.stamps, h)
		}
	}
	return time.Unix(ts, 0)
}

// Address returns the signing wallet, or the zero address without one.
func (c *Client) Address() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Kind    domain.ErrorKind
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("ledger: HTTP %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("ledger: HTTP %d: %s", e.Status, e.Message)
}

// Unwrap maps the response onto the domain sentinel errors callers check.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case http.StatusForbidden:
		return domain.ErrNotApproved
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	case http.StatusPaymentRequired:
		return domain.ErrInsufficientBalance
	case http.StatusBadRequest:
		return domain.ErrInvalidArgument
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Conditions
// --------------------------------------------------------------------------

// PrepareCondition registers a condition and returns its id.
func (c *Client) PrepareCondition(ctx context.Context, oracle common.Address, questionID common.Hash, outcomeSlotCount int) (domain.ConditionID, error) {
	var out struct {
		ConditionID common.Hash `json:"condition_id"`
	}
	body := map[string]any{
		"oracle":             oracle,
		"question_id":        questionID,
		"outcome_slot_count": outcomeSlotCount,
	}
	if err := c.do(ctx, http.MethodPost, "/api/conditions", body, &out); err != nil {
		return domain.ConditionID{}, fmt.Errorf("ledgerclient: prepare condition: %w", err)
	}
	return out.ConditionID, nil
}

// GetCondition fetches one condition.
func (c *Client) GetCondition(ctx context.Context, id domain.ConditionID) (domain.Condition, error) {
	var out APICondition
	if err := c.do(ctx, http.MethodGet, "/api/conditions/"+id.Hex(), nil, &out); err != nil {
		return domain.Condition{}, fmt.Errorf("ledgerclient: get condition: %w", err)
	}
	return out.ToDomain(), nil
}

// ReportPayouts resolves a condition. The signer must be its oracle.
func (c *Client) ReportPayouts(ctx context.Context, id domain.ConditionID, payouts []*uint256.Int) (domain.Condition, error) {
	var out APICondition
	body := map[string]any{"payouts": domain.Amounts(payouts)}
	if err := c.do(ctx, http.MethodPost, "/api/conditions/"+id.Hex()+"/resolve", body, &out); err != nil {
		return domain.Condition{}, fmt.Errorf("ledgerclient: report payouts: %w", err)
	}
	return out.ToDomain(), nil
}

// Custody returns the collateral the ledger holds in one asset.
func (c *Client) Custody(ctx context.Context, collateral common.Address) (*uint256.Int, error) {
	var out struct {
		Amount domain.Amount `json:"amount"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/custody/"+collateral.Hex(), nil, &out); err != nil {
		return nil, fmt.Errorf("ledgerclient: custody: %w", err)
	}
	return out.Amount.Uint(), nil
}

// --------------------------------------------------------------------------
// Positions
// --------------------------------------------------------------------------

// SplitPosition splits the signer's collateral or parent position.
func (c *Client) SplitPosition(ctx context.Context, req PositionRequest) error {
	if err := c.do(ctx, http.MethodPost, "/api/positions/split", req, nil); err != nil {
		return fmt.Errorf("ledgerclient: split: %w", err)
	}
	return nil
}

// MergePositions merges the signer's child positions.
func (c *Client) MergePositions(ctx context.Context, req PositionRequest) error {
	if err := c.do(ctx, http.MethodPost, "/api/positions/merge", req, nil); err != nil {
		return fmt.Errorf("ledgerclient: merge: %w", err)
	}
	return nil
}

// RedeemPositions redeems the signer's positions and returns the payout.
func (c *Client) RedeemPositions(ctx context.Context, req RedeemRequest) (*uint256.Int, error) {
	var out struct {
		Payout domain.Amount `json:"payout"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/positions/redeem", req, &out); err != nil {
		return nil, fmt.Errorf("ledgerclient: redeem: %w", err)
	}
	return out.Payout.Uint(), nil
}

// BalanceOf returns one position balance.
func (c *Client) BalanceOf(ctx context.Context, owner common.Address, id domain.PositionID) (*uint256.Int, error) {
	var out struct {
		Balance domain.Amount `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/balances/"+owner.Hex()+"/"+id.String(), nil, &out); err != nil {
		return nil, fmt.Errorf("ledgerclient: balance: %w", err)
	}
	return out.Balance.Uint(), nil
}

// BalanceOfBatch returns the balance of each (owner, id) pair.
func (c *Client) BalanceOfBatch(ctx context.Context, owners []common.Address, ids []domain.PositionID) ([]*uint256.Int, error) {
	var out struct {
		Balances []domain.Amount `json:"balances"`
	}
	body := map[string]any{"owners": owners, "ids": ids}
	if err := c.do(ctx, http.MethodPost, "/api/balances/batch", body, &out); err != nil {
		return nil, fmt.Errorf("ledgerclient: balance batch: %w", err)
	}
	bals := make([]*uint256.Int, len(out.Balances))
	for i, b := range out.Balances {
		bals[i] = b.Uint()
	}
	return bals, nil
}

// Transfer moves amount of id from one holder to another. The signer must be
// from or one of its approved operators.
func (c *Client) Transfer(ctx context.Context, from, to common.Address, id domain.PositionID, amount *uint256.Int) error {
	body := map[string]any{"from": from, "to": to, "id": id, "amount": domain.NewAmount(amount)}
	if err := c.do(ctx, http.MethodPost, "/api/transfers", body, nil); err != nil {
		return fmt.Errorf("ledgerclient: transfer: %w", err)
	}
	return nil
}

// TransferBatch moves several positions at once, all or nothing.
func (c *Client) TransferBatch(ctx context.Context, from, to common.Address, ids []domain.PositionID, amounts []*uint256.Int) error {
	body := map[string]any{"from": from, "to": to, "ids": ids, "amounts": domain.Amounts(amounts)}
	if err := c.do(ctx, http.MethodPost, "/api/transfers/batch", body, nil); err != nil {
		return fmt.Errorf("ledgerclient: transfer batch: %w", err)
	}
	return nil
}

// SetApprovalForAll grants or revokes operator rights over the signer's
// positions.
func (c *Client) SetApprovalForAll(ctx context.Context, operator common.Address, approved bool) error {
	body := map[string]any{"operator": operator, "approved": approved}
	if err := c.do(ctx, http.MethodPost, "/api/approvals", body, nil); err != nil {
		return fmt.Errorf("ledgerclient: set approval: %w", err)
	}
	return nil
}

// IsApprovedForAll reports whether operator may move owner's positions.
func (c *Client) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	var out struct {
		Approved bool `json:"approved"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/approvals/"+owner.Hex()+"/"+operator.Hex(), nil, &out); err != nil {
		return false, fmt.Errorf("ledgerclient: approval: %w", err)
	}
	return out.Approved, nil
}

// Events pages through the event log after the given sequence number.
func (c *Client) Events(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEvent, error) {
	var out struct {
		Events []domain.LedgerEvent `json:"events"`
	}
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterSeq, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, http.MethodGet, "/api/events?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("ledgerclient: events: %w", err)
	}
	return out.Events, nil
}

// --------------------------------------------------------------------------
// Markets and collateral
// --------------------------------------------------------------------------

// CreateMarket creates a funded binary market. The signer must be the
// ledger's market factory.
func (c *Client) CreateMarket(ctx context.Context, req MarketRequest) (domain.Market, error) {
	var out APIMarket
	if err := c.do(ctx, http.MethodPost, "/api/markets", req, &out); err != nil {
		return domain.Market{}, fmt.Errorf("ledgerclient: create market: %w", err)
	}
	return out.ToDomain(), nil
}

// GetMarket fetches a market by id.
func (c *Client) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	var out APIMarket
	if err := c.do(ctx, http.MethodGet, "/api/markets/"+url.PathEscape(id), nil, &out); err != nil {
		return domain.Market{}, fmt.Errorf("ledgerclient: get market: %w", err)
	}
	return out.ToDomain(), nil
}

// CollateralBalance returns owner's collateral balance and its allowance to
// the ledger's custody address.
func (c *Client) CollateralBalance(ctx context.Context, asset, owner common.Address) (CollateralBalance, error) {
	var out CollateralBalance
	if err := c.do(ctx, http.MethodGet, "/api/collateral/"+asset.Hex()+"/"+owner.Hex(), nil, &out); err != nil {
		return CollateralBalance{}, fmt.Errorf("ledgerclient: collateral balance: %w", err)
	}
	return out, nil
}

// ApproveCollateral lets the ledger pull up to amount of the signer's asset.
func (c *Client) ApproveCollateral(ctx context.Context, asset common.Address, amount *uint256.Int) error {
	body := map[string]any{"asset": asset, "amount": domain.NewAmount(amount)}
	if err := c.do(ctx, http.MethodPost, "/api/collateral/approve", body, nil); err != nil {
		return fmt.Errorf("ledgerclient: approve collateral: %w", err)
	}
	return nil
}

// MintCollateral asks a development ledger's faucet for collateral.
func (c *Client) MintCollateral(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	body := map[string]any{"asset": asset, "to": to, "amount": domain.NewAmount(amount)}
	if err := c.do(ctx, http.MethodPost, "/api/collateral/mint", body, nil); err != nil {
		return fmt.Errorf("ledgerclient: mint collateral: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Transport
// --------------------------------------------------------------------------

// do sends one request and decodes a 2xx JSON response into out when out is
// non-nil. Requests with a body are signed; a signer is required for them.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if method != http.MethodGet {
		if c.signer == nil {
			return errors.New("signed request needs a wallet key")
		}
		headers, err := c.signer.Headers(method, path, payload, c.stamp(method, path, payload))
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkHTTPStatus turns a non-2xx response into an *APIError.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	apiErr := &APIError{Status: statusCode, Message: strings.TrimSpace(string(body))}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		apiErr.Message = e.Error
		apiErr.Kind = domain.ErrorKind(e.Kind)
	}
	return apiErr
}
