// Package collateral provides an in-memory ERC-20 style collateral asset
// used by the memory backend and the ledger tests.
package collateral

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// Token is a fungible in-memory token with balances and allowances.
type Token struct {
	asset common.Address

	mu         sync.Mutex
	balances   map[common.Address]*uint256.Int
	allowances map[[2]common.Address]*uint256.Int
}

var _ domain.CollateralToken = (*Token)(nil)

// NewToken creates an empty token identified by asset.
func NewToken(asset common.Address) *Token {
	return &Token{
		asset:      asset,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[[2]common.Address]*uint256.Int),
	}
}

// Asset returns the token's address.
func (t *Token) Asset() common.Address { return t.asset }

// Mint credits amount to to. It is the development faucet.
func (t *Token) Mint(_ context.Context, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bal := t.balanceLocked(to)
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return fmt.Errorf("collateral: mint: %w", domain.ErrOverflow)
	}
	t.balances[to] = sum
	return nil
}

func (t *Token) TransferFrom(_ context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if spender != from {
		key := [2]common.Address{from, spender}
		allowed := t.allowances[key]
		if allowed == nil || allowed.Lt(amount) {
			return fmt.Errorf("%w: %w: %s allows %s", domain.ErrCollateralTransferFailed,
				domain.ErrInsufficientAllowance, from.Hex(), spender.Hex())
		}
		t.allowances[key] = new(uint256.Int).Sub(allowed, amount)
	}
	return t.moveLocked(from, to, amount)
}

func (t *Token) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

func (t *Token) Approve(_ context.Context, owner, spender common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[[2]common.Address{owner, spender}] = new(uint256.Int).Set(amount)
	return nil
}

func (t *Token) BalanceOf(_ context.Context, owner common.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.balanceLocked(owner)), nil
}

func (t *Token) Allowance(_ context.Context, owner, spender common.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a := t.allowances[[2]common.Address{owner, spender}]; a != nil {
		return new(uint256.Int).Set(a), nil
	}
	return new(uint256.Int), nil
}

func (t *Token) moveLocked(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: %w", domain.ErrCollateralTransferFailed, domain.ErrZeroAddress)
	}
	fromBal := t.balanceLocked(from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %w: %s has %s, needs %s", domain.ErrCollateralTransferFailed,
			domain.ErrInsufficientBalance, from.Hex(), fromBal.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	toBal := t.balanceLocked(to)
	sum, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return fmt.Errorf("%w: %w", domain.ErrCollateralTransferFailed, domain.ErrOverflow)
	}
	t.balances[from] = new(uint256.Int).Sub(fromBal, amount)
	t.balances[to] = sum
	return nil
}

func (t *Token) balanceLocked(owner common.Address) *uint256.Int {
	if b := t.balances[owner]; b != nil {
		return b
	}
	return new(uint256.Int)
}

// Registry maps collateral asset addresses to in-memory tokens.
type Registry struct {
	mu         sync.RWMutex
	tokens     map[common.Address]*Token
	autoCreate bool
}

var (
	_ domain.CollateralSource = (*Registry)(nil)
	_ domain.CollateralFaucet = (*Registry)(nil)
)

// NewRegistry creates a registry holding the given assets. When autoCreate
// is true, unknown assets are created empty on first use.
func NewRegistry(autoCreate bool, assets ...common.Address) *Registry {
	r := &Registry{tokens: make(map[common.Address]*Token), autoCreate: autoCreate}
	for _, a := range assets {
		r.tokens[a] = NewToken(a)
	}
	return r
}

// Token returns the token for asset.
func (r *Registry) Token(_ context.Context, asset common.Address) (domain.CollateralToken, error) {
	t, err := r.lookup(asset)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Mint credits amount of asset to to.
func (r *Registry) Mint(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	t, err := r.lookup(asset)
	if err != nil {
		return err
	}
	return t.Mint(ctx, to, amount)
}

func (r *Registry) lookup(asset common.Address) (*Token, error) {
	if asset == (common.Address{}) {
		return nil, fmt.Errorf("collateral: %w", domain.ErrZeroAddress)
	}
	r.mu.RLock()
	t, ok := r.tokens[asset]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	if !r.autoCreate {
		return nil, fmt.Errorf("%w: unknown collateral asset %s", domain.ErrCollateralTransferFailed, asset.Hex())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[asset]; ok {
		return t, nil
	}
	t = NewToken(asset)
	r.tokens[asset] = t
	return t, nil
}
