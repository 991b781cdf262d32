package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// CollateralToken is the fungible asset interface the ledger moves
// collateral through. Any error returned by a transfer aborts the enclosing
// ledger transition.
type CollateralToken interface {
	// TransferFrom moves amount from -> to, spending spender's allowance.
	TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error
	// Transfer moves amount from -> to on from's own authority.
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)
}

// CollateralSource resolves a collateral asset address to its token.
type CollateralSource interface {
	Token(ctx context.Context, asset common.Address) (CollateralToken, error)
}

// CollateralFaucet is implemented by development collateral backends that
// can create balances out of thin air.
type CollateralFaucet interface {
	Mint(ctx context.Context, asset, to common.Address, amount *uint256.Int) error
}
