package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// CollateralRegistry serves collateral tokens whose balances and allowances
// live in the collateral_balances and collateral_allowances tables.
type CollateralRegistry struct {
	pool   *pgxpool.Pool
	assets map[common.Address]bool
}

var (
	_ domain.CollateralSource = (*CollateralRegistry)(nil)
	_ domain.CollateralFaucet = (*CollateralRegistry)(nil)
)

// NewCollateralRegistry accepts only the listed assets, or any asset when
// none are listed.
func NewCollateralRegistry(pool *pgxpool.Pool, assets ...common.Address) *CollateralRegistry {
	r := &CollateralRegistry{pool: pool}
	if len(assets) > 0 {
		r.assets = make(map[common.Address]bool, len(assets))
		for _, a := range assets {
			r.assets[a] = true
		}
	}
	return r
}

// Token returns the token for asset.
func (r *CollateralRegistry) Token(_ context.Context, asset common.Address) (domain.CollateralToken, error) {
	return r.lookup(asset)
}

// Mint credits amount of asset to to.
func (r *CollateralRegistry) Mint(ctx context.Context, asset, to common.Address, amount *uint256.Int) error {
	t, err := r.lookup(asset)
	if err != nil {
		return err
	}
	return t.inTx(ctx, func(tx pgx.Tx) error {
		bals, err := t.lockBalances(ctx, tx, to)
		if err != nil {
			return err
		}
		sum, overflow := new(uint256.Int).AddOverflow(bals[to], amount)
		if overflow {
			return fmt.Errorf("postgres: mint: %w", domain.ErrOverflow)
		}
		return t.putBalance(ctx, tx, to, sum)
	})
}

func (r *CollateralRegistry) lookup(asset common.Address) (*CollateralToken, error) {
	if asset == (common.Address{}) {
		return nil, fmt.Errorf("postgres: collateral: %w", domain.ErrZeroAddress)
	}
	if r.assets != nil && !r.assets[asset] {
		return nil, fmt.Errorf("%w: unknown collateral asset %s", domain.ErrCollateralTransferFailed, asset.Hex())
	}
	return &CollateralToken{pool: r.pool, asset: asset}, nil
}

// CollateralToken is one asset of the table-backed collateral ledger. Every
// call runs in its own transaction with the touched rows locked.
type CollateralToken struct {
	pool  *pgxpool.Pool
	asset common.Address
}

var _ domain.CollateralToken = (*CollateralToken)(nil)

func (t *CollateralToken) TransferFrom(ctx context.Context, spender, from, to common.Address, amount *uint256.Int) error {
	return t.inTx(ctx, func(tx pgx.Tx) error {
		if spender != from {
			var s string
			err := tx.QueryRow(ctx, `
				SELECT amount::text FROM collateral_allowances
				WHERE asset = $1 AND owner = $2 AND spender = $3
				FOR UPDATE`,
				addrText(t.asset), addrText(from), addrText(spender)).Scan(&s)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("postgres: read allowance: %w", err)
			}
			allowed := new(uint256.Int)
			if err == nil {
				if allowed, err = parseUint(s); err != nil {
					return err
				}
			}
			if allowed.Lt(amount) {
				return fmt.Errorf("%w: %w: %s allows %s", domain.ErrCollateralTransferFailed,
					domain.ErrInsufficientAllowance, from.Hex(), spender.Hex())
			}
			if err := t.putAllowance(ctx, tx, from, spender, new(uint256.Int).Sub(allowed, amount)); err != nil {
				return err
			}
		}
		return t.move(ctx, tx, from, to, amount)
	})
}

func (t *CollateralToken) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	return t.inTx(ctx, func(tx pgx.Tx) error {
		return t.move(ctx, tx, from, to, amount)
	})
}

func (t *CollateralToken) Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error {
	return t.inTx(ctx, func(tx pgx.Tx) error {
		return t.putAllowance(ctx, tx, owner, spender, amount)
	})
}

func (t *CollateralToken) BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	return scanAmount(t.pool.QueryRow(ctx,
		`SELECT amount::text FROM collateral_balances WHERE asset = $1 AND owner = $2`,
		addrText(t.asset), addrText(owner)), "collateral balance")
}

func (t *CollateralToken) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	return scanAmount(t.pool.QueryRow(ctx,
		`SELECT amount::text FROM collateral_allowances WHERE asset = $1 AND owner = $2 AND spender = $3`,
		addrText(t.asset), addrText(owner), addrText(spender)), "collateral allowance")
}

func (t *CollateralToken) move(ctx context.Context, tx pgx.Tx, from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: %w", domain.ErrCollateralTransferFailed, domain.ErrZeroAddress)
	}
	bals, err := t.lockBalances(ctx, tx, from, to)
	if err != nil {
		return err
	}
	fromBal := bals[from]
	if fromBal.Lt(amount) {
		return fmt.Errorf("%w: %w: %s has %s, needs %s", domain.ErrCollateralTransferFailed,
			domain.ErrInsufficientBalance, from.Hex(), fromBal.Dec(), amount.Dec())
	}
	if from == to {
		return nil
	}
	sum, overflow := new(uint256.Int).AddOverflow(bals[to], amount)
	if overflow {
		return fmt.Errorf("%w: %w", domain.ErrCollateralTransferFailed, domain.ErrOverflow)
	}
	if err := t.putBalance(ctx, tx, from, new(uint256.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return t.putBalance(ctx, tx, to, sum)
}

// lockBalances reads and row-locks the owners' balances in address order;
// missing rows read as zero.
func (t *CollateralToken) lockBalances(ctx context.Context, tx pgx.Tx, owners ...common.Address) (map[common.Address]*uint256.Int, error) {
	keys := make([]string, len(owners))
	out := make(map[common.Address]*uint256.Int, len(owners))
	for i, o := range owners {
		keys[i] = addrText(o)
		out[o] = new(uint256.Int)
	}
	rows, err := tx.Query(ctx, `
		SELECT owner, amount::text FROM collateral_balances
		WHERE asset = $1 AND owner = ANY($2)
		ORDER BY owner
		FOR UPDATE`, addrText(t.asset), keys)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock collateral balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner, amount string
		if err := rows.Scan(&owner, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan collateral balance: %w", err)
		}
		addr, err := parseAddr(owner)
		if err != nil {
			return nil, err
		}
		if out[addr], err = parseUint(amount); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: collateral balance rows: %w", err)
	}
	return out, nil
}

func (t *CollateralToken) putBalance(ctx context.Context, tx pgx.Tx, owner common.Address, amount *uint256.Int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO collateral_balances (asset, owner, amount)
		VALUES ($1, $2, $3::text::numeric)
		ON CONFLICT (asset, owner) DO UPDATE SET amount = EXCLUDED.amount`,
		addrText(t.asset), addrText(owner), uintText(amount))
	if err != nil {
		return fmt.Errorf("postgres: write collateral balance %s: %w", owner.Hex(), err)
	}
	return nil
}

func (t *CollateralToken) putAllowance(ctx context.Context, tx pgx.Tx, owner, spender common.Address, amount *uint256.Int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO collateral_allowances (asset, owner, spender, amount)
		VALUES ($1, $2, $3, $4::text::numeric)
		ON CONFLICT (asset, owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
		addrText(t.asset), addrText(owner), addrText(spender), uintText(amount))
	if err != nil {
		return fmt.Errorf("postgres: write allowance %s -> %s: %w", owner.Hex(), spender.Hex(), err)
	}
	return nil
}

func (t *CollateralToken) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin collateral tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit collateral tx: %w", err)
	}
	return nil
}
