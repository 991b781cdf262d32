package collateral

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

var (
	usdc    = common.HexToAddress("0xa5")
	holder  = common.HexToAddress("0x01")
	spender = common.HexToAddress("0x02")
	payee   = common.HexToAddress("0x03")
)

func balance(t *testing.T, tok *Token, who common.Address) uint64 {
	t.Helper()
	b, err := tok.BalanceOf(context.Background(), who)
	require.NoError(t, err)
	return b.Uint64()
}

func TestToken_TransferFromConsumesAllowance(t *testing.T) {
	ctx := context.Background()
	tok := NewToken(usdc)
	require.NoError(t, tok.Mint(ctx, holder, uint256.NewInt(100)))

	err := tok.TransferFrom(ctx, spender, holder, payee, uint256.NewInt(10))
	require.ErrorIs(t, err, domain.ErrInsufficientAllowance)
	assert.Equal(t, domain.KindExternal, domain.KindOf(err))

	require.NoError(t, tok.Approve(ctx, holder, spender, uint256.NewInt(30)))
	require.NoError(t, tok.TransferFrom(ctx, spender, holder, payee, uint256.NewInt(25)))

	left, err := tok.Allowance(ctx, holder, spender)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), left.Uint64())
	assert.Equal(t, uint64(75), balance(t, tok, holder))
	assert.Equal(t, uint64(25), balance(t, tok, payee))

	// The owner moving their own funds needs no allowance.
	require.NoError(t, tok.TransferFrom(ctx, holder, holder, payee, uint256.NewInt(75)))
	assert.Zero(t, balance(t, tok, holder))
}

func TestToken_TransferErrors(t *testing.T) {
	ctx := context.Background()
	tok := NewToken(usdc)
	require.NoError(t, tok.Mint(ctx, holder, uint256.NewInt(10)))

	err := tok.Transfer(ctx, holder, payee, uint256.NewInt(11))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	require.ErrorIs(t, err, domain.ErrCollateralTransferFailed)

	err = tok.Transfer(ctx, holder, common.Address{}, uint256.NewInt(1))
	require.ErrorIs(t, err, domain.ErrZeroAddress)

	require.NoError(t, tok.Transfer(ctx, holder, holder, uint256.NewInt(10)))
	assert.Equal(t, uint64(10), balance(t, tok, holder))
}

func TestToken_MintOverflow(t *testing.T) {
	ctx := context.Background()
	tok := NewToken(usdc)
	require.NoError(t, tok.Mint(ctx, holder, new(uint256.Int).SetAllOne()))
	require.ErrorIs(t, tok.Mint(ctx, holder, uint256.NewInt(1)), domain.ErrOverflow)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	strict := NewRegistry(false, usdc)

	_, err := strict.Token(ctx, common.HexToAddress("0xbeef"))
	require.ErrorIs(t, err, domain.ErrCollateralTransferFailed)
	_, err = strict.Token(ctx, common.Address{})
	require.ErrorIs(t, err, domain.ErrZeroAddress)

	require.NoError(t, strict.Mint(ctx, usdc, holder, uint256.NewInt(3)))
	tok, err := strict.Token(ctx, usdc)
	require.NoError(t, err)
	b, err := tok.BalanceOf(ctx, holder)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.Uint64())

	open := NewRegistry(true)
	a, err := open.Token(ctx, common.HexToAddress("0xbeef"))
	require.NoError(t, err)
	again, err := open.Token(ctx, common.HexToAddress("0xbeef"))
	require.NoError(t, err)
	assert.Same(t, a, again)
}
