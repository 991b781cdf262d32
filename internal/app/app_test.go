package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ctfledger/internal/config"
	"github.com/alanyoungcy/ctfledger/internal/domain"
	"github.com/alanyoungcy/ctfledger/internal/server/ws"
	"github.com/alanyoungcy/ctfledger/internal/service"
)

var (
	usdc   = common.HexToAddress("0x00000000000000000000000000000000000a55e7")
	oracle = common.HexToAddress("0x000000000000000000000000000000000000a11e")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wireMemory(t *testing.T, mutate func(*config.Config)) (*App, *Dependencies) {
	t.Helper()
	cfg := config.Defaults()
	cfg.Ledger.Faucet = true
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	a := New(&cfg, discardLogger())
	deps, cleanup, err := Wire(context.Background(), &cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return a, deps
}

func TestWire_MemoryDefaults(t *testing.T) {
	_, deps := wireMemory(t, nil)

	assert.False(t, deps.Durable)
	assert.NotNil(t, deps.Ledger)
	assert.NotNil(t, deps.Markets)
	assert.NotNil(t, deps.Tokens)
	assert.NotNil(t, deps.Faucet)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.EventArchiver)
	assert.Empty(t, deps.Checks)
	assert.NotNil(t, deps.ReplayGuard)
	require.NotNil(t, deps.Factory)
	assert.NotEqual(t, common.Address{}, deps.Factory.Address())
}

func TestWire_FaucetOffByDefault(t *testing.T) {
	_, deps := wireMemory(t, func(c *config.Config) { c.Ledger.Faucet = false })
	assert.Nil(t, deps.Faucet)
}

func TestWire_ConfiguredFactoryKey(t *testing.T) {
	// Well-known development key (hardhat account #0).
	const key = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	_, deps := wireMemory(t, func(c *config.Config) { c.Wallet.PrivateKey = key })
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), deps.Factory.Address())
}

func TestBuildPipeline_NothingToRunInMemory(t *testing.T) {
	a, deps := wireMemory(t, nil)
	svc := a.buildServices(deps, nil)
	assert.Nil(t, a.buildPipeline(deps, svc.fanout))

	deps.Durable = true
	assert.NotNil(t, a.buildPipeline(deps, svc.fanout))
}

func TestNewServer_ServesHealthAndFactory(t *testing.T) {
	a, deps := wireMemory(t, nil)
	hub := ws.NewHub(nil, discardLogger(), ws.Config{Mode: "serve"})
	srv := httptest.NewServer(a.newServer(deps, a.buildServices(deps, hub), hub).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/markets")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// seed runs a small split/resolve/redeem history through the wired services.
func seed(t *testing.T, a *App, deps *Dependencies) domain.ConditionID {
	t.Helper()
	ctx := context.Background()
	svc := a.buildServices(deps, nil)
	custody := a.cfg.CustodyAddress()

	require.NoError(t, deps.Faucet.Mint(ctx, usdc, alice, uint256.NewInt(100)))
	tok, err := deps.Collateral.Token(ctx, usdc)
	require.NoError(t, err)
	require.NoError(t, tok.Approve(ctx, alice, custody, uint256.NewInt(100)))

	cond, err := svc.ledger.PrepareCondition(ctx, oracle, common.Hash{7}, 2)
	require.NoError(t, err)
	partition := []domain.IndexSet{domain.IndexSetFromUint64(1), domain.IndexSetFromUint64(2)}
	require.NoError(t, svc.ledger.SplitPosition(ctx, service.PositionRequest{
		Caller: alice, CollateralToken: usdc, ConditionID: cond,
		Partition: partition, Amount: uint256.NewInt(60),
	}))
	require.NoError(t, svc.ledger.ReportPayouts(ctx, oracle, cond, []*uint256.Int{uint256.NewInt(1), uint256.NewInt(0)}))
	_, err = svc.ledger.RedeemPositions(ctx, service.PositionRequest{
		Caller: alice, CollateralToken: usdc, ConditionID: cond, Partition: partition[:1],
	})
	require.NoError(t, err)
	return cond
}

func TestAuditMode_CleanHistory(t *testing.T) {
	a, deps := wireMemory(t, nil)
	seed(t, a, deps)

	require.NoError(t, a.AuditMode(context.Background(), deps))
}

func TestAuditMode_FailsOnTamperedBalance(t *testing.T) {
	a, deps := wireMemory(t, nil)
	seed(t, a, deps)

	ctx := context.Background()
	_, err := deps.Ledger.Atomic(ctx, func(tx domain.LedgerTx) error {
		return tx.SetBalance(ctx, alice, domain.PositionIDFromBytes([]byte{9}), uint256.NewInt(1))
	})
	require.NoError(t, err)

	err = a.AuditMode(ctx, deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 balance")
}

func TestAuditMode_ArchiveNeedsObjectStorage(t *testing.T) {
	a, deps := wireMemory(t, nil)
	a.cfg.Audit.Source = "archive"

	err := a.AuditMode(context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object storage")
}

func TestRun_UnsupportedMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "trade"
	a := New(&cfg, discardLogger())
	defer a.Close()

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported mode")
}
