package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// BalanceMismatch is a position balance whose replayed value differs from the
// live store.
type BalanceMismatch struct {
	Owner     common.Address
	Position  domain.PositionID
	Projected *uint256.Int
	Live      *uint256.Int
}

// CustodyMismatch is a custody record whose replayed value differs from the
// live store.
type CustodyMismatch struct {
	Collateral common.Address
	Projected  *uint256.Int
	Live       *uint256.Int
}

// CollateralMismatch is an asset whose custody record differs from what the
// custody address actually holds.
type CollateralMismatch struct {
	Collateral common.Address
	Custody    *uint256.Int
	Held       *uint256.Int
}

// AuditReport is the outcome of one replay-and-compare run.
type AuditReport struct {
	Source               string
	Events               int
	LastSeq              int64
	BalanceMismatches    []BalanceMismatch
	CustodyMismatches    []CustodyMismatch
	CollateralMismatches []CollateralMismatch
	// Dust is collateral that stays locked once every outstanding root
	// position of a settled asset is paid: truncation remainders, not a fault.
	Dust []domain.CustodyEntry
	// Shortfall is collateral owed to root positions beyond what custody
	// holds. Those redemptions fail with ErrInsufficientCustody.
	Shortfall []domain.CustodyEntry
}

// OK reports whether replayed and live state agree.
func (r AuditReport) OK() bool {
	return len(r.BalanceMismatches) == 0 && len(r.CustodyMismatches) == 0 && len(r.CollateralMismatches) == 0
}

// AuditService replays the event log and checks it against live balances,
// custody records and the collateral actually held by the custody address.
type AuditService struct {
	reader     domain.LedgerReader
	collateral domain.CollateralSource
	custody    common.Address
	logger     *slog.Logger
}

// NewAuditService creates an AuditService. collateral may be nil to skip the
// asset balance check.
func NewAuditService(reader domain.LedgerReader, collateral domain.CollateralSource, custody common.Address, logger *slog.Logger) *AuditService {
	return &AuditService{
		reader:     reader,
		collateral: collateral,
		custody:    custody,
		logger:     logger.With(slog.String("component", "audit")),
	}
}

// AuditStore replays the store's own event log.
func (s *AuditService) AuditStore(ctx context.Context) (AuditReport, error) {
	p := NewProjector()
	if err := p.ReplayStore(ctx, s.reader); err != nil {
		return AuditReport{}, fmt.Errorf("audit: replay store: %w", err)
	}
	return s.verify(ctx, "store", p)
}

// AuditArchive replays archived events, then the store's tail beyond the
// archive, so a lagging archive still audits the full history.
func (s *AuditService) AuditArchive(ctx context.Context, archived []domain.LedgerEvent) (AuditReport, error) {
	p := NewProjector()
	if err := p.ReplayEvents(archived); err != nil {
		return AuditReport{}, fmt.Errorf("audit: replay archive: %w", err)
	}
	archivedTo := p.LastSeq()
	if err := p.ReplayStore(ctx, s.reader); err != nil {
		return AuditReport{}, fmt.Errorf("audit: replay tail after %d: %w", archivedTo, err)
	}
	s.logger.InfoContext(ctx, "audit: archive replayed",
		slog.Int("archived", len(archived)),
		slog.Int64("archived_to", archivedTo),
		slog.Int64("tail_to", p.LastSeq()),
	)
	return s.verify(ctx, "archive", p)
}

func (s *AuditService) verify(ctx context.Context, source string, p *Projector) (AuditReport, error) {
	report := AuditReport{Source: source, Events: p.Applied(), LastSeq: p.LastSeq()}

	live, err := s.reader.ListBalances(ctx)
	if err != nil {
		return report, fmt.Errorf("audit: list balances: %w", err)
	}
	report.BalanceMismatches = diffBalances(p.Balances(), live)

	liveCustody, err := s.reader.ListCustody(ctx)
	if err != nil {
		return report, fmt.Errorf("audit: list custody: %w", err)
	}
	report.CustodyMismatches = diffCustody(p.Custody(), liveCustody)

	if s.collateral != nil {
		mismatches, err := s.checkCollateral(ctx, liveCustody)
		if err != nil {
			return report, err
		}
		report.CollateralMismatches = mismatches
	}

	report.Dust, report.Shortfall = p.Residual()

	level := slog.LevelInfo
	if !report.OK() {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "audit: complete",
		slog.String("source", source),
		slog.Int("events", report.Events),
		slog.Int64("last_seq", report.LastSeq),
		slog.Int("balance_mismatches", len(report.BalanceMismatches)),
		slog.Int("custody_mismatches", len(report.CustodyMismatches)),
		slog.Int("collateral_mismatches", len(report.CollateralMismatches)),
		slog.Int("dust_assets", len(report.Dust)),
		slog.Int("shortfall_assets", len(report.Shortfall)),
	)
	return report, nil
}

func (s *AuditService) checkCollateral(ctx context.Context, custody []domain.CustodyEntry) ([]CollateralMismatch, error) {
	var out []CollateralMismatch
	for _, e := range custody {
		token, err := s.collateral.Token(ctx, e.Collateral)
		if err != nil {
			return nil, fmt.Errorf("audit: collateral %s: %w", e.Collateral.Hex(), err)
		}
		held, err := token.BalanceOf(ctx, s.custody)
		if err != nil {
			return nil, fmt.Errorf("audit: collateral balance %s: %w", e.Collateral.Hex(), err)
		}
		if !held.Eq(e.Amount) {
			out = append(out, CollateralMismatch{Collateral: e.Collateral, Custody: e.Amount, Held: held})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Collateral.Cmp(out[j].Collateral) < 0 })
	return out, nil
}

func diffBalances(projected, live []domain.BalanceEntry) []BalanceMismatch {
	type key struct {
		owner common.Address
		id    domain.PositionID
	}
	want := make(map[key]*uint256.Int, len(projected))
	for _, e := range projected {
		want[key{e.Owner, e.Position}] = e.Amount
	}
	var out []BalanceMismatch
	for _, e := range live {
		k := key{e.Owner, e.Position}
		p := want[k]
		delete(want, k)
		if p == nil {
			p = new(uint256.Int)
		}
		if !p.Eq(e.Amount) {
			out = append(out, BalanceMismatch{Owner: e.Owner, Position: e.Position, Projected: p, Live: e.Amount})
		}
	}
	for k, p := range want {
		out = append(out, BalanceMismatch{Owner: k.owner, Position: k.id, Projected: p, Live: new(uint256.Int)})
	}
	return out
}

func diffCustody(projected, live []domain.CustodyEntry) []CustodyMismatch {
	want := make(map[common.Address]*uint256.Int, len(projected))
	for _, e := range projected {
		want[e.Collateral] = e.Amount
	}
	var out []CustodyMismatch
	for _, e := range live {
		p := want[e.Collateral]
		delete(want, e.Collateral)
		if p == nil {
			p = new(uint256.Int)
		}
		if !p.Eq(e.Amount) {
			out = append(out, CustodyMismatch{Collateral: e.Collateral, Projected: p, Live: e.Amount})
		}
	}
	for asset, p := range want {
		out = append(out, CustodyMismatch{Collateral: asset, Projected: p, Live: new(uint256.Int)})
	}
	return out
}
