package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func addrText(a common.Address) string { return strings.ToLower(a.Hex()) }

func parseAddr(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("postgres: bad address %q", s)
	}
	return common.HexToAddress(s), nil
}

// uintText renders v for a $n::text::numeric parameter.
func uintText(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseUint(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("postgres: bad numeric %q: %w", s, err)
	}
	return v, nil
}

func parsePosition(s string) (domain.PositionID, error) {
	id, err := domain.ParsePositionID(s)
	if err != nil {
		return domain.PositionID{}, fmt.Errorf("postgres: %w", err)
	}
	return id, nil
}

// pageClause appends LIMIT/OFFSET placeholders starting at argIdx.
func pageClause(query string, args []any, opts domain.ListOpts) (string, []any) {
	argIdx := len(args) + 1
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
