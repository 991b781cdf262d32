package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Create inserts a market. A second market for the same id or condition is
// rejected with domain.ErrAlreadyExists.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, question, slug, outcome_1, outcome_2,
			token_id_1, token_id_2, condition_id, question_id,
			oracle, collateral_token, creator, funding, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::text::numeric, $7::text::numeric, $8, $9,
			$10, $11, $12, $13::text::numeric, $14
		)`

	_, err := s.pool.Exec(ctx, query,
		m.ID, m.Question, m.Slug,
		m.Outcomes[0], m.Outcomes[1],
		m.TokenIDs[0].String(), m.TokenIDs[1].String(),
		m.ConditionID.Hex(), m.QuestionID.Hex(),
		addrText(m.Oracle), addrText(m.CollateralToken), addrText(m.Creator),
		m.Funding.Dec(), m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: market %s: %w", m.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create market %s: %w", m.ID, err)
	}
	return nil
}

const marketCols = `id, question, slug, outcome_1, outcome_2,
	token_id_1::text, token_id_2::text, condition_id, question_id,
	oracle, collateral_token, creator, funding::text, created_at`

// scanMarket scans a single market row into a domain.Market. Status is
// derived from the ledger by the service layer.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                               domain.Market
		tok1, tok2, cond, qid           string
		oracle, collateral, creator, fd string
	)
	err := row.Scan(
		&m.ID, &m.Question, &m.Slug,
		&m.Outcomes[0], &m.Outcomes[1],
		&tok1, &tok2, &cond, &qid,
		&oracle, &collateral, &creator, &fd, &m.CreatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	if m.TokenIDs[0], err = parsePosition(tok1); err != nil {
		return domain.Market{}, err
	}
	if m.TokenIDs[1], err = parsePosition(tok2); err != nil {
		return domain.Market{}, err
	}
	m.ConditionID = common.HexToHash(cond)
	m.QuestionID = common.HexToHash(qid)
	if m.Oracle, err = parseAddr(oracle); err != nil {
		return domain.Market{}, err
	}
	if m.CollateralToken, err = parseAddr(collateral); err != nil {
		return domain.Market{}, err
	}
	if m.Creator, err = parseAddr(creator); err != nil {
		return domain.Market{}, err
	}
	funding, err := parseUint(fd)
	if err != nil {
		return domain.Market{}, err
	}
	m.Funding = domain.NewAmount(funding)
	m.CreatedAt = m.CreatedAt.UTC()
	m.Status = domain.MarketStatusActive
	return m, nil
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", id, err)
	}
	return m, nil
}

// GetByConditionID retrieves the market minted for a condition.
func (s *MarketStore) GetByConditionID(ctx context.Context, conditionID domain.ConditionID) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE condition_id = $1`, conditionID.Hex())
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market by condition %s: %w", conditionID.Hex(), err)
	}
	return m, nil
}

// List returns markets in creation order with pagination and optional time
// filtering.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets WHERE 1=1`
	var args []any
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at, id"
	query, args = pageClause(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// TokenRegistry implements domain.TokenRegistry on the token_pairs table.
type TokenRegistry struct {
	pool *pgxpool.Pool
}

var _ domain.TokenRegistry = (*TokenRegistry)(nil)

// NewTokenRegistry creates a TokenRegistry backed by the given connection pool.
func NewTokenRegistry(pool *pgxpool.Pool) *TokenRegistry {
	return &TokenRegistry{pool: pool}
}

// RegisterTokenPair inserts both directions of the pair in one transaction.
func (r *TokenRegistry) RegisterTokenPair(ctx context.Context, token, complement domain.PositionID, conditionID domain.ConditionID) error {
	if token.IsZero() || complement.IsZero() {
		return fmt.Errorf("%w: zero token id", domain.ErrInvalidComplement)
	}
	if token == complement {
		return fmt.Errorf("%w: token is its own complement", domain.ErrInvalidComplement)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin register token pair: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `INSERT INTO token_pairs (token_id, complement_id, condition_id)
		VALUES ($1::text::numeric, $2::text::numeric, $3)`
	for _, pair := range [][2]domain.PositionID{{token, complement}, {complement, token}} {
		if _, err := tx.Exec(ctx, insert, pair[0].String(), pair[1].String(), conditionID.Hex()); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", domain.ErrTokenAlreadyRegistered, pair[0])
			}
			return fmt.Errorf("postgres: register token %s: %w", pair[0], err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit token pair: %w", err)
	}
	return nil
}

// Complement returns the registered complement of token.
func (r *TokenRegistry) Complement(ctx context.Context, token domain.PositionID) (domain.PositionID, domain.ConditionID, error) {
	var comp, cond string
	err := r.pool.QueryRow(ctx,
		`SELECT complement_id::text, condition_id FROM token_pairs WHERE token_id = $1::text::numeric`,
		token.String()).Scan(&comp, &cond)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionID{}, domain.ConditionID{}, domain.ErrNotFound
		}
		return domain.PositionID{}, domain.ConditionID{}, fmt.Errorf("postgres: complement of %s: %w", token, err)
	}
	id, err := parsePosition(comp)
	if err != nil {
		return domain.PositionID{}, domain.ConditionID{}, err
	}
	return id, common.HexToHash(cond), nil
}
