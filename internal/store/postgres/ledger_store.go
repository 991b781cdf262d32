package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// ledgerLockKey is the advisory lock every transition holds until commit.
const ledgerLockKey int64 = 0x6374666c6564 // "ctfled"

// LedgerStore implements domain.LedgerStore using PostgreSQL. Transitions
// are serialized across processes by a transaction-scoped advisory lock.
type LedgerStore struct {
	pool *pgxpool.Pool
	now  func() time.Time

	// One transition per process holds a pooled connection at a time, so
	// waiters never starve the collateral token of connections.
	mu sync.Mutex
}

var _ domain.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore creates a new LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool, now: time.Now}
}

// Atomic runs fn in one transaction. Events appended by fn are numbered
// after the current log head and inserted before commit.
func (s *LedgerStore) Atomic(ctx context.Context, fn func(tx domain.LedgerTx) error) ([]domain.LedgerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return nil, fmt.Errorf("postgres: ledger lock: %w", err)
	}

	ltx := &ledgerTx{q: tx}
	if err := fn(ltx); err != nil {
		return nil, err
	}

	var head int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM ledger_events`).Scan(&head); err != nil {
		return nil, fmt.Errorf("postgres: event log head: %w", err)
	}

	committed := make([]domain.LedgerEvent, len(ltx.events))
	if len(ltx.events) > 0 {
		now := s.now().UTC()
		batch := &pgx.Batch{}
		const insert = `INSERT INTO ledger_events (seq, tx_id, type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)`
		for i, ev := range ltx.events {
			ev.Seq = head + int64(i) + 1
			ev.CreatedAt = now
			committed[i] = ev
			batch.Queue(insert, ev.Seq, ev.TxID, string(ev.Type), []byte(ev.Payload), ev.CreatedAt)
		}
		br := tx.SendBatch(ctx, batch)
		for i := range committed {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return nil, fmt.Errorf("postgres: append event %d: %w", committed[i].Seq, err)
			}
		}
		if err := br.Close(); err != nil {
			return nil, fmt.Errorf("postgres: append events: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit transition: %w", err)
	}
	return committed, nil
}

func (s *LedgerStore) GetCondition(ctx context.Context, id domain.ConditionID) (domain.Condition, error) {
	return getCondition(ctx, s.pool, id)
}

func (s *LedgerStore) ListConditions(ctx context.Context, opts domain.ListOpts) ([]domain.Condition, error) {
	query := `SELECT ` + conditionCols + ` FROM conditions WHERE 1=1`
	var args []any
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND prepared_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND prepared_at <= $%d", len(args))
	}
	query += " ORDER BY seq"
	query, args = pageClause(query, args, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list conditions: %w", err)
	}
	defer rows.Close()

	var out []domain.Condition
	for rows.Next() {
		c, err := scanCondition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan condition: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list conditions rows: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) BalanceOf(ctx context.Context, owner common.Address, id domain.PositionID) (*uint256.Int, error) {
	return balance(ctx, s.pool, owner, id)
}

func (s *LedgerStore) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	return approved(ctx, s.pool, owner, operator)
}

func (s *LedgerStore) Custody(ctx context.Context, collateral common.Address) (*uint256.Int, error) {
	return custody(ctx, s.pool, collateral)
}

func (s *LedgerStore) ListEvents(ctx context.Context, afterSeq int64, limit int) ([]domain.LedgerEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, tx_id, type, payload, created_at
		FROM ledger_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT NULLIF($2::bigint, 0)`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events after %d: %w", afterSeq, err)
	}
	defer rows.Close()

	var out []domain.LedgerEvent
	for rows.Next() {
		var ev domain.LedgerEvent
		var typ string
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.TxID, &typ, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.Payload = payload
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events rows: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) ListBalances(ctx context.Context) ([]domain.BalanceEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner, position_id::text, amount::text
		FROM balances
		ORDER BY owner, position_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list balances: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceEntry
	for rows.Next() {
		var owner, pos, amount string
		if err := rows.Scan(&owner, &pos, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan balance: %w", err)
		}
		var e domain.BalanceEntry
		if e.Owner, err = parseAddr(owner); err != nil {
			return nil, err
		}
		if e.Position, err = parsePosition(pos); err != nil {
			return nil, err
		}
		if e.Amount, err = parseUint(amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list balances rows: %w", err)
	}
	return out, nil
}

func (s *LedgerStore) ListCustody(ctx context.Context) ([]domain.CustodyEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT collateral, amount::text
		FROM custody
		ORDER BY collateral`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list custody: %w", err)
	}
	defer rows.Close()

	var out []domain.CustodyEntry
	for rows.Next() {
		var collateral, amount string
		if err := rows.Scan(&collateral, &amount); err != nil {
			return nil, fmt.Errorf("postgres: scan custody: %w", err)
		}
		var e domain.CustodyEntry
		if e.Collateral, err = parseAddr(collateral); err != nil {
			return nil, err
		}
		if e.Amount, err = parseUint(amount); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list custody rows: %w", err)
	}
	return out, nil
}

// ledgerTx runs every statement on the open transition transaction.
type ledgerTx struct {
	q      querier
	events []domain.LedgerEvent
}

func (tx *ledgerTx) GetCondition(ctx context.Context, id domain.ConditionID) (domain.Condition, error) {
	return getCondition(ctx, tx.q, id)
}

func (tx *ledgerTx) InsertCondition(ctx context.Context, c domain.Condition) error {
	nums, den := payoutText(c)
	tag, err := tx.q.Exec(ctx, `
		INSERT INTO conditions (
			condition_id, oracle, question_id, outcome_slot_count,
			payout_numerators, payout_denominator, prepared_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5::text[]::numeric[], $6::text::numeric, $7, $8)
		ON CONFLICT (condition_id) DO NOTHING`,
		c.ID.Hex(), addrText(c.Oracle), c.QuestionID.Hex(), c.OutcomeSlotCount,
		nums, den, c.PreparedAt, c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert condition %s: %w", c.ID.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyPrepared
	}
	return nil
}

func (tx *ledgerTx) UpdateCondition(ctx context.Context, c domain.Condition) error {
	nums, den := payoutText(c)
	tag, err := tx.q.Exec(ctx, `
		UPDATE conditions SET
			payout_numerators  = $2::text[]::numeric[],
			payout_denominator = $3::text::numeric,
			resolved_at        = $4
		WHERE condition_id = $1`,
		c.ID.Hex(), nums, den, c.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update condition %s: %w", c.ID.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConditionNotFound
	}
	return nil
}

func (tx *ledgerTx) Balance(ctx context.Context, owner common.Address, id domain.PositionID) (*uint256.Int, error) {
	return balance(ctx, tx.q, owner, id)
}

func (tx *ledgerTx) SetBalance(ctx context.Context, owner common.Address, id domain.PositionID, amount *uint256.Int) error {
	var err error
	if amount == nil || amount.IsZero() {
		_, err = tx.q.Exec(ctx,
			`DELETE FROM balances WHERE owner = $1 AND position_id = $2::text::numeric`,
			addrText(owner), id.String())
	} else {
		_, err = tx.q.Exec(ctx, `
			INSERT INTO balances (owner, position_id, amount)
			VALUES ($1, $2::text::numeric, $3::text::numeric)
			ON CONFLICT (owner, position_id) DO UPDATE SET amount = EXCLUDED.amount`,
			addrText(owner), id.String(), uintText(amount))
	}
	if err != nil {
		return fmt.Errorf("postgres: set balance %s/%s: %w", owner.Hex(), id, err)
	}
	return nil
}

func (tx *ledgerTx) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	return approved(ctx, tx.q, owner, operator)
}

func (tx *ledgerTx) SetApprovalForAll(ctx context.Context, owner, operator common.Address, ok bool) error {
	var err error
	if ok {
		_, err = tx.q.Exec(ctx,
			`INSERT INTO approvals (owner, operator) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			addrText(owner), addrText(operator))
	} else {
		_, err = tx.q.Exec(ctx,
			`DELETE FROM approvals WHERE owner = $1 AND operator = $2`,
			addrText(owner), addrText(operator))
	}
	if err != nil {
		return fmt.Errorf("postgres: set approval %s -> %s: %w", owner.Hex(), operator.Hex(), err)
	}
	return nil
}

func (tx *ledgerTx) Custody(ctx context.Context, collateral common.Address) (*uint256.Int, error) {
	return custody(ctx, tx.q, collateral)
}

func (tx *ledgerTx) SetCustody(ctx context.Context, collateral common.Address, amount *uint256.Int) error {
	var err error
	if amount == nil || amount.IsZero() {
		_, err = tx.q.Exec(ctx, `DELETE FROM custody WHERE collateral = $1`, addrText(collateral))
	} else {
		_, err = tx.q.Exec(ctx, `
			INSERT INTO custody (collateral, amount)
			VALUES ($1, $2::text::numeric)
			ON CONFLICT (collateral) DO UPDATE SET amount = EXCLUDED.amount`,
			addrText(collateral), uintText(amount))
	}
	if err != nil {
		return fmt.Errorf("postgres: set custody %s: %w", collateral.Hex(), err)
	}
	return nil
}

func (tx *ledgerTx) AppendEvent(_ context.Context, ev domain.LedgerEvent) error {
	tx.events = append(tx.events, ev)
	return nil
}

const conditionCols = `condition_id, oracle, question_id, outcome_slot_count,
	payout_numerators::text[], payout_denominator::text, prepared_at, resolved_at`

func getCondition(ctx context.Context, q querier, id domain.ConditionID) (domain.Condition, error) {
	row := q.QueryRow(ctx, `SELECT `+conditionCols+` FROM conditions WHERE condition_id = $1`, id.Hex())
	c, err := scanCondition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Condition{}, domain.ErrConditionNotFound
		}
		return domain.Condition{}, fmt.Errorf("postgres: get condition %s: %w", id.Hex(), err)
	}
	return c, nil
}

func scanCondition(row pgx.Row) (domain.Condition, error) {
	var (
		id, oracle, qid string
		nums            []string
		den             *string
		c               domain.Condition
	)
	if err := row.Scan(&id, &oracle, &qid, &c.OutcomeSlotCount, &nums, &den, &c.PreparedAt, &c.ResolvedAt); err != nil {
		return domain.Condition{}, err
	}
	c.ID = common.HexToHash(id)
	c.QuestionID = common.HexToHash(qid)
	var err error
	if c.Oracle, err = parseAddr(oracle); err != nil {
		return domain.Condition{}, err
	}
	c.PreparedAt = c.PreparedAt.UTC()
	if c.ResolvedAt != nil {
		t := c.ResolvedAt.UTC()
		c.ResolvedAt = &t
	}
	if len(nums) > 0 {
		c.PayoutNumerators = make([]*uint256.Int, len(nums))
		for i, n := range nums {
			if c.PayoutNumerators[i], err = parseUint(n); err != nil {
				return domain.Condition{}, err
			}
		}
	}
	if den != nil {
		if c.PayoutDenominator, err = parseUint(*den); err != nil {
			return domain.Condition{}, err
		}
	}
	return c, nil
}

func payoutText(c domain.Condition) ([]string, *string) {
	var nums []string
	if len(c.PayoutNumerators) > 0 {
		nums = make([]string, len(c.PayoutNumerators))
		for i, n := range c.PayoutNumerators {
			nums[i] = uintText(n)
		}
	}
	var den *string
	if c.PayoutDenominator != nil {
		d := c.PayoutDenominator.Dec()
		den = &d
	}
	return nums, den
}

func balance(ctx context.Context, q querier, owner common.Address, id domain.PositionID) (*uint256.Int, error) {
	return scanAmount(q.QueryRow(ctx,
		`SELECT amount::text FROM balances WHERE owner = $1 AND position_id = $2::text::numeric`,
		addrText(owner), id.String()), "balance")
}

func custody(ctx context.Context, q querier, collateral common.Address) (*uint256.Int, error) {
	return scanAmount(q.QueryRow(ctx,
		`SELECT amount::text FROM custody WHERE collateral = $1`,
		addrText(collateral)), "custody")
}

func approved(ctx context.Context, q querier, owner, operator common.Address) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM approvals WHERE owner = $1 AND operator = $2)`,
		addrText(owner), addrText(operator)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: approval lookup: %w", err)
	}
	return ok, nil
}

// scanAmount reads a single numeric column; a missing row is zero.
func scanAmount(row pgx.Row, what string) (*uint256.Int, error) {
	var s string
	if err := row.Scan(&s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(uint256.Int), nil
		}
		return nil, fmt.Errorf("postgres: read %s: %w", what, err)
	}
	return parseUint(s)
}
