package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// unresolvedTTL bounds how long an open condition may be served from cache.
// A resolved condition never changes and is stored without expiry.
const unresolvedTTL = 30 * time.Second

// ConditionCache implements domain.ConditionCache with one JSON string per
// condition.
//
// Key schema:
//
//	ctfledger:condition:{conditionId}
type ConditionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewConditionCache creates a ConditionCache backed by the given Client.
// ttl applies to unresolved conditions; zero uses the default.
func NewConditionCache(c *Client, ttl time.Duration) *ConditionCache {
	if ttl <= 0 {
		ttl = unresolvedTTL
	}
	return &ConditionCache{rdb: c.rdb, ttl: ttl}
}

func conditionKey(id domain.ConditionID) string { return key(nsCondition, id.Hex()) }

// cachedCondition is the wire form; amounts travel as decimal strings.
type cachedCondition struct {
	ID                string         `json:"id"`
	Oracle            common.Address `json:"oracle"`
	QuestionID        common.Hash    `json:"question_id"`
	OutcomeSlotCount  int            `json:"outcome_slot_count"`
	PayoutNumerators  []string       `json:"payout_numerators,omitempty"`
	PayoutDenominator string         `json:"payout_denominator,omitempty"`
	PreparedAt        time.Time      `json:"prepared_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
}

func encodeCondition(c domain.Condition) ([]byte, error) {
	rec := cachedCondition{
		ID:               c.ID.Hex(),
		Oracle:           c.Oracle,
		QuestionID:       c.QuestionID,
		OutcomeSlotCount: c.OutcomeSlotCount,
		PreparedAt:       c.PreparedAt,
		ResolvedAt:       c.ResolvedAt,
	}
	for _, n := range c.PayoutNumerators {
		rec.PayoutNumerators = append(rec.PayoutNumerators, n.Dec())
	}
	if c.PayoutDenominator != nil {
		rec.PayoutDenominator = c.PayoutDenominator.Dec()
	}
	return json.Marshal(rec)
}

func decodeCondition(data []byte) (domain.Condition, error) {
	var rec cachedCondition
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.Condition{}, err
	}
	c := domain.Condition{
		ID:               common.HexToHash(rec.ID),
		Oracle:           rec.Oracle,
		QuestionID:       rec.QuestionID,
		OutcomeSlotCount: rec.OutcomeSlotCount,
		PreparedAt:       rec.PreparedAt,
		ResolvedAt:       rec.ResolvedAt,
	}
	for _, s := range rec.PayoutNumerators {
		n, err := uint256.FromDecimal(s)
		if err != nil {
			return domain.Condition{}, err
		}
		c.PayoutNumerators = append(c.PayoutNumerators, n)
	}
	if rec.PayoutDenominator != "" {
		d, err := uint256.FromDecimal(rec.PayoutDenominator)
		if err != nil {
			return domain.Condition{}, err
		}
		c.PayoutDenominator = d
	}
	return c, nil
}

// Set stores a condition. Resolved conditions are kept without expiry.
func (cc *ConditionCache) Set(ctx context.Context, c domain.Condition) error {
	data, err := encodeCondition(c)
	if err != nil {
		return fmt.Errorf("redis: marshal condition %s: %w", c.ID.Hex(), err)
	}
	ttl := cc.ttl
	if c.Resolved() {
		ttl = 0
	}
	if err := cc.rdb.Set(ctx, conditionKey(c.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set condition %s: %w", c.ID.Hex(), err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a cache miss.
func (cc *ConditionCache) Get(ctx context.Context, id domain.ConditionID) (domain.Condition, error) {
	data, err := cc.rdb.Get(ctx, conditionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Condition{}, domain.ErrNotFound
		}
		return domain.Condition{}, fmt.Errorf("redis: get condition %s: %w", id.Hex(), err)
	}
	c, err := decodeCondition(data)
	if err != nil {
		return domain.Condition{}, fmt.Errorf("redis: unmarshal condition %s: %w", id.Hex(), err)
	}
	return c, nil
}

// Compile-time interface check.
var _ domain.ConditionCache = (*ConditionCache)(nil)
