package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// MarketStore keeps factory-created markets in memory.
type MarketStore struct {
	mu          sync.RWMutex
	byID        map[string]domain.Market
	byCondition map[domain.ConditionID]string
	order       []string
}

var _ domain.MarketStore = (*MarketStore)(nil)

func NewMarketStore() *MarketStore {
	return &MarketStore{
		byID:        make(map[string]domain.Market),
		byCondition: make(map[domain.ConditionID]string),
	}
}

func (s *MarketStore) Create(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return fmt.Errorf("memory: market %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	if _, ok := s.byCondition[m.ConditionID]; ok {
		return fmt.Errorf("memory: market for condition %s: %w", m.ConditionID.Hex(), domain.ErrAlreadyExists)
	}
	s.byID[m.ID] = m
	s.byCondition[m.ConditionID] = m.ID
	s.order = append(s.order, m.ID)
	return nil
}

func (s *MarketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *MarketStore) GetByConditionID(_ context.Context, conditionID domain.ConditionID) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCondition[conditionID]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *MarketStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := page(s.order, opts)
	out := make([]domain.Market, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out, nil
}

type complementEntry struct {
	complement  domain.PositionID
	conditionID domain.ConditionID
}

// TokenRegistry is the in-memory exchange token registry.
type TokenRegistry struct {
	mu      sync.RWMutex
	entries map[domain.PositionID]complementEntry
}

var _ domain.TokenRegistry = (*TokenRegistry)(nil)

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{entries: make(map[domain.PositionID]complementEntry)}
}

// RegisterTokenPair rejects zero ids, a token paired with itself, and any
// token that is already registered.
func (r *TokenRegistry) RegisterTokenPair(_ context.Context, token, complement domain.PositionID, conditionID domain.ConditionID) error {
	if token.IsZero() || complement.IsZero() {
		return fmt.Errorf("%w: zero token id", domain.ErrInvalidComplement)
	}
	if token == complement {
		return fmt.Errorf("%w: token is its own complement", domain.ErrInvalidComplement)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range []domain.PositionID{token, complement} {
		if _, ok := r.entries[id]; ok {
			return fmt.Errorf("%w: %s", domain.ErrTokenAlreadyRegistered, id)
		}
	}
	r.entries[token] = complementEntry{complement: complement, conditionID: conditionID}
	r.entries[complement] = complementEntry{complement: token, conditionID: conditionID}
	return nil
}

func (r *TokenRegistry) Complement(_ context.Context, token domain.PositionID) (domain.PositionID, domain.ConditionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[token]
	if !ok {
		return domain.PositionID{}, domain.ConditionID{}, domain.ErrNotFound
	}
	return e.complement, e.conditionID, nil
}
