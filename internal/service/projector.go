package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/ctfledger/internal/ctf"
	"github.com/alanyoungcy/ctfledger/internal/domain"
)

const replayPageSize = 500

type holding struct {
	owner common.Address
	id    domain.PositionID
}

// rootPosition remembers which condition outcome a root-level position pays.
type rootPosition struct {
	collateral common.Address
	condition  domain.ConditionID
	set        domain.IndexSet
}

// component is one (condition, index set) a collection is built from.
type component struct {
	condition domain.ConditionID
	set       domain.IndexSet
}

// Projector rebuilds ledger state from the event log alone.
type Projector struct {
	lastSeq    int64
	applied    int
	balances   map[holding]*uint256.Int
	custody    map[common.Address]*uint256.Int
	conditions map[domain.ConditionID]domain.Condition
	roots      map[domain.PositionID]rootPosition
	// collections maps every collection seen to its components.
	collections map[domain.CollectionID][]component
}

// NewProjector returns an empty projection.
func NewProjector() *Projector {
	return &Projector{
		balances:   make(map[holding]*uint256.Int),
		custody:    make(map[common.Address]*uint256.Int),
		conditions: make(map[domain.ConditionID]domain.Condition),
		roots:      make(map[domain.PositionID]rootPosition),

		collections: make(map[domain.CollectionID][]component),
	}
}

// LastSeq is the sequence number of the last applied event.
func (p *Projector) LastSeq() int64 { return p.lastSeq }

// Applied is the number of events applied.
func (p *Projector) Applied() int { return p.applied }

// Apply folds one event into the projection. Events must arrive in
// sequence order without gaps.
func (p *Projector) Apply(ev domain.LedgerEvent) error {
	if ev.Seq != p.lastSeq+1 {
		return fmt.Errorf("projector: expected seq %d, got %d", p.lastSeq+1, ev.Seq)
	}
	if err := p.apply(ev); err != nil {
		return fmt.Errorf("projector: seq %d (%s): %w", ev.Seq, ev.Type, err)
	}
	p.lastSeq = ev.Seq
	p.applied++
	return nil
}

func (p *Projector) apply(ev domain.LedgerEvent) error {
	switch ev.Type {
	case domain.EventConditionPreparation:
		var e domain.ConditionPreparationEvent
		if err := ev.Decode(&e); err != nil {
			return err
		}
		p.conditions[e.ConditionID] = domain.Condition{
			ID:               e.ConditionID,
			Oracle:           e.Oracle,
			QuestionID:       e.QuestionID,
			OutcomeSlotCount: e.OutcomeSlotCount,
			PreparedAt:       ev.CreatedAt,
		}

	case domain.EventConditionResolution:
		var e domain.ConditionResolutionEvent
		if err := ev.Decode(&e); err != nil {
			return err
		}
		c, ok := p.conditions[e.ConditionID]
		if !ok {
			return domain.ErrConditionNotFound
		}
		den := new(uint256.Int)
		c.PayoutNumerators = make([]*uint256.Int, len(e.PayoutNumerators))
		for i, n := range e.PayoutNumerators {
			c.PayoutNumerators[i] = n.Uint()
			den.Add(den, c.PayoutNumerators[i])
		}
		c.PayoutDenominator = den
		resolvedAt := ev.CreatedAt
		c.ResolvedAt = &resolvedAt
		p.conditions[e.ConditionID] = c

	case domain.EventTransferSingle:
		var e domain.TransferSingleEvent
		if err := ev.Decode(&e); err != nil {
			return err
		}
		return p.move(e.From, e.To, e.ID, e.Value.Uint())

	case domain.EventTransferBatch:
		var e domain.TransferBatchEvent
		if err := ev.Decode(&e); err != nil {
			return err
		}
		if len(e.IDs) != len(e.Values) {
			return domain.ErrInvalidArgument
		}
		for i, id := range e.IDs {
			if err := p.move(e.From, e.To, id, e.Values[i].Uint()); err != nil {
				return err
			}
		}

	case domain.EventPositionSplit:
		var e domain.PositionSplitEvent
		if err := ev.Decode(&e); err != nil {
			return err
		}
		if err := p.trackChildren(e.CollateralToken, e.ParentCollectionID, e.ConditionID, e.Partition); err != nil {
			return err
		}
		if e.ParentCollectionID == domain.RootCollection {
			return p.adjustCustody(e.CollateralToken, e.Amount.Uint(), true)
		}

	case domain.EventPositionsMerge:
		var e domain.PositionsMergeEvent
		if err := ev.Decode(&e); err != nil {
			return err
		}
		if e.ParentCollectionID == domain.RootCollection {
			return p.adjustCustody(e.CollateralToken, e.Amount.Uint(), false)
		}
		return p.learnParent(e.CollateralToken, e.ParentCollectionID, e.ConditionID, e.Partition)

	case domain.EventPayoutRedemption:
		var e domain.PayoutRedemptionEvent
		if err := ev.Decode(&e); err != nil {
			return err
		}
		if e.ParentCollectionID == domain.RootCollection {
			return p.adjustCustody(e.CollateralToken, e.Payout.Uint(), false)
		}
		return p.learnParent(e.CollateralToken, e.ParentCollectionID, e.ConditionID, e.IndexSets)

	case domain.EventApprovalForAll:
		// Approvals do not move value.

	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	return nil
}

func (p *Projector) move(from, to common.Address, id domain.PositionID, amount *uint256.Int) error {
	zero := common.Address{}
	if from != zero {
		k := holding{from, id}
		bal := p.balances[k]
		if bal == nil || bal.Lt(amount) {
			return fmt.Errorf("%w: %s of %s", domain.ErrInsufficientBalance, from.Hex(), id)
		}
		bal.Sub(bal, amount)
		if bal.IsZero() {
			delete(p.balances, k)
		}
	}
	if to != zero && !amount.IsZero() {
		k := holding{to, id}
		bal := p.balances[k]
		if bal == nil {
			bal = new(uint256.Int)
			p.balances[k] = bal
		}
		if _, overflow := bal.AddOverflow(bal, amount); overflow {
			return domain.ErrOverflow
		}
	}
	return nil
}

func (p *Projector) adjustCustody(asset common.Address, amount *uint256.Int, credit bool) error {
	held := p.custody[asset]
	if held == nil {
		held = new(uint256.Int)
		p.custody[asset] = held
	}
	if credit {
		if _, overflow := held.AddOverflow(held, amount); overflow {
			return domain.ErrOverflow
		}
		return nil
	}
	if held.Lt(amount) {
		return fmt.Errorf("%w: %s", domain.ErrInsufficientCustody, asset.Hex())
	}
	held.Sub(held, amount)
	if held.IsZero() {
		delete(p.custody, asset)
	}
	return nil
}

// trackChildren records the makeup of every child collection of a split.
func (p *Projector) trackChildren(collateral common.Address, parent domain.CollectionID, conditionID domain.ConditionID, sets []domain.IndexSet) error {
	var base []component
	if parent != domain.RootCollection {
		var ok bool
		if base, ok = p.collections[parent]; !ok {
			return nil
		}
	}
	for _, set := range sets {
		child, err := ctf.CollectionID(parent, conditionID, set)
		if err != nil {
			return err
		}
		comps := append(append([]component(nil), base...), component{conditionID, set})
		p.register(collateral, child, comps)
	}
	return nil
}

// learnParent works out a nested parent's makeup from one of its children.
// A merge can reach a single-condition collection that no root split ever
// created, since collection ids do not depend on split order.
func (p *Projector) learnParent(collateral common.Address, parent domain.CollectionID, conditionID domain.ConditionID, sets []domain.IndexSet) error {
	if comps, ok := p.collections[parent]; ok {
		p.register(collateral, parent, comps)
		return nil
	}
	if len(sets) == 0 {
		return nil
	}
	child, err := ctf.CollectionID(parent, conditionID, sets[0])
	if err != nil {
		return err
	}
	comps, ok := p.collections[child]
	if !ok {
		return nil
	}
	for i, c := range comps {
		if c.condition == conditionID && c.set == sets[0] {
			rest := append(append([]component(nil), comps[:i]...), comps[i+1:]...)
			p.register(collateral, parent, rest)
			return nil
		}
	}
	return nil
}

// register stores a collection's makeup; single-component collections are
// root-level and their position under collateral is a root position.
func (p *Projector) register(collateral common.Address, coll domain.CollectionID, comps []component) {
	p.collections[coll] = comps
	if len(comps) == 1 {
		p.roots[ctf.PositionID(collateral, coll)] = rootPosition{
			collateral: collateral,
			condition:  comps[0].condition,
			set:        comps[0].set,
		}
	}
}

// Balances returns every non-zero projected balance.
func (p *Projector) Balances() []domain.BalanceEntry {
	out := make([]domain.BalanceEntry, 0, len(p.balances))
	for k, v := range p.balances {
		out = append(out, domain.BalanceEntry{Owner: k.owner, Position: k.id, Amount: new(uint256.Int).Set(v)})
	}
	return out
}

// Custody returns every non-zero projected custody record.
func (p *Projector) Custody() []domain.CustodyEntry {
	out := make([]domain.CustodyEntry, 0, len(p.custody))
	for k, v := range p.custody {
		out = append(out, domain.CustodyEntry{Collateral: k, Amount: new(uint256.Int).Set(v)})
	}
	return out
}

// Residual compares, per collateral asset, the custody record against what
// every outstanding root-level position would be paid at its resolved rate.
// Assets with an outstanding root position under an unresolved condition
// are skipped. Surplus is truncation dust plus value still parked in nested
// positions. Shortfall means more claims were minted than collateral was
// locked, which only overlapping partitions can do.
func (p *Projector) Residual() (surplus, shortfall []domain.CustodyEntry) {
	claims := make(map[common.Address]*uint256.Int)
	open := make(map[common.Address]bool)
	for k, bal := range p.balances {
		root, ok := p.roots[k.id]
		if !ok {
			continue
		}
		c := p.conditions[root.condition]
		if !c.Resolved() {
			open[root.collateral] = true
			continue
		}
		claim, overflow := new(uint256.Int).MulOverflow(bal, c.PayoutFor(root.set))
		if overflow {
			claim.SetAllOne()
		} else {
			claim.Div(claim, c.PayoutDenominator)
		}
		sum := claims[root.collateral]
		if sum == nil {
			sum = new(uint256.Int)
			claims[root.collateral] = sum
		}
		if _, overflow := sum.AddOverflow(sum, claim); overflow {
			sum.SetAllOne()
		}
	}

	assets := make(map[common.Address]struct{}, len(claims)+len(p.custody))
	for a := range claims {
		assets[a] = struct{}{}
	}
	for a := range p.custody {
		assets[a] = struct{}{}
	}
	for asset := range assets {
		if open[asset] {
			continue
		}
		held := p.custody[asset]
		if held == nil {
			held = new(uint256.Int)
		}
		claim := claims[asset]
		if claim == nil {
			claim = new(uint256.Int)
		}
		switch {
		case held.Gt(claim):
			surplus = append(surplus, domain.CustodyEntry{Collateral: asset, Amount: new(uint256.Int).Sub(held, claim)})
		case claim.Gt(held):
			shortfall = append(shortfall, domain.CustodyEntry{Collateral: asset, Amount: new(uint256.Int).Sub(claim, held)})
		}
	}
	sort.Slice(surplus, func(i, j int) bool { return surplus[i].Collateral.Cmp(surplus[j].Collateral) < 0 })
	sort.Slice(shortfall, func(i, j int) bool { return shortfall[i].Collateral.Cmp(shortfall[j].Collateral) < 0 })
	return surplus, shortfall
}

// ReplayStore pages through the store's event log and applies every event.
func (p *Projector) ReplayStore(ctx context.Context, reader domain.LedgerReader) error {
	for {
		events, err := reader.ListEvents(ctx, p.lastSeq, replayPageSize)
		if err != nil {
			return fmt.Errorf("projector: list events after %d: %w", p.lastSeq, err)
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			if err := p.Apply(ev); err != nil {
				return err
			}
		}
	}
}

// ReplayEvents applies an already loaded, ordered event slice.
func (p *Projector) ReplayEvents(events []domain.LedgerEvent) error {
	for _, ev := range events {
		if err := p.Apply(ev); err != nil {
			return err
		}
	}
	return nil
}
