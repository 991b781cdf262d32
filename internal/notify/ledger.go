package notify

import (
	"context"
	"strconv"
	"strings"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// EventMarketCreated is the notification event name for factory markets.
const EventMarketCreated = "MarketCreated"

// NotifyLedgerEvent renders a committed ledger event and forwards it through
// the event filter. Event types without a rendering are ignored.
func (n *Notifier) NotifyLedgerEvent(ctx context.Context, ev domain.LedgerEvent) error {
	if !n.Enabled(string(ev.Type)) {
		return nil
	}
	a, ok, err := renderLedgerEvent(ev)
	if err != nil || !ok {
		return err
	}
	return n.Deliver(ctx, a)
}

// NotifyMarketCreated announces a market minted by the factory.
func (n *Notifier) NotifyMarketCreated(ctx context.Context, m domain.Market) error {
	return n.Deliver(ctx, Alert{
		Event: EventMarketCreated,
		Title: "Market created",
		Body:  m.Question,
		Fields: []Field{
			{"condition", m.ConditionID.Hex()},
			{"YES", m.TokenIDs[0].String()},
			{"NO", m.TokenIDs[1].String()},
			{"funding", m.Funding.Dec()},
		},
	})
}

func renderLedgerEvent(ev domain.LedgerEvent) (Alert, bool, error) {
	a := Alert{Event: string(ev.Type)}
	switch ev.Type {
	case domain.EventConditionResolution:
		var p domain.ConditionResolutionEvent
		if err := ev.Decode(&p); err != nil {
			return Alert{}, false, err
		}
		nums := make([]string, len(p.PayoutNumerators))
		for i, v := range p.PayoutNumerators {
			nums[i] = v.Dec()
		}
		a.Title = "Condition resolved"
		a.Fields = []Field{
			{"condition", p.ConditionID.Hex()},
			{"oracle", p.Oracle.Hex()},
			{"payouts", "[" + strings.Join(nums, ", ") + "]"},
		}
		return a, true, nil

	case domain.EventConditionPreparation:
		var p domain.ConditionPreparationEvent
		if err := ev.Decode(&p); err != nil {
			return Alert{}, false, err
		}
		a.Title = "Condition prepared"
		a.Fields = []Field{
			{"condition", p.ConditionID.Hex()},
			{"oracle", p.Oracle.Hex()},
			{"outcomes", strconv.Itoa(p.OutcomeSlotCount)},
		}
		return a, true, nil
	}
	return Alert{}, false, nil
}
