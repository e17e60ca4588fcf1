package mapper

import (
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradelink/src/events"
	"tradelink/src/protocol"
)

// Normalizer maps raw wire frames onto canonical events. It owns the alias
// resolution and the unknown-type-code bookkeeping; it never mutates state
// and never fails a whole message over one bad field.
type Normalizer struct {
	mu          sync.Mutex
	seenUnknown map[int]struct{}
}

func NewNormalizer() *Normalizer {
	return &Normalizer{
		seenUnknown: make(map[int]struct{}),
	}
}

// Normalize converts one decoded frame into a canonical event. Unknown type
// codes produce an Unknown event and are logged once per code; high-frequency
// unrecognized types must not flood the log.
func (n *Normalizer) Normalize(frame *protocol.RawFrame) events.Event {
	switch frame.Type {
	case protocol.TypeHeartbeat:
		return events.Event{Kind: events.KindHeartbeat, At: time.Now().UTC()}

	case protocol.TypeBalanceUpdate:
		return n.normalizeBalance(frame)

	case protocol.TypePositionUpdate:
		return n.normalizePosition(frame)

	case protocol.TypeOrderUpdate, protocol.TypeHistoricalFillResponse:
		return n.normalizeOrder(frame)

	case protocol.TypeAccountResponse:
		return n.normalizeAccount(frame)

	default:
		n.logUnknownOnce(frame.Type)
		return events.Event{
			Kind: events.KindUnknown,
			At:   time.Now().UTC(),
			Raw:  &events.RawPayload{TypeCode: frame.Type},
		}
	}
}

func (n *Normalizer) normalizeBalance(frame *protocol.RawFrame) events.Event {
	account, _ := firstString(frame.Fields, accountAliases)
	balance, _ := firstFloat(frame.Fields, balanceAliases)

	return events.Event{
		Kind: events.KindBalanceUpdate,
		At:   time.Now().UTC(),
		Balance: &events.BalancePayload{
			Account: account,
			Balance: balance,
			Equity:  floatPtr(frame.Fields, equityAliases),
		},
	}
}

func (n *Normalizer) normalizePosition(frame *protocol.RawFrame) events.Event {
	account, _ := firstString(frame.Fields, accountAliases)
	symbol, _ := firstString(frame.Fields, symbolAliases)
	quantity, _ := firstFloat(frame.Fields, quantityAliases)
	price, _ := firstFloat(frame.Fields, priceAliases)

	return events.Event{
		Kind: events.KindPositionUpdate,
		At:   time.Now().UTC(),
		Position: &events.PositionPayload{
			Account:       account,
			Symbol:        symbol,
			Quantity:      quantity,
			AveragePrice:  price,
			UnrealizedPnl: floatPtr(frame.Fields, upnlAliases),
		},
	}
}

func (n *Normalizer) normalizeOrder(frame *protocol.RawFrame) events.Event {
	account, _ := firstString(frame.Fields, accountAliases)
	symbol, _ := firstString(frame.Fields, symbolAliases)
	orderID, _ := firstString(frame.Fields, orderIDAliases)
	fillID, _ := firstString(frame.Fields, fillIDAliases)
	side, _ := firstString(frame.Fields, sideAliases)
	status, _ := firstString(frame.Fields, statusAliases)
	parentID, _ := firstString(frame.Fields, parentIDAliases)
	fillQty, _ := firstFloat(frame.Fields, fillQtyAliases)
	fillPx, _ := firstFloat(frame.Fields, fillPxAliases)
	fillTime, _ := firstInt64(frame.Fields, fillTimeAliases)

	return events.Event{
		Kind: events.KindOrderUpdate,
		At:   time.Now().UTC(),
		Order: &events.OrderPayload{
			Account:      account,
			Symbol:       symbol,
			OrderID:      orderID,
			FillID:       fillID,
			Side:         side,
			Status:       status,
			FilledQty:    fillQty,
			FillPrice:    fillPx,
			StopPrice:    floatPtr(frame.Fields, stopAliases),
			TargetPrice:  floatPtr(frame.Fields, targetAliases),
			ParentID:     parentID,
			FillTimeUnix: fillTime,
		},
	}
}

func (n *Normalizer) normalizeAccount(frame *protocol.RawFrame) events.Event {
	account, _ := firstString(frame.Fields, accountAliases)

	return events.Event{
		Kind: events.KindAccountInfo,
		At:   time.Now().UTC(),
		Account: &events.AccountPayload{
			Account: account,
		},
	}
}

func (n *Normalizer) logUnknownOnce(typeCode int) {
	n.mu.Lock()
	_, seen := n.seenUnknown[typeCode]
	if !seen {
		n.seenUnknown[typeCode] = struct{}{}
	}
	n.mu.Unlock()

	if !seen {
		logger.WithFields(map[string]interface{}{
			"component": "Normalizer",
			"type_code": typeCode,
		}).Warn("Unknown wire type code, ignoring this and further occurrences")
	}
}
