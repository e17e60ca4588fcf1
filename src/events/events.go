package events

import (
	"time"

	"tradelink/src/model"
)

// Kind tags the one event union every cross-component notification flows
// through. Inbound kinds are produced by the mapper from wire frames;
// outbound kinds are produced by the core for the UI and other collaborators.
type Kind string

const (
	// Inbound canonical kinds.
	KindBalanceUpdate  Kind = "BalanceUpdate"
	KindPositionUpdate Kind = "PositionUpdate"
	KindOrderUpdate    Kind = "OrderUpdate"
	KindAccountInfo    Kind = "AccountInfo"
	KindHeartbeat      Kind = "Heartbeat"
	KindUnknown        Kind = "Unknown"

	// Outbound kinds.
	KindPositionOpened         Kind = "PositionOpened"
	KindPositionUpdated        Kind = "PositionUpdated"
	KindPositionClosed         Kind = "PositionClosed"
	KindBalanceChanged         Kind = "BalanceChanged"
	KindModeChanged            Kind = "ModeChanged"
	KindModeDriftDetected      Kind = "ModeDriftDetected"
	KindConnectionStateChanged Kind = "ConnectionStateChanged"
	KindValidationFailed       Kind = "ValidationFailed"
)

// Event is the tagged union. Exactly one payload pointer matching Kind is
// non-nil.
type Event struct {
	Kind  Kind        `json:"kind"`
	At    time.Time   `json:"at"`
	Scope model.Scope `json:"scope"`

	Balance    *BalancePayload    `json:"balance,omitempty"`
	Position   *PositionPayload   `json:"position,omitempty"`
	Order      *OrderPayload      `json:"order,omitempty"`
	Account    *AccountPayload    `json:"account,omitempty"`
	Connection *ConnectionPayload `json:"connection,omitempty"`
	Drift      *DriftPayload      `json:"drift,omitempty"`
	Trade      *TradePayload      `json:"trade,omitempty"`
	Failure    *FailurePayload    `json:"failure,omitempty"`
	Raw        *RawPayload        `json:"raw,omitempty"`
}

// BalancePayload carries a broker balance push (inbound) or a recomputed
// ledger balance (outbound BalanceChanged).
type BalancePayload struct {
	Account string   `json:"account"`
	Balance float64  `json:"balance"`
	Equity  *float64 `json:"equity,omitempty"`
}

// PositionPayload carries a broker position push (inbound) or a position
// opened/updated notification (outbound).
type PositionPayload struct {
	Account       string   `json:"account"`
	Symbol        string   `json:"symbol"`
	Quantity      float64  `json:"quantity"`
	AveragePrice  float64  `json:"average_price"`
	UnrealizedPnl *float64 `json:"unrealized_pnl,omitempty"`
}

// OrderPayload carries a broker order/fill push.
type OrderPayload struct {
	Account      string   `json:"account"`
	Symbol       string   `json:"symbol"`
	OrderID      string   `json:"order_id"`
	FillID       string   `json:"fill_id"`
	Side         string   `json:"side"`
	Status       string   `json:"status"`
	FilledQty    float64  `json:"filled_qty"`
	FillPrice    float64  `json:"fill_price"`
	StopPrice    *float64 `json:"stop_price,omitempty"`
	TargetPrice  *float64 `json:"target_price,omitempty"`
	ParentID     string   `json:"parent_id,omitempty"`
	FillTimeUnix int64    `json:"fill_time_unix"`
}

type AccountPayload struct {
	Account string `json:"account"`
}

type ConnectionPayload struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// DriftPayload reports an inbound account disagreeing with the resolved
// scope, or a LIVE ledger-vs-broker balance audit difference.
type DriftPayload struct {
	ExpectedAccount string   `json:"expected_account"`
	ObservedAccount string   `json:"observed_account,omitempty"`
	LedgerBalance   *float64 `json:"ledger_balance,omitempty"`
	BrokerBalance   *float64 `json:"broker_balance,omitempty"`
}

type TradePayload struct {
	Trade model.Trade `json:"trade"`
}

type FailurePayload struct {
	Reason string `json:"reason"`
	FillID string `json:"fill_id,omitempty"`
	Symbol string `json:"symbol,omitempty"`
}

// RawPayload preserves the wire type code for Unknown events.
type RawPayload struct {
	TypeCode int `json:"type_code"`
}
