package model

import "time"

const (
	TradeDirectionLong  = "long"
	TradeDirectionShort = "short"
)

// Trade is a closed position. Rows are append-only and never mutated after
// persistence; together they form the ledger that SIM balances are projected
// from.
type Trade struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Mode    Mode   `gorm:"size:10;not null;index:idx_trades_scope" json:"mode"`
	Account string `gorm:"size:60;not null;index:idx_trades_scope" json:"account"`
	Symbol  string `gorm:"size:30;not null" json:"symbol"`

	Direction string  `gorm:"size:10;not null" json:"direction"`
	Quantity  float64 `json:"quantity"`

	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `gorm:"index" json:"exit_time"`

	RealizedPnl float64 `json:"realized_pnl"`
	Commission  float64 `json:"commission"`

	// Metrics computed at closure. RMultiple is nil when no stop was set,
	// Efficiency is nil when MFE was zero.
	RMultiple  *float64 `json:"r_multiple,omitempty"`
	Mae        float64  `json:"mae"`
	Mfe        float64  `json:"mfe"`
	Efficiency *float64 `json:"efficiency,omitempty"`

	// FillID is the stable identifier of the closing fill. The unique index
	// is the second line of defense behind the pipeline's duplicate check.
	FillID string `gorm:"size:80;not null;uniqueIndex" json:"fill_id"`

	CreatedAt time.Time `json:"created_at"`
}

func (Trade) TableName() string {
	return "trades"
}

func (t *Trade) Scope() Scope {
	return Scope{Mode: t.Mode, Account: t.Account}
}
