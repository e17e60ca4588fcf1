package model

import "time"

// OpenPosition is the single open position for a (mode, account) scope.
// It is created on the first fill that establishes a non-zero quantity,
// mutated on subsequent fills and price ticks, and converted into a Trade
// when the quantity returns to zero.
type OpenPosition struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Mode    Mode   `gorm:"size:10;not null;index:idx_open_positions_scope,unique" json:"mode"`
	Account string `gorm:"size:60;not null;index:idx_open_positions_scope,unique" json:"account"`
	Symbol  string `gorm:"size:30;not null" json:"symbol"`

	// Quantity is signed: positive = long, negative = short.
	Quantity   float64   `json:"quantity"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`

	// Market context captured at entry.
	EntryVWAP     float64 `json:"entry_vwap"`
	EntryCumDelta float64 `json:"entry_cum_delta"`

	// Running price extremes since entry, updated on every tick.
	MinPrice float64 `json:"min_price"`
	MaxPrice float64 `json:"max_price"`

	// Optional bracket levels.
	StopPrice   *float64 `json:"stop_price,omitempty"`
	TargetPrice *float64 `json:"target_price,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (OpenPosition) TableName() string {
	return "open_positions"
}

// DirectionSign returns +1 for a long position and -1 for a short one.
func (p *OpenPosition) DirectionSign() float64 {
	if p.Quantity < 0 {
		return -1
	}
	return 1
}

func (p *OpenPosition) IsLong() bool {
	return p.Quantity > 0
}

func (p *OpenPosition) Scope() Scope {
	return Scope{Mode: p.Mode, Account: p.Account}
}
