package model

import "gorm.io/datatypes"

// TradeRecordModel is the append-only closed-trade journal row.
type TradeRecordModel struct {
	ID          int64          `gorm:"column:id;primaryKey"`
	PositionID  string         `gorm:"column:position_id;uniqueIndex"`
	Symbol      string         `gorm:"column:symbol;index"`
	Side        string         `gorm:"column:side"`
	Stake       float64        `gorm:"column:stake"`
	Quantity    float64        `gorm:"column:quantity"`
	EntryPrice  float64        `gorm:"column:entry_price"`
	ExitPrice   float64        `gorm:"column:exit_price"`
	StopLoss    float64        `gorm:"column:stop_loss"`
	TakeProfit  float64        `gorm:"column:take_profit"`
	RealizedPnL float64        `gorm:"column:realized_pnl"`
	CloseReason string         `gorm:"column:close_reason"`
	Context     datatypes.JSON `gorm:"column:context;type:TEXT"`
	OpenedAtMs  int64          `gorm:"column:opened_at;index"`
	ClosedAtMs  int64          `gorm:"column:closed_at;index"`
	CreatedAtMs int64          `gorm:"column:created_at"`
}

func (TradeRecordModel) TableName() string { return "trade_records" }

// RiskSnapshotModel persists the daily risk counters as a single row,
// replaced in place on every update.
type RiskSnapshotModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	Day           string  `gorm:"column:day"`
	TradeCount    int     `gorm:"column:trade_count"`
	RealizedLoss  float64 `gorm:"column:realized_loss"`
	LastTradeAtMs int64   `gorm:"column:last_trade_at"`
	Equity        float64 `gorm:"column:equity"`
	UpdatedAtMs   int64   `gorm:"column:updated_at"`
}

func (RiskSnapshotModel) TableName() string { return "risk_snapshots" }
