package model

import (
	"time"

	"gorm.io/datatypes"
)

// ClosedPositionModel maps to 'closed_positions' table.
type ClosedPositionModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;index:idx_closed_symbol_time,priority:1"`
	Side          string         `gorm:"column:side"`
	EntryPrice    float64        `gorm:"column:entry_price"`
	ExitPrice     float64        `gorm:"column:exit_price"`
	Size          float64        `gorm:"column:size"`
	Leverage      int            `gorm:"column:leverage"`
	RealizedPnL   float64        `gorm:"column:realized_pnl"`
	PnLPct        float64        `gorm:"column:pnl_pct"`
	Reason        string         `gorm:"column:reason"`
	Reasons       datatypes.JSON `gorm:"column:reasons;type:TEXT"`
	OpenedAtUnix  int64          `gorm:"column:opened_at"`
	ClosedAtUnix  int64          `gorm:"column:closed_at;index:idx_closed_symbol_time,priority:2"`
	CreatedAtUnix int64          `gorm:"column:created_at"`

	OpenedAt time.Time `gorm:"-"`
	ClosedAt time.Time `gorm:"-"`
}

func (ClosedPositionModel) TableName() string { return "closed_positions" }

// LifecycleEventModel maps to 'lifecycle_events' table.
type LifecycleEventModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Symbol        string         `gorm:"column:symbol;index"`
	Kind          string         `gorm:"column:kind;index"`
	FromState     string         `gorm:"column:from_state"`
	ToState       string         `gorm:"column:to_state"`
	Reason        string         `gorm:"column:reason"`
	Title         string         `gorm:"column:title"`
	Payload       datatypes.JSON `gorm:"column:payload;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (LifecycleEventModel) TableName() string { return "lifecycle_events" }
