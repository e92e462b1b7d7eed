package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"perpagent/internal/decision"
	"perpagent/internal/position"
	"perpagent/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type closedRepo struct {
	db *gorm.DB
}

func newClosedRepo(db *gorm.DB) *closedRepo {
	return &closedRepo{db: db}
}

func (r *closedRepo) Insert(ctx context.Context, cp position.ClosedPosition) error {
	reasons, err := json.Marshal(cp.Reasons)
	if err != nil {
		return err
	}
	row := model.ClosedPositionModel{
		Symbol:        strings.ToUpper(strings.TrimSpace(cp.Symbol)),
		Side:          string(cp.Side),
		EntryPrice:    cp.EntryPrice,
		ExitPrice:     cp.ExitPrice,
		Size:          cp.Size,
		Leverage:      cp.Leverage,
		RealizedPnL:   cp.RealizedPnL,
		PnLPct:        cp.PnLPct,
		Reason:        cp.Reason,
		Reasons:       datatypes.JSON(reasons),
		OpenedAtUnix:  cp.OpenedAt.UnixMilli(),
		ClosedAtUnix:  cp.ClosedAt.UnixMilli(),
		CreatedAtUnix: time.Now().UnixMilli(),
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *closedRepo) List(ctx context.Context, symbol string, limit int) ([]position.ClosedPosition, error) {
	q := r.scoped(ctx, symbol).Order("closed_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []model.ClosedPositionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toClosed(rows), nil
}

func (r *closedRepo) Ascending(ctx context.Context, symbol string) ([]position.ClosedPosition, error) {
	var rows []model.ClosedPositionModel
	if err := r.scoped(ctx, symbol).Order("closed_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return toClosed(rows), nil
}

func (r *closedRepo) scoped(ctx context.Context, symbol string) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&model.ClosedPositionModel{})
	if s := strings.ToUpper(strings.TrimSpace(symbol)); s != "" {
		q = q.Where("symbol = ?", s)
	}
	return q
}

func toClosed(rows []model.ClosedPositionModel) []position.ClosedPosition {
	out := make([]position.ClosedPosition, 0, len(rows))
	for _, m := range rows {
		var reasons []string
		if len(m.Reasons) > 0 {
			_ = json.Unmarshal(m.Reasons, &reasons)
		}
		out = append(out, position.ClosedPosition{
			Symbol:      m.Symbol,
			Side:        decision.Direction(m.Side),
			EntryPrice:  m.EntryPrice,
			ExitPrice:   m.ExitPrice,
			Size:        m.Size,
			Leverage:    m.Leverage,
			RealizedPnL: m.RealizedPnL,
			PnLPct:      m.PnLPct,
			Reason:      m.Reason,
			Reasons:     reasons,
			OpenedAt:    time.UnixMilli(m.OpenedAtUnix).UTC(),
			ClosedAt:    time.UnixMilli(m.ClosedAtUnix).UTC(),
		})
	}
	return out
}
